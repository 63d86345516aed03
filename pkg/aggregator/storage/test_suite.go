package storage

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSuite defines a test suite that all storage implementations must pass
type TestSuite struct {
	NewStore func() (AggregatorStore, error)
}

// Run executes all storage interface compliance tests
func (s *TestSuite) Run(t *testing.T) {
	t.Run("BlockCheckpoint", s.testBlockCheckpoint)
	t.Run("TaskManagement", s.testTaskManagement)
	t.Run("VerdictManagement", s.testVerdictManagement)
	t.Run("Lifecycle", s.testLifecycle)
	t.Run("ConcurrentAccess", s.testConcurrentAccess)
}

func testTaskId(seed string) types.TaskId {
	return types.TaskId(crypto.Keccak256Hash([]byte(seed)))
}

func (s *TestSuite) testBlockCheckpoint(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	_, err = store.GetLastProcessedBlock(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveLastProcessedBlock(ctx, 2577255))
	block, err := store.GetLastProcessedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2577255), block)

	require.NoError(t, store.SaveLastProcessedBlock(ctx, 2577300))
	block, err = store.GetLastProcessedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2577300), block)
}

func (s *TestSuite) testTaskManagement(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	taskId := testTaskId("task-management")

	_, err = store.GetTask(ctx, taskId)
	assert.ErrorIs(t, err, ErrNotFound)

	task := &types.Task{
		TaskId:      taskId,
		AppId:       common.HexToHash("0xc86aab04e8ef18a63006f43fa41a2a0150bae3dbe276d581fa8b5cde0ccbc966"),
		Status:      types.TaskStatus_Pending,
		BlockNumber: 100,
	}
	require.NoError(t, store.SaveTask(ctx, task))
	assert.ErrorIs(t, store.SaveTask(ctx, task), ErrAlreadyExists)

	retrieved, err := store.GetTask(ctx, taskId)
	require.NoError(t, err)
	assert.Equal(t, task.TaskId, retrieved.TaskId)
	assert.Equal(t, task.AppId, retrieved.AppId)
	assert.Equal(t, types.TaskStatus_Pending, retrieved.Status)
	assert.Equal(t, uint64(100), retrieved.BlockNumber)

	pending, err := store.ListTasksByStatus(ctx, types.TaskStatus_Pending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, taskId, pending[0].TaskId)

	// skipping Pending is not allowed
	other := testTaskId("task-management-empty")
	require.NoError(t, store.SaveTask(ctx, &types.Task{TaskId: other, Status: types.TaskStatus_Empty}))
	err = store.UpdateTaskStatus(ctx, other, types.TaskStatus_Completed)
	assert.ErrorIs(t, err, ErrInvalidTaskStatus)

	require.NoError(t, store.UpdateTaskStatus(ctx, taskId, types.TaskStatus_Completed))
	retrieved, err = store.GetTask(ctx, taskId)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatus_Completed, retrieved.Status)

	// terminal states are final
	err = store.UpdateTaskStatus(ctx, taskId, types.TaskStatus_Failed)
	assert.ErrorIs(t, err, ErrInvalidTaskStatus)
	err = store.UpdateTaskStatus(ctx, taskId, types.TaskStatus_Pending)
	assert.ErrorIs(t, err, ErrInvalidTaskStatus)

	pending, err = store.ListTasksByStatus(ctx, types.TaskStatus_Pending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	completed, err := store.ListTasksByStatus(ctx, types.TaskStatus_Completed)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, taskId, completed[0].TaskId)

	err = store.UpdateTaskStatus(ctx, testTaskId("missing"), types.TaskStatus_Pending)
	assert.ErrorIs(t, err, ErrNotFound)
}

func (s *TestSuite) testVerdictManagement(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	taskId := testTaskId("verdict-management")
	operators := []common.Address{
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}

	_, err = store.GetVerdict(ctx, taskId)
	assert.ErrorIs(t, err, ErrNotFound)

	verdict := types.CompletedVerdict(taskId, big.NewInt(42), operators)
	require.NoError(t, store.SaveVerdict(ctx, verdict))
	assert.ErrorIs(t, store.SaveVerdict(ctx, verdict), ErrAlreadyExists)

	failedId := testTaskId("verdict-management-failed")
	require.NoError(t, store.SaveVerdict(ctx, types.FailedVerdict(failedId, operators)))

	unfinalized, err := store.ListUnfinalizedVerdicts(ctx)
	require.NoError(t, err)
	assert.Len(t, unfinalized, 2)

	record, err := store.GetVerdict(ctx, taskId)
	require.NoError(t, err)
	assert.False(t, record.Finalized)
	assert.Equal(t, types.TaskStatus_Completed, record.Verdict.Status)
	assert.Equal(t, 0, record.Verdict.Value.Cmp(big.NewInt(42)))
	assert.Equal(t, operators, record.Verdict.Operators)

	require.NoError(t, store.MarkVerdictFinalized(ctx, taskId, "0xabc"))
	record, err = store.GetVerdict(ctx, taskId)
	require.NoError(t, err)
	assert.True(t, record.Finalized)
	assert.Equal(t, "0xabc", record.TxHash)

	unfinalized, err = store.ListUnfinalizedVerdicts(ctx)
	require.NoError(t, err)
	require.Len(t, unfinalized, 1)
	assert.Equal(t, failedId, unfinalized[0].Verdict.TaskId)
	assert.Equal(t, 0, unfinalized[0].Verdict.Value.Sign())

	assert.ErrorIs(t, store.MarkVerdictFinalized(ctx, testTaskId("missing"), "0x"), ErrNotFound)
}

func (s *TestSuite) testLifecycle(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Close())

	_, err = store.GetTask(ctx, testTaskId("closed"))
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.SaveTask(ctx, &types.Task{TaskId: testTaskId("closed")}), ErrStoreClosed)
	assert.ErrorIs(t, store.SaveLastProcessedBlock(ctx, 1), ErrStoreClosed)
	_, err = store.ListUnfinalizedVerdicts(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)

	// closing twice is harmless
	assert.NoError(t, store.Close())
}

func (s *TestSuite) testConcurrentAccess(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	const numTasks = 20

	var wg sync.WaitGroup
	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			taskId := testTaskId(fmt.Sprintf("concurrent-%d", i))
			assert.NoError(t, store.SaveTask(ctx, &types.Task{TaskId: taskId, Status: types.TaskStatus_Pending}))
			assert.NoError(t, store.UpdateTaskStatus(ctx, taskId, types.TaskStatus_Failed))
			assert.NoError(t, store.SaveVerdict(ctx, types.FailedVerdict(taskId, nil)))
		}(i)
	}
	wg.Wait()

	failed, err := store.ListTasksByStatus(ctx, types.TaskStatus_Failed)
	require.NoError(t, err)
	assert.Len(t, failed, numTasks)

	unfinalized, err := store.ListUnfinalizedVerdicts(ctx)
	require.NoError(t, err)
	assert.Len(t, unfinalized, numTasks)
}
