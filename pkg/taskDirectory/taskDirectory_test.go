package taskDirectory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage/memory"
	"github.com/gizatechxyz/avsthon/pkg/logger"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var appId = common.HexToHash("0xc86aab04e8ef18a63006f43fa41a2a0150bae3dbe276d581fa8b5cde0ccbc966")

func taskIdFor(seed string) types.TaskId {
	return types.TaskId(crypto.Keccak256Hash([]byte(seed)))
}

func Test_TaskDirectory(t *testing.T) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("unknown tasks are empty", func(t *testing.T) {
		d := NewTaskDirectory(nil, l)
		assert.Equal(t, types.TaskStatus_Empty, d.Get(taskIdFor("unknown")))
		_, ok := d.GetTask(taskIdFor("unknown"))
		assert.False(t, ok)
	})

	t.Run("pending then final", func(t *testing.T) {
		d := NewTaskDirectory(nil, l)
		id := taskIdFor("lifecycle")

		assert.True(t, d.MarkPending(ctx, id, appId, 10))
		assert.False(t, d.MarkPending(ctx, id, appId, 10))
		assert.Equal(t, types.TaskStatus_Pending, d.Get(id))

		operators := []common.Address{common.HexToAddress("0x01")}
		require.NoError(t, d.MarkFinal(ctx, types.CompletedVerdict(id, big.NewInt(42), operators)))
		assert.Equal(t, types.TaskStatus_Completed, d.Get(id))

		task, ok := d.GetTask(id)
		require.True(t, ok)
		assert.Equal(t, 0, task.Result.Cmp(big.NewInt(42)))
		assert.Equal(t, operators, task.Executors)
		assert.Equal(t, appId, task.AppId)

		// a second verdict must not overwrite the first
		err := d.MarkFinal(ctx, types.FailedVerdict(id, operators))
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, types.TaskStatus_Completed, d.Get(id))

		// terminal tasks never return to pending
		assert.False(t, d.MarkPending(ctx, id, appId, 11))
		assert.Equal(t, types.TaskStatus_Completed, d.Get(id))
	})

	t.Run("final requires pending", func(t *testing.T) {
		d := NewTaskDirectory(nil, l)
		err := d.MarkFinal(ctx, types.FailedVerdict(taskIdFor("never-requested"), nil))
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, types.TaskStatus_Empty, d.Get(taskIdFor("never-requested")))
	})

	t.Run("verdict must be terminal", func(t *testing.T) {
		d := NewTaskDirectory(nil, l)
		id := taskIdFor("non-terminal")
		d.MarkPending(ctx, id, appId, 1)
		err := d.MarkFinal(ctx, &types.Verdict{TaskId: id, Status: types.TaskStatus_Pending})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("seed never downgrades terminal", func(t *testing.T) {
		d := NewTaskDirectory(nil, l)
		id := taskIdFor("seeded")

		assert.True(t, d.Seed(ctx, &types.Task{TaskId: id, Status: types.TaskStatus_Pending}))
		assert.True(t, d.Seed(ctx, &types.Task{TaskId: id, Status: types.TaskStatus_Failed}))
		assert.False(t, d.Seed(ctx, &types.Task{TaskId: id, Status: types.TaskStatus_Pending}))
		assert.False(t, d.Seed(ctx, &types.Task{TaskId: id, Status: types.TaskStatus_Completed}))
		assert.False(t, d.Seed(ctx, &types.Task{TaskId: id, Status: types.TaskStatus_Empty}))
		assert.Equal(t, types.TaskStatus_Failed, d.Get(id))
	})

	t.Run("only one concurrent verdict wins", func(t *testing.T) {
		d := NewTaskDirectory(nil, l)
		id := taskIdFor("race")
		d.MarkPending(ctx, id, appId, 1)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v := types.CompletedVerdict(id, big.NewInt(int64(i)), nil)
				if d.MarkFinal(ctx, v) == nil {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("write through and reload", func(t *testing.T) {
		store := memory.NewInMemoryAggregatorStore()
		d := NewTaskDirectory(store, l)

		for i := 0; i < 5; i++ {
			d.MarkPending(ctx, taskIdFor(fmt.Sprintf("persist-%d", i)), appId, uint64(i))
		}
		require.NoError(t, d.MarkFinal(ctx, types.FailedVerdict(taskIdFor("persist-0"), nil)))
		d.Seed(ctx, &types.Task{TaskId: taskIdFor("persist-history"), Status: types.TaskStatus_Completed})

		stored, err := store.GetTask(ctx, taskIdFor("persist-0"))
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatus_Failed, stored.Status)

		restored := NewTaskDirectory(store, l)
		n, err := restored.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, n)
		assert.Equal(t, 6, restored.Len())
		assert.Equal(t, types.TaskStatus_Failed, restored.Get(taskIdFor("persist-0")))
		assert.Equal(t, types.TaskStatus_Pending, restored.Get(taskIdFor("persist-1")))
		assert.Equal(t, types.TaskStatus_Completed, restored.Get(taskIdFor("persist-history")))
	})
}
