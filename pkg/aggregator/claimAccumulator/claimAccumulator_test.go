package claimAccumulator

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/logger"
	"github.com/gizatechxyz/avsthon/pkg/membership"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func operators(n int) []common.Address {
	ops := make([]common.Address, n)
	for i := range ops {
		ops[i] = common.BigToAddress(big.NewInt(int64(i + 1)))
	}
	return ops
}

func claimFor(taskId types.TaskId, op common.Address, result string) *types.Claim {
	return &types.Claim{
		SignedClaim: &types.SignedClaim{TaskId: taskId, Result: result},
		Operator:    op,
	}
}

func Test_ClaimAccumulator(t *testing.T) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	ops := operators(3)
	snapshot := membership.NewSnapshot(1, ops)
	taskId := types.TaskId{0x01}

	t.Run("trigger fires once at full participation", func(t *testing.T) {
		acc := NewClaimAccumulator(nil, l)

		out, err := acc.Add(claimFor(taskId, ops[0], "42"), snapshot)
		require.NoError(t, err)
		assert.Nil(t, out)

		out, err = acc.Add(claimFor(taskId, ops[1], "42"), snapshot)
		require.NoError(t, err)
		assert.Nil(t, out)

		out, err = acc.Add(claimFor(taskId, ops[2], "42"), snapshot)
		require.NoError(t, err)
		require.Len(t, out, 3)

		// late overwrite after completion does not trigger again
		out, err = acc.Add(claimFor(taskId, ops[2], "43"), snapshot)
		require.NoError(t, err)
		assert.Nil(t, out)
		assert.Equal(t, 3, acc.Len(taskId))
	})

	t.Run("duplicate claims overwrite", func(t *testing.T) {
		acc := NewClaimAccumulator(nil, l)
		for i := 0; i < 5; i++ {
			out, err := acc.Add(claimFor(taskId, ops[0], fmt.Sprintf("%d", i)), snapshot)
			require.NoError(t, err)
			assert.Nil(t, out)
		}
		assert.Equal(t, 1, acc.Len(taskId))
	})

	t.Run("partial participation never triggers", func(t *testing.T) {
		acc := NewClaimAccumulator(nil, l)
		for _, op := range ops[:2] {
			out, err := acc.Add(claimFor(taskId, op, "42"), snapshot)
			require.NoError(t, err)
			assert.Nil(t, out)
		}
		assert.Equal(t, 2, acc.Len(taskId))
	})

	t.Run("snapshot is pinned by the first claim", func(t *testing.T) {
		acc := NewClaimAccumulator(nil, l)
		_, err := acc.Add(claimFor(taskId, ops[0], "42"), snapshot)
		require.NoError(t, err)

		outsider := common.HexToAddress("0x00000000000000000000000000000000000000ff")
		grown := membership.NewSnapshot(2, append(ops, outsider))

		_, err = acc.Add(claimFor(taskId, outsider, "42"), grown)
		assert.ErrorIs(t, err, ErrOperatorNotInSnapshot)
		assert.Equal(t, 1, acc.Len(taskId))

		// the task still completes against the pinned three-operator snapshot
		_, err = acc.Add(claimFor(taskId, ops[1], "42"), grown)
		require.NoError(t, err)
		out, err := acc.Add(claimFor(taskId, ops[2], "42"), grown)
		require.NoError(t, err)
		assert.Len(t, out, 3)

		pinned := acc.Snapshot(taskId)
		require.NotNil(t, pinned)
		assert.Equal(t, snapshot.Epoch, pinned.Epoch)
		assert.Equal(t, 3, pinned.Size())
		assert.Nil(t, acc.Snapshot(types.TaskId{0xff}))
	})

	t.Run("nil claim", func(t *testing.T) {
		acc := NewClaimAccumulator(nil, l)
		_, err := acc.Add(nil, snapshot)
		assert.ErrorIs(t, err, ErrNilClaim)
	})

	t.Run("concurrent interleaved submissions trigger exactly once", func(t *testing.T) {
		bigOps := operators(16)
		bigSnapshot := membership.NewSnapshot(1, bigOps)
		acc := NewClaimAccumulator(nil, l)

		var triggers atomic.Int32
		var wg sync.WaitGroup
		order := rand.Perm(len(bigOps) * 3)
		for _, i := range order {
			op := bigOps[i%len(bigOps)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := acc.Add(claimFor(taskId, op, "7"), bigSnapshot)
				assert.NoError(t, err)
				if out != nil {
					assert.Len(t, out, len(bigOps))
					triggers.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), triggers.Load())
		assert.Equal(t, len(bigOps), acc.Len(taskId))
	})
}

func Test_ClaimAccumulatorRetention(t *testing.T) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	ops := operators(2)
	snapshot := membership.NewSnapshot(1, ops)

	t.Run("remove on finalize", func(t *testing.T) {
		acc := NewClaimAccumulator(&Config{}, l)
		taskId := types.TaskId{0x02}
		_, err := acc.Add(claimFor(taskId, ops[0], "1"), snapshot)
		require.NoError(t, err)

		acc.MarkFinalized(taskId)
		assert.Equal(t, 0, acc.Tasks())
	})

	t.Run("finalized ttl", func(t *testing.T) {
		acc := NewClaimAccumulator(&Config{FinalizedTtl: time.Minute}, l)
		now := time.Unix(1_700_000_000, 0)
		acc.now = func() time.Time { return now }

		taskId := types.TaskId{0x03}
		_, err := acc.Add(claimFor(taskId, ops[0], "1"), snapshot)
		require.NoError(t, err)
		acc.MarkFinalized(taskId)
		assert.Equal(t, 1, acc.Tasks())

		assert.Equal(t, 0, acc.Prune(now.Add(30*time.Second)))
		assert.Equal(t, 1, acc.Prune(now.Add(time.Minute)))
		assert.Equal(t, 0, acc.Tasks())
	})

	t.Run("pending ttl", func(t *testing.T) {
		acc := NewClaimAccumulator(&Config{FinalizedTtl: time.Hour, PendingTtl: time.Minute}, l)
		now := time.Unix(1_700_000_000, 0)
		acc.now = func() time.Time { return now }

		_, err := acc.Add(claimFor(types.TaskId{0x04}, ops[0], "1"), snapshot)
		require.NoError(t, err)
		assert.Equal(t, 0, acc.Prune(now.Add(59*time.Second)))
		assert.Equal(t, 1, acc.Prune(now.Add(2*time.Minute)))
	})

	t.Run("pending entries kept without pending ttl", func(t *testing.T) {
		acc := NewClaimAccumulator(&Config{FinalizedTtl: time.Hour}, l)
		_, err := acc.Add(claimFor(types.TaskId{0x05}, ops[0], "1"), snapshot)
		require.NoError(t, err)
		assert.Equal(t, 0, acc.Prune(time.Now().Add(24*time.Hour)))
	})

	t.Run("janitor sweeps", func(t *testing.T) {
		acc := NewClaimAccumulator(&Config{PendingTtl: time.Nanosecond, SweepInterval: 5 * time.Millisecond}, l)
		_, err := acc.Add(claimFor(types.TaskId{0x06}, ops[0], "1"), snapshot)
		require.NoError(t, err)

		require.NoError(t, acc.Start(context.Background()))
		defer acc.Close()

		assert.Eventually(t, func() bool { return acc.Tasks() == 0 }, time.Second, 5*time.Millisecond)
	})
}
