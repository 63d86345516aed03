package ethereumChainListener

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gizatechxyz/avsthon/pkg/chainListener"
	"github.com/gizatechxyz/avsthon/pkg/contracts"
	"github.com/gizatechxyz/avsthon/pkg/logger"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registryAddress = common.HexToAddress("0x6Da3D07a6BF01F02fB41c02984a49B5d9Aa6ea92")

type stream struct {
	logs []ethTypes.Log
	fail bool
}

type fakeBackend struct {
	bind.ContractBackend

	mu             sync.Mutex
	head           uint64
	history        []ethTypes.Log
	streams        []stream
	subscribeCalls int
	resets         atomic.Int32
}

func (f *fakeBackend) ContractBackend(ctx context.Context) (bind.ContractBackend, error) {
	return f, nil
}

func (f *fakeBackend) SubscriptionBackend(ctx context.Context) (bind.ContractBackend, error) {
	return f, nil
}

func (f *fakeBackend) ResetWebsocketClient() {
	f.resets.Add(1)
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*ethTypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &ethTypes.Header{Number: new(big.Int).SetUint64(f.head)}, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethTypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ethTypes.Log
	for _, l := range f.history {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeBackend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethTypes.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	i := f.subscribeCalls
	f.subscribeCalls++
	s := stream{fail: true}
	if i < len(f.streams) {
		s = f.streams[i]
	}
	f.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		for _, l := range s.logs {
			select {
			case ch <- l:
			case <-quit:
				return nil
			}
		}
		if s.fail {
			return errors.New("websocket closed")
		}
		<-quit
		return nil
	}), nil
}

func (f *fakeBackend) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls
}

func taskLog(t *testing.T, taskId byte, block uint64, index uint) ethTypes.Log {
	t.Helper()
	parsed, err := contracts.GetContractAbi(contracts.ContractName_TaskRegistry)
	require.NoError(t, err)

	ev := parsed.Events[contracts.Event_TaskRequested]
	data, err := ev.Inputs.NonIndexed().Pack(contracts.TaskRequest{AppId: common.BigToHash(big.NewInt(int64(taskId) + 1000))})
	require.NoError(t, err)

	return ethTypes.Log{
		Address:     registryAddress,
		Topics:      []common.Hash{ev.ID, common.BytesToHash([]byte{taskId})},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

type collectingSink struct {
	mu     sync.Mutex
	events []*chainListener.TaskRequestedEvent
}

func (c *collectingSink) Enqueue(ctx context.Context, ev *chainListener.TaskRequestedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectingSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newListener(t *testing.T, backend *fakeBackend, attempts int) *EthereumChainListener {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	listener, err := NewEthereumChainListener(backend, &EthereumChainListenerConfig{
		TaskRegistryAddress: registryAddress,
		ReconnectAttempts:   attempts,
		InitialRetryDelay:   time.Millisecond,
		MaxRetryDelay:       5 * time.Millisecond,
	}, l)
	require.NoError(t, err)
	return listener
}

func Test_EthereumChainListener_FetchHistory(t *testing.T) {
	backend := &fakeBackend{
		history: []ethTypes.Log{taskLog(t, 1, 100, 0), taskLog(t, 2, 105, 3)},
	}
	listener := newListener(t, backend, 3)

	events, err := listener.FetchHistory(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.TaskId(common.BytesToHash([]byte{1})), events[0].TaskId)
	assert.Equal(t, common.BigToHash(big.NewInt(1001)), events[0].AppId)
	assert.Equal(t, uint64(105), events[1].BlockNumber)
	assert.Equal(t, uint(3), events[1].LogIndex)
	assert.Equal(t, uint64(105), listener.getLastBlock())
}

func Test_EthereumChainListener_Subscribe(t *testing.T) {
	t.Run("delivers live events until cancelled", func(t *testing.T) {
		backend := &fakeBackend{
			streams: []stream{{logs: []ethTypes.Log{taskLog(t, 1, 10, 0), taskLog(t, 2, 11, 0), taskLog(t, 1, 10, 0)}}},
		}
		listener := newListener(t, backend, 3)
		sink := &collectingSink{}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- listener.Subscribe(ctx, sink) }()

		assert.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("subscribe did not return after cancel")
		}
		assert.Equal(t, 2, sink.len(), "duplicate log is delivered once")
	})

	t.Run("gives up after reconnect attempts", func(t *testing.T) {
		backend := &fakeBackend{}
		listener := newListener(t, backend, 3)

		err := listener.Subscribe(context.Background(), &collectingSink{})
		assert.ErrorIs(t, err, ErrSubscriptionLost)
		assert.Equal(t, 4, backend.subscriptions())
		assert.Equal(t, int32(3), backend.resets.Load())
	})

	t.Run("backfills missed blocks after resubscribing", func(t *testing.T) {
		backend := &fakeBackend{
			history: []ethTypes.Log{taskLog(t, 1, 100, 0)},
			streams: []stream{{fail: true}, {}},
		}
		listener := newListener(t, backend, 3)

		_, err := listener.FetchHistory(context.Background(), 0)
		require.NoError(t, err)

		// announced while the first subscription was down
		backend.mu.Lock()
		backend.history = append(backend.history, taskLog(t, 2, 101, 0))
		backend.mu.Unlock()

		sink := &collectingSink{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = listener.Subscribe(ctx, sink) }()

		assert.Eventually(t, func() bool { return backend.subscriptions() >= 2 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)

		sink.mu.Lock()
		assert.Equal(t, uint64(101), sink.events[0].BlockNumber)
		sink.mu.Unlock()
	})
	t.Run("backfills the gap after an empty history", func(t *testing.T) {
		backend := &fakeBackend{
			head:    200,
			streams: []stream{{}},
		}
		listener := newListener(t, backend, 3)

		events, err := listener.FetchHistory(context.Background(), 150)
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.Equal(t, uint64(200), listener.getLastBlock())

		// mined after the history query, before the subscription
		backend.mu.Lock()
		backend.history = append(backend.history, taskLog(t, 3, 201, 0))
		backend.head = 201
		backend.mu.Unlock()

		sink := &collectingSink{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = listener.Subscribe(ctx, sink) }()

		assert.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, backend.subscriptions())

		sink.mu.Lock()
		assert.Equal(t, types.TaskId(common.BytesToHash([]byte{3})), sink.events[0].TaskId)
		sink.mu.Unlock()
	})
}
