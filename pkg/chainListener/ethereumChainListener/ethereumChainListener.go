package ethereumChainListener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gizatechxyz/avsthon/pkg/chainListener"
	"github.com/gizatechxyz/avsthon/pkg/contracts"
	"github.com/gizatechxyz/avsthon/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	DefaultReconnectAttempts = 3

	seenLogsCacheSize = 4096
)

var ErrSubscriptionLost = errors.New("task event subscription lost")

// Backends provides the HTTP and websocket connections. *ethereum.Client
// satisfies it.
type Backends interface {
	ContractBackend(ctx context.Context) (bind.ContractBackend, error)
	SubscriptionBackend(ctx context.Context) (bind.ContractBackend, error)
	ResetWebsocketClient()
}

type EthereumChainListenerConfig struct {
	TaskRegistryAddress common.Address
	// ReconnectAttempts is how many times a failed subscription is re-established
	// before Subscribe gives up.
	ReconnectAttempts int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

type EthereumChainListener struct {
	backends Backends
	config   *EthereumChainListenerConfig
	logger   *zap.Logger

	mu sync.Mutex
	// lastBlock is the highest block known to be scanned once resumable is set.
	lastBlock uint64
	resumable bool
	seen      *lru.Cache[string, struct{}]
}

func NewEthereumChainListener(
	backends Backends,
	config *EthereumChainListenerConfig,
	logger *zap.Logger,
) (*EthereumChainListener, error) {
	if config.ReconnectAttempts < 0 {
		return nil, fmt.Errorf("reconnect attempts must not be negative")
	}
	if config.InitialRetryDelay <= 0 {
		config.InitialRetryDelay = time.Second
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = 30 * time.Second
	}
	seen, err := lru.New[string, struct{}](seenLogsCacheSize)
	if err != nil {
		return nil, err
	}
	return &EthereumChainListener{
		backends: backends,
		config:   config,
		logger:   logger,
		seen:     seen,
	}, nil
}

func (ecl *EthereumChainListener) registry(backend bind.ContractBackend) (*contracts.TaskRegistry, error) {
	return contracts.NewTaskRegistry(ecl.config.TaskRegistryAddress, backend)
}

func (ecl *EthereumChainListener) FetchHistory(ctx context.Context, fromBlock uint64) ([]*chainListener.TaskRequestedEvent, error) {
	backend, err := ecl.backends.ContractBackend(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := ecl.registry(backend)
	if err != nil {
		return nil, err
	}

	// the head is read first so that anything mined after the filter is
	// picked up by the first subscription's backfill
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}
	raw, err := registry.FilterTaskRequested(ctx, fromBlock)
	if err != nil {
		return nil, err
	}
	ecl.markScanned(head.Number.Uint64())

	events := make([]*chainListener.TaskRequestedEvent, 0, len(raw))
	for _, r := range raw {
		ev := toEvent(r)
		ecl.markSeen(ev)
		events = append(events, ev)
	}
	ecl.logger.Sugar().Infow("Fetched task history",
		"fromBlock", fromBlock,
		"events", len(events),
		"lastBlock", ecl.getLastBlock(),
	)
	return events, nil
}

func (ecl *EthereumChainListener) TaskStatus(ctx context.Context, taskId types.TaskId) (types.TaskStatus, error) {
	backend, err := ecl.backends.ContractBackend(ctx)
	if err != nil {
		return types.TaskStatus_Empty, err
	}
	registry, err := ecl.registry(backend)
	if err != nil {
		return types.TaskStatus_Empty, err
	}
	return registry.GetTaskStatus(ctx, taskId)
}

// Subscribe streams TaskRequested logs into sink. After each (re)subscription
// the blocks since the last scanned block are backfilled, so neither an outage
// nor the gap after FetchHistory loses announcements.
func (ecl *EthereumChainListener) Subscribe(ctx context.Context, sink chainListener.EventSink) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ecl.config.InitialRetryDelay
	bo.MaxInterval = ecl.config.MaxRetryDelay
	bo.MaxElapsedTime = 0

	failures := 0
	for {
		delivered, err := ecl.subscribeOnce(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if delivered {
			failures = 0
			bo.Reset()
		}
		failures++

		if failures > ecl.config.ReconnectAttempts {
			ecl.logger.Sugar().Errorw("Giving up on task event subscription",
				"attempts", failures,
				"error", err,
			)
			return fmt.Errorf("%w: %v", ErrSubscriptionLost, err)
		}

		delay := bo.NextBackOff()
		ecl.logger.Sugar().Warnw("Task event subscription failed, resubscribing",
			"attempt", failures,
			"maxAttempts", ecl.config.ReconnectAttempts,
			"delay", delay,
			"error", err,
		)
		ecl.backends.ResetWebsocketClient()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// subscribeOnce runs a single subscription until it fails or ctx is done and
// reports whether any event was delivered on it.
func (ecl *EthereumChainListener) subscribeOnce(ctx context.Context, sink chainListener.EventSink) (bool, error) {
	backend, err := ecl.backends.SubscriptionBackend(ctx)
	if err != nil {
		return false, err
	}
	registry, err := ecl.registry(backend)
	if err != nil {
		return false, err
	}

	logs, sub, err := registry.WatchTaskRequested(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to subscribe to task events: %w", err)
	}
	defer sub.Unsubscribe()

	ecl.logger.Sugar().Infow("Subscribed to task events", "registry", ecl.config.TaskRegistryAddress.Hex())

	delivered := false
	if from, ok := ecl.resumeBlock(); ok {
		n, err := ecl.backfill(ctx, from, sink)
		if err != nil {
			return false, err
		}
		delivered = n > 0
	}

	for {
		select {
		case <-ctx.Done():
			return delivered, nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return delivered, err
		case log := <-logs:
			ok, err := ecl.deliver(ctx, registry, log, sink)
			if err != nil {
				return delivered, err
			}
			delivered = delivered || ok
		}
	}
}

func (ecl *EthereumChainListener) backfill(ctx context.Context, fromBlock uint64, sink chainListener.EventSink) (int, error) {
	backend, err := ecl.backends.ContractBackend(ctx)
	if err != nil {
		return 0, err
	}
	registry, err := ecl.registry(backend)
	if err != nil {
		return 0, err
	}
	raw, err := registry.FilterTaskRequested(ctx, fromBlock)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range raw {
		ev := toEvent(r)
		if !ecl.markSeen(ev) {
			continue
		}
		if err := sink.Enqueue(ctx, ev); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		ecl.logger.Sugar().Infow("Backfilled task events", "fromBlock", fromBlock, "events", n)
	}
	return n, nil
}

func (ecl *EthereumChainListener) deliver(ctx context.Context, registry *contracts.TaskRegistry, log ethTypes.Log, sink chainListener.EventSink) (bool, error) {
	if log.Removed {
		ecl.logger.Sugar().Warnw("Ignoring removed task log", "txHash", log.TxHash.Hex(), "block", log.BlockNumber)
		return false, nil
	}
	raw, err := registry.ParseTaskRequested(log)
	if err != nil {
		ecl.logger.Sugar().Errorw("Failed to decode task log", "txHash", log.TxHash.Hex(), "error", err)
		return false, nil
	}
	ev := toEvent(raw)
	if !ecl.markSeen(ev) {
		return false, nil
	}

	ecl.logger.Sugar().Infow("Received task event",
		"taskId", ev.TaskId.Hex(),
		"appId", ev.AppId.Hex(),
		"block", ev.BlockNumber,
	)
	// blocks while the sink is full
	if err := sink.Enqueue(ctx, ev); err != nil {
		return false, err
	}
	return true, nil
}

// markSeen records an event and reports whether it was new.
func (ecl *EthereumChainListener) markSeen(ev *chainListener.TaskRequestedEvent) bool {
	key := fmt.Sprintf("%s:%d", ev.TxHash.Hex(), ev.LogIndex)

	ecl.mu.Lock()
	defer ecl.mu.Unlock()

	if ev.BlockNumber > ecl.lastBlock {
		ecl.lastBlock = ev.BlockNumber
	}
	ecl.resumable = true
	if ecl.seen.Contains(key) {
		return false
	}
	ecl.seen.Add(key, struct{}{})
	return true
}

func (ecl *EthereumChainListener) markScanned(block uint64) {
	ecl.mu.Lock()
	defer ecl.mu.Unlock()
	if block > ecl.lastBlock {
		ecl.lastBlock = block
	}
	ecl.resumable = true
}

// resumeBlock is where a backfill starts. The last scanned block is included
// again; logs already delivered are dropped by markSeen.
func (ecl *EthereumChainListener) resumeBlock() (uint64, bool) {
	ecl.mu.Lock()
	defer ecl.mu.Unlock()
	return ecl.lastBlock, ecl.resumable
}

func (ecl *EthereumChainListener) getLastBlock() uint64 {
	ecl.mu.Lock()
	defer ecl.mu.Unlock()
	return ecl.lastBlock
}

func toEvent(r *contracts.TaskRequested) *chainListener.TaskRequestedEvent {
	return &chainListener.TaskRequestedEvent{
		TaskId:      types.TaskId(r.TaskId),
		AppId:       common.Hash(r.TaskRequest.AppId),
		BlockNumber: r.Raw.BlockNumber,
		TxHash:      r.Raw.TxHash,
		LogIndex:    r.Raw.Index,
	}
}
