package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/aggregatorConfig"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/claimAccumulator"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/consensus"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/pipeline"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/server"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage"
	"github.com/gizatechxyz/avsthon/pkg/chainListener"
	"github.com/gizatechxyz/avsthon/pkg/chainListener/ethereumChainListener"
	"github.com/gizatechxyz/avsthon/pkg/chainListener/simulatedChainListener"
	"github.com/gizatechxyz/avsthon/pkg/chainWriter"
	"github.com/gizatechxyz/avsthon/pkg/chainWriter/ethereumChainWriter"
	"github.com/gizatechxyz/avsthon/pkg/chainWriter/simulatedChainWriter"
	"github.com/gizatechxyz/avsthon/pkg/clients/ethereum"
	"github.com/gizatechxyz/avsthon/pkg/contracts"
	"github.com/gizatechxyz/avsthon/pkg/lifecycle"
	"github.com/gizatechxyz/avsthon/pkg/membership"
	"github.com/gizatechxyz/avsthon/pkg/metrics"
	"github.com/gizatechxyz/avsthon/pkg/signer/signerUtils"
	"github.com/gizatechxyz/avsthon/pkg/taskDirectory"
	"github.com/gizatechxyz/avsthon/pkg/transactionSigner"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"go.uber.org/zap"
)

// Deps lets callers supply collaborators instead of having them built from
// config. Nil fields are built.
type Deps struct {
	Store    storage.AggregatorStore
	Listener chainListener.IChainListener
	Writer   chainWriter.IChainWriter
	Fetcher  membership.Fetcher
	Metrics  *metrics.Metrics
}

type Aggregator struct {
	config  *aggregatorConfig.AggregatorConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	store       storage.AggregatorStore
	directory   *taskDirectory.TaskDirectory
	membership  *membership.Membership
	accumulator *claimAccumulator.ClaimAccumulator
	listener    chainListener.IChainListener
	pipeline    *pipeline.Pipeline
	server      *server.Server
	ethClient   *ethereum.Client

	// started after the pipeline, stopped before it
	services []lifecycle.Lifecycle

	errCh  chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAggregator(
	ctx context.Context,
	config *aggregatorConfig.AggregatorConfig,
	logger *zap.Logger,
	deps *Deps,
) (*Aggregator, error) {
	if deps == nil {
		deps = &Deps{}
	}
	a := &Aggregator{
		config:  config,
		logger:  logger,
		metrics: deps.Metrics,
		errCh:   make(chan error, 1),
	}
	if a.metrics == nil {
		a.metrics = metrics.NewMetrics()
	}
	if !config.Simulation.Enabled {
		a.ethClient = ethereum.NewEthereumClient(&ethereum.EthereumClientConfig{
			BaseUrl:   config.Chain.RpcUrl,
			WsUrl:     config.Chain.WsUrl,
			BlockType: ethereum.BlockType_Latest,
		}, logger)
	}

	store := deps.Store
	if store == nil {
		s, err := NewStore(config.Storage)
		if err != nil {
			return nil, err
		}
		store = s
	}
	a.store = store
	a.directory = taskDirectory.NewTaskDirectory(store, logger)

	fetcher := deps.Fetcher
	if fetcher == nil {
		f, err := a.buildFetcher()
		if err != nil {
			return nil, err
		}
		fetcher = f
	}
	a.membership = membership.NewMembership(fetcher, &membership.Config{
		RefreshPolicy:   membership.RefreshPolicy(config.Membership.RefreshPolicy),
		RefreshInterval: time.Duration(config.Membership.RefreshIntervalSeconds) * time.Second,
	}, logger)

	a.accumulator = claimAccumulator.NewClaimAccumulator(&claimAccumulator.Config{
		FinalizedTtl:  time.Duration(config.Accumulator.FinalizedTtlSeconds) * time.Second,
		PendingTtl:    time.Duration(config.Accumulator.PendingTtlSeconds) * time.Second,
		SweepInterval: time.Duration(config.Accumulator.SweepIntervalSeconds) * time.Second,
	}, logger)

	policy, err := consensus.NewAgreementPolicy(config.Consensus.Policy, uint32(config.Consensus.QuorumThresholdBips))
	if err != nil {
		return nil, err
	}

	listener := deps.Listener
	if listener == nil {
		l, err := a.buildListener()
		if err != nil {
			return nil, err
		}
		listener = l
	}
	a.listener = listener

	writer := deps.Writer
	if writer == nil {
		w, err := a.buildWriter(ctx)
		if err != nil {
			return nil, err
		}
		writer = w
	}

	a.pipeline = pipeline.NewPipeline(
		&pipeline.Config{
			ChannelCapacity: config.Pipeline.ChannelCapacity,
			Retry: &chainWriter.RetryConfig{
				MaxRetries:        uint64(config.Pipeline.Retry.MaxRetries),
				InitialDelay:      time.Duration(config.Pipeline.Retry.InitialDelayMs) * time.Millisecond,
				MaxDelay:          time.Duration(config.Pipeline.Retry.MaxDelayMs) * time.Millisecond,
				BackoffMultiplier: config.Pipeline.Retry.BackoffMultiplier,
			},
		},
		a.directory,
		a.membership,
		a.accumulator,
		policy,
		writer,
		store,
		a.metrics,
		logger,
	)

	a.server = server.NewServer(&server.Config{
		Port:              config.Server.Port,
		RateLimitRps:      config.Server.RateLimitRps,
		RateLimitBurst:    config.Server.RateLimitBurst,
		TrustProxyHeaders: config.Server.TrustProxyHeaders,
		ShutdownTimeout:   time.Duration(config.Server.ShutdownTimeoutSeconds) * time.Second,
		Debug:             config.Debug,
	}, a.pipeline, a.directory, a.metrics, logger)

	a.services = []lifecycle.Lifecycle{a.accumulator, a.membership}
	if sim, ok := listener.(*simulatedChainListener.SimulatedChainListener); ok {
		a.services = append(a.services, sim)
	}
	a.services = append(a.services, a.server)
	return a, nil
}

func (a *Aggregator) buildFetcher() (membership.Fetcher, error) {
	if len(a.config.Membership.StaticOperators) > 0 {
		return membership.NewStaticFetcherFromHex(a.config.Membership.StaticOperators)
	}
	if a.ethClient == nil {
		return nil, fmt.Errorf("an operator set source is required")
	}
	caller, err := a.ethClient.GetEthereumContractCaller()
	if err != nil {
		return nil, err
	}
	avsAddress := common.HexToAddress(a.config.Contracts.GizaAVS)
	avs, err := contracts.NewGizaAVS(avsAddress, caller)
	if err != nil {
		return nil, err
	}
	directory, err := contracts.NewAVSDirectory(common.HexToAddress(a.config.Contracts.AVSDirectory), caller)
	if err != nil {
		return nil, err
	}
	return membership.NewChainFetcher(avs, directory, avsAddress, a.config.Listener.FromBlock, a.logger), nil
}

func (a *Aggregator) buildListener() (chainListener.IChainListener, error) {
	if a.config.Simulation.Enabled {
		a.logger.Sugar().Infow("Using simulated chain listener", "eventsPort", a.config.Simulation.EventsPort)
		return simulatedChainListener.NewSimulatedChainListener(&simulatedChainListener.SimulatedChainListenerConfig{
			Port:   a.config.Simulation.EventsPort,
			Buffer: a.config.Pipeline.ChannelCapacity,
		}, a.logger), nil
	}
	a.logger.Sugar().Infow("Using Ethereum chain listener",
		"chainId", a.config.Chain.ChainId,
		"rpcUrl", a.config.Chain.RpcUrl,
		"wsUrl", a.config.Chain.WsUrl,
	)
	return ethereumChainListener.NewEthereumChainListener(a.ethClient, &ethereumChainListener.EthereumChainListenerConfig{
		TaskRegistryAddress: common.HexToAddress(a.config.Contracts.TaskRegistry),
		ReconnectAttempts:   a.config.Listener.ReconnectAttempts,
	}, a.logger)
}

func (a *Aggregator) buildWriter(ctx context.Context) (chainWriter.IChainWriter, error) {
	if a.config.Simulation.Enabled {
		a.logger.Sugar().Infow("Using simulated chain writer")
		return simulatedChainWriter.NewSimulatedChainWriter(nil, a.logger), nil
	}
	sig, err := signerUtils.ParseSignerFromConfig(a.config.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	caller, err := a.ethClient.GetEthereumContractCaller()
	if err != nil {
		return nil, err
	}
	signingContext, err := transactionSigner.NewSigningContext(ctx, caller, a.logger)
	if err != nil {
		return nil, err
	}
	txSigner, err := transactionSigner.NewPrivateKeySigner(sig.PrivateKey(), signingContext)
	if err != nil {
		return nil, err
	}
	a.logger.Sugar().Infow("Using Ethereum chain writer", "from", txSigner.GetFromAddress().Hex())
	return ethereumChainWriter.NewEthereumChainWriter(&ethereumChainWriter.EthereumChainWriterConfig{
		TaskRegistryAddress: common.HexToAddress(a.config.Contracts.TaskRegistry),
	}, caller, txSigner, a.logger)
}

// Start brings the aggregator up. The operator set and ledger history are
// loaded before any claim is accepted; failing either aborts startup.
func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Sugar().Infow("Starting aggregator...")
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.membership.Load(ctx); err != nil {
		return fmt.Errorf("failed to load operator set: %w", err)
	}
	a.metrics.OperatorSetSize.Set(float64(a.membership.Current().Size()))

	restored, err := a.directory.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore task directory: %w", err)
	}
	seeded, err := a.seedFromHistory(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed tasks from history: %w", err)
	}
	a.logger.Sugar().Infow("Task directory ready", "restored", restored, "seeded", seeded, "tasks", a.directory.Len())

	if err := a.pipeline.Start(ctx); err != nil {
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case err := <-a.pipeline.Errors():
			a.fatal(err)
		case <-ctx.Done():
		}
	}()

	if _, err := a.pipeline.Redrive(ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.listener.Subscribe(ctx, chainListener.SinkFunc(a.onTaskRequested))
		if err != nil && ctx.Err() == nil {
			a.logger.Sugar().Errorw("Task event listener stopped", "error", err)
			a.fatal(fmt.Errorf("task event listener: %w", err))
		}
	}()

	if err := lifecycle.StartAll(a.services, ctx, a.logger, "service"); err != nil {
		return err
	}
	a.logger.Sugar().Infow("Aggregator fully started",
		"operators", a.membership.Current().Size(),
		"policy", a.config.Consensus.Policy,
	)
	return nil
}

// Errors reports conditions after which the aggregator cannot continue.
func (a *Aggregator) Errors() <-chan error {
	return a.errCh
}

func (a *Aggregator) fatal(err error) {
	select {
	case a.errCh <- err:
	default:
	}
}

func (a *Aggregator) Close() error {
	lifecycle.StopAll(a.services, a.logger, "service")
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.pipeline.Close(); err != nil {
		a.logger.Sugar().Warnw("Failed to stop pipeline", "error", err)
	}
	a.wg.Wait()

	if err := a.store.Close(); err != nil && !errors.Is(err, storage.ErrStoreClosed) {
		a.logger.Sugar().Warnw("Failed to close store", "error", err)
	}
	if a.ethClient != nil {
		a.ethClient.Close()
	}
	a.logger.Sugar().Infow("Aggregator stopped")
	return nil
}

// seedFromHistory replays TaskRequested events, recording each task with the
// status the ledger reports for it.
func (a *Aggregator) seedFromHistory(ctx context.Context) (int, error) {
	fromBlock := a.config.Listener.FromBlock
	last, err := a.store.GetLastProcessedBlock(ctx)
	switch {
	case err == nil && last+1 > fromBlock:
		fromBlock = last + 1
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return 0, err
	}

	events, err := a.listener.FetchHistory(ctx, fromBlock)
	if err != nil {
		return 0, err
	}

	seeded := 0
	var maxBlock uint64
	for _, ev := range events {
		status, err := a.listener.TaskStatus(ctx, ev.TaskId)
		if err != nil {
			if ctx.Err() != nil {
				return seeded, ctx.Err()
			}
			a.logger.Sugar().Warnw("Failed to read task status, assuming pending", "taskId", ev.TaskId.Hex(), "error", err)
			status = types.TaskStatus_Pending
		}
		if status == types.TaskStatus_Empty {
			status = types.TaskStatus_Pending
		}
		if a.directory.Seed(ctx, &types.Task{
			TaskId:      ev.TaskId,
			AppId:       ev.AppId,
			Status:      status,
			BlockNumber: ev.BlockNumber,
		}) {
			seeded++
		}
		if ev.BlockNumber > maxBlock {
			maxBlock = ev.BlockNumber
		}
	}
	if maxBlock > 0 {
		a.saveLastProcessedBlock(ctx, maxBlock)
	}
	return seeded, nil
}

func (a *Aggregator) onTaskRequested(ctx context.Context, ev *chainListener.TaskRequestedEvent) error {
	if a.directory.MarkPending(ctx, ev.TaskId, ev.AppId, ev.BlockNumber) {
		a.logger.Sugar().Infow("Task pending", "taskId", ev.TaskId.Hex(), "appId", ev.AppId.Hex(), "block", ev.BlockNumber)
	}
	a.saveLastProcessedBlock(ctx, ev.BlockNumber)
	return nil
}

func (a *Aggregator) saveLastProcessedBlock(ctx context.Context, block uint64) {
	if block == 0 {
		return
	}
	if last, err := a.store.GetLastProcessedBlock(ctx); err == nil && last >= block {
		return
	}
	if err := a.store.SaveLastProcessedBlock(ctx, block); err != nil {
		a.logger.Sugar().Warnw("Failed to save last processed block", "block", block, "error", err)
	}
}

// Directory exposes the task directory, mainly for tests and tooling.
func (a *Aggregator) Directory() *taskDirectory.TaskDirectory {
	return a.directory
}

// Pipeline exposes the claim pipeline.
func (a *Aggregator) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

func (a *Aggregator) ServerAddr() string {
	return a.server.Addr()
}
