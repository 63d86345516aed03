package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gizatechxyz/avsthon/pkg/chainListener"
	"github.com/gizatechxyz/avsthon/pkg/chainListener/ethereumChainListener"
	"github.com/gizatechxyz/avsthon/pkg/chainListener/simulatedChainListener"
	"github.com/gizatechxyz/avsthon/pkg/clients/ethereum"
	"github.com/gizatechxyz/avsthon/pkg/containerManager"
	"github.com/gizatechxyz/avsthon/pkg/contracts"
	"github.com/gizatechxyz/avsthon/pkg/metrics"
	"github.com/gizatechxyz/avsthon/pkg/operator/appRegistry"
	"github.com/gizatechxyz/avsthon/pkg/operator/operatorConfig"
	"github.com/gizatechxyz/avsthon/pkg/operator/registration"
	"github.com/gizatechxyz/avsthon/pkg/operator/submitter"
	"github.com/gizatechxyz/avsthon/pkg/signer"
	"github.com/gizatechxyz/avsthon/pkg/signer/signerUtils"
	"github.com/gizatechxyz/avsthon/pkg/taskExecutor"
	"github.com/gizatechxyz/avsthon/pkg/taskExecutor/dockerTaskExecutor"
	"github.com/gizatechxyz/avsthon/pkg/taskExecutor/wasmTaskExecutor"
	"github.com/gizatechxyz/avsthon/pkg/transactionSigner"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/gizatechxyz/avsthon/pkg/workQueue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const queueStage = "operator_queue"

var (
	ErrListenerStopped = errors.New("task event listener stopped")
	ErrAlreadyRunning  = errors.New("operator already started")
)

type State int32

const (
	State_Idle State = iota
	State_Registering
	State_FetchingApplications
	State_Running
	State_Terminated
)

func (s State) String() string {
	switch s {
	case State_Idle:
		return "Idle"
	case State_Registering:
		return "Registering"
	case State_FetchingApplications:
		return "FetchingApplications"
	case State_Running:
		return "Running"
	case State_Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Registrar interface {
	Register(ctx context.Context) error
}

type AppResolver interface {
	Resolve(ctx context.Context, appId common.Hash) (*taskExecutor.AppMetadata, error)
	Prefetch(ctx context.Context, executor taskExecutor.ITaskExecutor) (int, error)
}

type ClaimSubmitter interface {
	Submit(ctx context.Context, claim *types.SignedClaim) (submitter.Outcome, error)
}

// Deps lets callers supply collaborators instead of having them built from
// config. Nil fields are built.
type Deps struct {
	Signer    signer.Signer
	Listener  chainListener.IChainListener
	Registrar Registrar
	Apps      AppResolver
	Executor  taskExecutor.ITaskExecutor
	Submitter ClaimSubmitter
	Metrics   *metrics.Metrics
}

type Operator struct {
	config  *operatorConfig.OperatorConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	signer    signer.Signer
	listener  chainListener.IChainListener
	registrar Registrar
	apps      AppResolver
	executor  taskExecutor.ITaskExecutor
	submitter ClaimSubmitter
	queue     *workQueue.WorkQueue[chainListener.TaskRequestedEvent]

	ethClient *ethereum.Client
	closers   []io.Closer
	simulated *simulatedChainListener.SimulatedChainListener

	state atomic.Int32
}

func NewOperator(
	ctx context.Context,
	config *operatorConfig.OperatorConfig,
	logger *zap.Logger,
	deps *Deps,
) (*Operator, error) {
	if deps == nil {
		deps = &Deps{}
	}
	o := &Operator{
		config:    config,
		logger:    logger,
		metrics:   deps.Metrics,
		signer:    deps.Signer,
		listener:  deps.Listener,
		registrar: deps.Registrar,
		apps:      deps.Apps,
		executor:  deps.Executor,
		submitter: deps.Submitter,
	}
	if o.metrics == nil {
		o.metrics = metrics.NewMetrics()
	}
	if o.signer == nil {
		s, err := signerUtils.ParseSignerFromConfig(config.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		o.signer = s
	}

	needsChain := !config.Simulation.Enabled && (o.listener == nil || o.registrar == nil || o.apps == nil)
	if needsChain {
		o.ethClient = ethereum.NewEthereumClient(&ethereum.EthereumClientConfig{
			BaseUrl:   config.Chain.RpcUrl,
			WsUrl:     config.Chain.WsUrl,
			BlockType: ethereum.BlockType_Latest,
		}, logger)
	}

	if err := o.build(ctx); err != nil {
		o.closeResources()
		return nil, err
	}

	o.queue = workQueue.NewWorkQueue[chainListener.TaskRequestedEvent](
		config.QueueCapacity,
		o.metrics.StageQueueDepth.WithLabelValues(queueStage),
	)
	return o, nil
}

func (o *Operator) build(ctx context.Context) error {
	if o.listener == nil {
		l, err := o.buildListener()
		if err != nil {
			return err
		}
		o.listener = l
	}
	if o.registrar == nil {
		r, err := o.buildRegistrar(ctx)
		if err != nil {
			return err
		}
		o.registrar = r
	}
	if o.apps == nil {
		a, err := o.buildAppRegistry()
		if err != nil {
			return err
		}
		o.apps = a
	}
	if o.executor == nil {
		e, err := o.buildExecutor(ctx)
		if err != nil {
			return err
		}
		o.executor = e
	}
	if o.submitter == nil {
		o.submitter = submitter.NewSubmitter(&submitter.SubmitterConfig{
			AggregatorUrl: o.config.AggregatorUrl,
			MaxAttempts:   o.config.Submission.MaxAttempts,
			RetryDelay:    time.Duration(o.config.Submission.RetryDelayMs) * time.Millisecond,
		}, o.metrics, o.logger)
	}
	return nil
}

func (o *Operator) buildListener() (chainListener.IChainListener, error) {
	if o.config.Simulation.Enabled {
		o.logger.Sugar().Infow("Using simulated chain listener", "eventsPort", o.config.Simulation.EventsPort)
		o.simulated = simulatedChainListener.NewSimulatedChainListener(&simulatedChainListener.SimulatedChainListenerConfig{
			Port:   o.config.Simulation.EventsPort,
			Buffer: o.config.QueueCapacity,
		}, o.logger)
		return o.simulated, nil
	}
	return ethereumChainListener.NewEthereumChainListener(o.ethClient, &ethereumChainListener.EthereumChainListenerConfig{
		TaskRegistryAddress: common.HexToAddress(o.config.Contracts.TaskRegistry),
		ReconnectAttempts:   o.config.ReconnectAttempts,
	}, o.logger)
}

func (o *Operator) buildRegistrar(ctx context.Context) (Registrar, error) {
	if o.config.Simulation.Enabled {
		return noopRegistrar{}, nil
	}
	caller, err := o.ethClient.GetEthereumContractCaller()
	if err != nil {
		return nil, err
	}
	avsAddress := common.HexToAddress(o.config.Contracts.GizaAVS)
	avs, err := contracts.NewGizaAVS(avsAddress, caller)
	if err != nil {
		return nil, err
	}
	directory, err := contracts.NewAVSDirectory(common.HexToAddress(o.config.Contracts.AVSDirectory), caller)
	if err != nil {
		return nil, err
	}
	signingContext, err := transactionSigner.NewSigningContext(ctx, caller, o.logger)
	if err != nil {
		return nil, err
	}
	txSigner, err := transactionSigner.NewPrivateKeySigner(o.signer.PrivateKey(), signingContext)
	if err != nil {
		return nil, err
	}

	salt, err := hexutil.Decode(o.config.Registration.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid registration salt: %w", err)
	}
	appIds := make([]common.Hash, 0, len(o.config.Registration.ClientAppIds))
	for _, id := range o.config.Registration.ClientAppIds {
		appIds = append(appIds, common.HexToHash(id))
	}
	return registration.NewRegistrar(&registration.Config{
		AvsAddress:   avsAddress,
		Salt:         common.BytesToHash(salt),
		Expiry:       new(big.Int).SetUint64(o.config.Registration.Expiry),
		ClientAppIds: appIds,
	}, avs, directory, o.signer, txSigner, o.logger), nil
}

func (o *Operator) buildAppRegistry() (AppResolver, error) {
	if o.config.Simulation.Enabled {
		return localApps{}, nil
	}
	caller, err := o.ethClient.GetEthereumContractCaller()
	if err != nil {
		return nil, err
	}
	registry, err := contracts.NewClientAppRegistry(common.HexToAddress(o.config.Contracts.ClientAppRegistry), caller)
	if err != nil {
		return nil, err
	}
	return appRegistry.NewAppRegistry(&appRegistry.AppRegistryConfig{
		CacheSize: o.config.AppCache.Size,
		CacheTtl:  time.Duration(o.config.AppCache.TtlSeconds) * time.Second,
		FromBlock: o.config.FromBlock,
	}, registry, o.logger), nil
}

func (o *Operator) buildExecutor(ctx context.Context) (taskExecutor.ITaskExecutor, error) {
	timeout := time.Duration(o.config.Executor.TimeoutSeconds) * time.Second
	switch o.config.Executor.Type {
	case operatorConfig.ExecutorType_Wasm:
		e, err := wasmTaskExecutor.NewWasmTaskExecutor(ctx, &wasmTaskExecutor.WasmTaskExecutorConfig{
			ModuleDir: o.config.Executor.WasmModuleDir,
			Timeout:   timeout,
		}, o.logger)
		if err != nil {
			return nil, err
		}
		o.closers = append(o.closers, e)
		return e, nil
	case operatorConfig.ExecutorType_Docker:
		manager, err := containerManager.NewDockerContainerManager(&containerManager.ContainerManagerConfig{
			Host: containerManager.UnixSocketHost(o.config.Executor.DockerSockPath),
		}, o.logger)
		if err != nil {
			return nil, err
		}
		o.closers = append(o.closers, manager)
		return dockerTaskExecutor.NewDockerTaskExecutor(&dockerTaskExecutor.DockerTaskExecutorConfig{
			Timeout: timeout,
		}, manager, o.logger), nil
	default:
		return nil, fmt.Errorf("unsupported executor type %q", o.config.Executor.Type)
	}
}

func (o *Operator) State() State {
	return State(o.state.Load())
}

func (o *Operator) setState(s State) {
	prev := State(o.state.Swap(int32(s)))
	o.logger.Sugar().Infow("Operator state changed", "from", prev.String(), "to", s.String())
}

// Run registers the operator, prepares the registered applications and then
// processes announced tasks until ctx is done or either the listener or the
// processor stops. It returns nil only for a ctx driven shutdown.
func (o *Operator) Run(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(State_Idle), int32(State_Registering)) {
		return ErrAlreadyRunning
	}
	defer o.setState(State_Terminated)
	o.logger.Sugar().Infow("Starting operator", "address", o.signer.GetAddress().Hex())

	if err := o.registrar.Register(ctx); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	o.setState(State_FetchingApplications)
	if o.config.AppCache.Prefetch {
		n, err := o.apps.Prefetch(ctx, o.executor)
		if err != nil {
			return err
		}
		o.logger.Sugar().Infow("Prepared registered applications", "count", n)
	}

	if o.simulated != nil {
		if err := o.simulated.Start(ctx); err != nil {
			return err
		}
	}

	o.setState(State_Running)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := o.listener.Subscribe(gctx, o.queue)
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = ErrListenerStopped
		}
		o.logger.Sugar().Errorw("Task event listener exited", "error", err)
		return err
	})
	g.Go(func() error {
		err := o.process(gctx)
		if gctx.Err() != nil {
			return nil
		}
		o.logger.Sugar().Errorw("Task processor exited", "error", err)
		return err
	})

	return g.Wait()
}

func (o *Operator) process(ctx context.Context) error {
	for {
		ev, err := o.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		o.handleTask(ctx, ev)
	}
}

// handleTask runs one announced task end to end. Failures are logged and the
// task is skipped; they never stop the processor.
func (o *Operator) handleTask(ctx context.Context, ev *chainListener.TaskRequestedEvent) {
	log := o.logger.Sugar().With("taskId", ev.TaskId.Hex(), "appId", ev.AppId.Hex())
	log.Infow("Processing task")

	app, err := o.apps.Resolve(ctx, ev.AppId)
	if err != nil {
		log.Warnw("Failed to resolve application", "error", err)
		o.observe(metrics.Outcome_Failed)
		return
	}

	start := time.Now()
	result, err := o.executor.Execute(ctx, app)
	o.metrics.TaskExecutionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Warnw("Task execution failed", "error", err)
		o.observe(metrics.Outcome_Failed)
		return
	}

	sig, err := o.signer.SignMessage([]byte(result))
	if err != nil {
		log.Errorw("Failed to sign result", "error", err)
		o.observe(metrics.Outcome_Failed)
		return
	}

	outcome, err := o.submitter.Submit(ctx, &types.SignedClaim{
		TaskId:    ev.TaskId,
		Result:    result,
		Signature: sig,
	})
	if err != nil {
		log.Warnw("Result not accepted", "outcome", outcome.String(), "error", err)
		o.observe(metrics.Outcome_Abandoned)
		return
	}
	log.Infow("Task completed", "result", result)
	o.observe(metrics.Outcome_Success)
}

func (o *Operator) observe(outcome string) {
	o.metrics.OperatorTasksProcessed.WithLabelValues(outcome).Inc()
}

// Close releases executor and ledger resources. Call it after Run returns.
func (o *Operator) Close() error {
	o.queue.Close()
	if o.simulated != nil {
		_ = o.simulated.Close()
	}
	o.closeResources()
	return nil
}

func (o *Operator) closeResources() {
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			o.logger.Sugar().Warnw("Failed to close resource", "error", err)
		}
	}
	o.closers = nil
	if o.ethClient != nil {
		o.ethClient.Close()
		o.ethClient = nil
	}
}

type noopRegistrar struct{}

func (noopRegistrar) Register(ctx context.Context) error { return nil }

// localApps resolves every app to its bare id, for executors that need
// nothing else (wasm modules are located by app id).
type localApps struct{}

func (localApps) Resolve(ctx context.Context, appId common.Hash) (*taskExecutor.AppMetadata, error) {
	return &taskExecutor.AppMetadata{AppId: appId}, nil
}

func (localApps) Prefetch(ctx context.Context, executor taskExecutor.ITaskExecutor) (int, error) {
	return 0, nil
}
