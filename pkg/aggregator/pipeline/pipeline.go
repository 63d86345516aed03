// Package pipeline turns admitted claims into finalized verdicts through three
// stages joined by bounded channels: accumulation, consensus and finalization.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/claimAccumulator"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/consensus"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage"
	"github.com/gizatechxyz/avsthon/pkg/chainWriter"
	"github.com/gizatechxyz/avsthon/pkg/membership"
	"github.com/gizatechxyz/avsthon/pkg/metrics"
	"github.com/gizatechxyz/avsthon/pkg/signer"
	"github.com/gizatechxyz/avsthon/pkg/signer/signerUtils"
	"github.com/gizatechxyz/avsthon/pkg/taskDirectory"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"go.uber.org/zap"
)

const (
	DefaultChannelCapacity = 100

	stage_Ingest   = "ingest"
	stage_Decide   = "decide"
	stage_Finalize = "finalize"
)

var (
	ErrInvalidSignature = signer.ErrInvalidSignature
	ErrUnknownOperator  = errors.New("signer is not a registered operator")
	ErrUnknownTask      = errors.New("task is unknown")
	ErrTaskTerminal     = errors.New("task is already completed or failed")
	ErrPipelineClosed   = errors.New("pipeline is not running")
	ErrMalformedClaim   = errors.New("malformed claim")
)

// completion is a claim set that reached full participation, with the size of
// the membership snapshot pinned for its task.
type completion struct {
	claims         []*types.Claim
	membershipSize int
}

// MembershipView exposes the current operator snapshot.
type MembershipView interface {
	Current() *membership.Snapshot
}

type Config struct {
	ChannelCapacity int
	Retry           *chainWriter.RetryConfig
}

type Pipeline struct {
	config      *Config
	directory   *taskDirectory.TaskDirectory
	membership  MembershipView
	accumulator *claimAccumulator.ClaimAccumulator
	policy      consensus.AgreementPolicy
	writer      chainWriter.IChainWriter
	store       storage.AggregatorStore
	metrics     *metrics.Metrics
	logger      *zap.Logger

	claims   chan *types.Claim
	complete chan *completion
	verdicts chan *types.Verdict
	errCh    chan error

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPipeline wires the stages. store may be nil, in which case verdicts are
// not persisted and cannot be re-driven after a restart.
func NewPipeline(
	config *Config,
	directory *taskDirectory.TaskDirectory,
	membershipView MembershipView,
	accumulator *claimAccumulator.ClaimAccumulator,
	policy consensus.AgreementPolicy,
	writer chainWriter.IChainWriter,
	store storage.AggregatorStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Pipeline {
	if config == nil {
		config = &Config{}
	}
	if config.ChannelCapacity <= 0 {
		config.ChannelCapacity = DefaultChannelCapacity
	}
	if config.Retry == nil {
		config.Retry = chainWriter.DefaultRetryConfig()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Pipeline{
		config:      config,
		directory:   directory,
		membership:  membershipView,
		accumulator: accumulator,
		policy:      policy,
		writer:      writer,
		store:       store,
		metrics:     m,
		logger:      logger,
		claims:      make(chan *types.Claim, config.ChannelCapacity),
		complete:    make(chan *completion, config.ChannelCapacity),
		verdicts:    make(chan *types.Verdict, config.ChannelCapacity),
		errCh:       make(chan error, 1),
	}
}

func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(3)
	go p.runStage(stage_Ingest, p.ingest)
	go p.runStage(stage_Decide, p.decide)
	go p.runStage(stage_Finalize, p.finalize)

	p.logger.Sugar().Infow("Pipeline started",
		"channelCapacity", p.config.ChannelCapacity,
		"policy", p.policy.Name(),
	)
	return nil
}

// Close stops every stage. Items still queued between stages are abandoned;
// persisted verdicts that were not finalized are re-driven on the next start.
func (p *Pipeline) Close() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Sugar().Infow("Pipeline stopped",
		"abandonedClaims", len(p.claims),
		"abandonedClaimSets", len(p.complete),
		"abandonedVerdicts", len(p.verdicts),
	)
	return nil
}

// Errors reports conditions after which the pipeline can no longer make
// progress. The owning process is expected to terminate.
func (p *Pipeline) Errors() <-chan error {
	return p.errCh
}

func (p *Pipeline) fatal(err error) {
	select {
	case p.errCh <- err:
	default:
	}
}

func (p *Pipeline) runStage(name string, fn func(ctx context.Context) error) {
	defer p.wg.Done()
	err := fn(p.ctx)
	if err != nil && p.ctx.Err() == nil {
		p.logger.Sugar().Errorw("Pipeline stage failed", "stage", name, "error", err)
		p.fatal(fmt.Errorf("stage %s: %w", name, err))
	}
}

// Admit validates a signed claim and hands it to the accumulation stage. It
// blocks while that stage is saturated.
func (p *Pipeline) Admit(ctx context.Context, signed *types.SignedClaim) (common.Address, error) {
	operator, err := p.admit(ctx, signed)
	p.metrics.ClaimsReceived.WithLabelValues(outcomeFor(err)).Inc()
	return operator, err
}

func (p *Pipeline) admit(ctx context.Context, signed *types.SignedClaim) (common.Address, error) {
	if !p.running.Load() {
		return common.Address{}, ErrPipelineClosed
	}
	if signed == nil {
		return common.Address{}, ErrMalformedClaim
	}

	operator, err := signerUtils.RecoverAddressFromMessage([]byte(signed.Result), signed.Signature)
	if err != nil {
		return common.Address{}, err
	}
	if !p.membership.Current().Contains(operator) {
		return operator, fmt.Errorf("%w: %s", ErrUnknownOperator, operator.Hex())
	}

	switch status := p.directory.Get(signed.TaskId); {
	case status == types.TaskStatus_Empty:
		return operator, fmt.Errorf("%w: %s", ErrUnknownTask, signed.TaskId)
	case status.IsTerminal():
		return operator, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, signed.TaskId, status)
	}

	claim := &types.Claim{SignedClaim: signed, Operator: operator}
	select {
	case p.claims <- claim:
		p.observe(stage_Ingest, len(p.claims))
	case <-ctx.Done():
		return operator, ctx.Err()
	case <-p.ctx.Done():
		return operator, ErrPipelineClosed
	}

	p.logger.Sugar().Debugw("Admitted claim",
		"taskId", signed.TaskId.Hex(),
		"operator", operator.Hex(),
	)
	return operator, nil
}

func (p *Pipeline) ingest(ctx context.Context) error {
	for {
		var claim *types.Claim
		select {
		case <-ctx.Done():
			return nil
		case claim = <-p.claims:
			p.observe(stage_Ingest, len(p.claims))
		}

		complete, err := p.accumulator.Add(claim, p.membership.Current())
		if err != nil {
			p.logger.Sugar().Warnw("Dropping claim",
				"taskId", claim.TaskId.Hex(),
				"operator", claim.Operator.Hex(),
				"error", err,
			)
			continue
		}
		p.metrics.AccumulatorEntries.Set(float64(p.accumulator.Tasks()))
		if complete == nil {
			continue
		}

		membershipSize := len(complete)
		if snapshot := p.accumulator.Snapshot(claim.TaskId); snapshot != nil {
			membershipSize = snapshot.Size()
		}
		p.logger.Sugar().Infow("Task reached full participation",
			"taskId", claim.TaskId.Hex(),
			"claims", len(complete),
			"membershipSize", membershipSize,
		)
		select {
		case p.complete <- &completion{claims: complete, membershipSize: membershipSize}:
			p.observe(stage_Decide, len(p.complete))
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pipeline) decide(ctx context.Context) error {
	for {
		var done *completion
		select {
		case <-ctx.Done():
			return nil
		case done = <-p.complete:
			p.observe(stage_Decide, len(p.complete))
		}
		taskId := done.claims[0].TaskId

		if status := p.directory.Get(taskId); status.IsTerminal() {
			p.logger.Sugar().Debugw("Dropping claim set for terminal task", "taskId", taskId.Hex(), "status", status.String())
			continue
		}

		verdict := p.policy.Decide(taskId, done.claims, done.membershipSize)

		// The verdict record must exist before the task turns terminal, otherwise
		// a restart finds a terminal task with nothing to re-drive.
		if err := p.saveVerdict(ctx, verdict); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, storage.ErrAlreadyExists) {
				p.logger.Sugar().Warnw("Verdict already persisted, leaving it to re-drive", "taskId", taskId.Hex())
				continue
			}
			return fmt.Errorf("failed to persist verdict for %s: %w", taskId, err)
		}

		if err := p.directory.MarkFinal(ctx, verdict); err != nil {
			p.logger.Sugar().Warnw("Dropping verdict", "taskId", taskId.Hex(), "error", err)
			continue
		}
		p.metrics.Verdicts.WithLabelValues(verdict.Status.String()).Inc()

		p.logger.Sugar().Infow("Reached verdict",
			"taskId", taskId.Hex(),
			"status", verdict.Status.String(),
			"value", verdict.Value.String(),
			"operators", len(verdict.Operators),
		)

		select {
		case p.verdicts <- verdict:
			p.observe(stage_Finalize, len(p.verdicts))
		case <-ctx.Done():
			return nil
		}
	}
}

// saveVerdict persists a verdict, retrying transient store failures with the
// finalization backoff. A closed store and an existing record are not retried.
func (p *Pipeline) saveVerdict(ctx context.Context, verdict *types.Verdict) error {
	if p.store == nil {
		return nil
	}
	op := func() error {
		err := p.store.SaveVerdict(ctx, verdict)
		if errors.Is(err, storage.ErrStoreClosed) || errors.Is(err, storage.ErrAlreadyExists) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, p.config.Retry.NewBackOff(ctx), func(err error, delay time.Duration) {
		p.logger.Sugar().Warnw("Failed to persist verdict, retrying",
			"taskId", verdict.TaskId.Hex(),
			"delay", delay,
			"error", err,
		)
	})
}

func (p *Pipeline) finalize(ctx context.Context) error {
	for {
		var verdict *types.Verdict
		select {
		case <-ctx.Done():
			return nil
		case verdict = <-p.verdicts:
			p.observe(stage_Finalize, len(p.verdicts))
		}
		p.finalizeOne(ctx, verdict)
	}
}

func (p *Pipeline) finalizeOne(ctx context.Context, verdict *types.Verdict) {
	taskId := verdict.TaskId
	receipt, attempts, err := chainWriter.FinalizeWithRetry(ctx, p.writer, verdict, p.config.Retry, func(err error, delay time.Duration) {
		p.logger.Sugar().Warnw("Finalization failed, retrying",
			"taskId", taskId.Hex(),
			"delay", delay,
			"error", err,
		)
	})
	p.metrics.FinalizationAttempts.Add(float64(attempts))

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.FinalizationFailures.Inc()
		p.logger.Sugar().Errorw("Failed to finalize verdict; it stays pending until the next restart",
			"taskId", taskId.Hex(),
			"attempts", attempts,
			"error", err,
		)
		return
	}

	txHash := receipt.TxHash.Hex()
	if p.store != nil {
		if err := p.store.MarkVerdictFinalized(ctx, taskId, txHash); err != nil && !errors.Is(err, storage.ErrNotFound) {
			p.logger.Sugar().Warnw("Failed to mark verdict finalized", "taskId", taskId.Hex(), "error", err)
		}
	}
	p.accumulator.MarkFinalized(taskId)
	p.metrics.AccumulatorEntries.Set(float64(p.accumulator.Tasks()))

	p.logger.Sugar().Infow("Finalized task",
		"taskId", taskId.Hex(),
		"status", verdict.Status.String(),
		"txHash", txHash,
		"alreadyFinalized", receipt.AlreadyFinalized,
	)
}

// Redrive queues every persisted verdict that was never finalized. It blocks
// while the finalization stage is saturated.
func (p *Pipeline) Redrive(ctx context.Context) (int, error) {
	if p.store == nil {
		return 0, nil
	}
	if !p.running.Load() {
		return 0, ErrPipelineClosed
	}
	records, err := p.store.ListUnfinalizedVerdicts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinalized verdicts: %w", err)
	}

	queued := 0
	for _, record := range records {
		// a restart between persisting a verdict and marking the task leaves
		// the task Pending
		if err := p.directory.MarkFinal(ctx, record.Verdict); err == nil {
			p.logger.Sugar().Infow("Restored verdict status", "taskId", record.Verdict.TaskId.Hex(), "status", record.Verdict.Status.String())
		}
		select {
		case p.verdicts <- record.Verdict:
			p.observe(stage_Finalize, len(p.verdicts))
			queued++
		case <-ctx.Done():
			return queued, ctx.Err()
		case <-p.ctx.Done():
			return queued, ErrPipelineClosed
		}
	}
	if queued > 0 {
		p.logger.Sugar().Infow("Re-driving unfinalized verdicts", "count", queued)
	}
	return queued, nil
}

func (p *Pipeline) observe(stage string, depth int) {
	p.metrics.StageQueueDepth.WithLabelValues(stage).Set(float64(depth))
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return metrics.Outcome_Accepted
	case errors.Is(err, ErrInvalidSignature):
		return metrics.Outcome_InvalidSignature
	case errors.Is(err, ErrUnknownOperator):
		return metrics.Outcome_UnknownOperator
	case errors.Is(err, ErrUnknownTask):
		return metrics.Outcome_UnknownTask
	case errors.Is(err, ErrTaskTerminal):
		return metrics.Outcome_TaskTerminal
	case errors.Is(err, ErrMalformedClaim):
		return metrics.Outcome_Malformed
	default:
		return metrics.Outcome_Error
	}
}
