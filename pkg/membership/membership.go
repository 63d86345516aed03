// Package membership maintains the set of operators whose claims the aggregator
// accepts and whose count defines full participation.
package membership

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type RefreshPolicy string

const (
	// RefreshPolicy_Static fetches the operator set once at startup.
	RefreshPolicy_Static RefreshPolicy = "static"
	// RefreshPolicy_Interval refetches on a fixed interval.
	RefreshPolicy_Interval RefreshPolicy = "interval"
)

// Fetcher loads the current operator set from its source of truth.
type Fetcher interface {
	FetchOperators(ctx context.Context) ([]common.Address, error)
}

// Snapshot is an immutable view of the operator set. Epoch increases every
// time the set changes.
type Snapshot struct {
	Epoch     uint64
	operators []common.Address
	index     map[common.Address]struct{}
}

func NewSnapshot(epoch uint64, operators []common.Address) *Snapshot {
	s := &Snapshot{
		Epoch: epoch,
		index: make(map[common.Address]struct{}, len(operators)),
	}
	for _, op := range operators {
		if _, ok := s.index[op]; ok {
			continue
		}
		s.index[op] = struct{}{}
		s.operators = append(s.operators, op)
	}
	return s
}

func (s *Snapshot) Contains(operator common.Address) bool {
	_, ok := s.index[operator]
	return ok
}

func (s *Snapshot) Size() int {
	return len(s.operators)
}

func (s *Snapshot) Operators() []common.Address {
	return append([]common.Address(nil), s.operators...)
}

func (s *Snapshot) sameMembers(other []common.Address) bool {
	o := NewSnapshot(0, other)
	if o.Size() != s.Size() {
		return false
	}
	for op := range o.index {
		if !s.Contains(op) {
			return false
		}
	}
	return true
}

type Config struct {
	RefreshPolicy   RefreshPolicy
	RefreshInterval time.Duration
}

type Membership struct {
	fetcher Fetcher
	config  *Config
	logger  *zap.Logger

	current atomic.Pointer[Snapshot]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMembership(fetcher Fetcher, cfg *Config, logger *zap.Logger) *Membership {
	if cfg == nil {
		cfg = &Config{RefreshPolicy: RefreshPolicy_Static}
	}
	return &Membership{
		fetcher: fetcher,
		config:  cfg,
		logger:  logger,
	}
}

// Load fetches the operator set. The aggregator cannot run without one, so
// callers treat an error here as fatal.
func (m *Membership) Load(ctx context.Context) error {
	operators, err := m.fetcher.FetchOperators(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch operator set: %w", err)
	}
	snapshot := NewSnapshot(1, operators)
	m.current.Store(snapshot)

	m.logger.Sugar().Infow("Loaded operator set",
		"epoch", snapshot.Epoch,
		"operators", snapshot.Size(),
	)
	if snapshot.Size() == 0 {
		m.logger.Sugar().Warnw("Operator set is empty; no task can reach consensus")
	}
	return nil
}

// Current returns the latest snapshot, or an empty one before Load.
func (m *Membership) Current() *Snapshot {
	if s := m.current.Load(); s != nil {
		return s
	}
	return NewSnapshot(0, nil)
}

// Refresh refetches the operator set and publishes a new snapshot if it
// changed. On error the previous snapshot stays in place.
func (m *Membership) Refresh(ctx context.Context) (bool, error) {
	operators, err := m.fetcher.FetchOperators(ctx)
	if err != nil {
		return false, err
	}
	previous := m.Current()
	if previous.sameMembers(operators) {
		return false, nil
	}
	next := NewSnapshot(previous.Epoch+1, operators)
	m.current.Store(next)

	m.logger.Sugar().Infow("Operator set changed",
		"epoch", next.Epoch,
		"previousSize", previous.Size(),
		"size", next.Size(),
	)
	return true, nil
}

// Start runs the refresh loop for the interval policy. The static policy has
// nothing to run.
func (m *Membership) Start(ctx context.Context) error {
	if m.config.RefreshPolicy != RefreshPolicy_Interval {
		return nil
	}
	if m.config.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Refresh(ctx); err != nil {
					m.logger.Sugar().Warnw("Failed to refresh operator set, keeping previous snapshot", "error", err)
				}
			}
		}
	}()
	return nil
}

func (m *Membership) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}
