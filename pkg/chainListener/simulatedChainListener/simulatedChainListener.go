package simulatedChainListener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/chainListener"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type SimulatedChainListenerConfig struct {
	// Port serves POST /events for injecting task announcements. Zero disables
	// the HTTP endpoint; events can still be pushed programmatically.
	Port int
	// Buffer is the capacity of the live event channel.
	Buffer int
}

// SimulatedChainListener is an in-memory ledger event source.
type SimulatedChainListener struct {
	config *SimulatedChainListenerConfig
	logger *zap.Logger

	mu       sync.Mutex
	history  []*chainListener.TaskRequestedEvent
	statuses map[types.TaskId]types.TaskStatus
	head     uint64

	live       chan *chainListener.TaskRequestedEvent
	httpServer *http.Server
}

func NewSimulatedChainListener(config *SimulatedChainListenerConfig, logger *zap.Logger) *SimulatedChainListener {
	if config == nil {
		config = &SimulatedChainListenerConfig{}
	}
	if config.Buffer <= 0 {
		config.Buffer = 100
	}
	return &SimulatedChainListener{
		config:   config,
		logger:   logger,
		statuses: make(map[types.TaskId]types.TaskStatus),
		live:     make(chan *chainListener.TaskRequestedEvent, config.Buffer),
	}
}

// AddHistory records events as already on the ledger.
func (scl *SimulatedChainListener) AddHistory(events ...*chainListener.TaskRequestedEvent) {
	scl.mu.Lock()
	defer scl.mu.Unlock()
	for _, ev := range events {
		scl.record(ev)
	}
}

// SetTaskStatus overrides the ledger status reported for a task.
func (scl *SimulatedChainListener) SetTaskStatus(taskId types.TaskId, status types.TaskStatus) {
	scl.mu.Lock()
	defer scl.mu.Unlock()
	scl.statuses[taskId] = status
}

// Push announces a new task. It blocks while the live buffer is full.
func (scl *SimulatedChainListener) Push(ctx context.Context, ev *chainListener.TaskRequestedEvent) error {
	scl.mu.Lock()
	scl.record(ev)
	scl.mu.Unlock()

	select {
	case scl.live <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (scl *SimulatedChainListener) record(ev *chainListener.TaskRequestedEvent) {
	if ev.BlockNumber == 0 {
		scl.head++
		ev.BlockNumber = scl.head
	} else if ev.BlockNumber > scl.head {
		scl.head = ev.BlockNumber
	}
	scl.history = append(scl.history, ev)
	if _, ok := scl.statuses[ev.TaskId]; !ok {
		scl.statuses[ev.TaskId] = types.TaskStatus_Pending
	}
}

func (scl *SimulatedChainListener) FetchHistory(ctx context.Context, fromBlock uint64) ([]*chainListener.TaskRequestedEvent, error) {
	scl.mu.Lock()
	defer scl.mu.Unlock()

	out := make([]*chainListener.TaskRequestedEvent, 0, len(scl.history))
	for _, ev := range scl.history {
		if ev.BlockNumber >= fromBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (scl *SimulatedChainListener) TaskStatus(ctx context.Context, taskId types.TaskId) (types.TaskStatus, error) {
	scl.mu.Lock()
	defer scl.mu.Unlock()
	return scl.statuses[taskId], nil
}

// Subscribe forwards pushed events to sink until ctx is done.
func (scl *SimulatedChainListener) Subscribe(ctx context.Context, sink chainListener.EventSink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-scl.live:
			if err := sink.Enqueue(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (scl *SimulatedChainListener) Start(ctx context.Context) error {
	if scl.config.Port == 0 {
		return nil
	}
	scl.logger.Sugar().Infow("SimulatedChainListener starting", zap.Int("port", scl.config.Port))

	r := chi.NewRouter()
	r.Post("/events", scl.handleSubmitEvent)

	scl.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", scl.config.Port),
		Handler: r,
	}

	go func() {
		if err := scl.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			scl.logger.Sugar().Errorw("HTTP server error", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		_ = scl.Close()
	}()
	return nil
}

func (scl *SimulatedChainListener) Close() error {
	if scl.httpServer != nil {
		scl.logger.Sugar().Infow("SimulatedChainListener stopping")
		return scl.httpServer.Shutdown(context.Background())
	}
	return nil
}

type eventRequest struct {
	TaskId types.TaskId `json:"task_id"`
	AppId  common.Hash  `json:"app_id"`
}

func (scl *SimulatedChainListener) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Failed to unmarshal task event", http.StatusBadRequest)
		return
	}

	ev := &chainListener.TaskRequestedEvent{TaskId: req.TaskId, AppId: req.AppId}
	scl.logger.Sugar().Infow("Received simulated task event", "taskId", ev.TaskId.Hex())

	if err := scl.Push(r.Context(), ev); err != nil {
		http.Error(w, "Failed to enqueue task event", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
