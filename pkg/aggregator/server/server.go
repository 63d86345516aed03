// Package server exposes the aggregator's HTTP coordination surface: claim
// submission, task status lookups, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/pipeline"
	"github.com/gizatechxyz/avsthon/pkg/metrics"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RequestIdHeader = "X-Request-Id"

	defaultShutdownTimeout = 5 * time.Second
	maxSubmissionBytes     = 64 << 10
)

// ClaimAdmitter accepts signed claims. *pipeline.Pipeline satisfies it.
type ClaimAdmitter interface {
	Admit(ctx context.Context, claim *types.SignedClaim) (common.Address, error)
}

// StatusReader reports the status of a task. *taskDirectory.TaskDirectory
// satisfies it.
type StatusReader interface {
	Get(taskId types.TaskId) types.TaskStatus
}

type Config struct {
	Port int
	// RateLimitRps bounds submissions per client IP. Zero disables the limiter.
	RateLimitRps   float64
	RateLimitBurst int
	// TrustProxyHeaders takes the client address from X-Real-IP or
	// X-Forwarded-For. Only enable it behind a proxy that sets them.
	TrustProxyHeaders bool
	ShutdownTimeout   time.Duration
	Debug             bool
}

type Server struct {
	config   *Config
	claims   ClaimAdmitter
	statuses StatusReader
	metrics  *metrics.Metrics
	logger   *zap.Logger
	limiter  *RateLimiter

	closing    atomic.Bool
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
}

func NewServer(
	config *Config,
	claims ClaimAdmitter,
	statuses StatusReader,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{
		config:   config,
		claims:   claims,
		statuses: statuses,
		metrics:  m,
		logger:   logger,
	}
	if config.RateLimitRps > 0 {
		s.limiter = NewRateLimiter(config.RateLimitRps, config.RateLimitBurst)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	level := "info"
	if s.config.Debug {
		level = "debug"
	}
	requestLogger := httplog.NewLogger("aggregator", httplog.Options{
		JSON:     true,
		Concise:  true,
		LogLevel: level,
	})

	r := chi.NewRouter()
	if s.config.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestId)
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/task_status/{task_id}", s.handleTaskStatus)
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/submit_task", s.handleSubmitTask)
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, s.cancel = context.WithCancel(ctx)
	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	s.logger.Sugar().Infow("Aggregator server listening", "address", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address, useful when Port is zero.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close rejects new submissions and waits for in-flight requests.
func (s *Server) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Sugar().Infow("Aggregator server stopping")
	return s.httpServer.Shutdown(ctx)
}

type submitTaskResponse struct {
	Status   string `json:"status"`
	Operator string `json:"operator"`
}

type taskStatusResponse struct {
	TaskId types.TaskId     `json:"task_id"`
	Status types.TaskStatus `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		writeError(w, http.StatusServiceUnavailable, "aggregator is shutting down")
		return
	}

	var claim types.SignedClaim
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err := dec.Decode(&claim); err != nil {
		if s.metrics != nil {
			s.metrics.ClaimsReceived.WithLabelValues(metrics.Outcome_Malformed).Inc()
		}
		writeError(w, http.StatusBadRequest, "malformed claim: "+err.Error())
		return
	}

	operator, err := s.claims.Admit(r.Context(), &claim)
	if err != nil {
		code := statusCodeFor(err)
		if code == http.StatusInternalServerError {
			s.logger.Sugar().Errorw("Failed to admit claim", "taskId", claim.TaskId.Hex(), "error", err)
		} else {
			s.logger.Sugar().Debugw("Rejected claim",
				"taskId", claim.TaskId.Hex(),
				"operator", operator.Hex(),
				"code", code,
				"error", err,
			)
		}
		writeError(w, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, &submitTaskResponse{Status: "accepted", Operator: operator.Hex()})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskId, err := types.TaskIdFromHex(chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &taskStatusResponse{TaskId: taskId, Status: s.statuses.Get(taskId)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidSignature), errors.Is(err, pipeline.ErrMalformedClaim):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownOperator):
		return http.StatusForbidden
	case errors.Is(err, pipeline.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrTaskTerminal):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrPipelineClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestId(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIdHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIdHeader, id)
		}
		w.Header().Set(RequestIdHeader, id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, &errorResponse{Error: msg})
}
