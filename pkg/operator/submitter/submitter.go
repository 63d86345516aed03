// Package submitter delivers signed claims to the aggregator's submission
// endpoint.
package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gizatechxyz/avsthon/pkg/metrics"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"go.uber.org/zap"
)

const (
	SubmitPath = "/submit_task"

	DefaultMaxAttempts    = 4
	DefaultRetryDelay     = time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Outcome is how a submission ended.
type Outcome int

const (
	// Outcome_Accepted means the aggregator answered 200.
	Outcome_Accepted Outcome = iota
	// Outcome_Exhausted means every attempt hit a not-yet-known task.
	Outcome_Exhausted
	// Outcome_Abandoned means a non-retryable rejection or transport error.
	Outcome_Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Outcome_Accepted:
		return "accepted"
	case Outcome_Exhausted:
		return "exhausted"
	default:
		return "abandoned"
	}
}

// ErrTaskNotYetKnown is a 404 from the aggregator, which may simply be behind
// the operator in reading the ledger.
var ErrTaskNotYetKnown = errors.New("aggregator does not know the task yet")

// RejectedError is any other non-200 answer.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("aggregator rejected claim with status %d: %s", e.StatusCode, e.Message)
}

type SubmitterConfig struct {
	AggregatorUrl string
	// MaxAttempts includes the first attempt.
	MaxAttempts int
	RetryDelay  time.Duration
	HttpClient  *http.Client
}

type Submitter struct {
	config  *SubmitterConfig
	client  *http.Client
	url     string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewSubmitter(config *SubmitterConfig, m *metrics.Metrics, logger *zap.Logger) *Submitter {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	client := config.HttpClient
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &Submitter{
		config:  config,
		client:  client,
		url:     strings.TrimRight(config.AggregatorUrl, "/") + SubmitPath,
		metrics: m,
		logger:  logger,
	}
}

// Submit posts claim, retrying at a constant delay while the aggregator does
// not yet know the task. Every other failure abandons the claim.
func (s *Submitter) Submit(ctx context.Context, claim *types.SignedClaim) (Outcome, error) {
	body, err := json.Marshal(claim)
	if err != nil {
		return Outcome_Abandoned, err
	}

	attempts := 0
	op := func() error {
		attempts++
		err := s.post(ctx, body)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrTaskNotYetKnown):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.config.RetryDelay), uint64(s.config.MaxAttempts-1)),
		ctx,
	)
	notify := func(err error, delay time.Duration) {
		s.observe(metrics.Outcome_Retried)
		s.logger.Sugar().Infow("Task not yet known to aggregator, retrying",
			"taskId", claim.TaskId.Hex(),
			"attempt", attempts,
			"delay", delay,
		)
	}

	err = backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		s.observe(metrics.Outcome_Success)
		s.logger.Sugar().Infow("Submitted task result", "taskId", claim.TaskId.Hex(), "attempts", attempts)
		return Outcome_Accepted, nil
	case errors.Is(err, ErrTaskNotYetKnown):
		s.observe(metrics.Outcome_Failed)
		s.logger.Sugar().Warnw("Giving up on task unknown to aggregator", "taskId", claim.TaskId.Hex(), "attempts", attempts)
		return Outcome_Exhausted, err
	default:
		s.observe(metrics.Outcome_Abandoned)
		s.logger.Sugar().Warnw("Abandoning task submission", "taskId", claim.TaskId.Hex(), "error", err)
		return Outcome_Abandoned, err
	}
}

func (s *Submitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrTaskNotYetKnown
	default:
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &RejectedError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
}

func (s *Submitter) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.Submissions.WithLabelValues(outcome).Inc()
	}
}
