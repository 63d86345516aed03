package submitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gizatechxyz/avsthon/pkg/logger"
	"github.com/gizatechxyz/avsthon/pkg/metrics"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClaim() *types.SignedClaim {
	return &types.SignedClaim{TaskId: types.TaskId{0x01}, Result: "42", Signature: make([]byte, 65)}
}

func Test_Submitter(t *testing.T) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	ctx := context.Background()

	// statuses are answered in order; the last one repeats
	serve := func(statuses ...int) (*httptest.Server, *atomic.Int32) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := int(calls.Add(1))
			if r.URL.Path != SubmitPath || r.Method != http.MethodPost {
				w.WriteHeader(http.StatusTeapot)
				return
			}
			var claim types.SignedClaim
			if err := json.NewDecoder(r.Body).Decode(&claim); err != nil {
				w.WriteHeader(http.StatusTeapot)
				return
			}
			status := statuses[len(statuses)-1]
			if n <= len(statuses) {
				status = statuses[n-1]
			}
			w.WriteHeader(status)
			if status != http.StatusOK {
				_ = json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)})
			}
		}))
		t.Cleanup(srv.Close)
		return srv, &calls
	}
	newSubmitter := func(url string, m *metrics.Metrics) *Submitter {
		return NewSubmitter(&SubmitterConfig{AggregatorUrl: url + "/", RetryDelay: time.Millisecond}, m, l)
	}

	t.Run("accepted on first attempt", func(t *testing.T) {
		srv, calls := serve(http.StatusOK)
		m := metrics.NewMetrics()
		outcome, err := newSubmitter(srv.URL, m).Submit(ctx, newClaim())
		require.NoError(t, err)
		assert.Equal(t, Outcome_Accepted, outcome)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, float64(1), testutil.ToFloat64(m.Submissions.WithLabelValues(metrics.Outcome_Success)))
	})

	t.Run("404 is retried until accepted", func(t *testing.T) {
		srv, calls := serve(http.StatusNotFound, http.StatusNotFound, http.StatusOK)
		m := metrics.NewMetrics()
		outcome, err := newSubmitter(srv.URL, m).Submit(ctx, newClaim())
		require.NoError(t, err)
		assert.Equal(t, Outcome_Accepted, outcome)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, float64(2), testutil.ToFloat64(m.Submissions.WithLabelValues(metrics.Outcome_Retried)))
	})

	t.Run("404 gives up after four attempts", func(t *testing.T) {
		srv, calls := serve(http.StatusNotFound)
		outcome, err := newSubmitter(srv.URL, nil).Submit(ctx, newClaim())
		assert.ErrorIs(t, err, ErrTaskNotYetKnown)
		assert.Equal(t, Outcome_Exhausted, outcome)
		assert.Equal(t, int32(DefaultMaxAttempts), calls.Load())
	})

	t.Run("other rejections are not retried", func(t *testing.T) {
		for _, status := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusInternalServerError} {
			srv, calls := serve(status)
			m := metrics.NewMetrics()
			outcome, err := newSubmitter(srv.URL, m).Submit(ctx, newClaim())
			assert.Equal(t, Outcome_Abandoned, outcome)

			var rejected *RejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, status, rejected.StatusCode)
			assert.Equal(t, http.StatusText(status), rejected.Message)
			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, float64(1), testutil.ToFloat64(m.Submissions.WithLabelValues(metrics.Outcome_Abandoned)))
		}
	})

	t.Run("transport error is abandoned", func(t *testing.T) {
		srv, _ := serve(http.StatusOK)
		url := srv.URL
		srv.Close()
		outcome, err := newSubmitter(url, nil).Submit(ctx, newClaim())
		assert.Error(t, err)
		assert.Equal(t, Outcome_Abandoned, outcome)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		srv, _ := serve(http.StatusNotFound)
		s := NewSubmitter(&SubmitterConfig{AggregatorUrl: srv.URL, RetryDelay: time.Hour}, nil, l)
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		outcome, err := s.Submit(cctx, newClaim())
		assert.Error(t, err)
		assert.NotEqual(t, Outcome_Accepted, outcome)
	})
}
