package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/pipeline"
	"github.com/gizatechxyz/avsthon/pkg/logger"
	"github.com/gizatechxyz/avsthon/pkg/metrics"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmitter struct {
	operator common.Address
	err      error
	last     *types.SignedClaim
}

func (f *fakeAdmitter) Admit(ctx context.Context, claim *types.SignedClaim) (common.Address, error) {
	f.last = claim
	return f.operator, f.err
}

type fakeStatuses map[types.TaskId]types.TaskStatus

func (f fakeStatuses) Get(taskId types.TaskId) types.TaskStatus {
	return f[taskId]
}

const claimBody = `{"task_id":"0x0100000000000000000000000000000000000000000000000000000000000000","result":"42","signature":"0x01"}`

func newTestServer(t *testing.T, admitter *fakeAdmitter, cfg *Config) (*Server, *metrics.Metrics) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	m := metrics.NewMetrics()
	if cfg == nil {
		cfg = &Config{}
	}
	return NewServer(cfg, admitter, fakeStatuses{{1}: types.TaskStatus_Completed}, m, l), m
}

func Test_SubmitTask(t *testing.T) {
	operator := common.HexToAddress("0x000000000000000000000000000000000000beef")

	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{name: "accepted", body: claimBody, wantCode: http.StatusOK},
		{name: "malformed body", body: `{"task_id":`, wantCode: http.StatusBadRequest},
		{name: "bad task id", body: `{"task_id":"0x12","result":"1","signature":"0x01"}`, wantCode: http.StatusBadRequest},
		{name: "invalid signature", body: claimBody, err: fmt.Errorf("%w: short", pipeline.ErrInvalidSignature), wantCode: http.StatusBadRequest},
		{name: "unknown operator", body: claimBody, err: pipeline.ErrUnknownOperator, wantCode: http.StatusForbidden},
		{name: "unknown task", body: claimBody, err: pipeline.ErrUnknownTask, wantCode: http.StatusNotFound},
		{name: "terminal task", body: claimBody, err: pipeline.ErrTaskTerminal, wantCode: http.StatusConflict},
		{name: "pipeline closed", body: claimBody, err: pipeline.ErrPipelineClosed, wantCode: http.StatusServiceUnavailable},
		{name: "other error", body: claimBody, err: fmt.Errorf("boom"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admitter := &fakeAdmitter{operator: operator, err: tt.err}
			s, _ := newTestServer(t, admitter, nil)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit_task", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.NotEmpty(t, rec.Header().Get(RequestIdHeader))

			if tt.wantCode == http.StatusOK {
				var resp submitTaskResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "accepted", resp.Status)
				assert.Equal(t, operator.Hex(), resp.Operator)

				require.NotNil(t, admitter.last)
				assert.Equal(t, types.TaskId{1}, admitter.last.TaskId)
				assert.Equal(t, "42", admitter.last.Result)
				assert.Equal(t, []byte{1}, []byte(admitter.last.Signature))
			}
		})
	}
}

func Test_SubmitTask_MalformedIsCounted(t *testing.T) {
	s, m := newTestServer(t, &fakeAdmitter{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit_task", strings.NewReader("nope")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ClaimsReceived.WithLabelValues(metrics.Outcome_Malformed)))
}

func Test_TaskStatus(t *testing.T) {
	s, _ := newTestServer(t, &fakeAdmitter{}, nil)
	h := s.Handler()

	known := types.TaskId{1}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/task_status/"+known.Hex(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"task_id":"`+known.Hex()+`","status":"COMPLETED"}`, rec.Body.String())

	unknown := types.TaskId{2}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/task_status/"+unknown.Hex(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"task_id":"`+unknown.Hex()+`","status":"EMPTY"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/task_status/0xzz", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_HealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, &fakeAdmitter{}, nil)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func Test_RateLimit(t *testing.T) {
	s, _ := newTestServer(t, &fakeAdmitter{}, &Config{RateLimitRps: 0.001, RateLimitBurst: 2})
	h := s.Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/submit_task", strings.NewReader(claimBody))
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodPost, "/submit_task", strings.NewReader(claimBody))
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per client")

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "only submissions are limited")
}

func Test_RateLimitProxyHeaders(t *testing.T) {
	submit := func(h http.Handler, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/submit_task", strings.NewReader(claimBody))
		req.RemoteAddr = "10.0.0.1:5555"
		req.Header.Set("X-Forwarded-For", forwardedFor)
		req.Header.Set("X-Real-IP", forwardedFor)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("rotating headers do not bypass the limit", func(t *testing.T) {
		s, _ := newTestServer(t, &fakeAdmitter{}, &Config{RateLimitRps: 0.001, RateLimitBurst: 1})
		h := s.Handler()

		assert.Equal(t, http.StatusOK, submit(h, "192.0.2.1"))
		assert.Equal(t, http.StatusTooManyRequests, submit(h, "192.0.2.2"))
		assert.Equal(t, http.StatusTooManyRequests, submit(h, "192.0.2.3"))
	})

	t.Run("trusted proxy headers identify the client", func(t *testing.T) {
		s, _ := newTestServer(t, &fakeAdmitter{}, &Config{RateLimitRps: 0.001, RateLimitBurst: 1, TrustProxyHeaders: true})
		h := s.Handler()

		assert.Equal(t, http.StatusOK, submit(h, "192.0.2.1"))
		assert.Equal(t, http.StatusOK, submit(h, "192.0.2.2"))
		assert.Equal(t, http.StatusTooManyRequests, submit(h, "192.0.2.1"))
	})
}

func Test_RateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(2 * time.Hour)
	rl.Allow("b")

	assert.Equal(t, 1, rl.Sweep(time.Hour))
	assert.True(t, rl.Allow("a"), "forgotten clients start with a full bucket")
}

func Test_ServerLifecycle(t *testing.T) {
	s, _ := newTestServer(t, &fakeAdmitter{}, &Config{Port: 0})
	require.NoError(t, s.Start(context.Background()))

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit_task", strings.NewReader(claimBody)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
