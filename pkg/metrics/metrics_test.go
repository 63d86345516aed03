package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.ClaimsReceived.WithLabelValues(Outcome_Accepted).Inc()
	m.ClaimsReceived.WithLabelValues(Outcome_Accepted).Inc()
	m.ClaimsReceived.WithLabelValues(Outcome_InvalidSignature).Inc()
	m.Verdicts.WithLabelValues("COMPLETED").Inc()
	m.FinalizationAttempts.Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ClaimsReceived.WithLabelValues(Outcome_Accepted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ClaimsReceived.WithLabelValues(Outcome_InvalidSignature)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FinalizationAttempts))

	// instances do not share a registry
	other := NewMetrics()
	assert.Equal(t, float64(0), testutil.ToFloat64(other.FinalizationAttempts))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "avs_aggregator_claims_received_total")
	assert.Contains(t, string(body), "avs_aggregator_verdicts_total")
}
