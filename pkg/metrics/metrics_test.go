package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	log := logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Format: "text"})
	return NewMetrics(true, true, log)
}

func TestHTTPMiddlewareCountsRequests(t *testing.T) {
	m := newTestMetrics(t)

	handler := m.HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(m.TotalHTTPRequestsCounter))
	require.Contains(t, m.HTTPRequestsCounters, http.StatusNotFound)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.HTTPRequestsCounters[http.StatusNotFound]))
}

func TestSessionGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.SessionRegistered()
	m.SessionRegistered()
	m.SessionRemoved()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSessionsGauge))
}

func TestDomainCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.MessageSent()
	m.MessageFailed()
	m.AutoReplySent()
	m.DispatchJobFinished(true)
	m.DispatchJobFinished(false)
	m.DispatchJobRetried()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesSentCounter))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesFailedCounter))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AutoRepliesCounter))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchJobsSucceeded))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchJobsFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchJobRetries))
}

func TestDomainHelpersNoopWhenDisabled(t *testing.T) {
	log := logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Format: "text"})
	m := NewMetrics(false, false, log)

	// Must not panic with collectors disabled
	m.SessionRegistered()
	m.SessionRemoved()
	m.MessageSent()
	m.MessageFailed()
	m.AutoReplySent()
	m.DispatchJobFinished(true)
	m.DispatchJobRetried()
}
