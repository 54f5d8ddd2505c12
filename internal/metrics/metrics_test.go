package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("anthropic", 200, true, 120*time.Millisecond)
	m.ObserveRequest("anthropic", 200, true, 80*time.Millisecond)
	m.ObserveRequest("openai", 502, false, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("anthropic", "200", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("openai", "502", "false")))
}

func TestCounters(t *testing.T) {
	m := New()
	m.AddUpstreamEvents("openai", 7)
	m.AddUpstreamEvents("openai", 0)
	m.IncToolCall("shell")
	m.IncToolCall("shell")
	m.AddImages("ok", 3)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.upstreamEvents.WithLabelValues("openai")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("shell")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.images.WithLabelValues("ok")))
}

func TestSessionStarted(t *testing.T) {
	m := New()
	done := m.SessionStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("openai", 200, false, time.Millisecond)
		m.AddUpstreamEvents("openai", 1)
		m.IncToolCall("function")
		m.AddImages("ok", 1)
		m.SessionStarted()()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRequest("anthropic", 200, true, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "codex_relay_requests_total")
}
