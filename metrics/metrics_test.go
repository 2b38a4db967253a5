package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.OrphanedResponse()
	m.OrphanedResponse()
	m.Request("ok")
	m.SetReady(true)
	m.SetPending(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.orphanedResponses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ready))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pending))

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	body := recorder.Body.String()
	assert.True(t, strings.Contains(body, "mcp_bridge_orphaned_responses_total 2"))
	assert.True(t, strings.Contains(body, `mcp_bridge_requests_total{outcome="ok"} 1`))
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OrphanedResponse()
		m.Request("ok")
		m.SetSessions(1)
		m.SetReady(false)
	})
	assert.Nil(t, m.Registry())
}
