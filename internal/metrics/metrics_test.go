package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordUtterance("sent", time.Second)
		m.RecordTurn("text", time.Second)
		m.RecordError("transport")
		m.SetState("idle", []string{"idle"})
		m.RecordCommand("open_url", "ok")
		m.RecordToolCall("list_tabs", "ok")
		m.BridgeClientConnected()
		m.BridgeClientGone()
	})
}

func TestRecordersAndHandler(t *testing.T) {
	m := New("test")
	m.RecordUtterance("sent", 1500*time.Millisecond)
	m.RecordUtterance("short", 0)
	m.RecordUtterance("short", 0)
	m.RecordError("limit")
	m.SetState("listening", []string{"idle", "listening"})
	m.RecordCommand("switch_tab", "ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UtterancesTotal.WithLabelValues("sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UtterancesTotal.WithLabelValues("short")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionState.WithLabelValues("listening")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionState.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("switch_tab", "ok")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_utterances_total{outcome="short"} 2`)
	assert.Contains(t, string(body), "test_session_state")
}
