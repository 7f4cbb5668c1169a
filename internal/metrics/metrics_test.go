package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.CommandDone("ban", "ok", 10*time.Millisecond)
	m.CommandDone("ban", "ok", 10*time.Millisecond)
	m.Sanction("ban")
	m.SetLive(3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("ban", "ok")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.live))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "fleetbot_sanctions_total")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CommandDone("x", "ok", 0)
	m.Registration("ok")
	m.Sanction("warn")
	m.Automod("antilink")
	m.SetLive(1)
	require.Nil(t, m.Registry())
}
