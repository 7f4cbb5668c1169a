package speedtest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRunnerDefaults(t *testing.T) {
	r := NewRunner(Config{ServerCount: 2, FullTestServers: 9})
	require.Equal(t, 2, r.cfg.FullTestServers)
	require.Equal(t, 4, r.cfg.MaxConnections)
	require.Equal(t, 10*time.Second, r.cfg.DialTimeout)
}

func TestAverageAndBest(t *testing.T) {
	rs := []serverResult{
		{download: 100, upload: 10, ping: 20 * time.Millisecond},
		{download: 50, upload: 30, ping: 10 * time.Millisecond},
		{download: 80, upload: 20, ping: 10 * time.Millisecond},
	}
	avg := average(rs)
	require.InDelta(t, 76.67, avg.download, 0.01)
	require.InDelta(t, 20, avg.upload, 0.01)
	require.Equal(t, 40*time.Millisecond/3, avg.ping)

	b := best(rs)
	require.Equal(t, 80.0, b.download)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	r := NewRunner(Config{})
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.Run(t.Context())
	require.ErrorIs(t, err, ErrBusy)
}

func TestFormat(t *testing.T) {
	out := Result{DownloadMbps: 93.456, UploadMbps: 12, PingMs: 8, ISP: "isp", ServerName: "srv", ServerCountry: "NL", Duration: 21 * time.Second}.Format()
	require.True(t, strings.Contains(out, "93.46 Mbps"))
	require.True(t, strings.Contains(out, "isp via srv (NL)"))
	require.True(t, strings.Contains(out, "21s"))
}
