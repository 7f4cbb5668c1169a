// Package speedtest measures the host's network throughput for the speed command.
//
// Only one run executes at a time per Runner; a concurrent caller gets ErrBusy.
package speedtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

var ErrBusy = errors.New("speedtest: a run is already in progress")

type Result struct {
	DownloadMbps  float64
	UploadMbps    float64
	PingMs        float64
	JitterMs      float64
	PacketLoss    float64
	ISP           string
	ServerName    string
	ServerCountry string
	Duration      time.Duration
}

// Format renders r as a chat reply.
func (r Result) Format() string {
	return fmt.Sprintf(
		"📶 Speedtest\n"+
			"⬇️ Download: %.2f Mbps\n"+
			"⬆️ Upload: %.2f Mbps\n"+
			"📡 Ping: %.0f ms (jitter %.1f ms)\n"+
			"📦 Packet loss: %.2f%%\n"+
			"🏢 %s via %s (%s)\n"+
			"⏱️ %s",
		r.DownloadMbps, r.UploadMbps, r.PingMs, r.JitterMs, r.PacketLoss,
		r.ISP, r.ServerName, r.ServerCountry, r.Duration.Round(time.Second),
	)
}

type Config struct {
	// Candidate servers, nearest first, that get pinged.
	ServerCount int
	// Lowest-latency servers that get a full download/upload test.
	FullTestServers int
	MaxConnections  int
	PingConcurrency int
	PacketLoss      bool
	// DialTimeout caps the per-connection dial of the test HTTP client.
	DialTimeout time.Duration
}

type Runner struct {
	cfg Config
	mu  sync.Mutex
}

func NewRunner(cfg Config) *Runner {
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = 5
	}
	if cfg.FullTestServers <= 0 {
		cfg.FullTestServers = 1
	}
	cfg.FullTestServers = min(cfg.FullTestServers, cfg.ServerCount)
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.PingConcurrency <= 0 {
		cfg.PingConcurrency = 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Runner{cfg: cfg}
}

// Run executes one measurement bounded by ctx.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if !r.mu.TryLock() {
		return Result{}, ErrBusy
	}
	defer r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	start := time.Now()
	cfg := r.cfg

	hc, tr := newHTTPClient(cfg)
	stc := st.New(st.WithUserConfig(&st.UserConfig{MaxConnections: cfg.MaxConnections}))
	if s, ok := any(stc).(interface{ SetHTTPClient(*http.Client) }); ok {
		s.SetHTTPClient(hc)
	}
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		cancel()
		stc.Snapshots().Clean()
		stc.Reset()
		tr.CloseIdleConnections()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Result{}, errors.New("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := servers[:min(cfg.ServerCount, len(servers))]

	pinged := ping(ctx, candidates, cfg.PingConcurrency)
	if len(pinged) == 0 {
		return Result{}, errors.New("all latency tests failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })

	var results []serverResult
	for _, s := range pinged[:min(cfg.FullTestServers, len(pinged))] {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		results = append(results, serverResult{server: s, download: s.DLSpeed.Mbps(), upload: s.ULSpeed.Mbps(), ping: s.Latency})
		stc.Snapshots().Clean()
		stc.Reset()
	}
	if len(results) == 0 {
		return Result{}, errors.New("full test failed for all servers")
	}

	avg := average(results)
	best := best(results)

	loss := 0.0
	if cfg.PacketLoss {
		host := best.server.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		plCtx, plCancel := context.WithTimeout(ctx, 3*time.Second)
		loss = packetLoss(plCtx, host)
		plCancel()
	}

	jitter := float64(best.server.Jitter.Milliseconds())
	if jitter <= 0 {
		jitter = math.Max(0.1, float64(avg.ping.Milliseconds())*0.1)
	}

	return Result{
		DownloadMbps:  avg.download,
		UploadMbps:    avg.upload,
		PingMs:        float64(avg.ping.Milliseconds()),
		JitterMs:      jitter,
		PacketLoss:    loss,
		ISP:           user.Isp,
		ServerName:    best.server.Sponsor,
		ServerCountry: best.server.Country,
		Duration:      time.Since(start),
	}, nil
}

func ping(ctx context.Context, servers []*st.Server, limit int) []*st.Server {
	sem := make(chan struct{}, limit)
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out []*st.Server
	)
	for _, s := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
				return
			}
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

type serverResult struct {
	server   *st.Server
	download float64
	upload   float64
	ping     time.Duration
}

func average(rs []serverResult) serverResult {
	var out serverResult
	for _, r := range rs {
		out.download += r.download
		out.upload += r.upload
		out.ping += r.ping
	}
	n := len(rs)
	out.download /= float64(n)
	out.upload /= float64(n)
	out.ping /= time.Duration(n)
	return out
}

// best prefers lower ping, then higher download.
func best(rs []serverResult) serverResult {
	b := rs[0]
	for _, r := range rs[1:] {
		if r.ping < b.ping || (r.ping == b.ping && r.download > b.download) {
			b = r
		}
	}
	return b
}

func packetLoss(ctx context.Context, host string) float64 {
	if host == "" {
		return 0
	}
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	return pl.LossPercent()
}

func newHTTPClient(cfg Config) (*http.Client, *http.Transport) {
	d := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   max(cfg.MaxConnections, 2),
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr}, tr
}
