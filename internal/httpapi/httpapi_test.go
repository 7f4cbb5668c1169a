package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetbot/internal/fleet"
	"fleetbot/internal/metrics"
	"fleetbot/internal/storage"
	"fleetbot/pkg/logx"
)

type fakeFleet struct {
	bots []fleet.Status
	live int
}

func (f *fakeFleet) List(context.Context) ([]fleet.Status, error) { return f.bots, nil }

func (f *fakeFleet) Get(_ context.Context, id string) (fleet.Status, error) {
	for _, b := range f.bots {
		if b.ID == id {
			return b, nil
		}
	}
	return fleet.Status{}, storage.ErrNotFound
}

func (f *fakeFleet) LiveCount() int { return f.live }

func newFleet() *fakeFleet {
	b := storage.Bot{ID: "b1", Token: "secret", OwnerID: "U1", DisplayName: "Helper", Status: storage.StatusActive}
	return &fakeFleet{bots: []fleet.Status{{Bot: b.Redacted(), Live: true}}, live: 1}
}

func do(t *testing.T, h http.Handler, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoToken(t *testing.T) {
	h := NewHandler(newFleet(), nil, Config{Token: "tok"}, logx.Nop())
	rec := do(t, h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["live"])
}

func TestBotsRequireBearerToken(t *testing.T) {
	h := NewHandler(newFleet(), nil, Config{Token: "tok"}, logx.Nop())

	assert.Equal(t, http.StatusUnauthorized, do(t, h, "/api/bots", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "/api/bots", "Bearer nope").Code)

	rec := do(t, h, "/api/bots", "Bearer tok")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"display_name":"Helper"`)
	assert.Contains(t, rec.Body.String(), `"token":"***"`)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestGetBot(t *testing.T) {
	h := NewHandler(newFleet(), nil, Config{}, logx.Nop())

	rec := do(t, h, "/api/bots/b1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got fleet.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "b1", got.ID)
	assert.True(t, got.Live)

	assert.Equal(t, http.StatusNotFound, do(t, h, "/api/bots/missing", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Registration("ok")
	h := NewHandler(newFleet(), m, Config{Token: "tok"}, logx.Nop())

	rec := do(t, h, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "fleetbot_"))
}

func TestPprofIsOptionalAndProtected(t *testing.T) {
	off := NewHandler(newFleet(), nil, Config{Token: "tok"}, logx.Nop())
	assert.Equal(t, http.StatusNotFound, do(t, off, "/debug/pprof/", "Bearer tok").Code)

	on := NewHandler(newFleet(), nil, Config{Token: "tok", Pprof: true}, logx.Nop())
	assert.Equal(t, http.StatusUnauthorized, do(t, on, "/debug/pprof/", "").Code)
	assert.Equal(t, http.StatusOK, do(t, on, "/debug/pprof/", "Bearer tok").Code)
}

func TestServiceLifecycle(t *testing.T) {
	svc := NewService(Config{Enabled: true, Addr: "127.0.0.1:0"}, newFleet(), nil, logx.Nop())
	svc.Start(t.Context())
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	assert.Empty(t, svc.Addr())
}

func TestServiceRefusesPublicAddrWithoutToken(t *testing.T) {
	svc := NewService(Config{Enabled: true, Addr: "0.0.0.0:0"}, newFleet(), nil, logx.Nop())
	svc.Start(t.Context())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, svc.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)
}

func TestReconfigureDisables(t *testing.T) {
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0"}
	svc := NewService(cfg, newFleet(), nil, logx.Nop())
	svc.Start(t.Context())
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cfg.Enabled = false
	svc.Reconfigure(ctx, cfg)
	assert.Empty(t, svc.Addr())
}
