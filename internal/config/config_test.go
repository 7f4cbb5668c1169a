package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAMLAndDefaults(t *testing.T) {
	cfg, err := Decode("fleet.yaml", []byte(`
control:
  token: abc
storage:
  driver: sqlite
  path: ./x.db
`))
	require.NoError(t, err)
	require.Equal(t, DriverDiscord, cfg.Platform.Driver)
	require.Equal(t, "+", cfg.Control.Prefix)
	require.Equal(t, DefaultExpirySchedule, cfg.Fleet.ExpirySchedule)
	require.Equal(t, DefaultHTTPAddr, cfg.HTTP.Addr)
	require.NoError(t, cfg.Validate())
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"nope": 1}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{"control":{"token":"a"}} {}`))
	require.ErrorContains(t, err, "trailing data")
}

func TestEnvOverlaysSecrets(t *testing.T) {
	t.Setenv("FLEETBOT_CONTROL_TOKEN", "from-env")
	t.Setenv("FLEETBOT_DATABASE_URL", "postgres://x")
	cfg, err := Decode("c.json", []byte(`{"storage":{"driver":"postgres"}}`))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Control.Token)
	require.Equal(t, "postgres://x", cfg.Storage.DSN)
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Platform: PlatformConfig{Driver: "irc"},
		Fleet:    FleetConfig{SpawnTimeout: "soon"},
		HTTP:     HTTPConfig{Enabled: true, Addr: "0.0.0.0:80"},
	}
	cfg.Normalize()
	err := cfg.Validate()
	require.ErrorContains(t, err, "platform.driver")
	require.ErrorContains(t, err, "control.token")
	require.ErrorContains(t, err, "fleet.spawn_timeout")
	require.ErrorContains(t, err, "http.token")
}

func TestChangedSections(t *testing.T) {
	a := &Config{Logging: LoggingConfig{Level: "info"}, Storage: StorageConfig{Driver: "memory"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Storage: StorageConfig{Driver: "sqlite"}}
	changed, restart := ChangedSections(a, b)
	require.Equal(t, []string{"logging", "storage"}, changed)
	require.Equal(t, []string{"storage"}, restart)
}

func TestDurationOrDefault(t *testing.T) {
	require.Equal(t, time.Minute, DurationOrDefault("", time.Minute))
	require.Equal(t, 5*time.Second, DurationOrDefault("5s", time.Minute))
	require.Equal(t, time.Minute, DurationOrDefault("bad", time.Minute))
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "fleet.json", `{"control":{"token":"a"},"logging":{"level":"info"}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "fleet.json", `{"control":{"token":"a"},"logging":{"level":"debug"}}`)

	select {
	case cfg := <-ch:
		require.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
