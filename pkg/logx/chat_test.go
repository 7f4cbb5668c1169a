package logx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) SendLog(_ context.Context, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestFormatChatLine(t *testing.T) {
	got := formatChatLine([]byte(`{"level":"warn","message":"spawn failed","bot":"b1","time":"x"}`))
	require.Equal(t, "[WARN] spawn failed\n- bot=b1", got)

	require.Equal(t, "not json", formatChatLine([]byte("  not json \n")))
}

func TestChatSinkMirrorsWarnings(t *testing.T) {
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})
	defer svc.Close()

	sink := &recordingSink{}
	svc.SetSink(sink)

	log.Info("quiet")
	log.Warn("loud", String("k", "v"))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	require.Contains(t, sink.snapshot()[0], "[WARN] loud")
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	require.True(t, l.IsZero())
	l.Info("nothing happens")
	require.False(t, l.With(String("a", "b")).IsZero())
}
