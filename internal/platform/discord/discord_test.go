package discord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetbot/internal/platform"
	"fleetbot/pkg/logx"
)

func newQueue(size int, wait time.Duration) *Conn {
	return &Conn{
		log:    logx.Nop(),
		events: make(chan platform.Message, size),
		done:   make(chan struct{}),
		wait:   wait,
	}
}

func TestEnqueueWaitsForRoom(t *testing.T) {
	c := newQueue(1, time.Second)
	require.True(t, c.enqueue(platform.Message{ID: "1"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-c.events
	}()
	require.True(t, c.enqueue(platform.Message{ID: "2"}))
	require.Equal(t, "2", (<-c.events).ID)
	require.Zero(t, c.dropped.Load())
}

func TestEnqueueDropsAfterWait(t *testing.T) {
	c := newQueue(1, 10*time.Millisecond)
	require.True(t, c.enqueue(platform.Message{ID: "1"}))
	require.False(t, c.enqueue(platform.Message{ID: "2"}))
	require.Equal(t, uint64(1), c.dropped.Load())
}

func TestEnqueueGivesUpOnClose(t *testing.T) {
	c := newQueue(1, time.Minute)
	require.True(t, c.enqueue(platform.Message{ID: "1"}))
	close(c.done)
	require.False(t, c.enqueue(platform.Message{ID: "2"}))
	require.Zero(t, c.dropped.Load())
}
