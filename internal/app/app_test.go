package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fleetbot/internal/config"
)

func TestMapLoggingNeedsLogChannelForChat(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.Chat.Enabled = true
	cfg.Logging.Chat.RatePerSec = 2
	assert.False(t, mapLoggingConfig(cfg).Chat.Enabled)

	cfg.Control.LogChannel = "C1"
	got := mapLoggingConfig(cfg)
	assert.True(t, got.Chat.Enabled)
	assert.Equal(t, 2, got.Chat.RatePerSec)
}

func TestMapDurationsFallBackToDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.Commands.Timeout = "5s"
	cfg.HTTP.ReadTimeout = "2s"

	assert.Equal(t, 5*time.Second, commandTimeout(cfg))
	assert.Equal(t, 90*time.Second, speedtestTimeout(cfg))

	h := mapHTTPConfig(cfg)
	assert.Equal(t, 2*time.Second, h.ReadTimeout)
	assert.Equal(t, 15*time.Second, h.WriteTimeout)

	assert.Equal(t, time.Second, mapStorageConfig(cfg).BusyTimeout)
}
