package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

const (
	DriverDiscord  = "discord"
	DriverTelegram = "telegram"

	DefaultPrefix         = "+"
	DefaultHTTPAddr       = "127.0.0.1:8085"
	DefaultExpirySchedule = "@every 1m"
)

// Normalize fills defaults for omitted fields.
func (c *Config) Normalize() {
	c.Platform.Driver = strings.ToLower(strings.TrimSpace(c.Platform.Driver))
	if c.Platform.Driver == "" {
		c.Platform.Driver = DriverDiscord
	}
	c.Control.Token = strings.TrimSpace(c.Control.Token)
	if strings.TrimSpace(c.Control.Prefix) == "" {
		c.Control.Prefix = DefaultPrefix
	}
	if c.Fleet.Activity == "" {
		c.Fleet.Activity = "+help"
	}
	if strings.TrimSpace(c.Fleet.ExpirySchedule) == "" {
		c.Fleet.ExpirySchedule = DefaultExpirySchedule
	}
	if c.Fleet.EventBuffer <= 0 {
		c.Fleet.EventBuffer = 64
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.Logging.Chat.RatePerSec <= 0 {
		c.Logging.Chat.RatePerSec = 1
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	switch c.Platform.Driver {
	case DriverDiscord, DriverTelegram:
	default:
		errs = append(errs, fmt.Errorf("platform.driver: unknown driver %q", c.Platform.Driver))
	}
	if c.Control.Token == "" {
		errs = append(errs, errors.New("control.token: required (or set FLEETBOT_CONTROL_TOKEN)"))
	}
	if strings.ContainsAny(c.Control.Prefix, " \t\n") {
		errs = append(errs, errors.New("control.prefix: must not contain whitespace"))
	}

	for path, raw := range map[string]string{
		"platform.poll_timeout":      c.Platform.PollTimeout,
		"fleet.spawn_timeout":        c.Fleet.SpawnTimeout,
		"fleet.expiry_lookback":      c.Fleet.ExpiryLookback,
		"commands.timeout":           c.Commands.Timeout,
		"commands.speedtest_timeout": c.Commands.SpeedtestTimeout,
		"storage.busy_timeout":       c.Storage.BusyTimeout,
		"http.read_timeout":          c.HTTP.ReadTimeout,
		"http.write_timeout":         c.HTTP.WriteTimeout,
		"http.idle_timeout":          c.HTTP.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := cron.ParseStandard(c.Fleet.ExpirySchedule); err != nil {
		errs = append(errs, fmt.Errorf("fleet.expiry_schedule: %w", err))
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres (or set FLEETBOT_DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.HTTP.Enabled && c.HTTP.Token == "" && !IsLoopbackAddr(c.HTTP.Addr) {
		errs = append(errs, fmt.Errorf("http.token: required when binding non-loopback address %q", c.HTTP.Addr))
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port binds only to loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
