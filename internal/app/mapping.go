package app

import (
	"time"

	"fleetbot/internal/config"
	"fleetbot/internal/httpapi"
	"fleetbot/internal/storage"
	"fleetbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			// Mirroring needs somewhere to go.
			Enabled:    cfg.Logging.Chat.Enabled && cfg.Control.LogChannel != "",
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: config.DurationOrDefault(cfg.Storage.BusyTimeout, time.Second),
		MaxConns:    cfg.Storage.MaxConns,
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Enabled:      cfg.HTTP.Enabled,
		Addr:         cfg.HTTP.Addr,
		Token:        cfg.HTTP.Token,
		ReadTimeout:  config.DurationOrDefault(cfg.HTTP.ReadTimeout, 10*time.Second),
		WriteTimeout: config.DurationOrDefault(cfg.HTTP.WriteTimeout, 15*time.Second),
		IdleTimeout:  config.DurationOrDefault(cfg.HTTP.IdleTimeout, 60*time.Second),
		Pprof:        cfg.HTTP.Pprof,
	}
}

func commandTimeout(cfg *config.Config) time.Duration {
	return config.DurationOrDefault(cfg.Commands.Timeout, 30*time.Second)
}

func speedtestTimeout(cfg *config.Config) time.Duration {
	return config.DurationOrDefault(cfg.Commands.SpeedtestTimeout, 90*time.Second)
}
