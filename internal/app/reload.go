package app

import (
	"context"
	"strings"

	"fleetbot/internal/config"
	"fleetbot/pkg/logx"
)

// reloadLoop applies hot-reloadable sections as the config file changes.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, restart := config.ChangedSections(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))
	a.router.SetTimeout(commandTimeout(next))
	a.http.Reconfigure(ctx, mapHTTPConfig(next))

	a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
}
