package config

import "reflect"

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"platform": true,
	"control":  true,
	"fleet":    true,
	"storage":  true,
}

// ChangedSections lists the top-level sections that differ and the subset
// of those that need a restart. Values are never returned, so secrets stay out of logs.
func ChangedSections(oldCfg, newCfg *Config) (changed, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	pairs := []struct {
		name     string
		old, new any
	}{
		{"platform", oldCfg.Platform, newCfg.Platform},
		{"control", oldCfg.Control, newCfg.Control},
		{"fleet", oldCfg.Fleet, newCfg.Fleet},
		{"commands", oldCfg.Commands, newCfg.Commands},
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"http", oldCfg.HTTP, newCfg.HTTP},
	}
	for _, p := range pairs {
		if reflect.DeepEqual(p.old, p.new) {
			continue
		}
		changed = append(changed, p.name)
		if restartSections[p.name] {
			restart = append(restart, p.name)
		}
	}
	return changed, restart
}
