// Package tenant resolves per-(tenant, bot) settings, creating them with
// defaults on first use.
package tenant

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"fleetbot/internal/storage"
)

// Config map keys and their defaults.
const (
	KeySpamLimit        = "spam_limit"
	KeySpamWindowMS     = "spam_window_ms"
	KeyMassMentionLimit = "mass_mention_limit"
	KeyPunishment       = "punishment"
	KeyBadwords         = "badwords"

	DefaultPrefix           = "+"
	DefaultSpamLimit        = 5
	DefaultSpamWindowMS     = 5000
	DefaultMassMentionLimit = 5
	DefaultPunishment       = "derank"
)

// Punishments accepted for the "punishment" key.
var Punishments = []string{"derank", "mute", "kick", "ban"}

// Defaults returns a fresh settings value for scope.
func Defaults(scope storage.Scope) storage.Settings {
	return storage.Settings{
		Scope:  scope,
		Prefix: DefaultPrefix,
		Config: map[string]any{
			KeySpamLimit:        DefaultSpamLimit,
			KeySpamWindowMS:     DefaultSpamWindowMS,
			KeyMassMentionLimit: DefaultMassMentionLimit,
			KeyPunishment:       DefaultPunishment,
		},
		Permissions: map[string]storage.PermissionRule{},
	}
}

// Store wraps storage with get-or-create semantics.
type Store struct {
	st storage.Store
}

func NewStore(st storage.Store) *Store { return &Store{st: st} }

// GetOrCreate is the only way settings rows come into existence.
// Concurrent first calls converge on one row.
func (s *Store) GetOrCreate(ctx context.Context, scope storage.Scope) (storage.Settings, error) {
	cur, ok, err := s.st.GetSettings(ctx, scope)
	if err != nil {
		return storage.Settings{}, fmt.Errorf("load settings %s: %w", scope, err)
	}
	if ok {
		return cur, nil
	}
	cur, err = s.st.CreateSettings(ctx, Defaults(scope))
	if err != nil {
		return storage.Settings{}, fmt.Errorf("create settings %s: %w", scope, err)
	}
	return cur, nil
}

// Update merges patch into the row. Concurrent updates of one row are last-write-wins.
func (s *Store) Update(ctx context.Context, id string, patch storage.SettingsPatch) (storage.Settings, error) {
	out, err := s.st.UpdateSettings(ctx, id, patch)
	if err != nil {
		return storage.Settings{}, fmt.Errorf("update settings %s: %w", id, err)
	}
	return out, nil
}

// Int reads an integer config value, tolerating JSON float64 and strings.
func Int(st storage.Settings, key string, def int) int {
	switch v := st.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func String(st storage.Settings, key, def string) string {
	if v, ok := st.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Strings reads a list config value ([]string or JSON []any).
func Strings(st storage.Settings, key string) []string {
	switch v := st.Config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
