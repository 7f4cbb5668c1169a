package storage

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Returned values are copies.
type Memory struct {
	mu        sync.Mutex
	bots      []Bot
	settings  map[Scope]Settings
	sanctions []Sanction
	control   map[string]ControlSettings
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		settings: map[Scope]Settings{},
		control:  map[string]ControlSettings{},
		now:      time.Now,
	}
}

func (m *Memory) ListBots(context.Context) ([]Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Bot(nil), m.bots...), nil
}

func (m *Memory) GetBot(_ context.Context, id string) (Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bots {
		if b.ID == id {
			return b, nil
		}
	}
	return Bot{}, ErrNotFound
}

func (m *Memory) GetBotByToken(_ context.Context, token string) (Bot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bots {
		if b.Token == token {
			return b, true, nil
		}
	}
	return Bot{}, false, nil
}

func (m *Memory) CreateBot(_ context.Context, b Bot) (Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.bots {
		if existing.Token == b.Token {
			return Bot{}, ErrConflict
		}
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := m.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	m.bots = append(m.bots, b)
	return b, nil
}

func (m *Memory) SetBotStatus(_ context.Context, id string, status BotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.bots {
		if m.bots[i].ID == id {
			m.bots[i].Status = status
			m.bots[i].UpdatedAt = m.now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) GetSettings(_ context.Context, scope Scope) (Settings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[scope]
	return cloneSettings(s), ok, nil
}

func (m *Memory) CreateSettings(_ context.Context, s Settings) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.settings[s.Scope]; ok {
		return cloneSettings(existing), nil
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := m.now()
	s.CreatedAt, s.UpdatedAt = now, now
	m.settings[s.Scope] = cloneSettings(s)
	return s, nil
}

func (m *Memory) UpdateSettings(_ context.Context, id string, patch SettingsPatch) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for scope, s := range m.settings {
		if s.ID != id {
			continue
		}
		s = cloneSettings(s)
		patch.Apply(&s)
		s.UpdatedAt = m.now()
		m.settings[scope] = s
		return cloneSettings(s), nil
	}
	return Settings{}, ErrNotFound
}

func (m *Memory) AppendSanction(_ context.Context, r Sanction) (Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.NewString()
	r.CreatedAt = m.now()
	m.sanctions = append(m.sanctions, r)
	return r, nil
}

func (m *Memory) ListSanctions(_ context.Context, scope Scope, subjectID string) ([]Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sanction
	for _, r := range m.sanctions {
		if r.Scope == scope && r.SubjectID == subjectID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) ListExpiring(_ context.Context, botID string, kind SanctionKind, after, until time.Time) ([]Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sanction
	for _, r := range m.sanctions {
		if r.Scope.BotID != botID || r.Kind != kind || r.ExpiresAt == nil {
			continue
		}
		if r.ExpiresAt.After(after) && !r.ExpiresAt.After(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) GetControlSettings(_ context.Context, tenantID string) (ControlSettings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.control[tenantID]
	return c, ok, nil
}

func (m *Memory) PutControlSettings(_ context.Context, c ControlSettings) (ControlSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = m.now()
	c.LoginRoles = append(Set(nil), c.LoginRoles...)
	m.control[c.TenantID] = c
	return c, nil
}

func (m *Memory) Close() error { return nil }

func cloneSettings(s Settings) Settings {
	s.Owners = append(Set(nil), s.Owners...)
	s.Whitelist = append(Set(nil), s.Whitelist...)
	s.Blacklist = append(Set(nil), s.Blacklist...)
	s.Config = maps.Clone(s.Config)
	s.Permissions = maps.Clone(s.Permissions)
	return s
}

var _ Store = (*Memory)(nil)
