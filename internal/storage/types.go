package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrPersistence wraps any failure of the underlying database.
	ErrPersistence = errors.New("persistence error")
	ErrNotFound    = errors.New("storage: not found")
	// ErrConflict reports a unique constraint violation (e.g. a token stored twice).
	ErrConflict = errors.New("storage: conflict")
)

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

type BotStatus string

const (
	StatusActive  BotStatus = "active"
	StatusError   BotStatus = "error"
	StatusStopped BotStatus = "stopped"
)

// TokenMask replaces secret tokens in every outward-facing view.
const TokenMask = "***"

// Bot is a registered credential. Token is secret.
type Bot struct {
	ID          string    `json:"id"`
	Token       string    `json:"token"`
	OwnerID     string    `json:"owner_id"`
	ClientID    string    `json:"client_id"`
	DisplayName string    `json:"display_name"`
	Status      BotStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Redacted returns a copy with the token masked.
func (b Bot) Redacted() Bot {
	b.Token = TokenMask
	return b
}

// Scope identifies one tenant as seen by one bot.
type Scope struct {
	TenantID string `json:"tenant_id"`
	BotID    string `json:"bot_id"`
}

func (s Scope) String() string { return s.BotID + "/" + s.TenantID }

// Set is a sorted list of unique ids.
type Set []string

func NewSet(ids ...string) Set {
	var s Set
	for _, id := range ids {
		s = s.Add(id)
	}
	return s
}

// UnmarshalJSON accepts ids in any order and restores the sorted form.
func (s *Set) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	out := NewSet(ids...)
	if out == nil && ids != nil {
		out = Set{}
	}
	*s = out
	return nil
}

func (s Set) Has(id string) bool {
	_, ok := slices.BinarySearch(s, id)
	return ok
}

// Add returns s with id inserted. Adding an existing id is a no-op.
func (s Set) Add(id string) Set {
	id = strings.TrimSpace(id)
	if id == "" {
		return s
	}
	i, ok := slices.BinarySearch(s, id)
	if ok {
		return s
	}
	out := make(Set, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, id)
	return append(out, s[i:]...)
}

// Remove returns s without id.
func (s Set) Remove(id string) Set {
	i, ok := slices.BinarySearch(s, id)
	if !ok {
		return s
	}
	out := make(Set, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

// Intersects reports whether any of ids is in s.
func (s Set) Intersects(ids []string) bool {
	for _, id := range ids {
		if s.Has(id) {
			return true
		}
	}
	return false
}

// PermissionRule grants a command to roles or members.
type PermissionRule struct {
	Roles   Set `json:"roles"`
	Members Set `json:"members"`
}

func (r PermissionRule) Empty() bool { return len(r.Roles) == 0 && len(r.Members) == 0 }

// Settings is the per-(tenant, bot) configuration row.
type Settings struct {
	ID    string `json:"id"`
	Scope Scope  `json:"scope"`

	Prefix    string `json:"prefix"`
	Owners    Set    `json:"owners"`
	Whitelist Set    `json:"whitelist"`
	Blacklist Set    `json:"blacklist"`

	Antiraid        bool `json:"antiraid"`
	Antilink        bool `json:"antilink"`
	Antispam        bool `json:"antispam"`
	Antimassmention bool `json:"antimassmention"`
	Badwords        bool `json:"badwords"`

	ModlogChannel string `json:"modlog_channel"`
	MuteRole      string `json:"mute_role"`

	Config      map[string]any            `json:"config"`
	Permissions map[string]PermissionRule `json:"permissions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingsPatch names the fields to change. Nil fields are left alone.
// Config keys are merged (a nil value deletes the key); Permissions entries
// are replaced (a nil rule deletes the entry).
type SettingsPatch struct {
	Prefix    *string
	Owners    *Set
	Whitelist *Set
	Blacklist *Set

	Antiraid        *bool
	Antilink        *bool
	Antispam        *bool
	Antimassmention *bool
	Badwords        *bool

	ModlogChannel *string
	MuteRole      *string

	Config      map[string]any
	Permissions map[string]*PermissionRule
}

// Apply merges p into s.
func (p SettingsPatch) Apply(s *Settings) {
	setIf(&s.Prefix, p.Prefix)
	setIf(&s.Owners, p.Owners)
	setIf(&s.Whitelist, p.Whitelist)
	setIf(&s.Blacklist, p.Blacklist)
	setIf(&s.Antiraid, p.Antiraid)
	setIf(&s.Antilink, p.Antilink)
	setIf(&s.Antispam, p.Antispam)
	setIf(&s.Antimassmention, p.Antimassmention)
	setIf(&s.Badwords, p.Badwords)
	setIf(&s.ModlogChannel, p.ModlogChannel)
	setIf(&s.MuteRole, p.MuteRole)

	if len(p.Config) > 0 {
		cfg := make(map[string]any, len(s.Config)+len(p.Config))
		for k, v := range s.Config {
			cfg[k] = v
		}
		for k, v := range p.Config {
			if v == nil {
				delete(cfg, k)
				continue
			}
			cfg[k] = v
		}
		s.Config = cfg
	}
	if len(p.Permissions) > 0 {
		perms := make(map[string]PermissionRule, len(s.Permissions)+len(p.Permissions))
		for k, v := range s.Permissions {
			perms[k] = v
		}
		for k, v := range p.Permissions {
			if v == nil || v.Empty() {
				delete(perms, k)
				continue
			}
			perms[k] = *v
		}
		s.Permissions = perms
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

type SanctionKind string

const (
	KindWarn     SanctionKind = "warn"
	KindMute     SanctionKind = "mute"
	KindTempmute SanctionKind = "tempmute"
	KindKick     SanctionKind = "kick"
	KindBan      SanctionKind = "ban"
	KindTempban  SanctionKind = "tempban"
)

func (k SanctionKind) Valid() bool {
	switch k {
	case KindWarn, KindMute, KindTempmute, KindKick, KindBan, KindTempban:
		return true
	}
	return false
}

// Sanction is an immutable ledger record.
type Sanction struct {
	ID          string        `json:"id"`
	Scope       Scope         `json:"scope"`
	SubjectID   string        `json:"subject_id"`
	Kind        SanctionKind  `json:"kind"`
	Reason      string        `json:"reason"`
	ModeratorID string        `json:"moderator_id"`
	Duration    time.Duration `json:"duration,omitempty"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ControlSettings holds control-plane options for one control tenant.
type ControlSettings struct {
	TenantID   string    `json:"tenant_id"`
	LoginRoles Set       `json:"login_roles"`
	UpdatedAt  time.Time `json:"updated_at"`
}
