package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fleetbot/pkg/logx"
)

// Config configures storage. Driver is "memory", "sqlite" or "postgres".
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite; 0 means default
	MaxConns    int32         // postgres; 0 means pool default
}

// Store is the persistence API used by the fleet, tenants and ledger.
type Store interface {
	ListBots(ctx context.Context) ([]Bot, error)
	GetBot(ctx context.Context, id string) (Bot, error)
	// GetBotByToken reports ok=false when no bot holds token.
	GetBotByToken(ctx context.Context, token string) (b Bot, ok bool, err error)
	// CreateBot assigns ID and timestamps when empty. ErrConflict on a duplicate token.
	CreateBot(ctx context.Context, b Bot) (Bot, error)
	SetBotStatus(ctx context.Context, id string, status BotStatus) error

	GetSettings(ctx context.Context, scope Scope) (s Settings, ok bool, err error)
	// CreateSettings inserts s unless a row for s.Scope exists, and returns the stored row.
	CreateSettings(ctx context.Context, s Settings) (Settings, error)
	UpdateSettings(ctx context.Context, id string, patch SettingsPatch) (Settings, error)

	AppendSanction(ctx context.Context, r Sanction) (Sanction, error)
	// ListSanctions returns records for subject in creation order.
	ListSanctions(ctx context.Context, scope Scope, subjectID string) ([]Sanction, error)
	// ListExpiring returns records of kind for botID whose ExpiresAt is in (after, until].
	ListExpiring(ctx context.Context, botID string, kind SanctionKind, after, until time.Time) ([]Sanction, error)

	GetControlSettings(ctx context.Context, tenantID string) (c ControlSettings, ok bool, err error)
	PutControlSettings(ctx context.Context, c ControlSettings) (ControlSettings, error)

	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	log = log.With(logx.String("comp", "storage"))
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
