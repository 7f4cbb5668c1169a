package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"fleetbot/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, now: time.Now}
	ddl, err := schema("sqlite.sql")
	if err == nil {
		_, err = db.ExecContext(ctx, ddl)
	}
	if err != nil {
		_ = db.Close()
		return nil, persistErr("sqlite migrate", err)
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const botColumns = `id, token, owner_id, client_id, display_name, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBot(r rowScanner) (Bot, error) {
	var (
		b                Bot
		status           string
		created, updated int64
	)
	if err := r.Scan(&b.ID, &b.Token, &b.OwnerID, &b.ClientID, &b.DisplayName, &status, &created, &updated); err != nil {
		return Bot{}, err
	}
	b.Status = BotStatus(status)
	b.CreatedAt, b.UpdatedAt = fromMS(created), fromMS(updated)
	return b, nil
}

func (s *sqliteStore) ListBots(ctx context.Context) ([]Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at, id`)
	if err != nil {
		return nil, persistErr("list bots", err)
	}
	defer rows.Close()
	var out []Bot
	for rows.Next() {
		b, err := scanSQLiteBot(rows)
		if err != nil {
			return nil, persistErr("list bots", err)
		}
		out = append(out, b)
	}
	return out, persistErr("list bots", rows.Err())
}

func (s *sqliteStore) GetBot(ctx context.Context, id string) (Bot, error) {
	b, err := scanSQLiteBot(s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Bot{}, ErrNotFound
	}
	return b, persistErr("get bot", err)
}

func (s *sqliteStore) GetBotByToken(ctx context.Context, token string) (Bot, bool, error) {
	b, err := scanSQLiteBot(s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return Bot{}, false, nil
	}
	if err != nil {
		return Bot{}, false, persistErr("get bot by token", err)
	}
	return b, true, nil
}

func (s *sqliteStore) CreateBot(ctx context.Context, b Bot) (Bot, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots(`+botColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		b.ID, b.Token, b.OwnerID, b.ClientID, b.DisplayName, string(b.Status), ms(b.CreatedAt), ms(b.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return Bot{}, ErrConflict
	}
	if err != nil {
		return Bot{}, persistErr("create bot", err)
	}
	return b, nil
}

func (s *sqliteStore) SetBotStatus(ctx context.Context, id string, status BotStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`, string(status), ms(s.now()), id)
	if err != nil {
		return persistErr("set bot status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const settingsColumns = `id, tenant_id, bot_id, prefix, owners, whitelist, blacklist,
	antiraid, antilink, antispam, antimassmention, badwords,
	modlog_channel, mute_role, config, permissions, created_at, updated_at`

func scanSQLiteSettings(r rowScanner) (Settings, error) {
	var (
		st               Settings
		docs             settingsDocs
		created, updated int64
	)
	err := r.Scan(&st.ID, &st.Scope.TenantID, &st.Scope.BotID, &st.Prefix,
		&docs.owners, &docs.whitelist, &docs.blacklist,
		&st.Antiraid, &st.Antilink, &st.Antispam, &st.Antimassmention, &st.Badwords,
		&st.ModlogChannel, &st.MuteRole, &docs.config, &docs.permissions, &created, &updated)
	if err != nil {
		return Settings{}, err
	}
	if err := docs.decodeInto(&st); err != nil {
		return Settings{}, err
	}
	st.CreatedAt, st.UpdatedAt = fromMS(created), fromMS(updated)
	return st, nil
}

func (s *sqliteStore) GetSettings(ctx context.Context, scope Scope) (Settings, bool, error) {
	st, err := scanSQLiteSettings(s.db.QueryRowContext(ctx,
		`SELECT `+settingsColumns+` FROM guild_settings WHERE tenant_id = ? AND bot_id = ?`, scope.TenantID, scope.BotID))
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, persistErr("get settings", err)
	}
	return st, true, nil
}

func (s *sqliteStore) CreateSettings(ctx context.Context, st Settings) (Settings, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	docs, err := encodeSettingsDocs(st)
	if err != nil {
		return Settings{}, err
	}
	now := ms(s.now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO guild_settings(`+settingsColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, bot_id) DO NOTHING`,
		st.ID, st.Scope.TenantID, st.Scope.BotID, st.Prefix, docs.owners, docs.whitelist, docs.blacklist,
		st.Antiraid, st.Antilink, st.Antispam, st.Antimassmention, st.Badwords,
		st.ModlogChannel, st.MuteRole, docs.config, docs.permissions, now, now,
	)
	if err != nil {
		return Settings{}, persistErr("create settings", err)
	}
	out, ok, err := s.GetSettings(ctx, st.Scope)
	if err == nil && !ok {
		err = ErrNotFound
	}
	return out, err
}

func (s *sqliteStore) UpdateSettings(ctx context.Context, id string, patch SettingsPatch) (Settings, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Settings{}, persistErr("update settings", err)
	}
	defer func() { _ = tx.Rollback() }()

	st, err := scanSQLiteSettings(tx.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM guild_settings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, persistErr("update settings", err)
	}
	patch.Apply(&st)
	st.UpdatedAt = s.now()
	docs, err := encodeSettingsDocs(st)
	if err != nil {
		return Settings{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE guild_settings SET prefix = ?, owners = ?, whitelist = ?, blacklist = ?,
		 antiraid = ?, antilink = ?, antispam = ?, antimassmention = ?, badwords = ?,
		 modlog_channel = ?, mute_role = ?, config = ?, permissions = ?, updated_at = ?
		 WHERE id = ?`,
		st.Prefix, docs.owners, docs.whitelist, docs.blacklist,
		st.Antiraid, st.Antilink, st.Antispam, st.Antimassmention, st.Badwords,
		st.ModlogChannel, st.MuteRole, docs.config, docs.permissions, ms(st.UpdatedAt), id,
	)
	if err != nil {
		return Settings{}, persistErr("update settings", err)
	}
	if err := tx.Commit(); err != nil {
		return Settings{}, persistErr("update settings", err)
	}
	return st, nil
}

const sanctionColumns = `id, tenant_id, bot_id, subject_id, kind, reason, moderator_id, duration_ms, expires_at, created_at`

func scanSQLiteSanction(r rowScanner) (Sanction, error) {
	var (
		rec      Sanction
		kind     string
		dur, exp sql.NullInt64
		created  int64
	)
	if err := r.Scan(&rec.ID, &rec.Scope.TenantID, &rec.Scope.BotID, &rec.SubjectID, &kind, &rec.Reason,
		&rec.ModeratorID, &dur, &exp, &created); err != nil {
		return Sanction{}, err
	}
	rec.Kind = SanctionKind(kind)
	if dur.Valid {
		rec.Duration = time.Duration(dur.Int64) * time.Millisecond
	}
	if exp.Valid {
		t := fromMS(exp.Int64)
		rec.ExpiresAt = &t
	}
	rec.CreatedAt = fromMS(created)
	return rec, nil
}

func (s *sqliteStore) AppendSanction(ctx context.Context, r Sanction) (Sanction, error) {
	r.ID = uuid.NewString()
	r.CreatedAt = s.now()
	var dur, exp sql.NullInt64
	if r.Duration > 0 {
		dur = sql.NullInt64{Int64: r.Duration.Milliseconds(), Valid: true}
	}
	if r.ExpiresAt != nil {
		exp = sql.NullInt64{Int64: ms(*r.ExpiresAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sanctions(`+sanctionColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Scope.TenantID, r.Scope.BotID, r.SubjectID, string(r.Kind), r.Reason, r.ModeratorID, dur, exp, ms(r.CreatedAt),
	)
	if err != nil {
		return Sanction{}, persistErr("append sanction", err)
	}
	return r, nil
}

func (s *sqliteStore) querySanctions(ctx context.Context, op, query string, args ...any) ([]Sanction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()
	var out []Sanction
	for rows.Next() {
		r, err := scanSQLiteSanction(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, r)
	}
	return out, persistErr(op, rows.Err())
}

func (s *sqliteStore) ListSanctions(ctx context.Context, scope Scope, subjectID string) ([]Sanction, error) {
	return s.querySanctions(ctx, "list sanctions",
		`SELECT `+sanctionColumns+` FROM sanctions
		 WHERE tenant_id = ? AND bot_id = ? AND subject_id = ? ORDER BY seq`,
		scope.TenantID, scope.BotID, subjectID)
}

func (s *sqliteStore) ListExpiring(ctx context.Context, botID string, kind SanctionKind, after, until time.Time) ([]Sanction, error) {
	return s.querySanctions(ctx, "list expiring",
		`SELECT `+sanctionColumns+` FROM sanctions
		 WHERE bot_id = ? AND kind = ? AND expires_at > ? AND expires_at <= ? ORDER BY expires_at, seq`,
		botID, string(kind), ms(after), ms(until))
}

func (s *sqliteStore) GetControlSettings(ctx context.Context, tenantID string) (ControlSettings, bool, error) {
	var (
		c       = ControlSettings{TenantID: tenantID}
		roles   string
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT login_roles, updated_at FROM control_settings WHERE tenant_id = ?`, tenantID).
		Scan(&roles, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ControlSettings{}, false, nil
	}
	if err != nil {
		return ControlSettings{}, false, persistErr("get control settings", err)
	}
	if err := decodeSet(roles, &c.LoginRoles); err != nil {
		return ControlSettings{}, false, err
	}
	c.UpdatedAt = fromMS(updated)
	return c, true, nil
}

func (s *sqliteStore) PutControlSettings(ctx context.Context, c ControlSettings) (ControlSettings, error) {
	roles, err := encodeJSON(c.LoginRoles, "[]")
	if err != nil {
		return ControlSettings{}, err
	}
	c.UpdatedAt = s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO control_settings(tenant_id, login_roles, updated_at) VALUES(?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET login_roles = excluded.login_roles, updated_at = excluded.updated_at`,
		c.TenantID, roles, ms(c.UpdatedAt))
	if err != nil {
		return ControlSettings{}, persistErr("put control settings", err)
	}
	return c, nil
}

var _ Store = (*sqliteStore)(nil)
