package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetbot/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, persistErr("postgres connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, persistErr("postgres ping", err)
	}
	ddl, err := schema("postgres.sql")
	if err == nil {
		_, err = pool.Exec(ctx, ddl)
	}
	if err != nil {
		pool.Close()
		return nil, persistErr("postgres migrate", err)
	}
	log.Info("storage opened", logx.String("driver", "postgres"), logx.String("host", pcfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log, now: time.Now}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanPgBot(r pgx.Row) (Bot, error) {
	var (
		b      Bot
		status string
	)
	if err := r.Scan(&b.ID, &b.Token, &b.OwnerID, &b.ClientID, &b.DisplayName, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return Bot{}, err
	}
	b.Status = BotStatus(status)
	return b, nil
}

func (s *postgresStore) ListBots(ctx context.Context) ([]Bot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at, id`)
	if err != nil {
		return nil, persistErr("list bots", err)
	}
	defer rows.Close()
	var out []Bot
	for rows.Next() {
		b, err := scanPgBot(rows)
		if err != nil {
			return nil, persistErr("list bots", err)
		}
		out = append(out, b)
	}
	return out, persistErr("list bots", rows.Err())
}

func (s *postgresStore) GetBot(ctx context.Context, id string) (Bot, error) {
	b, err := scanPgBot(s.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Bot{}, ErrNotFound
	}
	return b, persistErr("get bot", err)
}

func (s *postgresStore) GetBotByToken(ctx context.Context, token string) (Bot, bool, error) {
	b, err := scanPgBot(s.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return Bot{}, false, nil
	}
	if err != nil {
		return Bot{}, false, persistErr("get bot by token", err)
	}
	return b, true, nil
}

func (s *postgresStore) CreateBot(ctx context.Context, b Bot) (Bot, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bots(`+botColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		b.ID, b.Token, b.OwnerID, b.ClientID, b.DisplayName, string(b.Status), b.CreatedAt, b.UpdatedAt)
	if isPgUnique(err) {
		return Bot{}, ErrConflict
	}
	if err != nil {
		return Bot{}, persistErr("create bot", err)
	}
	return b, nil
}

func (s *postgresStore) SetBotStatus(ctx context.Context, id string, status BotStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bots SET status = $1, updated_at = $2 WHERE id = $3`, string(status), s.now().UTC(), id)
	if err != nil {
		return persistErr("set bot status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPgSettings(r pgx.Row) (Settings, error) {
	var (
		st   Settings
		docs settingsDocs
	)
	err := r.Scan(&st.ID, &st.Scope.TenantID, &st.Scope.BotID, &st.Prefix,
		&docs.owners, &docs.whitelist, &docs.blacklist,
		&st.Antiraid, &st.Antilink, &st.Antispam, &st.Antimassmention, &st.Badwords,
		&st.ModlogChannel, &st.MuteRole, &docs.config, &docs.permissions, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return Settings{}, err
	}
	if err := docs.decodeInto(&st); err != nil {
		return Settings{}, err
	}
	return st, nil
}

// jsonb columns are read back as text.
const pgSettingsSelect = `SELECT id, tenant_id, bot_id, prefix, owners::text, whitelist::text, blacklist::text,
	antiraid, antilink, antispam, antimassmention, badwords,
	modlog_channel, mute_role, config::text, permissions::text, created_at, updated_at
	FROM guild_settings`

func (s *postgresStore) GetSettings(ctx context.Context, scope Scope) (Settings, bool, error) {
	st, err := scanPgSettings(s.pool.QueryRow(ctx, pgSettingsSelect+` WHERE tenant_id = $1 AND bot_id = $2`, scope.TenantID, scope.BotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, persistErr("get settings", err)
	}
	return st, true, nil
}

func (s *postgresStore) CreateSettings(ctx context.Context, st Settings) (Settings, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	docs, err := encodeSettingsDocs(st)
	if err != nil {
		return Settings{}, err
	}
	now := s.now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO guild_settings(`+settingsColumns+`)
		 VALUES($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7::jsonb,$8,$9,$10,$11,$12,$13,$14,$15::jsonb,$16::jsonb,$17,$18)
		 ON CONFLICT (tenant_id, bot_id) DO NOTHING`,
		st.ID, st.Scope.TenantID, st.Scope.BotID, st.Prefix, docs.owners, docs.whitelist, docs.blacklist,
		st.Antiraid, st.Antilink, st.Antispam, st.Antimassmention, st.Badwords,
		st.ModlogChannel, st.MuteRole, docs.config, docs.permissions, now, now)
	if err != nil {
		return Settings{}, persistErr("create settings", err)
	}
	out, ok, err := s.GetSettings(ctx, st.Scope)
	if err == nil && !ok {
		err = ErrNotFound
	}
	return out, err
}

// UpdateSettings locks the row for the read-modify-write.
func (s *postgresStore) UpdateSettings(ctx context.Context, id string, patch SettingsPatch) (Settings, error) {
	var out Settings
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		st, err := scanPgSettings(tx.QueryRow(ctx, pgSettingsSelect+` WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		patch.Apply(&st)
		st.UpdatedAt = s.now().UTC()
		docs, err := encodeSettingsDocs(st)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE guild_settings SET prefix = $1, owners = $2::jsonb, whitelist = $3::jsonb, blacklist = $4::jsonb,
			 antiraid = $5, antilink = $6, antispam = $7, antimassmention = $8, badwords = $9,
			 modlog_channel = $10, mute_role = $11, config = $12::jsonb, permissions = $13::jsonb, updated_at = $14
			 WHERE id = $15`,
			st.Prefix, docs.owners, docs.whitelist, docs.blacklist,
			st.Antiraid, st.Antilink, st.Antispam, st.Antimassmention, st.Badwords,
			st.ModlogChannel, st.MuteRole, docs.config, docs.permissions, st.UpdatedAt, id)
		out = st
		return err
	})
	if err != nil {
		return Settings{}, persistErr("update settings", err)
	}
	return out, nil
}

func scanPgSanction(r pgx.Row) (Sanction, error) {
	var (
		rec  Sanction
		kind string
		dur  *int64
	)
	if err := r.Scan(&rec.ID, &rec.Scope.TenantID, &rec.Scope.BotID, &rec.SubjectID, &kind, &rec.Reason,
		&rec.ModeratorID, &dur, &rec.ExpiresAt, &rec.CreatedAt); err != nil {
		return Sanction{}, err
	}
	rec.Kind = SanctionKind(kind)
	if dur != nil {
		rec.Duration = time.Duration(*dur) * time.Millisecond
	}
	return rec, nil
}

func (s *postgresStore) AppendSanction(ctx context.Context, r Sanction) (Sanction, error) {
	r.ID = uuid.NewString()
	r.CreatedAt = s.now().UTC()
	var dur *int64
	if r.Duration > 0 {
		v := r.Duration.Milliseconds()
		dur = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sanctions(`+sanctionColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.Scope.TenantID, r.Scope.BotID, r.SubjectID, string(r.Kind), r.Reason, r.ModeratorID, dur, r.ExpiresAt, r.CreatedAt)
	if err != nil {
		return Sanction{}, persistErr("append sanction", err)
	}
	return r, nil
}

func (s *postgresStore) querySanctions(ctx context.Context, op, query string, args ...any) ([]Sanction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()
	var out []Sanction
	for rows.Next() {
		r, err := scanPgSanction(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, r)
	}
	return out, persistErr(op, rows.Err())
}

func (s *postgresStore) ListSanctions(ctx context.Context, scope Scope, subjectID string) ([]Sanction, error) {
	return s.querySanctions(ctx, "list sanctions",
		`SELECT `+sanctionColumns+` FROM sanctions
		 WHERE tenant_id = $1 AND bot_id = $2 AND subject_id = $3 ORDER BY seq`,
		scope.TenantID, scope.BotID, subjectID)
}

func (s *postgresStore) ListExpiring(ctx context.Context, botID string, kind SanctionKind, after, until time.Time) ([]Sanction, error) {
	return s.querySanctions(ctx, "list expiring",
		`SELECT `+sanctionColumns+` FROM sanctions
		 WHERE bot_id = $1 AND kind = $2 AND expires_at > $3 AND expires_at <= $4 ORDER BY expires_at, seq`,
		botID, string(kind), after, until)
}

func (s *postgresStore) GetControlSettings(ctx context.Context, tenantID string) (ControlSettings, bool, error) {
	c := ControlSettings{TenantID: tenantID}
	var roles string
	err := s.pool.QueryRow(ctx, `SELECT login_roles::text, updated_at FROM control_settings WHERE tenant_id = $1`, tenantID).
		Scan(&roles, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ControlSettings{}, false, nil
	}
	if err != nil {
		return ControlSettings{}, false, persistErr("get control settings", err)
	}
	if err := decodeSet(roles, &c.LoginRoles); err != nil {
		return ControlSettings{}, false, err
	}
	return c, true, nil
}

func (s *postgresStore) PutControlSettings(ctx context.Context, c ControlSettings) (ControlSettings, error) {
	roles, err := encodeJSON(c.LoginRoles, "[]")
	if err != nil {
		return ControlSettings{}, err
	}
	c.UpdatedAt = s.now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO control_settings(tenant_id, login_roles, updated_at) VALUES($1,$2::jsonb,$3)
		 ON CONFLICT (tenant_id) DO UPDATE SET login_roles = EXCLUDED.login_roles, updated_at = EXCLUDED.updated_at`,
		c.TenantID, roles, c.UpdatedAt)
	if err != nil {
		return ControlSettings{}, persistErr("put control settings", err)
	}
	return c, nil
}

var _ Store = (*postgresStore)(nil)
