// Package automod inspects ordinary tenant messages against the tenant's
// security toggles and punishes violations.
package automod

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"fleetbot/internal/auth"
	"fleetbot/internal/command"
	"fleetbot/internal/ledger"
	"fleetbot/internal/metrics"
	"fleetbot/internal/platform"
	"fleetbot/internal/storage"
	"fleetbot/internal/tenant"
	"fleetbot/pkg/logx"
)

// Rule names, also used as metric labels.
const (
	RuleLink        = "antilink"
	RuleMassMention = "antimassmention"
	RuleBadword     = "badwords"
	RuleSpam        = "antispam"
)

// MuteDuration is the timeout applied by the "mute" punishment.
const MuteDuration = 10 * time.Minute

const (
	limiterIdle  = 10 * time.Minute
	sweepEvery   = 512
	reasonPrefix = "automod: "
)

var linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+\.\S+|discord(?:app)?\.(?:gg|com/invite)/\S+)`)

type Moderator struct {
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	mu       sync.Mutex
	limiters map[limiterKey]*limiter
	seen     int
}

type limiterKey struct {
	scope  storage.Scope
	author string
}

type limiter struct {
	lim      *rate.Limiter
	limit    int
	window   time.Duration
	lastSeen time.Time
}

func New(l *ledger.Ledger, m *metrics.Metrics, log logx.Logger) *Moderator {
	return &Moderator{
		ledger:   l,
		metrics:  m,
		log:      log.With(logx.String("comp", "automod")),
		now:      time.Now,
		limiters: map[limiterKey]*limiter{},
	}
}

// Observe is a command.Observer.
func (m *Moderator) Observe(ctx context.Context, req *command.Request) {
	if req.Verdict.Tier >= auth.TierWhitelisted || req.Msg.AuthorIsAdmin {
		return
	}
	rule := m.Check(req.Scope(), req.Settings, req.Msg)
	if rule == "" {
		return
	}
	m.enforce(ctx, req, rule)
}

// Check returns the first rule msg violates, or "". It also counts msg
// against the author's spam window when antispam is on.
func (m *Moderator) Check(scope storage.Scope, st storage.Settings, msg platform.Message) string {
	spam := st.Antispam && !m.allow(scope, st, msg.AuthorID)
	switch {
	case st.Antilink && linkPattern.MatchString(msg.Text):
		return RuleLink
	case st.Antimassmention && len(msg.Mentions)+len(msg.RoleMentions) > tenant.Int(st, tenant.KeyMassMentionLimit, tenant.DefaultMassMentionLimit):
		return RuleMassMention
	case st.Badwords && containsBadword(msg.Text, tenant.Strings(st, tenant.KeyBadwords)):
		return RuleBadword
	case spam:
		return RuleSpam
	}
	return ""
}

// allow spends one token of the author's spam window. Changing the
// tenant's limits resets the window.
func (m *Moderator) allow(scope storage.Scope, st storage.Settings, author string) bool {
	limit := tenant.Int(st, tenant.KeySpamLimit, tenant.DefaultSpamLimit)
	window := time.Duration(tenant.Int(st, tenant.KeySpamWindowMS, tenant.DefaultSpamWindowMS)) * time.Millisecond
	if limit <= 0 || window <= 0 {
		return true
	}
	now := m.now()
	key := limiterKey{scope: scope, author: author}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen++
	if m.seen%sweepEvery == 0 {
		for k, l := range m.limiters {
			if now.Sub(l.lastSeen) > limiterIdle {
				delete(m.limiters, k)
			}
		}
	}
	l, ok := m.limiters[key]
	if !ok || l.limit != limit || l.window != window {
		l = &limiter{lim: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit), limit: limit, window: window}
		m.limiters[key] = l
	}
	l.lastSeen = now
	if l.lim.AllowN(now, 1) {
		return true
	}
	// One punishment per burst.
	delete(m.limiters, key)
	return false
}

func containsBadword(text string, words []string) bool {
	if len(words) == 0 {
		return false
	}
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, t := range tokens {
		if slices.Contains(words, t) {
			return true
		}
	}
	return false
}

func (m *Moderator) enforce(ctx context.Context, req *command.Request, rule string) {
	log := m.log.With(
		logx.String("bot", req.Bot.ID),
		logx.String("tenant", req.Msg.TenantID),
		logx.String("user", req.Msg.AuthorID),
		logx.String("rule", rule),
	)
	m.metrics.Automod(rule)

	if err := req.Client.DeleteMessage(ctx, req.Msg.ChannelID, req.Msg.ID); err != nil {
		log.Warn("automod delete failed", logx.Err(err))
	}

	punishment := tenant.String(req.Settings, tenant.KeyPunishment, tenant.DefaultPunishment)
	if err := m.punish(ctx, req, rule, punishment); err != nil {
		log.Warn("automod punishment failed", logx.String("punishment", punishment), logx.Err(err))
		return
	}
	log.Info("automod violation", logx.String("punishment", punishment))

	name := req.Msg.AuthorName
	if name == "" {
		name = req.Msg.AuthorID
	}
	notice := fmt.Sprintf("🛡️ Removed a message from %s (%s, %s).", name, rule, punishment)
	if err := req.Client.SendMessage(ctx, req.Msg.ChannelID, notice); err != nil {
		log.Debug("automod notice failed", logx.Err(err))
	}
}

func (m *Moderator) punish(ctx context.Context, req *command.Request, rule, punishment string) error {
	tenantID, userID := req.Msg.TenantID, req.Msg.AuthorID
	rec := storage.Sanction{
		Scope:       req.Scope(),
		SubjectID:   userID,
		Reason:      reasonPrefix + rule,
		ModeratorID: req.Bot.ClientID,
	}
	var action func(context.Context) error
	switch punishment {
	case "mute":
		until := m.now().Add(MuteDuration)
		rec.Kind, rec.Duration = storage.KindTempmute, MuteDuration
		action = func(ctx context.Context) error { return req.Client.SetTimeout(ctx, tenantID, userID, &until) }
	case "kick":
		rec.Kind = storage.KindKick
		action = func(ctx context.Context) error { return req.Client.Kick(ctx, tenantID, userID, rec.Reason) }
	case "ban":
		rec.Kind = storage.KindBan
		action = func(ctx context.Context) error { return req.Client.Ban(ctx, tenantID, userID, rec.Reason) }
	default:
		return m.derank(ctx, req)
	}

	out, err := m.ledger.Record(ctx, rec, action)
	if err != nil {
		return err
	}
	m.metrics.Sanction(string(out.Kind))
	if err := command.Modlog(ctx, req.Client, req.Settings, out); err != nil {
		m.log.Debug("modlog failed", logx.Err(err))
	}
	return nil
}

// derank strips every role of the author. It has no ledger kind.
func (m *Moderator) derank(ctx context.Context, req *command.Request) error {
	roles := req.Msg.AuthorRoles
	if len(roles) == 0 {
		mem, err := req.Client.FetchMember(ctx, req.Msg.TenantID, req.Msg.AuthorID)
		if err != nil {
			return err
		}
		roles = mem.Roles
	}
	var errs []error
	for _, role := range roles {
		if role == req.Msg.TenantID {
			continue
		}
		if err := req.Client.RemoveRole(ctx, req.Msg.TenantID, req.Msg.AuthorID, role); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
