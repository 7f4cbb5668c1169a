package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fleetbot/internal/ledger"
	"fleetbot/internal/platform"
	"fleetbot/internal/storage"
	"fleetbot/pkg/logx"
)

// Expiry lifts temporary bans once they run out. Each live bot has its own
// watermark so a bot that was offline catches up when it reconnects, up to
// the lookback window.
type Expiry struct {
	fleet    *Supervisor
	ledger   *ledger.Ledger
	log      logx.Logger
	lookback time.Duration
	now      func() time.Time

	c *cron.Cron

	mu         sync.Mutex
	watermarks map[string]time.Time
}

func NewExpiry(f *Supervisor, l *ledger.Ledger, schedule string, lookback time.Duration, log logx.Logger) (*Expiry, error) {
	e := &Expiry{
		fleet:      f,
		ledger:     l,
		log:        log.With(logx.String("comp", "expiry")),
		lookback:   lookback,
		now:        time.Now,
		watermarks: map[string]time.Time{},
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	e.c = cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := e.c.AddFunc(schedule, func() { e.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("expiry schedule %q: %w", schedule, err)
	}
	return e, nil
}

func (e *Expiry) Start() {
	e.c.Start()
	e.log.Debug("expiry sweeper started")
}

// Stop waits for a running sweep to finish or ctx to end.
func (e *Expiry) Stop(ctx context.Context) error {
	select {
	case <-e.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep unbans every tempban of a live bot that expired since the bot's
// last sweep. It returns the number of bans lifted.
func (e *Expiry) Sweep(ctx context.Context) int {
	now := e.now()
	lifted := 0
	for _, h := range e.fleet.liveBots() {
		e.mu.Lock()
		after, ok := e.watermarks[h.bot.ID]
		if !ok {
			after = now.Add(-e.lookback)
		}
		e.mu.Unlock()

		n, next, err := e.sweepBot(ctx, h.bot.ID, h.conn, after, now)
		lifted += n
		if err != nil {
			e.log.Warn("expiry sweep failed", logx.String("bot", h.bot.ID), logx.Err(err))
			continue
		}
		e.mu.Lock()
		e.watermarks[h.bot.ID] = next
		e.mu.Unlock()
	}
	if lifted > 0 {
		e.log.Info("tempbans lifted", logx.Int("count", lifted))
	}
	return lifted
}

// sweepBot returns the watermark for the next sweep: until when every record
// was handled, otherwise just before the earliest record that failed so it
// is retried. Unbanning is idempotent, so records after it are safe to repeat.
// A tempban followed by a later ban or tempban is left in place.
func (e *Expiry) sweepBot(ctx context.Context, botID string, client platform.Client, after, until time.Time) (int, time.Time, error) {
	recs, err := e.ledger.Expired(ctx, botID, after, until)
	if err != nil {
		return 0, after, err
	}
	next := until
	hold := func(r storage.Sanction) {
		if at := r.ExpiresAt.Add(-time.Nanosecond); at.Before(next) {
			next = at
		}
	}
	lifted := 0
	for _, r := range recs {
		log := e.log.With(logx.String("bot", botID), logx.String("tenant", r.Scope.TenantID), logx.String("user", r.SubjectID))
		sup, err := e.ledger.Superseded(ctx, r)
		if err != nil {
			log.Warn("tempban history read failed", logx.Err(err))
			hold(r)
			continue
		}
		if sup {
			log.Debug("tempban superseded, left in place")
			continue
		}
		err = client.Unban(ctx, r.Scope.TenantID, r.SubjectID)
		if err != nil && !errors.Is(err, platform.ErrNotFound) {
			log.Warn("tempban unban failed", logx.Err(err))
			hold(r)
			continue
		}
		lifted++
	}
	return lifted, next, nil
}
