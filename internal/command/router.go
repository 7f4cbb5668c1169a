// Package command parses chat messages into commands, authorizes the
// caller against the tenant's settings and runs the matching handler.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleetbot/internal/auth"
	"fleetbot/internal/ledger"
	"fleetbot/internal/metrics"
	"fleetbot/internal/platform"
	"fleetbot/internal/speedtest"
	"fleetbot/internal/storage"
	"fleetbot/internal/tenant"
	"fleetbot/pkg/logx"
)

const (
	genericFailure = "❌ Something went wrong while running that command."
	denyText       = "⛔ You don't have permission to use this command."
)

// Descriptor is one entry of the dispatch table.
type Descriptor struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	// MinTier is the lowest tier allowed to run the command.
	MinTier auth.Tier
	// CustomPerm, when set, lets a tenant grant the command to roles or
	// members below MinTier.
	CustomPerm string
	// DenyReply answers denied callers instead of ignoring them.
	DenyReply bool
	// Timeout overrides the router's default handler timeout.
	Timeout time.Duration
	Handle  HandlerFunc
}

// Observer sees tenant messages that did not dispatch a command.
type Observer func(ctx context.Context, req *Request)

// SpeedRunner runs a network speed test.
type SpeedRunner interface {
	Run(ctx context.Context) (speedtest.Result, error)
}

type Options struct {
	Tenants *tenant.Store
	Ledger  *ledger.Ledger
	Logger  logx.Logger
	Metrics *metrics.Metrics
	// Timeout is the default per-command handler timeout.
	Timeout time.Duration
	// Speedtest backs the speed command; nil disables it.
	Speedtest        SpeedRunner
	SpeedtestTimeout time.Duration
}

type entry struct {
	Descriptor
	h HandlerFunc
}

type Router struct {
	tenants *tenant.Store
	ledger  *ledger.Ledger
	log     logx.Logger
	metrics *metrics.Metrics
	speed   SpeedRunner

	timeout   atomic.Int64
	entries   []*entry
	table     map[string]*entry
	observers []Observer
	now       func() time.Time
}

// NewRouter builds the dispatch table once. Extra descriptors are added
// after the built-in commands.
func NewRouter(opts Options, extra ...Descriptor) *Router {
	r := &Router{
		tenants: opts.Tenants,
		ledger:  opts.Ledger,
		log:     opts.Logger.With(logx.String("comp", "command")),
		metrics: opts.Metrics,
		speed:   opts.Speedtest,
		table:   map[string]*entry{},
		now:     time.Now,
	}
	r.timeout.Store(int64(opts.Timeout))

	speedTimeout := opts.SpeedtestTimeout
	if speedTimeout <= 0 {
		speedTimeout = 2 * time.Minute
	}
	descs := append(r.builtins(speedTimeout), extra...)
	for _, d := range descs {
		r.add(d)
	}
	return r
}

func (r *Router) add(d Descriptor) {
	d.Name = strings.ToLower(d.Name)
	e := &entry{Descriptor: d}
	e.h = Chain(d.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWMetrics(r.metrics),
		r.mwTimeout(d.Timeout),
	)
	for _, name := range append([]string{d.Name}, d.Aliases...) {
		name = strings.ToLower(name)
		if _, dup := r.table[name]; dup {
			panic(fmt.Sprintf("command: duplicate name %q", name))
		}
		r.table[name] = e
	}
	r.entries = append(r.entries, e)
}

// mwTimeout applies the command's own timeout, or the router default which
// may change at runtime.
func (r *Router) mwTimeout(fixed time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			d := fixed
			if d <= 0 {
				d = time.Duration(r.timeout.Load())
			}
			return MWTimeout(d)(next)(ctx, req)
		}
	}
}

// SetTimeout changes the default handler timeout.
func (r *Router) SetTimeout(d time.Duration) { r.timeout.Store(int64(d)) }

// Observe registers fn for messages that are not commands.
// Not safe to call once dispatching has started.
func (r *Router) Observe(fn Observer) {
	if fn != nil {
		r.observers = append(r.observers, fn)
	}
}

// Lookup finds a command by name or alias.
func (r *Router) Lookup(name string) (Descriptor, bool) {
	e, ok := r.table[strings.ToLower(name)]
	if !ok {
		return Descriptor{}, false
	}
	return e.Descriptor, true
}

// Commands lists the table in registration order.
func (r *Router) Commands() []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Descriptor)
	}
	return out
}

// Dispatch runs msg through the table. The bool reports whether msg named
// a known command; the string is the reply to send, possibly empty.
func (r *Router) Dispatch(ctx context.Context, bot storage.Bot, client platform.Client, msg platform.Message) (string, bool) {
	if msg.TenantID == "" {
		return "", false
	}
	scope := storage.Scope{TenantID: msg.TenantID, BotID: bot.ID}
	settings, err := r.tenants.GetOrCreate(ctx, scope)
	if err != nil {
		r.log.Error("load settings failed", logx.String("scope", scope.String()), logx.Err(err))
		return "", false
	}
	principal := auth.Principal{ID: msg.AuthorID, Roles: msg.AuthorRoles}
	req := &Request{
		Bot:      bot,
		Client:   client,
		Msg:      msg,
		Settings: settings,
	}

	e, name, args, ok := r.match(settings.Prefix, msg.Text)
	if !ok {
		req.Verdict = auth.Resolve(principal, bot, settings, "")
		r.observe(ctx, req)
		return "", false
	}

	req.Verdict = auth.Resolve(principal, bot, settings, e.CustomPerm)
	if req.Verdict.Blacklisted {
		return "", true
	}
	if !req.Verdict.Allows(e.MinTier, e.CustomPerm) {
		r.metrics.CommandDone(e.Name, "denied", 0)
		if e.DenyReply {
			return denyText, true
		}
		return "", true
	}

	req.Command = e.Name
	req.Alias = name
	req.Args = args
	req.ReqID = uuid.NewString()
	req.Logger = r.log.With(logx.String("req_id", req.ReqID), logx.String("bot", bot.ID))

	if err := e.h(ctx, req); err != nil {
		return replyFor(err), true
	}
	return req.replyText(), true
}

// match splits text into a table entry, the lower-cased name used and the arguments.
func (r *Router) match(prefix, text string) (*entry, string, []string, bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return nil, "", nil, false
	}
	fields := strings.Fields(text[len(prefix):])
	if len(fields) == 0 {
		return nil, "", nil, false
	}
	name := strings.ToLower(fields[0])
	e, ok := r.table[name]
	if !ok {
		return nil, "", nil, false
	}
	return e, name, fields[1:], true
}

func (r *Router) observe(ctx context.Context, req *Request) {
	for _, fn := range r.observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("observer panicked", logx.Any("panic", p))
				}
			}()
			fn(ctx, req)
		}()
	}
}

func replyFor(err error) string {
	var ue *UsageError
	switch {
	case errors.As(err, &ue):
		return ue.Msg
	case errors.Is(err, ErrInvalidTarget):
		return "❌ Invalid target. Mention a member or give their id."
	case errors.Is(err, ErrInvalidDuration):
		return "❌ Invalid duration. Use <number><s|m|h|d>, for example 10m."
	case errors.Is(err, auth.ErrInsufficientPermission):
		return denyText
	default:
		return genericFailure
	}
}

// isCallerError reports errors caused by the caller's input rather than a failure.
func isCallerError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue) ||
		errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrInvalidDuration) ||
		errors.Is(err, auth.ErrInsufficientPermission)
}
