// Package fleet owns the live connections of every registered bot.
//
// The Supervisor is the only writer of the live map. A bot is "connected"
// when it has a handle in that map, whatever its persisted status says.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetbot/internal/eventbus"
	"fleetbot/internal/metrics"
	"fleetbot/internal/platform"
	"fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/storage"
	"fleetbot/pkg/logx"
)

var (
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrDuplicateCredential = errors.New("credential already registered")
	// ErrSpawnFailed is returned by Register when the bot was stored but
	// could not be connected.
	ErrSpawnFailed = errors.New("spawn failed")
	ErrClosed      = errors.New("fleet: closed")
	// ErrStopped is returned by Spawn when Stop ran while it was connecting.
	ErrStopped = errors.New("fleet: stopped while connecting")
)

// Event types published on the bus.
const (
	EventRegistered  = "fleet.registered"
	EventSpawned     = "fleet.spawned"
	EventSpawnFailed = "fleet.spawn_failed"
	EventStopped     = "fleet.stopped"
)

// Dispatcher turns an inbound message into an optional reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, bot storage.Bot, client platform.Client, msg platform.Message) (string, bool)
}

type Options struct {
	Store   storage.Store
	Dialer  platform.Dialer
	Router  Dispatcher
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Logger  logx.Logger

	// Activity is the presence text set after connecting.
	Activity     string
	SpawnTimeout time.Duration
	// EventBuffer sizes each connection's inbound queue.
	EventBuffer int
	// BootstrapParallel caps concurrent spawns during Bootstrap.
	BootstrapParallel int
}

type Supervisor struct {
	store    storage.Store
	dialer   platform.Dialer
	router   Dispatcher
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger
	activity string
	timeout  time.Duration
	buffer   int
	parallel int

	sup *supervisor.Supervisor

	mu      sync.Mutex
	live    map[string]*handle
	pending map[string]*spawning
}

// spawning tracks a connection attempt in flight.
type spawning struct {
	cancel  context.CancelFunc
	stopped bool
}

type handle struct {
	bot    storage.Bot
	conn   platform.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a supervisor whose connections live until ctx ends or
// Shutdown is called.
func New(ctx context.Context, opts Options) *Supervisor {
	log := opts.Logger.With(logx.String("comp", "fleet"))
	s := &Supervisor{
		store:    opts.Store,
		dialer:   opts.Dialer,
		router:   opts.Router,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      log,
		activity: opts.Activity,
		timeout:  opts.SpawnTimeout,
		buffer:   opts.EventBuffer,
		parallel: opts.BootstrapParallel,
		sup:      supervisor.New(ctx, supervisor.WithLogger(log)),
		live:     map[string]*handle{},
		pending:  map[string]*spawning{},
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	if s.parallel <= 0 {
		s.parallel = 4
	}
	return s
}

// Register verifies token with a trial connection, stores it with owner as
// Buyer, and spawns it. A token that fails verification stores nothing.
func (s *Supervisor) Register(ctx context.Context, token, ownerID string) (storage.Bot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		s.metrics.Registration("invalid")
		return storage.Bot{}, ErrInvalidCredential
	}
	if _, ok, err := s.store.GetBotByToken(ctx, token); err != nil {
		return storage.Bot{}, err
	} else if ok {
		s.metrics.Registration("duplicate")
		return storage.Bot{}, ErrDuplicateCredential
	}

	id, err := s.verify(ctx, token)
	if err != nil {
		s.metrics.Registration("invalid")
		s.log.Info("registration rejected", logx.String("owner", ownerID), logx.Err(err))
		return storage.Bot{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	bot, err := s.store.CreateBot(ctx, storage.Bot{
		Token:       token,
		OwnerID:     ownerID,
		ClientID:    id.ClientID,
		DisplayName: id.DisplayName,
		Status:      storage.StatusActive,
	})
	if errors.Is(err, storage.ErrConflict) {
		s.metrics.Registration("duplicate")
		return storage.Bot{}, ErrDuplicateCredential
	}
	if err != nil {
		return storage.Bot{}, err
	}
	s.metrics.Registration("ok")
	s.publish(EventRegistered, bot)
	s.log.Info("bot registered", logx.String("bot", bot.ID), logx.String("name", bot.DisplayName), logx.String("owner", ownerID))

	if err := s.Spawn(ctx, bot); err != nil {
		return bot.Redacted(), fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	return bot.Redacted(), nil
}

// verify opens and immediately closes a connection to read its identity.
func (s *Supervisor) verify(ctx context.Context, token string) (platform.Identity, error) {
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conn, err := s.dialer.Dial(dctx, token)
	if err != nil {
		return platform.Identity{}, err
	}
	id := conn.Identity()
	if err := conn.Close(dctx); err != nil {
		s.log.Debug("trial connection close failed", logx.Err(err))
	}
	return id, nil
}

// Spawn connects bot and starts its handle. It is a no-op when the bot is
// live or already spawning. A failed connection persists status error.
func (s *Supervisor) Spawn(ctx context.Context, bot storage.Bot) error {
	if s.sup.Context().Err() != nil {
		return ErrClosed
	}
	s.mu.Lock()
	_, live := s.live[bot.ID]
	_, busy := s.pending[bot.ID]
	if live || busy {
		s.mu.Unlock()
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	p := &spawning{cancel: cancel}
	s.pending[bot.ID] = p
	s.mu.Unlock()

	conn, err := s.dialer.Dial(dctx, bot.Token)
	cancel()

	s.mu.Lock()
	delete(s.pending, bot.ID)
	closed := s.sup.Context().Err() != nil
	if err == nil && !p.stopped && !closed {
		h := s.attach(bot, conn)
		n := len(s.live)
		s.mu.Unlock()
		s.metrics.SetLive(n)
		s.started(ctx, h)
		return nil
	}
	s.mu.Unlock()

	switch {
	case p.stopped || closed:
		if conn != nil {
			if cerr := conn.Close(ctx); cerr != nil {
				s.log.Debug("discard connection close failed", logx.String("bot", bot.ID), logx.Err(cerr))
			}
		}
		s.log.Info("bot spawn abandoned", logx.String("bot", bot.ID))
		if closed {
			return ErrClosed
		}
		return ErrStopped
	default:
		s.spawnFailed(ctx, bot, err)
		return err
	}
}

// attach registers a live handle. Callers hold s.mu.
func (s *Supervisor) attach(bot storage.Bot, conn platform.Conn) *handle {
	hctx, hcancel := context.WithCancel(s.sup.Context())
	h := &handle{bot: bot, conn: conn, cancel: hcancel, done: make(chan struct{})}
	s.live[bot.ID] = h
	s.sup.Go("fleet.handle."+bot.ID, func(context.Context) error {
		defer close(h.done)
		return s.run(hctx, h)
	})
	return h
}

func (s *Supervisor) started(ctx context.Context, h *handle) {
	bot := h.bot
	if s.activity != "" {
		if err := h.conn.SetPresence(ctx, s.activity); err != nil {
			s.log.Warn("set presence failed", logx.String("bot", bot.ID), logx.Err(err))
		}
	}
	s.publish(EventSpawned, bot)
	s.log.Info("bot connected", logx.String("bot", bot.ID), logx.String("name", bot.DisplayName))
}
func (s *Supervisor) spawnFailed(ctx context.Context, bot storage.Bot, err error) {
	s.log.Error("bot spawn failed", logx.String("bot", bot.ID), logx.Err(err))
	if serr := s.store.SetBotStatus(ctx, bot.ID, storage.StatusError); serr != nil {
		s.log.Error("persist bot status failed", logx.String("bot", bot.ID), logx.Err(serr))
	}
	s.publish(EventSpawnFailed, bot)
}

// Bootstrap spawns every active bot. Failures are logged and isolated.
func (s *Supervisor) Bootstrap(ctx context.Context) {
	bots, err := s.store.ListBots(ctx)
	if err != nil {
		s.log.Error("bootstrap: list bots failed", logx.Err(err))
		return
	}
	sem := make(chan struct{}, s.parallel)
	var wg sync.WaitGroup
	started := 0
	for _, b := range bots {
		if b.Status != storage.StatusActive {
			continue
		}
		started++
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			_ = s.Spawn(ctx, b)
		}()
	}
	wg.Wait()
	s.log.Info("bootstrap done", logx.Int("bots", started), logx.Int("live", s.LiveCount()))
}

// Stop closes the bot's connection. The persisted status is left alone.
// A connection attempt in flight is cancelled and its result discarded.
// Stopping a bot that is neither live nor connecting is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	if p, ok := s.pending[id]; ok {
		p.stopped = true
		p.cancel()
	}
	h, ok := s.live[id]
	delete(s.live, id)
	n := len(s.live)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.metrics.SetLive(n)
	err := s.teardown(ctx, h)
	s.publish(EventStopped, h.bot)
	s.log.Info("bot stopped", logx.String("bot", id))
	return err
}

func (s *Supervisor) teardown(ctx context.Context, h *handle) error {
	h.cancel()
	err := h.conn.Close(ctx)
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Activate persists status active and connects the bot.
func (s *Supervisor) Activate(ctx context.Context, id string) (storage.Bot, error) {
	if err := s.store.SetBotStatus(ctx, id, storage.StatusActive); err != nil {
		return storage.Bot{}, err
	}
	bot, err := s.store.GetBot(ctx, id)
	if err != nil {
		return storage.Bot{}, err
	}
	if err := s.Spawn(ctx, bot); err != nil {
		return bot.Redacted(), err
	}
	return bot.Redacted(), nil
}

// Deactivate disconnects the bot and persists status stopped so Bootstrap
// skips it.
func (s *Supervisor) Deactivate(ctx context.Context, id string) error {
	if _, err := s.store.GetBot(ctx, id); err != nil {
		return err
	}
	if err := s.Stop(ctx, id); err != nil {
		return err
	}
	return s.store.SetBotStatus(ctx, id, storage.StatusStopped)
}

// Shutdown closes every connection and waits for their handles.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.sup.Cancel()
	for _, p := range s.pending {
		p.stopped = true
		p.cancel()
	}
	handles := make([]*handle, 0, len(s.live))
	for _, h := range s.live {
		handles = append(handles, h)
	}
	s.live = map[string]*handle{}
	s.mu.Unlock()
	s.metrics.SetLive(0)

	var errs []error
	for _, h := range handles {
		if err := s.teardown(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.bot.ID, err))
		}
	}
	if err := s.sup.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Status is a bot as shown to operators. The token is always masked.
type Status struct {
	storage.Bot
	Live bool `json:"live"`
}

// List returns every stored bot, oldest first.
func (s *Supervisor) List(ctx context.Context) ([]Status, error) {
	bots, err := s.store.ListBots(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(bots, func(i, j int) bool { return bots[i].CreatedAt.Before(bots[j].CreatedAt) })
	out := make([]Status, 0, len(bots))
	for _, b := range bots {
		out = append(out, Status{Bot: b.Redacted(), Live: s.Live(b.ID)})
	}
	return out, nil
}

func (s *Supervisor) Get(ctx context.Context, id string) (Status, error) {
	b, err := s.store.GetBot(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Status{Bot: b.Redacted(), Live: s.Live(id)}, nil
}

func (s *Supervisor) Live(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[id]
	return ok
}

func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Client returns the live connection of a bot.
func (s *Supervisor) Client(id string) (platform.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.live[id]
	if !ok {
		return nil, false
	}
	return h.conn, true
}

// liveBots snapshots the live map.
func (s *Supervisor) liveBots() []*handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*handle, 0, len(s.live))
	for _, h := range s.live {
		out = append(out, h)
	}
	return out
}

// run consumes one connection's events serially until ctx ends or the
// connection drops.
func (s *Supervisor) run(ctx context.Context, h *handle) error {
	in := make(chan platform.Message, s.buffer)
	listenErr := make(chan error, 1)
	s.sup.Go("fleet.listen."+h.bot.ID, func(context.Context) error {
		listenErr <- h.conn.Listen(ctx, in)
		return nil
	})

	log := s.log.With(logx.String("bot", h.bot.ID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-listenErr:
			if ctx.Err() != nil {
				return nil
			}
			s.dropped(ctx, h, err)
			return nil
		case msg := <-in:
			s.handle(ctx, log, h, msg)
		}
	}
}

// dropped removes a handle whose connection ended on its own.
func (s *Supervisor) dropped(ctx context.Context, h *handle, err error) {
	s.mu.Lock()
	if cur, ok := s.live[h.bot.ID]; ok && cur == h {
		delete(s.live, h.bot.ID)
	}
	n := len(s.live)
	s.mu.Unlock()
	s.metrics.SetLive(n)
	h.cancel()
	if cerr := h.conn.Close(context.WithoutCancel(ctx)); cerr != nil {
		s.log.Debug("close dropped connection failed", logx.String("bot", h.bot.ID), logx.Err(cerr))
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	s.spawnFailed(context.WithoutCancel(ctx), h.bot, err)
}

func (s *Supervisor) handle(ctx context.Context, log logx.Logger, h *handle, msg platform.Message) {
	if msg.AuthorIsBot || msg.TenantID == "" || msg.AuthorID == h.conn.Identity().ClientID {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("message handling panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	reply, ok := s.router.Dispatch(ctx, h.bot, h.conn, msg)
	if !ok || reply == "" {
		return
	}
	if err := h.conn.SendMessage(ctx, msg.ChannelID, reply); err != nil {
		log.Warn("send reply failed", logx.String("channel", msg.ChannelID), logx.Err(err))
	}
}

func (s *Supervisor) publish(typ string, bot storage.Bot) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: bot.Redacted()})
}
