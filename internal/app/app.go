// Package app wires the fleet, the control bot and the HTTP API into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fleetbot/internal/automod"
	"fleetbot/internal/command"
	"fleetbot/internal/config"
	"fleetbot/internal/control"
	"fleetbot/internal/eventbus"
	"fleetbot/internal/fleet"
	"fleetbot/internal/httpapi"
	"fleetbot/internal/ledger"
	"fleetbot/internal/metrics"
	"fleetbot/internal/platform"
	"fleetbot/internal/platform/discord"
	"fleetbot/internal/platform/telegram"
	"fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/speedtest"
	"fleetbot/internal/storage"
	"fleetbot/internal/tenant"
	"fleetbot/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics *metrics.Metrics
	router  *command.Router
	fleet   *fleet.Supervisor
	expiry  *fleet.Expiry
	control *control.Bot
	http    *httpapi.Service

	cancelFleet context.CancelFunc
}

// New loads the config and builds every component. Nothing connects until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(ctx, mapStorageConfig(cfg), log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", cfg.Storage.Driver))

	var dialer platform.Dialer
	switch cfg.Platform.Driver {
	case config.DriverTelegram:
		dialer = telegram.NewDialer(log, config.DurationOrDefault(cfg.Platform.PollTimeout, 10*time.Second))
	default:
		dialer = discord.NewDialer(log)
	}

	bus := eventbus.New()
	m := metrics.New()
	led := ledger.New(store)

	router := command.NewRouter(command.Options{
		Tenants:          tenant.NewStore(store),
		Ledger:           led,
		Logger:           log,
		Metrics:          m,
		Timeout:          commandTimeout(cfg),
		Speedtest:        speedtest.NewRunner(speedtest.Config{}),
		SpeedtestTimeout: speedtestTimeout(cfg),
	})
	router.Observe(automod.New(led, m, log).Observe)

	// The fleet outlives Start's caller context; Stop tears it down explicitly.
	fctx, cancelFleet := context.WithCancel(context.WithoutCancel(ctx))
	fl := fleet.New(fctx, fleet.Options{
		Store:        store,
		Dialer:       dialer,
		Router:       router,
		Bus:          bus,
		Metrics:      m,
		Logger:       log,
		Activity:     cfg.Fleet.Activity,
		SpawnTimeout: config.DurationOrDefault(cfg.Fleet.SpawnTimeout, 30*time.Second),
		EventBuffer:  cfg.Fleet.EventBuffer,
	})

	exp, err := fleet.NewExpiry(fl, led, cfg.Fleet.ExpirySchedule,
		config.DurationOrDefault(cfg.Fleet.ExpiryLookback, 24*time.Hour), log)
	if err != nil {
		cancelFleet()
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	ctl := control.New(control.Options{
		Token:      cfg.Control.Token,
		Prefix:     cfg.Control.Prefix,
		LogChannel: cfg.Control.LogChannel,
		Activity:   cfg.Fleet.Activity,
		Dialer:     dialer,
		Fleet:      fl,
		Store:      store,
		Logger:     log,
	})

	return &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		metrics:     m,
		router:      router,
		fleet:       fl,
		expiry:      exp,
		control:     ctl,
		http:        httpapi.NewService(mapHTTPConfig(cfg), fl, m, log),
		cancelFleet: cancelFleet,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.control.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("control bot: %w", err)
	}
	if a.cfgm.Get().Control.LogChannel != "" {
		a.logs.SetSink(a.control)
	}

	a.sup.Go0("fleet.bootstrap", a.fleet.Bootstrap)
	a.expiry.Start()
	a.http.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("platform", a.cfgm.Get().Platform.Driver))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("expiry", 2*time.Second, a.expiry.Stop)
	step("control", 2*time.Second, func(c context.Context) error {
		a.logs.SetSink(nil)
		return a.control.Stop(c)
	})
	step("fleet", 5*time.Second, func(c context.Context) error {
		defer a.cancelFleet()
		return a.fleet.Shutdown(c)
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
