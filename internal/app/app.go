// Package app wires the daemon together: config, logging, storage, the
// WhatsApp session stack, the reminder scheduler and the HTTP API.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"

	"gymbot/internal/config"
	"gymbot/internal/eventbus"
	"gymbot/internal/httpapi"
	"gymbot/internal/reminder"
	"gymbot/internal/storage"
	"gymbot/internal/transport/bridge"
	"gymbot/internal/wa"
	logx "gymbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus        wa.StateBus
	store      *storage.Store
	bridge     *bridge.Client
	session    *wa.Session
	dispatcher *wa.Dispatcher
	reminders  *reminder.Service
	api        *httpapi.Server

	autoInitialize bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	bus := eventbus.New[wa.StateChange]()

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.ParseDurationOrDefault(cfg.Storage.BusyTimeout, 0),
	}, logs.Logger())
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	br, err := bridge.New(bridge.Config{
		BaseURL:     cfg.Bridge.BaseURL,
		APIKey:      cfg.Bridge.APIKey,
		HTTPTimeout: config.ParseDurationOrDefault(cfg.Bridge.HTTPTimeout, 0),
		PollTimeout: config.ParseDurationOrDefault(cfg.Bridge.PollTimeout, 0),
	}, logs.Logger())
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, fmt.Errorf("bridge: %w", err)
	}

	session := wa.NewSession(br, wa.SessionConfig{
		Timings:            sessionTimings(cfg.Session),
		MaxBringUpAttempts: cfg.Session.MaxBringUpAttempts,
	}, bus, logs.Logger())

	delivery := wa.NewDelivery(session, wa.DefaultRetryPolicy(), logs.Logger())
	dispatcher := wa.NewDispatcher(delivery,
		config.ParseDurationOrDefault(cfg.Delivery.MessageInterval, wa.DefaultMessageInterval),
		logs.Logger())

	reminders := reminder.New(reminderCfg(cfg.Reminder), store, session, dispatcher, logs.Logger())

	api := httpapi.New(httpapi.Config{Addr: cfg.Server.Addr}, httpapi.Deps{
		Log:       logs.Logger(),
		Store:     store,
		Session:   session,
		Sender:    delivery,
		Reminders: reminders,
	})

	return &App{
		cfgm:           cfgm,
		logs:           logs,
		log:            log,
		bus:            bus,
		store:          store,
		bridge:         br,
		session:        session,
		dispatcher:     dispatcher,
		reminders:      reminders,
		api:            api,
		autoInitialize: cfg.Session.AutoInitialize,
	}, nil
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// sessionTimings maps duration-string overrides onto the defaults.
func sessionTimings(sc config.SessionConfig) wa.Timings {
	t := wa.DefaultTimings()
	t.BringUpWatchdog = config.ParseDurationOrDefault(sc.BringUpWatchdog, t.BringUpWatchdog)
	t.InitRetryDelay = config.ParseDurationOrDefault(sc.InitRetryDelay, t.InitRetryDelay)
	t.TimeoutRetryDelay = config.ParseDurationOrDefault(sc.TimeoutRetryDelay, t.TimeoutRetryDelay)
	t.ReconnectDelay = config.ParseDurationOrDefault(sc.ReconnectDelay, t.ReconnectDelay)
	t.RestartSettle = config.ParseDurationOrDefault(sc.RestartSettle, t.RestartSettle)
	return t
}

func reminderCfg(rc config.ReminderConfig) reminder.Config {
	return reminder.Config{
		Enabled:          rc.Enabled,
		Timezone:         rc.Timezone,
		FeeSpec:          rc.FeeCron,
		ExpirySpec:       rc.ExpiryCron,
		ExpiryWindowDays: rc.ExpiryWindowDays,
		GymName:          rc.GymName,
	}
}

func (a *App) Start(ctx context.Context) error {
	a.runCtx, a.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := a.bridge.Start(a.runCtx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	if err := a.session.Start(a.runCtx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if err := a.reminders.Start(a.runCtx); err != nil {
		return fmt.Errorf("start reminders: %w", err)
	}
	if err := a.api.Start(a.runCtx); err != nil {
		return fmt.Errorf("start http api: %w", err)
	}

	a.wg.Add(3)
	go a.watchConfig()
	go a.reloadLoop()
	go a.stateLogLoop()

	if a.autoInitialize {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if _, err := a.session.Initialize(a.runCtx); err != nil {
				a.log.Warn("auto initialize failed", logx.Err(err))
			}
		}()
	}

	// No-op outside systemd units.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("gymbot started")
	return nil
}

func (a *App) Stop(ctx context.Context) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Drain the API first, then cancel the run context so in-flight
	// reminder batches abort instead of blocking shutdown.
	a.api.Stop(ctx)
	if a.runCancel != nil {
		a.runCancel()
	}
	a.reminders.Stop(ctx)
	a.session.Stop(ctx)
	a.bridge.Stop(ctx)
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("gymbot stopped")
	_ = a.logs.Close()
}

func (a *App) watchConfig() {
	defer a.wg.Done()
	_ = a.cfgm.Watch(a.runCtx)
}

// reloadLoop applies hot-reloaded config to the running components:
// logging sinks, the reminder schedule and the broadcast throttle.
// Session and bridge settings require a restart and are left alone.
func (a *App) reloadLoop() {
	defer a.wg.Done()
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-a.runCtx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
					continue
				default:
				}
				break
			}

			a.logs.Apply(logCfg(cfg))
			if err := a.reminders.Apply(reminderCfg(cfg.Reminder)); err != nil {
				a.log.Warn("reminder config rejected", logx.Err(err))
			}
			a.dispatcher.SetInterval(
				config.ParseDurationOrDefault(cfg.Delivery.MessageInterval, wa.DefaultMessageInterval))
			a.log.Info("config applied")
		}
	}
}

// stateLogLoop mirrors session state changes into the log and the
// systemd status line.
func (a *App) stateLogLoop() {
	defer a.wg.Done()
	events, unsub := a.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-a.runCtx.Done():
			return
		case change, ok := <-events:
			if !ok {
				return
			}
			a.log.Info("session state changed",
				logx.String("from", change.From.String()),
				logx.String("to", change.To.String()),
			)
			_, _ = daemon.SdNotify(false, "STATUS=session "+change.To.String())
		}
	}
}

// Done exposes the run context for callers that want to block until the
// app is told to stop.
func (a *App) Done() <-chan struct{} {
	if a.runCtx == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.runCtx.Done()
}
