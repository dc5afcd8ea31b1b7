// Package app wires the fleet together: config, logging, storage, the session
// supervisor, the dispatcher and the operator surfaces.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"wafleet/internal/adminapi"
	"wafleet/internal/antiecho"
	"wafleet/internal/config"
	"wafleet/internal/console"
	"wafleet/internal/dispatch"
	"wafleet/internal/eventbus"
	"wafleet/internal/importer"
	"wafleet/internal/liveness"
	"wafleet/internal/phone"
	rtsup "wafleet/internal/runtime/supervisor"
	"wafleet/internal/session"
	"wafleet/internal/storage"
	"wafleet/internal/wire/whatsapp"
	logx "wafleet/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.SQLite
	norm  *phone.Normalizer

	echo     *antiecho.Suppressor
	dispatch *dispatch.Dispatcher
	console  *console.Console
	sessions *session.Supervisor
	admin    *adminapi.Server
	live     *liveness.Service

	// logChat is the operator chat id; 0 when unset.
	logChat  atomic.Int64
	threadID atomic.Int64
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// logx.New applies immediately; keep the operator sink off until its
	// sender and target exist, then apply the final config in Start.
	logSvc, log := logx.New(logConfig(cfg, false), nil)
	log = log.With(logx.String("comp", "app"))

	sc, _ := storageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	dcfg, _ := dispatchConfig(cfg)
	norm := phone.New(cfg.Normalize.HomeCode)

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		norm:  norm,
		echo:  antiecho.New(antiechoConfig(cfg), bus, log),
	}
	a.dispatch = dispatch.New(dcfg, dispatch.Deps{
		Handles:      a,
		Destinations: store,
		Normalizer:   norm,
		Bus:          bus,
		Log:          log,
	})
	return a, nil
}

// OpenHandles forwards to the session supervisor once it exists.
func (a *App) OpenHandles() []session.Handle {
	if a.sessions == nil {
		return nil
	}
	return a.sessions.OpenHandles()
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
	cfg := a.cfgm.Get()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	rootCtx := a.sup.Context()

	scfg, _ := sessionsConfig(cfg)
	a.sessions = session.New(rootCtx, session.Options{
		Config:    scfg,
		Dialer:    whatsapp.NewDialer(a.log),
		Store:     a.store,
		Bus:       a.bus,
		Log:       a.log,
		OnMessage: a.echo,
	})

	ccfg, _ := consoleConfig(cfg)
	con, err := console.New(ccfg, console.Deps{
		Sessions:     a.sessions,
		Broadcaster:  a.dispatch,
		Destinations: a.store,
		Importer:     importer.New(a.norm),
		Normalizer:   a.norm,
		Runtime:      a.sup,
		Log:          a.log,
	})
	if err != nil {
		return err
	}
	a.console = con

	a.logs.SetSender(con)
	a.setOperatorTarget(cfg)
	a.logs.Apply(logConfig(cfg, true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	rep, err := a.sessions.Recover(rootCtx)
	if err != nil {
		a.log.Warn("session recovery incomplete", logx.Err(err))
	}
	a.log.Info("sessions recovered", logx.Int("loaded", rep.Loaded), logx.Int("started", rep.Started),
		logx.Int("retrying", rep.Retrying), logx.Int("skipped", rep.Skipped))

	a.sup.GoRestart("console.poll", con.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	if cfg.Admin.Enabled {
		a.admin = adminapi.New(adminConfig(cfg), adminapi.Deps{
			Sessions:     a.sessions,
			Broadcaster:  a.dispatch,
			Destinations: a.store,
			Normalizer:   a.norm,
			Bus:          a.bus,
			Runtime:      a.sup,
			Log:          a.log,
		})
		a.sup.Go("adminapi", a.admin.Run)
	}

	a.live = liveness.New(livenessConfig(cfg), a.sessions, a.notifyOperator, a.log)
	if err := a.live.Start(rootCtx); err != nil {
		a.log.Warn("liveness digest not scheduled", logx.Err(err))
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("sessions", len(a.sessions.List())), logx.Bool("admin", cfg.Admin.Enabled))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	// update the target first so Apply doesn't warn when the operator sink is enabled
	a.setOperatorTarget(newCfg)
	a.logs.Apply(logConfig(newCfg, true))

	a.console.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.echo.Update(antiechoConfig(newCfg))
	if dcfg, err := dispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.dispatch.Apply(dcfg)
	}
	if scfg, err := sessionsConfig(newCfg); err != nil {
		a.log.Warn("invalid sessions config; keeping previous", logx.Err(err))
	} else {
		a.sessions.UpdateConfig(scfg)
	}
	if err := a.live.Apply(livenessConfig(newCfg)); err != nil {
		a.log.Warn("invalid liveness config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) setOperatorTarget(cfg *config.Config) {
	chatID, err := logChat(cfg)
	if err != nil {
		a.log.Warn("operator chat ignored", logx.Err(err))
	}
	a.logChat.Store(chatID)
	a.threadID.Store(int64(cfg.Logging.Telegram.ThreadID))
	a.logs.SetOperatorTarget(chatID, cfg.Logging.Telegram.ThreadID)
}

// notifyOperator sends text to the log chat; a missing chat drops it.
func (a *App) notifyOperator(ctx context.Context, text string) error {
	chatID := a.logChat.Load()
	if chatID == 0 || a.console == nil {
		return nil
	}
	return a.console.SendLog(ctx, chatID, int(a.threadID.Load()), text)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "liveness", time.Second, func(c context.Context) error { a.live.Stop(c); return nil })
	a.step(ctx, "sessions", 5*time.Second, a.sessions.Close)
	// Supervised goroutines: console poller, admin api, broadcasts, config loops.
	a.step(ctx, "supervisor", 4*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
