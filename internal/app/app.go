package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"calmanage/internal/access"
	"calmanage/internal/config"
	"calmanage/internal/dispatch"
	"calmanage/internal/eventbus"
	"calmanage/internal/eventsvc"
	"calmanage/internal/inbox"
	"calmanage/internal/mail"
	"calmanage/internal/observability/debug"
	"calmanage/internal/reminder"
	"calmanage/internal/render"
	"calmanage/internal/runtime/supervisor"
	"calmanage/internal/storage"
	logx "calmanage/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	mail      *mail.Service
	render    *render.Renderer
	dispatch  *dispatch.Dispatcher
	access    *access.Resolver
	events    *eventsvc.Service
	inbox     *inbox.Service
	sched     *reminder.Scheduler
	reminders *reminder.Service
	debug     *debug.Service

	lastTick atomic.Pointer[reminder.TickReport]
}

// Status is served by the debug listener.
type Status struct {
	Mail       mail.Stats           `json:"mail"`
	NextTick   time.Time            `json:"next_tick"`
	LastTick   *reminder.TickReport `json:"last_tick,omitempty"`
	Supervisor supervisor.Counters  `json:"supervisor"`
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", cfg.Storage.Driver))

	sender, err := mapMailSender(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	mailSvc := mail.New(mapMailConfig(cfg), sender, log.With(logx.String("comp", "mail")), bus)
	logSvc.SetAlertSender(mailSvc.AlertSender(cfg.Mail.AlertTo))

	remCfg, err := mapReminderConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	ahead, back, err := cfg.Scheduler.Windows()
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	rnd := render.New(cfg.Mail.AppURL, remCfg.Location)
	disp := dispatch.New(store, mailSvc, rnd, log.With(logx.String("comp", "dispatch")), time.Now)
	resolver := access.NewResolver(store)

	events := eventsvc.New(store, resolver, disp,
		eventsvc.WithLogger(log.With(logx.String("comp", "events"))),
		eventsvc.WithLocation(remCfg.Location),
	)
	inboxSvc := inbox.New(store, log.With(logx.String("comp", "inbox")))

	sched := reminder.NewScheduler(store, disp,
		reminder.WithLogger(log.With(logx.String("comp", "reminder"))),
		reminder.WithBus(bus),
		reminder.WithWindows(ahead, back),
	)
	remSvc := reminder.NewService(remCfg, sched, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		mail:      mailSvc,
		render:    rnd,
		dispatch:  disp,
		access:    resolver,
		events:    events,
		inbox:     inboxSvc,
		sched:     sched,
		reminders: remSvc,
	}
	a.debug = debug.New(mapDebugConfig(cfg), func() any { return a.Status() }, log.With(logx.String("comp", "debug")))
	return a, nil
}

func (a *App) Status() Status {
	st := Status{
		Mail:     a.mail.Stats(),
		NextTick: a.reminders.Next(),
		LastTick: a.lastTick.Load(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Counters()
	}
	return st
}

func (a *App) Events() *eventsvc.Service    { return a.events }
func (a *App) Inbox() *inbox.Service        { return a.inbox }
func (a *App) Access() *access.Resolver     { return a.access }
func (a *App) Store() storage.Store         { return a.store }
func (a *App) Bus() eventbus.Bus            { return a.bus }
func (a *App) Reminders() *reminder.Service { return a.reminders }

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

// RunOnce runs a single scheduler tick without starting the trigger. Mail is
// brought up if needed; Stop drains it.
func (a *App) RunOnce(ctx context.Context) reminder.TickReport {
	a.mail.Start(ctx)
	rep := a.reminders.RunOnce(ctx)
	a.log.Info("tick done",
		logx.Int("reminders", rep.Reminders),
		logx.Int("starts", rep.Starts),
		logx.Int("ends", rep.Ends),
		logx.Int("emails", rep.Emails),
		logx.Int("skipped", rep.Skipped),
		logx.Int("errors", rep.Errors),
		logx.Duration("took", rep.Took),
	)
	return rep
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapReminderConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMailSender(cfg); err != nil {
			return fmt.Errorf("mail: %w", err)
		}
		return nil
	})

	// mail first so the scheduler's first tick can enqueue
	a.mail.Start(a.sup.Context())
	if err := a.reminders.Start(a.sup.Context()); err != nil {
		return err
	}
	a.debug.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if rep, ok := e.Data.(reminder.TickReport); ok && e.Type == eventbus.TypeReminderTick {
					a.lastTick.Store(&rep)
				}
				// ticks fire every minute; keep this at debug
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Time("next_tick", a.reminders.Next()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if oldCfg != nil && oldCfg.Mail.AppURL != newCfg.Mail.AppURL {
		a.log.Warn("mail.app_url changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if slices.Contains(sections, "mail") {
		prevEnabled := a.mail.Enabled()
		sender, err := mapMailSender(newCfg)
		if err != nil {
			a.log.Warn("invalid mail config; keeping previous", logx.Err(err))
		} else {
			if sender != nil {
				a.mail.SetSender(sender)
			}
			a.mail.Apply(mapMailConfig(newCfg))
			switch enabled := a.mail.Enabled(); {
			case prevEnabled && !enabled:
				a.log.Info("mail disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.mail.Stop(stopCtx)
				cancel()
			case !prevEnabled && enabled:
				a.log.Info("mail enabled via config")
				a.mail.Start(ctx)
			}
		}
	}
	a.logs.SetAlertSender(a.mail.AlertSender(newCfg.Mail.AlertTo))

	if slices.Contains(sections, "scheduler") {
		if ahead, back, err := newCfg.Scheduler.Windows(); err != nil {
			a.log.Warn("invalid scheduler windows; keeping previous", logx.Err(err))
		} else {
			a.sched.SetWindows(ahead, back)
		}
		remCfg, err := mapReminderConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else if err := a.reminders.Apply(remCfg); err != nil {
			a.log.Warn("scheduler restart failed", logx.Err(err))
		}
	}

	if slices.Contains(sections, "debug") {
		a.debug.Apply(mapDebugConfig(newCfg))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// one-shot mode: only mail may be running
		drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		a.mail.Stop(drainCtx)
		cancel()
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Bound each shutdown step so one component can't stall the whole stop.
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

	// The trigger goes first so no new tick enqueues mail behind the drain.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.reminders.Stop(c); return nil })
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("mail", 5*time.Second, func(c context.Context) error { a.mail.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Stop(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	return a.closeResources()
}

func (a *App) closeResources() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
