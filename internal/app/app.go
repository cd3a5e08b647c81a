package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crosspost/internal/activity"
	"crosspost/internal/activity/mongolog"
	"crosspost/internal/collection"
	"crosspost/internal/config"
	"crosspost/internal/dispatch"
	"crosspost/internal/eventbus"
	"crosspost/internal/eventbus/kafkasink"
	"crosspost/internal/httpapi"
	"crosspost/internal/locales"
	"crosspost/internal/notifier"
	"crosspost/internal/observability/errtrack"
	"crosspost/internal/platform"
	"crosspost/internal/publication"
	rtsup "crosspost/internal/runtime/supervisor"
	"crosspost/internal/storage"
	"crosspost/internal/task/engine"
	"crosspost/internal/task/scheduler"
	"crosspost/internal/transport/telegram"
	"crosspost/internal/verify"
	logx "crosspost/pkg/logx"
)

const triggerScheduleName = "dispatch.trigger"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	tracker *errtrack.Tracker
	tg      *telegram.Channel
	tokens  *platform.StaticTokens
	pacer   *platform.Pacer
	gate    *dispatch.Gate

	engine  *engine.Service
	sched   *scheduler.Service
	trigger *dispatch.Trigger
	notif   *notifier.Service
	http    *httpapi.Server
	kafka   *kafkasink.Sink
	mongo   *mongolog.Recorder
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	st, err := buildSettings(cfg)
	if err != nil {
		return nil, err
	}

	// The alert sender must be set before alerts are enabled, otherwise
	// Apply warns about a missing target. Bootstrap with alerts off.
	bootLog := st.log
	bootLog.Alert.Enabled = false
	logSvc, log := logx.New(bootLog)
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeEarly()
		}
	}()

	if st.telegram.Token != "" {
		if a.tg, err = telegram.New(st.telegram, log.With(logx.String("comp", "telegram"))); err != nil {
			return nil, err
		}
		logSvc.SetAlertSender(a.tg)
	}
	logSvc.Apply(st.log)

	if a.tracker, err = errtrack.New(st.sentry, log.With(logx.String("comp", "errtrack"))); err != nil {
		return nil, err
	}

	if a.store, err = storage.Open(st.storage, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", st.storage.Driver))

	recorders := activity.Multi{activity.StoreRecorder{Store: a.store, Log: log.With(logx.String("comp", "activity"))}}
	if strings.TrimSpace(st.mongo.URI) != "" {
		if a.mongo, err = mongolog.Open(ctx, st.mongo, log.With(logx.String("comp", "mongolog"))); err != nil {
			return nil, err
		}
		recorders = append(recorders, a.mongo)
	}
	if len(st.kafka.Brokers) > 0 {
		if a.kafka, err = kafkasink.New(st.kafka, log.With(logx.String("comp", "kafka"))); err != nil {
			return nil, err
		}
	}

	registry, err := newRegistry(st.platforms)
	if err != nil {
		return nil, err
	}
	a.tokens = platform.NewStaticTokens(st.tokens)
	a.pacer = platform.NewPacer(st.rates, st.defRate)

	catalog, err := locales.New(st.notifier.Language, log.With(logx.String("comp", "locales")))
	if err != nil {
		return nil, err
	}
	channels := []notifier.Channel{notifier.LogChannel{Log: log.With(logx.String("comp", "notify.log"))}}
	if a.tg != nil {
		channels = []notifier.Channel{a.tg}
	}
	a.notif = notifier.New(st.notifier, catalog, log.With(logx.String("comp", "notifier")), a.bus, a.store, channels...)

	lifecycle := publication.New(a.store, eventbus.BusSink{Bus: a.bus}, log.With(logx.String("comp", "publication")))

	a.engine = engine.New(st.engine, a.store, log.With(logx.String("comp", "engine")), a.bus)
	a.engine.SetCrashReporter(a.tracker)

	resolver := collection.New(st.collection, collection.Deps{
		Store:     a.store,
		Tokens:    a.tokens,
		Platforms: registry,
		Notify:    a.notif,
		Activity:  recorders,
		Jobs:      a.engine,
		Log:       log.With(logx.String("comp", "collection")),
	})
	verifier := verify.New(st.verify, verify.Deps{
		Store:     a.store,
		Lifecycle: lifecycle,
		Tokens:    a.tokens,
		Platforms: registry,
		Notify:    a.notif,
		Activity:  recorders,
		Attach:    resolver,
		Jobs:      a.engine,
		Log:       log.With(logx.String("comp", "verify")),
	})
	orch := dispatch.NewOrchestrator(st.dispatch, dispatch.Deps{
		Store:     a.store,
		Lifecycle: lifecycle,
		Tokens:    a.tokens,
		Platforms: registry,
		Pacer:     a.pacer,
		Notify:    a.notif,
		Activity:  recorders,
		Verify:    verifier,
		Attach:    resolver,
		Log:       log.With(logx.String("comp", "dispatch")),
	})
	a.gate = dispatch.NewGate(st.gate, orch.Targets, recorders, log.With(logx.String("comp", "gate")))

	a.engine.Register(dispatch.KindDispatch, orch.Handler(), a.gate.Middleware)
	a.engine.Register(verify.KindPoll, verifier.Handler())
	a.engine.Register(collection.KindAttach, resolver.Handler())

	a.trigger = dispatch.NewTrigger(st.trigger, a.store, lifecycle, a.engine, log.With(logx.String("comp", "trigger")))
	a.sched = scheduler.New(st.scheduler, log.With(logx.String("comp", "scheduler")))
	if err := a.sched.Register(triggerScheduleName, a.trigger.Schedule(), 0, a.trigger.Sweep); err != nil {
		return nil, fmt.Errorf("trigger schedule: %w", err)
	}

	a.http = httpapi.NewServer(st.http, &httpapi.API{
		Store:  a.store,
		Jobs:   a.engine,
		Sweeps: a.sched,
		Log:    log.With(logx.String("comp", "httpapi")),
	}, log.With(logx.String("comp", "http")))

	ok = true
	return a, nil
}

// closeEarly releases what New opened before it failed.
func (a *App) closeEarly() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if a.kafka != nil {
		_ = a.kafka.Close()
	}
	if a.mongo != nil {
		_ = a.mongo.Close(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
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
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithPanicHook(a.tracker.PanicHook),
	)
	// A reload is committed only when the mapping succeeds too.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(c, cfg); err != nil {
			return err
		}
		_, err := buildSettings(cfg)
		return err
	})

	runCtx := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.engine.Start(runCtx)
	a.sched.Start(runCtx)
	if a.http.Enabled() {
		a.http.Start(runCtx)
	}

	if a.kafka != nil {
		a.sup.Go("events.kafka", func(c context.Context) error { return a.kafka.Run(c, a.bus) })
	}
	if a.mongo != nil {
		a.sup.Go("activity.mongo", a.mongo.Run)
	}

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
				// Collapse a burst of reloads into the newest one.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a committed config into the hot-reloadable components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	st, err := buildSettings(newCfg)
	if err != nil {
		// The validator ran the same mapping, so this is unexpected.
		a.log.Error("config mapping failed; keeping previous", logx.Err(err))
		return
	}

	for _, s := range sections {
		if config.RestartSections[s] {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	a.logs.Apply(st.log)
	a.gate.Apply(st.gate)
	a.pacer.Apply(st.rates, st.defRate)
	a.tokens.Apply(st.tokens)

	if a.tg != nil {
		a.tg.Apply(st.telegram)
	} else if st.telegram.Token != "" {
		a.log.Warn("telegram token added; restart required to enable the channel")
	}

	prevNotif := a.notif.Enabled()
	a.notif.Apply(st.notifier)
	switch {
	case prevNotif && !st.notifier.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevNotif && st.notifier.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	prevSched := a.sched.Enabled()
	a.sched.Apply(st.scheduler)
	switch {
	case prevSched && !st.scheduler.Enabled:
		a.log.Info("trigger disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSched && st.scheduler.Enabled:
		a.log.Info("trigger enabled via config")
		a.sched.Start(ctx)
	}
	if a.trigger.Apply(st.trigger) {
		if err := a.sched.Register(triggerScheduleName, a.trigger.Schedule(), 0, a.trigger.Sweep); err != nil {
			a.log.Error("trigger cadence not applied", logx.String("every", a.trigger.Schedule()), logx.Err(err))
		} else {
			a.log.Info("trigger cadence changed", logx.String("every", a.trigger.Schedule()))
		}
	}

	a.http.Reconfigure(ctx, st.http)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Intake first, then workers, then the sinks they write to.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("kafka", 2*time.Second, func(context.Context) error {
		if a.kafka != nil {
			return a.kafka.Close()
		}
		return nil
	})
	step("mongo", 2*time.Second, func(c context.Context) error {
		if a.mongo != nil {
			return a.mongo.Close(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("errtrack", 2*time.Second, func(context.Context) error {
		if !a.tracker.Flush(2 * time.Second) {
			return fmt.Errorf("sentry flush timed out")
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
