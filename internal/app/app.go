// Package app assembles taskd from config and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/jobs"
	"taskd/internal/metrics"
	"taskd/internal/notifier"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/executor"
	"taskd/internal/task/runner"
	"taskd/internal/task/scheduler"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

const pingTimeout = 5 * time.Second

type Options struct {
	// Ephemeral forces the memory store regardless of storage config.
	Ephemeral bool
}

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	opts Options

	log  logx.Logger
	logs *logx.Service

	bus      eventbus.Bus
	store    storage.Store
	metrics  *metrics.Metrics
	exec     *executor.Executor
	engine   *engine.Service
	table    *trigger.Table
	runner   *runner.Runner
	sched    *scheduler.Service
	registry *jobs.Registry
	notif    *notifier.Service
	api      *api.Server

	sup *supervisor.Supervisor
}

// New loads cfgPath and builds every component. An empty path means
// config.Default() with no hot reload.
func New(cfgPath string, opts Options) (*App, error) {
	var (
		cfgm *config.ConfigManager
		cfg  *config.Config
		err  error
	)
	if cfgPath == "" {
		cfg = config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	} else {
		cfgm = config.NewConfigManager(cfgPath)
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}
	return build(cfgm, cfg, opts)
}

func build(cfgm *config.ConfigManager, cfg *config.Config, opts Options) (*App, error) {
	logSvc, log := logx.New(mapLogging(cfg))
	a := &App{cfgm: cfgm, cfg: cfg, opts: opts, logs: logSvc, log: log.With(logx.String("comp", "app"))}
	if err := a.wire(log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(log logx.Logger) error {
	cfg := a.cfg
	a.bus = eventbus.New()

	sc, err := mapStorage(cfg, a.opts.Ephemeral)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	ec, err := mapExecutor(cfg)
	if err != nil {
		return err
	}
	a.exec = executor.New(ec, log.With(logx.String("comp", "executor")))
	a.engine = engine.New(mapEngine(cfg), log.With(logx.String("comp", "engine")), a.bus)
	a.runner = runner.New(a.store, a.exec, a.bus, a.metrics, log.With(logx.String("comp", "runner")))

	loc, err := trigger.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	a.table = trigger.New(loc)

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.table, a.store, a.engine, a.runner,
		log.With(logx.String("comp", "scheduler")), scheduler.WithMetrics(a.metrics))

	a.registry = jobs.New(a.store, a.table, a.runner, a.engine.Gate(), a.bus, log.With(logx.String("comp", "jobs")))

	if a.notif, err = notifier.New(mapNotifier(cfg), a.bus, log.With(logx.String("comp", "notifier"))); err != nil {
		return err
	}

	tokens, err := config.Tokens(cfg.Auth)
	if err != nil {
		return err
	}
	apiCfg, err := mapAPI(cfg)
	if err != nil {
		return err
	}
	deps := api.Deps{
		Registry:    a.registry,
		Tokens:      tokens,
		Health:      a.health,
		Diagnostics: a.diagnostics,
	}
	if a.metrics != nil {
		a.registerGauges()
		deps.Metrics = a.metrics.Handler()
	}
	a.api = api.New(apiCfg, deps, log.With(logx.String("comp", "api")))
	return nil
}

func (a *App) registerGauges() {
	a.metrics.Gauge("triggers_installed", "Recurring jobs with an installed trigger.", func() float64 {
		return float64(a.table.Len())
	})
	a.metrics.Gauge("engine_queue_length", "Tasks waiting for a worker.", func() float64 {
		return float64(a.engine.Snapshot().QueueLen)
	})
	a.metrics.Gauge("engine_in_flight", "Jobs queued or running.", func() float64 {
		return float64(a.engine.Snapshot().InFlight)
	})
	a.metrics.Gauge("eventbus_dropped_total", "Events dropped by slow subscribers.", func() float64 {
		return float64(a.bus.Dropped())
	})
}

func (a *App) health(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return a.store.Ping(cctx)
}

func (a *App) diagnostics() any {
	out := map[string]any{
		"scheduler": a.sched.Snapshot(),
		"notifier":  map[string]any{"stats": a.notif.Stats(), "recent": a.notif.History()},
		"executor":  map[string]uint64{"launches": a.exec.Launches()},
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Registry() *jobs.Registry { return a.registry }

// Addr is the bound API address once Start has returned.
func (a *App) Addr() string { return a.api.Addr() }

func (a *App) Logger() logx.Logger { return a.log }

// StatusLine summarizes the running service for the service manager.
func (a *App) StatusLine() string {
	state := "scheduler on"
	if !a.sched.Enabled() {
		state = "scheduler off"
	}
	return fmt.Sprintf("serving on %s, %s, %d triggers", a.Addr(), state, a.table.Len())
}

// Done is closed when the app supervisor is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start verifies the store, binds the listener and launches every loop.
// An unreachable store is fatal.
func (a *App) Start(ctx context.Context) error {
	if err := a.health(ctx); err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Bind before dispatching. An offline jobs run holds this address
	// while it executes.
	if err := a.api.Listen(); err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	a.sup.Go("api", a.api.Serve)
	a.engine.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	a.sup.GoRestart("notifier", supervisor.RestartPolicy{PublishError: true}, a.notif.Run)
	a.sup.Go("eventbus.log", a.logEvents)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		sub := a.cfgm.Subscribe(4)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("taskd started",
		logx.String("addr", a.api.Addr()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("ephemeral", a.opts.Ephemeral),
		logx.Int("triggers", a.table.Len()),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsubscribe := a.bus.Subscribe(128)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("topic", e.Topic), logx.Time("time", e.Time))
		}
	}
}

// Stop halts firing first, then drains running work, then closes storage.
// Each step is bounded by what remains of ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 0, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error {
		a.sup.Cancel()
		return a.sup.Wait(c)
	})
	err := a.close()
	a.log.Info("stopped")
	return err
}

func (a *App) close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// step runs fn with a budget of at most max (0 means the rest of ctx) and
// moves on when the budget runs out.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if max > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, max)
	}
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
