package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/config"
	"github.com/goliatone/go-orchestrator/cron"
	"github.com/goliatone/go-orchestrator/engine"
	"github.com/goliatone/go-orchestrator/events"
	"github.com/goliatone/go-orchestrator/executor"
	"github.com/goliatone/go-orchestrator/metrics"
	"github.com/goliatone/go-orchestrator/notify"
	"github.com/goliatone/go-orchestrator/registry"
	"github.com/goliatone/go-orchestrator/repository"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/goliatone/go-orchestrator/scheduler"
	"github.com/goliatone/go-orchestrator/templates"
)

// stack is everything the daemon and the one shot commands share.
type stack struct {
	cfg      config.Config
	logger   orchestrator.Logger
	logOut   io.Writer
	clock    clock.Clock
	db       *sql.DB
	redis    *redis.Client
	registry *registry.Registry
	engine   *engine.Engine
	bus      *events.Bus
	metrics  *metrics.Collector
	prom     *prometheus.Registry
}

func newLogger(cfg config.LogConfig, out io.Writer) orchestrator.Logger {
	switch cfg.Format {
	case "console", "text":
		return orchestrator.NewFmtLogger(out)
	default:
		return orchestrator.NewDefaultLogger(out, cfg.Level)
	}
}

func buildStack(ctx context.Context, cfg config.Config, logOut io.Writer) (*stack, error) {
	s := &stack{
		cfg:    cfg,
		logger: newLogger(cfg.Log, logOut),
		logOut: logOut,
		clock:  clock.New(),
		prom:   prometheus.NewRegistry(),
	}

	store, auditStore, ledger, err := s.openStorage()
	if err != nil {
		s.Close()
		return nil, err
	}

	s.registry = registry.New(registry.WithStore(store), registry.WithLogger(s.logger))
	if _, err := s.registry.Restore(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("restore templates: %w", err)
	}
	if _, err := s.registry.LoadTemplates(ctx, templates.Default()); err != nil {
		s.Close()
		return nil, fmt.Errorf("load bundled templates: %w", err)
	}
	for _, path := range cfg.Templates {
		defs, err := registry.LoadFile(path)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := s.registry.RegisterAll(ctx, defs); err != nil {
			s.Close()
			return nil, fmt.Errorf("register %s: %w", path, err)
		}
	}

	s.metrics, err = metrics.New(s.prom)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.bus = events.NewBus(events.WithLogger(s.logger), events.WithClock(s.clock))
	s.bus.SubscribeAll(events.LoggingSubscriber(s.logger))
	s.metrics.Attach(s.bus)

	recorder := audit.NewRecorder(
		audit.WithClock(s.clock),
		audit.WithStore(auditStore),
		audit.WithLogger(s.logger),
	)
	exec := executor.New(recorder,
		executor.WithClock(s.clock),
		executor.WithLogger(s.logger),
		executor.WithNotifier(notify.LogNotifier{Logger: s.logger}),
		executor.WithApproverResolver(notify.StaticResolver(cfg.Notify.Approvers)),
		executor.WithLedger(ledger),
		executor.WithMetrics(s.metrics),
		executor.WithEscalationRole(cfg.Notify.EscalationRole),
		executor.WithRetryStrategy(func(p orchestrator.RetryPolicy) runner.RetryStrategy {
			return runner.StrategyFromPolicy(cfg.Retry.Policy(p))
		}),
	)
	registerLoggingActions(exec, s.registry, s.logger)

	s.engine = engine.New(s.registry,
		engine.WithRepository(store),
		engine.WithRecorder(recorder),
		engine.WithExecutor(exec),
		engine.WithSink(s.bus),
		engine.WithClock(s.clock),
		engine.WithLogger(s.logger),
	)
	return s, nil
}

func (s *stack) openStorage() (repository.Store, audit.Store, executor.Ledger, error) {
	switch s.cfg.Storage.Driver {
	case config.DriverSQLite:
		db, err := sql.Open("sqlite", s.cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		s.db = db
		return repository.NewSQLite(db, "", repository.WithClock(s.clock)), audit.NewSQLiteStore(db, ""), executor.NewMemoryLedger(), nil
	case config.DriverRedis:
		s.redis = redis.NewClient(&redis.Options{Addr: s.cfg.Storage.RedisAddr})
		prefix := s.cfg.Storage.Prefix
		if prefix == "" {
			prefix = "orchestrator:"
		}
		return repository.NewRedis(s.redis, prefix), audit.NewRedisStore(s.redis, prefix), executor.NewRedisLedger(s.redis, prefix+"ledger:", 0), nil
	default:
		return repository.NewMemory(), audit.NewMemoryStore(), executor.NewMemoryLedger(), nil
	}
}

// registerLoggingActions binds every action type and validation rule the
// templates mention to a stand-in that only logs. Integrations register
// real functions on the executor before serving.
func registerLoggingActions(exec *executor.Executor, reg *registry.Registry, logger orchestrator.Logger) {
	rules := map[string]bool{}
	for _, key := range reg.Keys() {
		def, ok := reg.Definition(key)
		if !ok {
			continue
		}
		var actions []orchestrator.Action
		for _, step := range def.Steps {
			actions = append(actions, step.Actions...)
			for _, v := range step.Validations {
				rules[v.Rule] = true
			}
		}
		for _, rs := range def.Rollback.Steps {
			actions = append(actions, rs.Actions...)
			for _, v := range rs.Verifications {
				rules[v.Rule] = true
			}
		}
		for _, a := range actions {
			if exec.HasAction(a.Type) {
				continue
			}
			actionType := a.Type
			exec.RegisterAction(actionType, func(ctx context.Context, call executor.ActionCall) (map[string]any, error) {
				orchestrator.WithLoggerFields(logger.WithContext(ctx), map[string]any{
					"request_id": call.Request.ID,
					"step_id":    call.Step.ID,
					"attempt":    call.Attempt,
				}).Info("action %s applied", actionType)
				return map[string]any{actionType + "_applied": true}, nil
			})
		}
	}
	for rule := range rules {
		rule := rule
		exec.RegisterValidator(rule, func(ctx context.Context, call executor.ValidationCall) error {
			logger.WithContext(ctx).Debug("validation %s passed for step %s", rule, call.Step.ID)
			return nil
		})
	}
}

func (s *stack) triggers() (tick, purge scheduler.Trigger) {
	sc := s.cfg.Scheduler
	level := cron.LogLevelError
	if s.cfg.Log.Level == "debug" || s.cfg.Log.Level == "trace" {
		level = cron.LogLevelDebug
	}
	// console output gets robfig's own printf lines; structured output goes
	// through the adapter.
	sink := cron.WithLogger(s.logger)
	switch s.cfg.Log.Format {
	case "console", "text":
		sink = cron.WithLogWriter(s.logOut)
	}
	if sc.TickCron != "" {
		tick = cron.NewTrigger(sc.TickCron, sink, cron.WithLogLevel(level))
	} else {
		tick = scheduler.ClockTrigger{Clock: s.clock, Interval: sc.TickInterval}
	}
	if sc.PurgeCron != "" {
		purge = cron.NewTrigger(sc.PurgeCron, sink, cron.WithLogLevel(level))
	} else {
		purge = scheduler.ClockTrigger{Clock: s.clock, Interval: sc.PurgeInterval}
	}
	return tick, purge
}

func (s *stack) scheduler() *scheduler.Scheduler {
	tick, purge := s.triggers()
	return scheduler.New(s.engine,
		scheduler.WithClock(s.clock),
		scheduler.WithLogger(s.logger),
		scheduler.WithConcurrency(s.cfg.Scheduler.Concurrency),
		scheduler.WithRetention(s.cfg.Scheduler.Retention),
		scheduler.WithTickTrigger(tick),
		scheduler.WithPurgeTrigger(purge),
	)
}

// serveMetrics exposes the Prometheus registry until ctx is done.
func (s *stack) serveMetrics(ctx context.Context) func() {
	if !s.cfg.Metrics.Enabled {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped: %v", err)
		}
	}()
	s.logger.Info("metrics listening on %s", s.cfg.Metrics.Addr)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func (s *stack) Close() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}
