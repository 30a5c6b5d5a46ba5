package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"broadcastd/internal/alert"
	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/httpapi"
	"broadcastd/internal/metrics"
	"broadcastd/internal/notify"
	"broadcastd/internal/provider"
	"broadcastd/internal/ratelimit"
	"broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/scheduler"
	"broadcastd/internal/storage"
	"broadcastd/internal/sweeper"
	"broadcastd/internal/worker"
	logx "broadcastd/pkg/logx"
	"broadcastd/pkg/systemd"

	"github.com/cockroachdb/errors"
)

// Options narrows what a process runs on top of the config file.
type Options struct {
	// WorkerOnly runs the worker pool (and the AMQP wake-up consumer) without
	// the HTTP surface or the scheduler.
	WorkerOnly bool
	// Topic and WorkerID override worker.topic and worker.id.
	Topic    string
	WorkerID string
	// Client replaces the provider HTTP client. Tests use it.
	Client provider.Client
	// StoreOptions are passed to storage.Open.
	StoreOptions []storage.Option
}

type App struct {
	cfgm *config.Manager
	opt  Options
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	alerts bool // the Telegram sender is fixed at startup

	store        storage.Store
	limiter      ratelimit.Limiter
	closeLimiter func() error
	metrics      *metrics.Metrics

	engine   *dispatch.Engine
	pool     *worker.Pool
	sweeper  *sweeper.Sweeper
	sched    *scheduler.Service
	pub      *notify.Publisher
	consumer *notify.Consumer

	api    *httpapi.API
	server *httpapi.Server

	staleAfter time.Duration
	cronBatch  int
	runWorkers bool
}

// New loads the config and builds every component without starting any
// goroutine. Resources opened here are released by Stop.
func New(ctx context.Context, cfgm *config.Manager, opt Options) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var sender logx.AlertSender
	tc, err := mapAlert(cfg)
	if err != nil {
		return nil, err
	}
	if tc.Enabled() {
		tg, err := alert.NewTelegram(tc)
		if err != nil {
			return nil, errors.Wrap(err, "telegram alerts")
		}
		sender = tg
	}
	logSvc, log := logx.New(mapLogging(cfg, sender != nil), sender)

	a := &App{
		cfgm:    cfgm,
		opt:     opt,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		alerts:  sender != nil,
		metrics: metrics.New(),
	}
	if err := a.build(ctx, cfg, log); err != nil {
		_ = a.release()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")), a.opt.StoreOptions...)
	if err != nil {
		return err
	}
	a.store = st

	lim, closeLim, err := ratelimit.Open(ctx, mapRateLimit(cfg), log.With(logx.String("comp", "ratelimit")))
	if err != nil {
		return err
	}
	a.limiter, a.closeLimiter = lim, closeLim

	client := a.opt.Client
	if client == nil {
		pc, err := mapProvider(cfg)
		if err != nil {
			return err
		}
		client = provider.NewHTTPClient(pc, log.With(logx.String("comp", "provider")))
	}

	dc, err := mapDispatch(cfg)
	if err != nil {
		return err
	}
	a.engine = dispatch.New(dispatch.Deps{
		Jobs:    st.Jobs(),
		JobLogs: st.JobLogs(),
		Catalog: provider.Layered{st.Catalog(), mapCatalog(cfg)},
		Client:  client,
		Limiter: lim,
		Metrics: a.metrics,
	}, dc, log.With(logx.String("comp", "dispatch")))

	wc, err := mapWorker(cfg, a.opt)
	if err != nil {
		return err
	}
	a.pool = worker.New(wc, st.Jobs(), a.engine, a.metrics, log.With(logx.String("comp", "worker")))
	a.runWorkers = cfg.Worker.Enabled || a.opt.WorkerOnly

	rc, stale, err := mapRetention(cfg)
	if err != nil {
		return err
	}
	a.staleAfter = stale
	a.sweeper = sweeper.New(st.Jobs(), st.Webhooks(), rc, a.metrics, log.With(logx.String("comp", "sweeper")))

	if ac := mapAMQP(cfg); ac.Enabled() {
		a.pub = notify.NewPublisher(ac, log.With(logx.String("comp", "notify")))
		if a.runWorkers {
			a.consumer = notify.NewConsumer(ac, log.With(logx.String("comp", "notify")))
		}
	}

	a.cronBatch = cfg.HTTP.CronBatch
	if cfg.Scheduler.Enabled && !a.opt.WorkerOnly {
		schc, err := mapScheduler(cfg)
		if err != nil {
			return err
		}
		a.sched = scheduler.New(schc, log.With(logx.String("comp", "scheduler")))
		if err := a.registerTasks(cfg); err != nil {
			return err
		}
	}

	if cfg.HTTP.Enabled && !a.opt.WorkerOnly {
		srvc, hopt, err := mapHTTP(cfg)
		if err != nil {
			return err
		}
		deps := httpapi.Deps{
			Jobs:     st.Jobs(),
			JobLogs:  st.JobLogs(),
			Webhooks: st.Webhooks(),
			Runner:   a.pool,
			Sweeper:  a.sweeper,
			Health:   a.Health,
			Metrics:  a.metrics,
		}
		if a.pub != nil {
			deps.Notifier = a.pub
		}
		a.api = httpapi.New(deps, hopt, log)
		secured := strings.TrimSpace(hopt.CronToken) != ""
		a.server = httpapi.NewServer(srvc, a.api.Router(), secured, log.With(logx.String("comp", "http")))
	}
	return nil
}

func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Pool() *worker.Pool            { return a.pool }
func (a *App) Sweeper() *sweeper.Sweeper     { return a.sweeper }
func (a *App) Metrics() *metrics.Metrics     { return a.metrics }
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Enqueue stores a job and announces it to remote workers when AMQP is set up.
// A failed announcement is logged; polling picks the job up regardless.
func (a *App) Enqueue(ctx context.Context, in broadcast.NewJob) (string, error) {
	id, err := a.store.Jobs().Enqueue(ctx, in)
	if err != nil {
		return "", err
	}
	if a.pub != nil {
		topic := in.Topic
		if strings.TrimSpace(topic) == "" {
			topic = broadcast.DefaultTopic
		}
		if err := a.pub.JobEnqueued(ctx, topic, id); err != nil {
			a.log.Warn("job announcement failed", logx.String("job", id), logx.Err(err))
		}
	}
	return id, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
		supervisor.WithRestartHook(a.metrics.WorkerRestarted),
	)

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Everything hot reload touches must map cleanly.
		_, err := mapAlert(cfg)
		return err
	})

	if a.runWorkers {
		a.pool.Start(a.sup)
		if a.consumer != nil {
			topic := a.pool.Topic()
			a.sup.GoRestart("notify.consumer", func(c context.Context) error {
				return a.consumer.Run(c, topic, a.pool.WakeChan())
			},
				supervisor.WithRestartBackoff(time.Second, 30*time.Second),
				supervisor.WithPublishFirstError(false),
			)
		}
	}

	if a.sched != nil {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return err
		}
	}

	if a.server != nil {
		a.sup.GoRestart("http.server", a.server.Serve,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithMaxRestarts(5),
			supervisor.WithRestartWindow(time.Minute),
			supervisor.WithFatalOnFinalError(true),
		)
	}

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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		_, _ = systemd.Status("running")
		if iv := systemd.WatchdogInterval(); iv > 0 {
			a.sup.Go0("systemd.watchdog", func(c context.Context) {
				systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
			})
		}
	}

	a.log.Info("app started",
		logx.String("storage", a.store.Driver()),
		logx.Bool("workers", a.runWorkers),
		logx.Bool("scheduler", a.sched != nil),
		logx.Bool("http", a.server != nil),
		logx.Bool("amqp", a.pub != nil),
	)
	return nil
}

// applyConfig hot-applies logging. Every other section needs a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogging(newCfg, a.alerts))
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if cold := config.NeedsRestart(sections); len(cold) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(cold, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.release()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel first so loops start unwinding while the steps below run.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error {
		if a.sched != nil {
			a.sched.Stop(c)
		}
		return nil
	})
	// Workers and the HTTP server unwind through the supervisor; in-flight
	// sends finish under their own contexts.
	step("supervisor", 10*time.Second, a.sup.Wait)
	step("notify", time.Second, func(context.Context) error {
		if a.pub != nil {
			return a.pub.Close()
		}
		return nil
	})
	step("ratelimit", time.Second, func(context.Context) error { return a.closeLimiter() })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// release closes whatever New managed to open. Used when the app never started.
func (a *App) release() error {
	var errs error
	if a.pub != nil {
		errs = errors.CombineErrors(errs, a.pub.Close())
	}
	if a.closeLimiter != nil {
		errs = errors.CombineErrors(errs, a.closeLimiter())
	}
	if a.store != nil {
		errs = errors.CombineErrors(errs, a.store.Close())
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errs
}
