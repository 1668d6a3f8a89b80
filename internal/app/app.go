// Package app wires the publishing pipeline together and owns its lifecycle:
// start order, hot reload and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/notifier"
	"cadence/internal/observability"
	"cadence/internal/poller"
	"cadence/internal/processor"
	"cadence/internal/publisher"
	"cadence/internal/quota"
	"cadence/internal/retry"
	"cadence/internal/rules"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/scheduling"
	"cadence/internal/storage"
	"cadence/internal/subscribers"
	"cadence/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	logs *logx.Service
	log  logx.Logger

	metrics *observability.Metrics
	store   storage.Store
	bus     eventbus.Bus
	ledger  quota.Ledger
	pubs    *publisher.Registry
	proc    *processor.Processor
	poll    *poller.Service
	rules   *rules.Engine
	sched   *scheduling.Service
	notif   *notifier.Service
	ops     *observability.Server
	queues  []*eventbus.Async

	// redis clients owned by the app, closed on Stop.
	redisClients []*redis.Client

	sup *rtsup.Supervisor
}

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logs, log := logx.New(mapLogging(cfg.Logging))

	a := &App{cfgm: cfgm, cfg: cfg, logs: logs, log: log}
	if err := a.build(); err != nil {
		a.closeResources()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg, log := a.cfg, a.log
	a.metrics = observability.NewMetrics()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	codec, err := mapCodec(cfg)
	if err != nil {
		return err
	}
	if codec == nil {
		log.Warn("encryption.key is empty; account tokens are stored in plaintext")
	}
	st, err := storage.Open(sc, codec, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	a.bus = eventbus.New(
		eventbus.WithLogger(log.With(logx.String("comp", "eventbus"))),
		eventbus.WithRecorder(a.metrics),
	)

	a.ledger = quota.Observe(a.newLedger(), a.metrics)

	a.pubs, err = publisher.NewRegistry(cfg.Publishers, log.With(logx.String("comp", "publisher")))
	if err != nil {
		return err
	}

	base, jitter, err := mapRetry(cfg)
	if err != nil {
		return err
	}
	timeout, err := mapPublishTimeout(cfg)
	if err != nil {
		return err
	}
	a.proc = processor.New(a.store, a.pubs, a.ledger, retry.NewPolicy(base, jitter), a.bus,
		processor.WithLogger(log.With(logx.String("comp", "processor"))),
		processor.WithRecorder(a.metrics),
		processor.WithPublishTimeout(timeout),
	)

	pc, err := poller.ConfigFrom(cfg.Poller)
	if err != nil {
		return err
	}
	a.poll = poller.New(pc, a.store, a.proc, a.bus, log.With(logx.String("comp", "poller")),
		poller.WithRecorder(a.metrics))

	a.rules = rules.New(a.store, log.With(logx.String("comp", "rules")))
	a.sched = scheduling.New(a.store, a.rules, a.ledger, a.bus,
		scheduling.WithLogger(log.With(logx.String("comp", "scheduling"))),
		scheduling.WithDefaultMaxRetries(cfg.Processor.DefaultMaxRetries),
	)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	sink, err := newSink(cfg, log)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, sink, a.store, log)

	deps := subscribers.Deps{
		Store:     a.store,
		Rules:     a.rules,
		Alerts:    a.notif,
		QueueSize: cfg.Realtime.QueueSize,
		Log:       log.With(logx.String("comp", "subscribers")),
	}
	if cfg.Realtime.Enabled {
		rdb := quota.NewRedisClient(cfg.Realtime.Redis)
		a.redisClients = append(a.redisClients, rdb)
		deps.Redis = rdb
		deps.RealtimePrefix = cfg.Realtime.ChannelPrefix
	}
	a.queues = subscribers.Register(a.bus, deps)

	ocfg, err := observability.ServerConfigFrom(cfg.Observability)
	if err != nil {
		return err
	}
	checks := map[string]observability.HealthCheck{"storage": a.store.Ping}
	for i, rdb := range a.redisClients {
		checks[fmt.Sprintf("redis.%d", i)] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	a.ops = observability.NewServer(ocfg, a.metrics.Handler(), checks, log)
	return nil
}

func (a *App) newLedger() quota.Ledger {
	qc := a.cfg.Quota
	limits := quota.LimitsFromConfig(qc)
	qlog := a.log.With(logx.String("comp", "quota"))
	if strings.EqualFold(strings.TrimSpace(qc.Backend), "redis") {
		rdb := quota.NewRedisClient(qc.Redis)
		a.redisClients = append(a.redisClients, rdb)
		qlog.Info("quota ledger on redis", logx.String("addr", qc.Redis.Addr))
		return quota.NewRedisLedger(rdb, qc.KeyPrefix, limits, quota.WithLogger(qlog))
	}
	return quota.NewSQLLedger(a.store, limits, quota.WithLogger(qlog))
}

// Scheduling is the entry point for callers creating or moderating posts.
func (a *App) Scheduling() *scheduling.Service { return a.sched }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Poller() *poller.Service { return a.poll }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	runCtx := a.sup.Context()
	for _, q := range a.queues {
		a.sup.Go("subscriber."+q.Name(), q.Run)
	}
	// Alerts outlive the run context so Stop can drain them after the poller.
	a.notif.Start(context.WithoutCancel(runCtx))
	a.ops.Start(runCtx)
	a.poll.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Strings("platforms", platformNames(a.pubs)),
		logx.Int("subscribers", len(a.queues)),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
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
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
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

	// No new claims first; in-flight publishes finish under their own timeout.
	step("poller", 10*time.Second, func(c context.Context) error { a.poll.Stop(c); return nil })

	// Canceling the run context makes the subscriber queues drain what they hold.
	a.sup.Cancel()
	step("supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("resources", time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources releases redis clients and the store. Safe on a partly
// built app.
func (a *App) closeResources() {
	for _, rdb := range a.redisClients {
		if err := rdb.Close(); err != nil {
			a.log.Debug("redis close failed", logx.Err(err))
		}
	}
	a.redisClients = nil
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

func platformNames(r *publisher.Registry) []string {
	ps := r.Platforms()
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, string(p))
	}
	return out
}
