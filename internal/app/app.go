// Package app wires configuration, storage, the scheduler, the pipeline and
// the optional notifier into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"infoflow/internal/catalog"
	"infoflow/internal/collectors/httpfeed"
	"infoflow/internal/config"
	"infoflow/internal/eventbus"
	"infoflow/internal/fetchpool"
	"infoflow/internal/notifier"
	"infoflow/internal/pipeline"
	"infoflow/internal/runtime/supervisor"
	"infoflow/internal/storage"
	"infoflow/internal/task"
	"infoflow/internal/task/adapter"
	"infoflow/internal/task/scheduler"
	logx "infoflow/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg   *task.Registry
	sched *scheduler.Service
	ad    *adapter.Service
	cat   *catalog.Catalog
	notif *notifier.Service
	pool  *fetchpool.Pool

	schedulerEnabled bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional).
	var store storage.Store
	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if st != nil {
		store = st
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	// Fetch pool shared by all collectors.
	fetchTimeout, err := config.ParseDurationOrDefault("fetch.timeout", cfg.Fetch.Timeout, 20*time.Second)
	if err != nil {
		return nil, err
	}
	pool := fetchpool.New(fetchpool.Config{
		Contexts:    cfg.Fetch.Contexts,
		RatePerHost: cfg.Fetch.RatePerHost,
		Burst:       cfg.Fetch.Burst,
		Timeout:     fetchTimeout,
	}, log.With(logx.String("comp", "fetch")))

	// Scheduler core.
	reg := task.NewRegistry()
	sched := scheduler.New(reg, log.With(logx.String("comp", "scheduler")), bus)
	sched.SetSink(pipeline.New(log.With(logx.String("comp", "pipeline")),
		pipeline.NewDedupStage(pipeline.NewLRUSet(cfg.Dedup.MaxEntries), log.With(logx.String("comp", "dedup"))),
		pipeline.NewEnrichStage(),
		pipeline.NewPersistStage(store, log.With(logx.String("comp", "persist")), bus),
	))

	defaultEvery, err := config.ParseDurationOrDefault("scheduler.default_every", cfg.Scheduler.DefaultEvery, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	ad := adapter.New(reg, store, sched, log.With(logx.String("comp", "adapter")), bus, adapter.Options{
		DefaultEvery: defaultEvery,
	})
	sched.SetAfterRun(ad.AfterRun)

	if err := addCollectors(cfg, ad, pool, log); err != nil {
		return nil, err
	}

	cat := catalog.New(ad, sched, store, log.With(logx.String("comp", "catalog")))

	// Notifier (optional).
	var notif *notifier.Service
	if cfg.Notifier != nil {
		window, err := config.ParseDurationOrDefault("notifier.digest_window", cfg.Notifier.DigestWindow, 30*time.Second)
		if err != nil {
			return nil, err
		}
		notif, err = notifier.New(notifier.Config{
			Enabled:      cfg.Notifier.Enabled,
			Token:        cfg.Notifier.Token,
			ChatID:       cfg.Notifier.ChatID,
			DigestWindow: window,
		}, bus, log.With(logx.String("comp", "notifier")))
		if err != nil {
			return nil, err
		}
	}

	return &App{
		cfgPath:          cfgPath,
		cfgm:             cfgm,
		log:              log,
		logs:             logSvc,
		bus:              bus,
		store:            store,
		reg:              reg,
		sched:            sched,
		ad:               ad,
		cat:              cat,
		notif:            notif,
		pool:             pool,
		schedulerEnabled: cfg.Scheduler.IsEnabled(),
	}, nil
}

func addCollectors(cfg *config.Config, ad *adapter.Service, pool *fetchpool.Pool, log logx.Logger) error {
	for _, col := range cfg.Collectors {
		var params []task.ParamJob
		for _, p := range col.Params {
			every, err := config.ParseDurationField("collector param every", p.Every)
			if err != nil {
				return err
			}
			params = append(params, task.ParamJob{Param: p.Param, Every: every, Cron: p.Cron})
		}
		c, err := httpfeed.New(httpfeed.Config{
			Source: col.Source,
			URL:    col.URL,
			Limit:  col.Limit,
			Params: params,
			Debug:  col.Debug,
		}, pool, log)
		if err != nil {
			return err
		}
		every, err := config.ParseDurationField("collector every", col.Every)
		if err != nil {
			return err
		}
		if err := ad.AddConsumer(c, every, col.Cron); err != nil {
			return fmt.Errorf("collector %s: %w", col.Source, err)
		}
	}
	return nil
}

// Catalog exposes the job catalog (diagnostics, manual triggers).
func (a *App) Catalog() *catalog.Catalog { return a.cat }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})
	a.sup.Go0("config.reload", a.consumeConfigUpdates)

	if a.schedulerEnabled {
		a.sched.Start(a.sup.Context())
		if err := a.ad.Bootstrap(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled by config; no jobs will run")
	}

	if a.notif != nil {
		a.sup.GoRestart("notifier", a.notif.Run)
	}

	notifyReady(a.log)
	a.log.Info("started",
		logx.Int("sources", a.reg.Len()),
		logx.Int("jobs", len(a.ad.Jobs())),
		logx.Bool("scheduler", a.schedulerEnabled),
	)
	return nil
}

// consumeConfigUpdates applies the hot-reloadable subset of a published
// config. Structural changes (collectors, storage driver) need a restart;
// they are logged, not applied.
func (a *App) consumeConfigUpdates(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.ConsoleEnabled(),
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config applied; collector/storage changes need a restart")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	notifyStopping(a.log)

	if a.schedulerEnabled {
		a.sched.Stop()
	}
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
