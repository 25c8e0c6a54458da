package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskwarden/internal/config"
	"taskwarden/internal/observability"
	"taskwarden/internal/presence"
	rtsup "taskwarden/internal/runtime/supervisor"
	"taskwarden/internal/scheduler"
	"taskwarden/internal/session"
	"taskwarden/internal/storage"
	kit "taskwarden/internal/transport"
	"taskwarden/internal/transport/telegram"
	"taskwarden/internal/verdict"
	logx "taskwarden/pkg/logx"
)

const defaultTimeout = 300 * time.Second

// dueRelay breaks the construction cycle between the scheduler (which needs
// a due handler) and the collector (which needs the scheduler to re-arm
// extensions). The target is set before anything starts.
type dueRelay struct {
	c *verdict.Collector
}

func (r *dueRelay) HandleDue(ctx context.Context, sess session.Session) {
	r.c.HandleDue(ctx, sess)
}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	logs *logx.Service
	log  logx.Logger

	adapter kit.Adapter
	store   storage.Store

	obs        *observability.Metrics
	metricsSrv *observability.Server

	watcher   *presence.Watcher
	collector *verdict.Collector
	sched     *scheduler.Service

	updates chan kit.Update

	chatMu    sync.RWMutex
	monitored map[int64]struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}, ad)
	if cfg.Logging.Chat.Enabled && cfg.Logging.Chat.ChatID != 0 {
		logs.SetChatTarget(cfg.Logging.Chat.ChatID)
	}
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(context.Background(), storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DatabaseURL: cfg.Storage.DatabaseURL,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	obs := observability.NewMetrics(reg)
	var metricsSrv *observability.Server
	if cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		if addr == "" {
			addr = "127.0.0.1:9090"
		}
		metricsSrv = observability.NewServer(addr, reg, log.With(logx.String("comp", "metrics")))
	}

	watcher := presence.NewWatcher(presence.Config{
		JoinTimeout:        config.SecondsOrDefault(cfg.Presence.JoinTimeoutSecs, defaultTimeout),
		EvictOnInvalidTask: cfg.Presence.EvictOnInvalidTaskOrDefault(),
	}, store, ad, ad, obs, log.With(logx.String("comp", "presence")))

	interval, err := config.ParseDurationField("worker.interval", cfg.Worker.Interval)
	if err != nil {
		return nil, err
	}
	lookahead, err := config.ParseDurationField("worker.lookahead", cfg.Worker.Lookahead)
	if err != nil {
		return nil, err
	}

	relay := &dueRelay{}
	sched := scheduler.New(scheduler.Config{
		Interval:  interval,
		Lookahead: lookahead,
	}, store, watcher, relay, obs, log.With(logx.String("comp", "scheduler")))

	collector := verdict.New(verdict.Config{
		ResponseTimeout: config.SecondsOrDefault(cfg.Presence.ResponseTimeoutSecs, defaultTimeout),
	}, store, sched, watcher, ad, obs, log.With(logx.String("comp", "verdict")))
	relay.c = collector
	watcher.SetEarlyExitHandler(collector)

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		logs:       logs,
		log:        log,
		adapter:    ad,
		store:      store,
		obs:        obs,
		metricsSrv: metricsSrv,
		watcher:    watcher,
		collector:  collector,
		sched:      sched,
		updates:    make(chan kit.Update, 256),
		monitored:  map[int64]struct{}{},
	}
	a.setMonitored(cfg.Telegram.MonitoredChatIDs)
	return a, nil
}

// Done is closed when the app run context ends (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.watcher.Bind(a.sup.Context())
	a.collector.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.metricsSrv != nil {
		a.sup.Go("metrics", a.metricsSrv.Run)
	}

	a.sup.Go("dispatch", a.dispatchLoop)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// reloadLoop applies hot config updates. Only live-tunable settings are
// applied; transport and storage changes need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
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
				default:
					goto APPLY
				}
			}
		APPLY:
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
				Chat: logx.ChatConfig{
					Enabled:    cfg.Logging.Chat.Enabled,
					MinLevel:   cfg.Logging.Chat.MinLevel,
					RatePerSec: cfg.Logging.Chat.RatePerSec,
				},
			})
			if cfg.Logging.Chat.Enabled && cfg.Logging.Chat.ChatID != 0 {
				a.logs.SetChatTarget(cfg.Logging.Chat.ChatID)
			} else {
				a.logs.SetChatTarget(0)
			}
			a.setMonitored(cfg.Telegram.MonitoredChatIDs)
			a.log.Info("config reloaded")
		}
	}
}

func (a *App) setMonitored(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	a.chatMu.Lock()
	a.monitored = m
	a.chatMu.Unlock()
}

func (a *App) isMonitored(chatID int64) bool {
	a.chatMu.RLock()
	_, ok := a.monitored[chatID]
	a.chatMu.RUnlock()
	return ok
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("collector", 2*time.Second, func(c context.Context) error { a.collector.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	_ = a.logs.Close()
	a.log.Info("stopped")
	return nil
}
