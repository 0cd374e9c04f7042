// Package app wires the daemon together: config, logging, storage, the
// scheduling engine, the push dispatcher, and the maintenance jobs.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"petminder/internal/config"
	"petminder/internal/eventbus"
	"petminder/internal/notify"
	"petminder/internal/schedule"
	"petminder/internal/storage"
	"petminder/internal/transport"
	"petminder/internal/transport/telegram"
	"petminder/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *schedule.Engine
	disp   *notify.Dispatcher
	maint  *maintenance

	// lastCfg is the config currently in effect, for reload diffing. Only the
	// reload goroutine touches it after Start.
	lastCfg *config.Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(mapStorageConfig(cfg.Storage), log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage open", logx.String("driver", cfg.Storage.Driver))

	pusher, err := buildPusher(cfg.Telegram, log)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	ncfg, err := mapNotifyConfig(cfg.Notify)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	var delivered notify.DeliveryLog
	if cfg.Notify.PersistDedup {
		delivered = store
	}
	disp := notify.New(ncfg, pusher, store, delivered, log.With(logx.String("comp", "notify")), bus)

	engCfg, err := mapEngineConfig(cfg.Engine)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	eng := schedule.New(engCfg, store, disp, log.With(logx.String("comp", "schedule")), bus)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		lastCfg: cfg,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  eng,
		disp:    disp,
	}, nil
}

// Engine exposes the scheduling engine to callers embedding the app (the API
// layer hands CRUD and pause operations to it).
func (a *App) Engine() *schedule.Engine { return a.engine }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.disp.Start(runCtx)

	// Rebuild the schedule before accepting anything else; a store failure
	// here aborts the boot.
	n, err := a.engine.RecoverAll(runCtx)
	if err != nil {
		return err
	}
	a.log.Info("schedule ready", logx.Int("reminders", n))

	cfg := a.cfgm.Get()
	a.maint = newMaintenance(cfg.Maintenance, a.store, a.engine, a.log.With(logx.String("comp", "maintenance")))
	a.maint.Start()

	// Audit trail of engine/dispatcher events at debug level.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	// Hot reload: logging and dispatcher knobs apply live; storage and engine
	// topology need a restart.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(runCtx, newCfg)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLogConfig(cfg.Logging))

	ncfg, err := mapNotifyConfig(cfg.Notify)
	if err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.disp.Enabled()
		a.disp.Apply(ncfg)
		if prevEnabled && !ncfg.Enabled {
			a.log.Info("dispatcher disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.disp.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && ncfg.Enabled {
			a.log.Info("dispatcher enabled via config")
			a.disp.Start(ctx)
		}
	}

	for _, section := range restartRequired(a.lastCfg, cfg) {
		a.log.Warn("config changed; restart required to take effect", logx.String("section", section))
	}
	a.lastCfg = cfg

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	if a.maint != nil {
		a.maint.Stop()
	}
	a.engine.Stop()

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	a.disp.Stop(stopCtx)
	cancel()

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop deadline reached before background loops exited")
	}

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func buildPusher(cfg config.TelegramConfig, log logx.Logger) (transport.Pusher, error) {
	if !cfg.Enabled {
		log.Warn("no push transport configured; deliveries will be dropped")
		return nil, nil
	}
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	p, err := telegram.New(telegram.Config{
		Token:       cfg.Token,
		PollTimeout: timeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram transport: %w", err)
	}
	return p, nil
}

// restartRequired names the sections whose changes only take effect on the
// next boot.
func restartRequired(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	if prev.Storage != next.Storage {
		out = append(out, "storage")
	}
	if prev.Engine != next.Engine {
		out = append(out, "engine")
	}
	if prev.Telegram != next.Telegram {
		out = append(out, "telegram")
	}
	if !strings.EqualFold(prev.Maintenance.PruneEvery, next.Maintenance.PruneEvery) ||
		!strings.EqualFold(prev.Maintenance.AuditEvery, next.Maintenance.AuditEvery) {
		out = append(out, "maintenance")
	}
	return out
}
