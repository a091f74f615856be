// Package bot wires the application together: config, logging, storage,
// the transport adapter, the membership gate, the token vault and the
// broadcast dispatcher, plus the update dispatch loop on top.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"gatebot/internal/broadcast"
	"gatebot/internal/config"
	"gatebot/internal/gate"
	rtsup "gatebot/internal/runtime/supervisor"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/telegram"
	"gatebot/internal/vault"
	logx "gatebot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter kit.Adapter
	gate    *gate.Gate
	vault   *vault.Vault
	disp    *broadcast.Dispatcher

	stats *cron.Cron

	// admins and gateCfg are hot-reloadable snapshots.
	admins  atomic.Value // stores map[int64]struct{}
	gateCfg atomic.Value // stores config.GateConfig

	// broadcastMu serializes broadcast runs; only one at a time.
	broadcastMu sync.Mutex

	updates   chan kit.Update
	startedAt time.Time
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		gate:    gate.New(store, log.With(logx.String("comp", "gate"))),
		vault:   vault.New(store, log.With(logx.String("comp", "vault"))),
		disp:    broadcast.New(bcfg, ad, log.With(logx.String("comp", "broadcast"))),
		updates: make(chan kit.Update, 256),
	}
	a.setAdmins(cfg.Telegram.AdminUserIDs)
	a.gateCfg.Store(cfg.Gate)
	return a, nil
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
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("updates.dispatch", func(c context.Context) error {
		return a.dispatchLoop(c, a.updates)
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Stats.Enabled {
		if err := a.startStats(cfg.Stats); err != nil {
			a.log.Warn("stats job not started", logx.Err(err))
		}
	}

	a.log.Info("bot started", logx.String("handle", a.adapter.Handle()))
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.setAdmins(cfg.Telegram.AdminUserIDs)
	a.gateCfg.Store(cfg.Gate)

	if bcfg, err := mapBroadcastConfig(cfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(bcfg)
	}

	// Storage and stats schedule changes take effect on restart.
	a.log.Info("config reloaded", logx.Int("admins", len(cfg.Telegram.AdminUserIDs)))
}

func (a *App) setAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	a.admins.Store(m)
}

func (a *App) isAdmin(userID int64) bool {
	m, _ := a.admins.Load().(map[int64]struct{})
	_, ok := m[userID]
	return ok
}

func (a *App) gateImages() config.GateConfig {
	gc, _ := a.gateCfg.Load().(config.GateConfig)
	return gc
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("stats", 1*time.Second, func(c context.Context) error {
		if a.stats != nil {
			stopped := a.stats.Stop()
			select {
			case <-stopped.Done():
			case <-c.Done():
				return c.Err()
			}
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token must be set")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if cfg.Stats.Enabled {
		spec := cfg.Stats.Schedule
		if strings.TrimSpace(spec) == "" {
			spec = defaultStatsSchedule
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("stats.schedule: invalid %q: %w", spec, err)
		}
		if tz := strings.TrimSpace(cfg.Stats.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("stats.timezone: invalid %q: %w", tz, err)
			}
		}
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./gatebot.db"
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	sendTimeout, err := config.ParseDurationOrDefault("broadcast.send_timeout", cfg.Broadcast.SendTimeout, 0)
	if err != nil {
		return broadcast.Config{}, err
	}
	batchPause, err := config.ParseDurationOrDefault("broadcast.batch_pause", cfg.Broadcast.BatchPause, 0)
	if err != nil {
		return broadcast.Config{}, err
	}
	if cfg.Broadcast.BatchSize < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast.batch_size must be >= 0")
	}
	if cfg.Broadcast.MaxInFlight < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast.max_in_flight must be >= 0")
	}
	return broadcast.Config{
		BatchSize:   cfg.Broadcast.BatchSize,
		MaxInFlight: cfg.Broadcast.MaxInFlight,
		RatePerSec:  cfg.Broadcast.RatePerSec,
		SendTimeout: sendTimeout,
		BatchPause:  batchPause,
	}, nil
}
