package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"gatebot/internal/config"
	logx "gatebot/pkg/logx"
)

const defaultStatsSchedule = "0 0 * * *"

// startStats schedules a periodic snapshot of the main counters. The
// snapshot only logs; it exists so long-running deployments leave a trail
// of growth numbers without anyone asking the bot.
func (a *App) startStats(cfg config.StatsConfig) error {
	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = defaultStatsSchedule
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("stats.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}

	log := a.log.With(logx.String("comp", "stats"))
	c := cron.New(cron.WithLocation(loc))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.logStats(ctx, log)
	})
	if err != nil {
		return fmt.Errorf("stats.schedule: invalid %q: %w", spec, err)
	}

	c.Start()
	a.stats = c
	log.Info("stats job scheduled", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func (a *App) logStats(ctx context.Context, log logx.Logger) {
	users, err := a.store.CountUsers(ctx)
	if err != nil {
		log.Warn("stats snapshot failed", logx.Err(err))
		return
	}
	files, err := a.vault.FileCount(ctx)
	if err != nil {
		log.Warn("stats snapshot failed", logx.Err(err))
		return
	}
	reqs, err := a.gate.RequestCount(ctx)
	if err != nil {
		log.Warn("stats snapshot failed", logx.Err(err))
		return
	}
	log.Info("stats snapshot",
		logx.Int64("users", users),
		logx.Int64("files", files),
		logx.Int64("join_requests", reqs),
		logx.Duration("uptime", time.Since(a.startedAt)))
}
