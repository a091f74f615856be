// Package broadcast fans a single message out to a large audience with
// bounded concurrency. The audience is consumed lazily in fixed-size
// batches, per-recipient failures are isolated and counted, and
// cancellation takes effect at batch boundaries. In-flight sends are
// allowed to finish so counts stay exact.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type Config struct {
	// BatchSize is how many recipients are drained from the audience per
	// batch. The full audience is never materialized.
	BatchSize int
	// MaxInFlight bounds concurrent sends within a batch. 0 means
	// BatchSize (the batch itself is the bound).
	MaxInFlight int
	// RatePerSec paces sends across the whole run. 0 disables the pacer
	// (batch pausing still applies).
	RatePerSec int
	// SendTimeout bounds one send so a single unresponsive recipient
	// cannot stall batch pacing.
	SendTimeout time.Duration
	// BatchPause is the unconditional sleep between batches.
	BatchPause time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxInFlight <= 0 || c.MaxInFlight > c.BatchSize {
		c.MaxInFlight = c.BatchSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.BatchPause <= 0 {
		c.BatchPause = 100 * time.Millisecond
	}
	return c
}

// Report is the final accounting of a run. Attempted is always the number
// of recipients drained from the audience, even when the run is cancelled
// early.
type Report struct {
	Attempted int
	Succeeded int
	Failed    int
}

// Audience is a lazy, forward-only sequence of recipient ids.
// storage.UserCursor satisfies it.
type Audience interface {
	Next() (int64, bool, error)
	Close() error
}

// Sender is the single-recipient send primitive of the transport.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, sender Sender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{cfg: cfg, sender: sender, log: log}
	d.limiter = newLimiter(cfg.RatePerSec)
	return d
}

func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

// Apply swaps tuning at runtime (config hot reload). A run that is already
// in progress picks up the new limiter on its next send.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg.withDefaults()
	d.limiter = newLimiter(d.cfg.RatePerSec)
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Run delivers text to every id in audience and returns final counts once
// the audience is exhausted. Per-recipient failures never abort the run.
// On cancellation or an audience read error, the counts accumulated so far
// are returned together with the error.
func (d *Dispatcher) Run(ctx context.Context, audience Audience, text string, opt *kit.SendOptions) (Report, error) {
	defer audience.Close()

	cfg, _ := d.snapshot()
	runID := uuid.NewString()
	log := d.log.With(logx.String("run", runID))

	log.Info("broadcast run started", logx.Int("batch_size", cfg.BatchSize), logx.Int("max_in_flight", cfg.MaxInFlight))
	start := time.Now()

	var rep Report
	var succeeded, failed atomic.Int64

	batch := make([]int64, 0, cfg.BatchSize)
	for {
		// Cancellation takes effect here, at the batch boundary.
		if err := ctx.Err(); err != nil {
			rep.Succeeded = int(succeeded.Load())
			rep.Failed = int(failed.Load())
			log.Warn("broadcast run cancelled", logx.Int("attempted", rep.Attempted))
			return rep, err
		}

		batch = batch[:0]
		var readErr error
		for len(batch) < cfg.BatchSize {
			id, ok, err := audience.Next()
			if err != nil {
				readErr = err
				break
			}
			if !ok {
				break
			}
			batch = append(batch, id)
		}

		if len(batch) > 0 {
			d.sendBatch(ctx, log, batch, text, opt, &succeeded, &failed)
			rep.Attempted += len(batch)
		}

		if readErr != nil {
			rep.Succeeded = int(succeeded.Load())
			rep.Failed = int(failed.Load())
			log.Error("audience stream failed", logx.Err(readErr), logx.Int("attempted", rep.Attempted))
			return rep, readErr
		}
		if len(batch) < cfg.BatchSize {
			break // audience exhausted
		}

		// Unconditional pause between batches, independent of outcome.
		select {
		case <-ctx.Done():
			// handled at the top of the loop
		case <-time.After(cfg.BatchPause):
		}
	}

	rep.Succeeded = int(succeeded.Load())
	rep.Failed = int(failed.Load())

	fields := []logx.Field{
		logx.Int("attempted", rep.Attempted),
		logx.Int("succeeded", rep.Succeeded),
		logx.Int("failed", rep.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if rep.Failed > 0 {
		log.Warn("broadcast run finished with failures", fields...)
	} else {
		log.Info("broadcast run finished", fields...)
	}
	return rep, nil
}

func (d *Dispatcher) sendBatch(ctx context.Context, log logx.Logger, batch []int64, text string, opt *kit.SendOptions, succeeded, failed *atomic.Int64) {
	cfg, lim := d.snapshot()

	sem := make(chan struct{}, cfg.MaxInFlight)
	var wg sync.WaitGroup
	for _, id := range batch {
		id := id
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			// Once a send is in flight it is allowed to complete even if
			// the run is cancelled; the timeout is the only bound.
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
			defer cancel()

			if lim != nil {
				if err := lim.Wait(sctx); err != nil {
					failed.Add(1)
					return
				}
			}
			_, err := d.sender.SendText(sctx, kit.ChatTarget{ChatID: id}, text, opt)
			if err != nil {
				failed.Add(1)
				log.Debug("send failed", logx.Int64("chat_id", id), logx.Err(err))
				return
			}
			succeeded.Add(1)
		}()
	}
	wg.Wait()
}
