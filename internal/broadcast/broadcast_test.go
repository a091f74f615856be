package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type sliceAudience struct {
	ids    []int64
	pos    int
	failAt int // Next() error at this position (0 = never)
	closed bool
}

func (s *sliceAudience) Next() (int64, bool, error) {
	if s.failAt > 0 && s.pos == s.failAt {
		return 0, false, errors.New("audience read error")
	}
	if s.pos >= len(s.ids) {
		return 0, false, nil
	}
	id := s.ids[s.pos]
	s.pos++
	return id, true, nil
}

func (s *sliceAudience) Close() error {
	s.closed = true
	return nil
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []int64
	failFn func(id int64) bool
	hook   func(id int64)
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.hook != nil {
		f.hook(to.ChatID)
	}
	if f.failFn != nil && f.failFn(to.ChatID) {
		return kit.MessageRef{}, errors.New("send failed")
	}
	f.mu.Lock()
	f.sent = append(f.sent, to.ChatID)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func ids(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func testConfig() Config {
	return Config{
		BatchSize:   10,
		MaxInFlight: 4,
		SendTimeout: 5 * time.Second,
		BatchPause:  time.Millisecond,
	}
}

func TestRunDeliversToEveryone(t *testing.T) {
	sender := &fakeSender{}
	d := New(testConfig(), sender, logx.Nop())

	aud := &sliceAudience{ids: ids(25)}
	rep, err := d.Run(context.Background(), aud, "hello", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Attempted != 25 || rep.Succeeded != 25 || rep.Failed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(sender.sent) != 25 {
		t.Fatalf("expected 25 sends, got %d", len(sender.sent))
	}
	if !aud.closed {
		t.Fatalf("audience not closed")
	}
}

func TestPerRecipientFailuresDontAbort(t *testing.T) {
	bad := map[int64]bool{3: true, 17: true, 24: true}
	sender := &fakeSender{failFn: func(id int64) bool { return bad[id] }}
	d := New(testConfig(), sender, logx.Nop())

	rep, err := d.Run(context.Background(), &sliceAudience{ids: ids(30)}, "hello", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Attempted != 30 {
		t.Fatalf("expected 30 attempted, got %d", rep.Attempted)
	}
	if rep.Failed != len(bad) {
		t.Fatalf("expected %d failed, got %d", len(bad), rep.Failed)
	}
	if rep.Succeeded != 30-len(bad) {
		t.Fatalf("expected %d succeeded, got %d", 30-len(bad), rep.Succeeded)
	}
}

func TestCancellationStopsAtBatchBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int64
	sender := &fakeSender{hook: func(id int64) {
		// Cancel mid-first-batch; in-flight sends must still complete.
		if calls.Add(1) == 1 {
			cancel()
		}
	}}
	d := New(testConfig(), sender, logx.Nop())

	rep, err := d.Run(ctx, &sliceAudience{ids: ids(35)}, "hello", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// The first batch was already handed to sendBatch, so it completes.
	if rep.Attempted != 10 {
		t.Fatalf("expected 10 attempted (one batch), got %d", rep.Attempted)
	}
	if rep.Succeeded != 10 {
		t.Fatalf("expected the in-flight batch to finish, got %d succeeded", rep.Succeeded)
	}
}

func TestAudienceErrorReturnsPartialReport(t *testing.T) {
	sender := &fakeSender{}
	d := New(testConfig(), sender, logx.Nop())

	rep, err := d.Run(context.Background(), &sliceAudience{ids: ids(30), failAt: 15}, "hello", nil)
	if err == nil {
		t.Fatalf("expected audience error")
	}
	// ids drained before the failure are still attempted.
	if rep.Attempted != 15 {
		t.Fatalf("expected 15 attempted, got %d", rep.Attempted)
	}
	if rep.Succeeded != 15 {
		t.Fatalf("expected 15 succeeded, got %d", rep.Succeeded)
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.BatchSize != 100 {
		t.Fatalf("expected default batch size 100, got %d", cfg.BatchSize)
	}
	if cfg.MaxInFlight != cfg.BatchSize {
		t.Fatalf("expected max in flight to default to batch size, got %d", cfg.MaxInFlight)
	}
	if cfg.BatchPause != 100*time.Millisecond {
		t.Fatalf("expected default pause 100ms, got %v", cfg.BatchPause)
	}
	if cfg.SendTimeout != 10*time.Second {
		t.Fatalf("expected default send timeout 10s, got %v", cfg.SendTimeout)
	}
}
