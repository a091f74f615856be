package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitReturnsFirstError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))

	wantErr := errors.New("boom")
	s.Go("worker", func(ctx context.Context) error {
		return wantErr
	})
	s.Go0("follower", func(ctx context.Context) {
		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped boom error, got %v", err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))

	s.Go0("panicky", func(ctx context.Context) {
		panic("kaboom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestContextCanceledIsNotAnError(t *testing.T) {
	s := New(context.Background())

	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	s := New(context.Background())

	block := make(chan struct{})
	s.Go0("stuck", func(ctx context.Context) {
		<-block
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(block)
}

func TestRestartLoopStopsOnCancel(t *testing.T) {
	s := New(context.Background())

	runs := make(chan struct{}, 16)
	s.GoRestart0("flaky", func(ctx context.Context) {
		select {
		case runs <- struct{}{}:
		case <-ctx.Done():
		}
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	// Let it restart at least twice.
	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-time.After(2 * time.Second):
			t.Fatalf("restart loop did not run (iteration %d)", i)
		}
	}

	s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}
