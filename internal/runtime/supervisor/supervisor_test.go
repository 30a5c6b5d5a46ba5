package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitDone(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("supervisor did not finish")
	}
	return err
}

func TestGoRecordsErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(context.Context) error { return boom })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	err := waitDone(t, s)
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if s.Context().Err() == nil {
		t.Fatalf("context should be cancelled")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("panics", func(context.Context) { panic("kaboom") })
	if err := waitDone(t, s); err == nil {
		t.Fatalf("panic should surface as error")
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestGoRestartRestartsThenStopsCleanly(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	var hooks atomic.Int32
	s := New(context.Background(), WithRestartHook(func(string) { hooks.Add(1) }))
	s.GoRestart("loop", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	if err := waitDone(t, s); err != nil {
		t.Fatalf("clean exit should not set error: %v", err)
	}
	if runs.Load() != 3 || hooks.Load() != 2 {
		t.Fatalf("runs=%d hooks=%d", runs.Load(), hooks.Load())
	}
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "loop" && g.Restarts != 2 {
			t.Fatalf("restarts = %d", g.Restarts)
		}
	}
}

func TestGoRestartGivesUpAndIsFatal(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New(context.Background(), WithCancelOnError(true))
	s.GoRestart("worker", func(context.Context) error {
		runs.Add(1)
		panic("always")
	},
		WithRestartBackoff(time.Millisecond, time.Millisecond),
		WithMaxRestarts(2),
		WithRestartWindow(time.Minute),
		WithFatalOnFinalError(true),
	)
	s.Go0("idle", func(ctx context.Context) { <-ctx.Done() })

	if err := waitDone(t, s); err == nil {
		t.Fatalf("expected fatal error")
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want initial run + 2 restarts", runs.Load())
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("supervisor should be cancelled")
	}
}

func TestGoRestartWindowForgetsOldCrashes(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New(context.Background(), WithCancelOnError(true))
	s.GoRestart("slow-crash", func(context.Context) error {
		if runs.Add(1) >= 5 {
			return nil
		}
		time.Sleep(15 * time.Millisecond)
		return errors.New("crash")
	},
		WithRestartBackoff(time.Millisecond, time.Millisecond),
		WithMaxRestarts(1),
		WithRestartWindow(5*time.Millisecond),
		WithFatalOnFinalError(true),
	)
	if err := waitDone(t, s); err != nil {
		t.Fatalf("crashes outside the window should not exhaust the budget: %v", err)
	}
	if runs.Load() != 5 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestStopCancelsRestartLoop(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	started := make(chan struct{})
	s.GoRestart("blocker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
