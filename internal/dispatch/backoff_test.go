package dispatch

import (
	"errors"
	"testing"
	"time"

	"broadcastd/internal/broadcast"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Delay(i+1, nil, nil); got != w {
			t.Fatalf("retry %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffUsesRetryAfterHint(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second}
	err := broadcast.TransientAfter("http_429", 3*time.Second, errors.New("slow down"))
	if got := b.Delay(1, err, nil); got != 3*time.Second {
		t.Fatalf("hint ignored: %v", got)
	}

	long := broadcast.TransientAfter("http_429", time.Minute, errors.New("slow down"))
	if got := b.Delay(1, long, nil); got != 10*time.Second {
		t.Fatalf("hint not capped: %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2}
	lo := b.Delay(1, nil, func() float64 { return 0 })
	hi := b.Delay(1, nil, func() float64 { return 0.999999 })
	if lo != 800*time.Millisecond {
		t.Fatalf("low jitter: %v", lo)
	}
	if hi < 1190*time.Millisecond || hi > 1200*time.Millisecond {
		t.Fatalf("high jitter: %v", hi)
	}
}

func TestBackoffDefaults(t *testing.T) {
	if got := (Backoff{}).Delay(1, nil, nil); got != 500*time.Millisecond {
		t.Fatalf("default base: %v", got)
	}
	if got := (Backoff{}).Delay(10, nil, nil); got != 15*time.Second {
		t.Fatalf("default cap: %v", got)
	}
}
