package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestAlertSinkHonoursMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level:  "DEBUG",
		File:   FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Alerts: AlertConfig{Enabled: true, MinLevel: "ERROR", RatePerSec: 100},
	}, sender)
	defer svc.Close()

	log.Info("routine event", String("job", "j1"))
	log.Error("worker gave up", String("name", "worker-0"), Int("restarts", 4))

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	msgs := sender.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one alert, got %d: %v", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "[ERROR] worker gave up") {
		t.Fatalf("unexpected alert text: %q", msgs[0])
	}
	if !strings.Contains(msgs[0], "- restarts=4") {
		t.Fatalf("alert lacks fields: %q", msgs[0])
	}
}

func TestFormatAlertSortsFields(t *testing.T) {
	t.Parallel()
	got := formatAlert([]byte(`{"level":"warn","message":"m","zeta":"1","alpha":2,"time":"x"}`))
	want := "[WARN] m\n- alpha=2\n- zeta=1"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if raw := formatAlert([]byte("not json\n")); raw != "not json" {
		t.Fatalf("raw passthrough = %q", raw)
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "INFO").With(String("comp", "worker"))
	log.Debug("hidden")
	log.Info("claimed", String("job", "j1"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked at info level: %s", out)
	}
	if !strings.Contains(out, `"comp":"worker"`) || !strings.Contains(out, `"job":"j1"`) {
		t.Fatalf("missing fields: %s", out)
	}
	if Nop().IsZero() || !(Logger{}).IsZero() {
		t.Fatal("IsZero mismatch")
	}
}
