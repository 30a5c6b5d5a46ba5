package alert

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	logx "broadcastd/pkg/logx"
)

var _ logx.AlertSender = (*Telegram)(nil)

func TestTelegramConfigEnabled(t *testing.T) {
	t.Parallel()
	if (TelegramConfig{Token: "t"}).Enabled() {
		t.Fatalf("chat id is required")
	}
	if !(TelegramConfig{Token: "t", ChatID: -100}).Enabled() {
		t.Fatalf("expected enabled")
	}
	if _, err := NewTelegram(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatalf("empty token must fail")
	}
}

func TestTelegramSendsToChatAndThread(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		path, body = r.URL.Path, string(raw)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: -100, ThreadID: 9, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tg.SendAlert(context.Background(), "store unreachable"); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %s", path)
	}
	decoded, _ := url.QueryUnescape(body)
	for _, want := range []string{"-100", "store unreachable", "message_thread_id"} {
		if !strings.Contains(decoded, want) {
			t.Fatalf("body %q missing %q", decoded, want)
		}
	}
}

func TestTelegramHonoursCancelledContext(t *testing.T) {
	t.Parallel()
	tg, err := NewTelegram(TelegramConfig{Token: "1:x", ChatID: 1, APIURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.SendAlert(ctx, "x"); err == nil {
		t.Fatalf("expected context error")
	}
}
