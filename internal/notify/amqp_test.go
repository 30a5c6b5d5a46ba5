package notify

import (
	"context"
	"os"
	"testing"
	"time"

	logx "broadcastd/pkg/logx"
)

func TestQueueName(t *testing.T) {
	t.Parallel()
	if got := (Config{}).QueueName("broadcasts"); got != "broadcastd.broadcasts" {
		t.Fatalf("default prefix: %s", got)
	}
	if got := (Config{QueuePrefix: "q."}).QueueName("vip"); got != "q.vip" {
		t.Fatalf("custom prefix: %s", got)
	}
	if (Config{URL: "  "}).Enabled() {
		t.Fatalf("blank URL must disable notify")
	}
}

func TestHandleSignalsWithoutBlocking(t *testing.T) {
	t.Parallel()
	c := NewConsumer(Config{}, logx.Nop())
	wake := make(chan struct{}, 1)

	body, err := encode(Message{Topic: "broadcasts", JobID: "j1"})
	if err != nil {
		t.Fatal(err)
	}
	c.handle(body, wake)
	c.handle(body, wake) // buffer full; must not block
	c.handle([]byte("not json"), wake)

	select {
	case <-wake:
	default:
		t.Fatalf("expected a wake-up")
	}
	select {
	case <-wake:
		t.Fatalf("wake-ups should coalesce")
	default:
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()
	m, err := decode([]byte(`{"topic":"t","job_id":"j"}`))
	if err != nil || m.JobID != "j" || m.Topic != "t" {
		t.Fatalf("decode: %+v %v", m, err)
	}
	if _, err := decode([]byte("{")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRoundTripBroker(t *testing.T) {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set")
	}
	cfg := Config{URL: url, QueuePrefix: "broadcastd-test."}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wake := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- NewConsumer(cfg, logx.Nop()).Run(ctx, "rt", wake) }()

	pub := NewPublisher(cfg, logx.Nop())
	defer pub.Close()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := pub.JobEnqueued(ctx, "rt", "job-1"); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case <-wake:
			cancel()
			<-done
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no wake-up received")
		}
	}
}
