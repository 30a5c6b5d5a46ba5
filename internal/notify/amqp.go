// Package notify carries "job enqueued" wake-ups between processes over AMQP.
//
// The job store stays the source of truth: a lost or duplicated message costs at
// most one poll interval, never a job.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/streadway/amqp"
)

const defaultPrefix = "broadcastd."

type Config struct {
	URL         string
	QueuePrefix string
}

// Enabled reports whether a broker URL is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.URL) != "" }

// QueueName is the durable queue that carries wake-ups for topic.
func (c Config) QueueName(topic string) string {
	prefix := c.QueuePrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return prefix + topic
}

// Message is the wake-up body.
type Message struct {
	Topic      string    `json:"topic"`
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func encode(m Message) ([]byte, error) { return json.Marshal(m) }

func decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, errors.Wrap(err, "decode wake-up")
	}
	return m, nil
}

// signal performs a non-blocking send on wake.
func signal(wake chan<- struct{}) bool {
	select {
	case wake <- struct{}{}:
		return true
	default:
		return false
	}
}

func declare(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

// Publisher keeps one connection and channel, redialing after a failure.
type Publisher struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

func NewPublisher(cfg Config, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{cfg: cfg, log: log.With(logx.String("comp", "notify")), declared: map[string]bool{}}
}

func (p *Publisher) connectLocked() error {
	if p.ch != nil {
		return nil
	}
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "amqp dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "amqp channel")
	}
	p.conn, p.ch = conn, ch
	p.declared = map[string]bool{}
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// JobEnqueued publishes a wake-up for topic. Callers log and ignore the error.
func (p *Publisher) JobEnqueued(ctx context.Context, topic, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(Message{Topic: topic, JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return err
	}
	q := p.cfg.QueueName(topic)
	if !p.declared[q] {
		if err := declare(p.ch, q); err != nil {
			p.resetLocked()
			return errors.Wrapf(err, "declare %s", q)
		}
		p.declared[q] = true
	}
	err = p.ch.Publish("", q, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		return errors.Wrapf(err, "publish %s", q)
	}
	p.log.Debug("wake-up published", logx.String("queue", q), logx.String("job", jobID))
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// Consumer turns queue messages into wake-ups.
type Consumer struct {
	cfg Config
	log logx.Logger
}

func NewConsumer(cfg Config, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{cfg: cfg, log: log.With(logx.String("comp", "notify"))}
}

// Run consumes wake-ups for topic until ctx ends. A broker disconnect returns an
// error so the caller's supervisor can reconnect with backoff.
func (c *Consumer) Run(ctx context.Context, topic string, wake chan<- struct{}) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "amqp dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "amqp channel")
	}
	defer ch.Close()

	q := c.cfg.QueueName(topic)
	if err := declare(ch, q); err != nil {
		return errors.Wrapf(err, "declare %s", q)
	}
	msgs, err := ch.Consume(q, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", q)
	}
	c.log.Info("wake-up consumer started", logx.String("queue", q))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.Newf("amqp delivery channel for %s closed", q)
			}
			c.handle(d.Body, wake)
			if err := d.Ack(false); err != nil {
				return errors.Wrap(err, "ack")
			}
		}
	}
}

func (c *Consumer) handle(body []byte, wake chan<- struct{}) {
	m, err := decode(body)
	if err != nil {
		// Undecodable messages still wake the pool; the store decides what is queued.
		c.log.Warn("invalid wake-up message", logx.Err(err))
	}
	if signal(wake) {
		c.log.Debug("worker woken", logx.String("job", m.JobID))
	}
}
