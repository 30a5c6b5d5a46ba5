package storage

import (
	"encoding/json"
	"strings"
	"time"

	"broadcastd/internal/broadcast"

	"github.com/google/uuid"
)

func normTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return broadcast.DefaultTopic
	}
	return topic
}

func validateOutcome(out broadcast.Outcome) error {
	switch out.Status {
	case broadcast.RecipientSent, broadcast.RecipientFailed:
	default:
		return broadcast.Invalid("status", "outcome must be SENT or FAILED")
	}
	if out.Attempts < 0 {
		return broadcast.Invalid("attempts", "must be >= 0")
	}
	return nil
}

func normLogEntry(e broadcast.JobLogEntry, now func() time.Time) broadcast.JobLogEntry {
	e.Level = strings.ToLower(strings.TrimSpace(e.Level))
	if e.Level == "" {
		e.Level = "info"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	return e
}

func normWebhookEntry(e broadcast.WebhookLogEntry) (broadcast.WebhookLogEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = broadcast.WebhookPending
	}
	if !e.Status.Valid() {
		return e, broadcast.Invalid("status", "unknown webhook status "+string(e.Status))
	}
	if len(e.Payload) == 0 {
		return e, broadcast.Invalid("payload", "required")
	}
	if !json.Valid(e.Payload) {
		return e, broadcast.Invalid("payload", "must be valid JSON")
	}
	return e, nil
}
