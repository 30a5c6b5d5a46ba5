package broadcast

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultTopic is the queue partition used when a job does not name one.
const DefaultTopic = "broadcasts"

// Failure reasons recorded as recipient error codes by the pipeline itself.
const (
	ReasonRateLimitedTimeout = "rate_limited_timeout"
	ReasonCancelled          = "cancelled"
	ReasonProjectLookup      = "project_lookup_failed"
	ReasonTemplateLookup     = "template_lookup_failed"
	ReasonTemplateRejected   = "template_not_approved"
)

type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusPartial    Status = "PARTIAL"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusPartial, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus accepts any letter case. Empty input yields "" with ok=true (no filter).
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if s == "" {
		return "", true
	}
	return s, s.Valid()
}

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "PENDING"
	RecipientSent    RecipientStatus = "SENT"
	RecipientFailed  RecipientStatus = "FAILED"
)

// Recipient is one delivery target of a job plus its recorded outcome.
type Recipient struct {
	Index             int               `json:"index"`
	Address           string            `json:"address"`
	Vars              map[string]string `json:"vars,omitempty"`
	Status            RecipientStatus   `json:"status"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	ErrorCode         string            `json:"error_code,omitempty"`
	Attempts          int               `json:"attempts"`
}

// Counters holds the aggregate delivery state of a job.
// Sent + Failed + Pending always equals the recipient count.
type Counters struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

func (c Counters) Total() int { return c.Sent + c.Failed + c.Pending }

// TerminalStatus reports the status a job settles in once nothing is pending.
// ok is false while recipients are still pending.
func (c Counters) TerminalStatus() (s Status, ok bool) {
	if c.Pending > 0 {
		return "", false
	}
	switch {
	case c.Failed == 0:
		return StatusCompleted, true
	case c.Sent == 0:
		return StatusFailed, true
	default:
		return StatusPartial, true
	}
}

// Job is a broadcast campaign's unit of work.
type Job struct {
	ID              string      `json:"id"`
	ProjectID       string      `json:"project_id"`
	Topic           string      `json:"topic"`
	TemplateRef     string      `json:"template_ref"`
	Status          Status      `json:"status"`
	Counters        Counters    `json:"counters"`
	Recipients      []Recipient `json:"recipients,omitempty"`
	ClaimedBy       string      `json:"claimed_by,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	Error           string      `json:"error,omitempty"`
	RequeuedFrom    string      `json:"requeued_from,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	LastActivityAt  *time.Time  `json:"last_activity_at,omitempty"`
}

// PendingRecipients returns the recipients without a recorded outcome, in list order.
func (j *Job) PendingRecipients() []Recipient {
	if j == nil {
		return nil
	}
	out := make([]Recipient, 0, j.Counters.Pending)
	for _, r := range j.Recipients {
		if r.Status == RecipientPending {
			out = append(out, r)
		}
	}
	return out
}

// RecipientInput describes a recipient at enqueue time.
type RecipientInput struct {
	Address string            `json:"address"`
	Vars    map[string]string `json:"vars,omitempty"`
}

// NewJob is the enqueue request.
type NewJob struct {
	ID           string           `json:"id,omitempty"`
	ProjectID    string           `json:"project_id"`
	Topic        string           `json:"topic,omitempty"`
	TemplateRef  string           `json:"template_ref"`
	Recipients   []RecipientInput `json:"recipients"`
	RequeuedFrom string           `json:"-"`
}

// Outcome is the per-recipient result written by the dispatch engine.
type Outcome struct {
	Status            RecipientStatus
	ProviderMessageID string
	ErrorCode         string
	Attempts          int
}

func Sent(messageID string, attempts int) Outcome {
	return Outcome{Status: RecipientSent, ProviderMessageID: messageID, Attempts: attempts}
}

func Failed(code string, attempts int) Outcome {
	return Outcome{Status: RecipientFailed, ErrorCode: code, Attempts: attempts}
}

// JobFilter narrows List results. Zero values mean "any".
type JobFilter struct {
	ProjectID string
	Topic     string
	Status    Status
	Limit     int
}

// JobLogEntry is a human-oriented progress line attached to a job.
type JobLogEntry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	ProjectID string         `json:"project_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "PENDING"
	WebhookCompleted WebhookStatus = "COMPLETED"
	WebhookFailed    WebhookStatus = "FAILED"
)

func (s WebhookStatus) Terminal() bool { return s == WebhookCompleted || s == WebhookFailed }

func (s WebhookStatus) Valid() bool {
	return s == WebhookPending || s == WebhookCompleted || s == WebhookFailed
}

// WebhookLogEntry is an inbound provider event kept for a bounded time.
type WebhookLogEntry struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Status    WebhookStatus   `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Stats counts jobs per status.
type Stats map[Status]int

// Project is the tenant a job is sent on behalf of.
type Project struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	MessagesPerSecond int    `json:"messages_per_second"`
	SenderID          string `json:"sender_id"`
	AccessToken       string `json:"-"`
}

// TemplateApproved is the only template status that may be sent.
const TemplateApproved = "APPROVED"

// Template is a provider-approved message body with numbered placeholders.
type Template struct {
	ProjectID string `json:"project_id"`
	Ref       string `json:"ref"`
	Name      string `json:"name"`
	Language  string `json:"language"`
	Body      string `json:"body"`
	Status    string `json:"status"`
	// Mappings maps placeholder numbers ("1") to recipient variable names ("first_name").
	Mappings map[string]string `json:"mappings,omitempty"`
}

func (t Template) Approved() bool {
	return strings.EqualFold(strings.TrimSpace(t.Status), TemplateApproved)
}
