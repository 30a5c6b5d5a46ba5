package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestCountersTerminalStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		c    Counters
		want Status
		ok   bool
	}{
		{name: "pending", c: Counters{Sent: 1, Pending: 1}},
		{name: "all sent", c: Counters{Sent: 3}, want: StatusCompleted, ok: true},
		{name: "all failed", c: Counters{Failed: 3}, want: StatusFailed, ok: true},
		{name: "mixed", c: Counters{Sent: 2, Failed: 1}, want: StatusPartial, ok: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.c.TerminalStatus()
			if ok != tt.ok || got != tt.want {
				t.Fatalf("TerminalStatus() = %q,%v want %q,%v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestNewJobNormalize(t *testing.T) {
	t.Parallel()
	good := NewJob{ProjectID: " p1 ", TemplateRef: "welcome", Recipients: []RecipientInput{{Address: " +100 "}}}
	n, err := good.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if n.Topic != DefaultTopic || n.ProjectID != "p1" || n.Recipients[0].Address != "+100" {
		t.Fatalf("unexpected normalized job: %+v", n)
	}

	bad := []NewJob{
		{ProjectID: "p1", TemplateRef: "t"},
		{ProjectID: "p1", Recipients: []RecipientInput{{Address: "a"}}},
		{TemplateRef: "t", Recipients: []RecipientInput{{Address: "a"}}},
		{ProjectID: "p1", TemplateRef: "t", Recipients: []RecipientInput{{Address: "  "}}},
	}
	for i, b := range bad {
		if _, err := b.Normalize(); !IsValidation(err) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}
}

func TestRequeueScopes(t *testing.T) {
	t.Parallel()
	j := &Job{
		ID: "j1", ProjectID: "p1", Topic: DefaultTopic, TemplateRef: "t", Status: StatusPartial,
		Recipients: []Recipient{
			{Index: 0, Address: "a", Status: RecipientSent},
			{Index: 1, Address: "b", Status: RecipientFailed},
		},
	}
	all, err := Requeue(j, RequeueAll)
	if err != nil || len(all.Recipients) != 2 || all.RequeuedFrom != "j1" {
		t.Fatalf("Requeue(ALL) = %+v, %v", all, err)
	}
	failed, err := Requeue(j, RequeueFailed)
	if err != nil || len(failed.Recipients) != 1 || failed.Recipients[0].Address != "b" {
		t.Fatalf("Requeue(FAILED) = %+v, %v", failed, err)
	}

	j.Recipients[1].Status = RecipientSent
	j.Status = StatusCompleted
	if _, err := Requeue(j, RequeueFailed); !IsValidation(err) {
		t.Fatalf("expected validation error when nothing failed, got %v", err)
	}
	j.Status = StatusProcessing
	if _, err := Requeue(j, RequeueAll); !IsValidation(err) {
		t.Fatalf("expected validation error for running job, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	tr := fmt.Errorf("send: %w", TransientAfter("http_429", 2*time.Second, errors.New("slow down")))
	if !IsTransient(tr) || IsPermanent(tr) {
		t.Fatal("wrapped transient error not classified")
	}
	if d, ok := RetryAfterHint(tr); !ok || d != 2*time.Second {
		t.Fatalf("RetryAfterHint = %v,%v", d, ok)
	}
	if got := ErrorCode(tr); got != "http_429" {
		t.Fatalf("ErrorCode = %q", got)
	}

	pe := Permanent("invalid_recipient", nil)
	if !IsPermanent(pe) || IsTransient(pe) {
		t.Fatal("permanent error not classified")
	}
	if got := ErrorCode(pe); got != "invalid_recipient" {
		t.Fatalf("ErrorCode = %q", got)
	}
	if got := ErrorCode(context.Canceled); got != ReasonCancelled {
		t.Fatalf("ErrorCode(ctx canceled) = %q", got)
	}
	if got := ErrorCode(&RateLimitExceeded{Key: "k"}); got != ReasonRateLimitedTimeout {
		t.Fatalf("ErrorCode(rate limit) = %q", got)
	}
}
