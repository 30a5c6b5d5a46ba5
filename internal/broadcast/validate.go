package broadcast

import (
	"strconv"
	"strings"
)

// Normalize trims identifiers, applies the default topic and validates the request.
func (n NewJob) Normalize() (NewJob, error) {
	n.ID = strings.TrimSpace(n.ID)
	n.ProjectID = strings.TrimSpace(n.ProjectID)
	n.TemplateRef = strings.TrimSpace(n.TemplateRef)
	n.Topic = strings.TrimSpace(n.Topic)
	if n.Topic == "" {
		n.Topic = DefaultTopic
	}
	if n.ProjectID == "" {
		return n, Invalid("project_id", "required")
	}
	if n.TemplateRef == "" {
		return n, Invalid("template_ref", "required")
	}
	if len(n.Recipients) == 0 {
		return n, Invalid("recipients", "must not be empty")
	}
	out := make([]RecipientInput, len(n.Recipients))
	for i, r := range n.Recipients {
		addr := strings.TrimSpace(r.Address)
		if addr == "" {
			return n, Invalid("recipients", "address required at index "+strconv.Itoa(i))
		}
		out[i] = RecipientInput{Address: addr, Vars: r.Vars}
	}
	n.Recipients = out
	return n, nil
}

type RequeueScope string

const (
	RequeueAll    RequeueScope = "ALL"
	RequeueFailed RequeueScope = "FAILED"
)

func ParseRequeueScope(raw string) (RequeueScope, error) {
	switch RequeueScope(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", RequeueAll:
		return RequeueAll, nil
	case RequeueFailed:
		return RequeueFailed, nil
	default:
		return "", Invalid("scope", "must be ALL or FAILED")
	}
}

// Requeue builds a fresh enqueue request from a finished job.
// Only terminal jobs can be requeued, and the scope must select at least one recipient.
func Requeue(j *Job, scope RequeueScope) (NewJob, error) {
	if j == nil {
		return NewJob{}, ErrNotFound
	}
	if !j.Status.Terminal() {
		return NewJob{}, Invalid("status", "job is "+string(j.Status)+"; only finished jobs can be requeued")
	}
	recips := make([]RecipientInput, 0, len(j.Recipients))
	for _, r := range j.Recipients {
		if scope == RequeueFailed && r.Status != RecipientFailed {
			continue
		}
		recips = append(recips, RecipientInput{Address: r.Address, Vars: r.Vars})
	}
	if len(recips) == 0 {
		return NewJob{}, Invalid("scope", "no "+strings.ToLower(string(scope))+" recipients to requeue")
	}
	return NewJob{
		ProjectID:    j.ProjectID,
		Topic:        j.Topic,
		TemplateRef:  j.TemplateRef,
		Recipients:   recips,
		RequeuedFrom: j.ID,
	}, nil
}
