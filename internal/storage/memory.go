package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"broadcastd/internal/broadcast"
	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// memStore keeps everything in process memory behind one mutex.
// Returned values are copies; callers never share state with the store.
type memStore struct {
	log logx.Logger
	now func() time.Time

	mu        sync.Mutex
	jobs      map[string]*broadcast.Job
	logs      map[string][]broadcast.JobLogEntry
	logSeq    int64
	webhooks  map[string]*broadcast.WebhookLogEntry
	projects  map[string]broadcast.Project
	templates map[string]broadcast.Template
}

func openMemory(log logx.Logger, o options) *memStore {
	return &memStore{
		log:       log,
		now:       o.now,
		jobs:      map[string]*broadcast.Job{},
		logs:      map[string][]broadcast.JobLogEntry{},
		webhooks:  map[string]*broadcast.WebhookLogEntry{},
		projects:  map[string]broadcast.Project{},
		templates: map[string]broadcast.Template{},
	}
}

func (s *memStore) Jobs() JobStore            { return memJobs{s} }
func (s *memStore) JobLogs() JobLogStore      { return memJobLogs{s} }
func (s *memStore) Webhooks() WebhookLogStore { return memWebhooks{s} }
func (s *memStore) Catalog() CatalogStore     { return memCatalog{s} }
func (s *memStore) Driver() string            { return "memory" }

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

type memJobs struct{ s *memStore }

func (m memJobs) Enqueue(_ context.Context, in broadcast.NewJob) (string, error) {
	nj, err := in.Normalize()
	if err != nil {
		return "", err
	}
	if nj.ID == "" {
		nj.ID = uuid.NewString()
	}

	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[nj.ID]; exists {
		return "", errors.WithDetailf(errors.Wrap(broadcast.ErrConflict, "enqueue"), "job %s already exists", nj.ID)
	}

	job := &broadcast.Job{
		ID:           nj.ID,
		ProjectID:    nj.ProjectID,
		Topic:        nj.Topic,
		TemplateRef:  nj.TemplateRef,
		Status:       broadcast.StatusQueued,
		Counters:     broadcast.Counters{Pending: len(nj.Recipients)},
		RequeuedFrom: nj.RequeuedFrom,
		CreatedAt:    s.now(),
		Recipients:   make([]broadcast.Recipient, len(nj.Recipients)),
	}
	for i, r := range nj.Recipients {
		job.Recipients[i] = broadcast.Recipient{
			Index:   i,
			Address: r.Address,
			Vars:    copyVars(r.Vars),
			Status:  broadcast.RecipientPending,
		}
	}
	s.jobs[job.ID] = job
	return job.ID, nil
}

func (m memJobs) ClaimNext(_ context.Context, topic, workerID string) (*broadcast.Job, error) {
	topic = normTopic(topic)
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *broadcast.Job
	for _, j := range s.jobs {
		if j.Status != broadcast.StatusQueued || j.Topic != topic {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) ||
			(j.CreatedAt.Equal(next.CreatedAt) && j.ID < next.ID) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	now := s.now()
	next.Status = broadcast.StatusProcessing
	next.ClaimedBy = workerID
	next.StartedAt = timePtr(now)
	next.LastActivityAt = timePtr(now)
	return cloneJob(next, true), nil
}

func (m memJobs) RecordOutcome(_ context.Context, jobID string, index int, out broadcast.Outcome) (broadcast.Counters, error) {
	if err := validateOutcome(out); err != nil {
		return broadcast.Counters{}, err
	}
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.jobLocked(jobID)
	if err != nil {
		return broadcast.Counters{}, err
	}
	if index < 0 || index >= len(j.Recipients) {
		return broadcast.Counters{}, errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "record outcome"), "job %s has no recipient %d", jobID, index)
	}
	r := &j.Recipients[index]
	if r.Status != broadcast.RecipientPending {
		return j.Counters, nil
	}
	r.Status = out.Status
	r.ProviderMessageID = out.ProviderMessageID
	r.ErrorCode = out.ErrorCode
	r.Attempts = out.Attempts

	j.Counters.Pending--
	if out.Status == broadcast.RecipientSent {
		j.Counters.Sent++
	} else {
		j.Counters.Failed++
	}
	now := s.now()
	j.LastActivityAt = timePtr(now)
	s.settleLocked(j, now)
	return j.Counters, nil
}

func (m memJobs) FailPending(_ context.Context, jobID, reason string) (broadcast.Counters, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.jobLocked(jobID)
	if err != nil {
		return broadcast.Counters{}, err
	}
	s.failPendingLocked(j, reason)
	return j.Counters, nil
}

func (s *memStore) failPendingLocked(j *broadcast.Job, reason string) {
	n := 0
	for i := range j.Recipients {
		r := &j.Recipients[i]
		if r.Status != broadcast.RecipientPending {
			continue
		}
		r.Status = broadcast.RecipientFailed
		r.ErrorCode = reason
		n++
	}
	if n == 0 {
		return
	}
	j.Counters.Pending -= n
	j.Counters.Failed += n
	j.Error = reason
	now := s.now()
	j.LastActivityAt = timePtr(now)
	s.settleLocked(j, now)
}

// settleLocked moves a job with nothing pending into its terminal status.
func (s *memStore) settleLocked(j *broadcast.Job, now time.Time) {
	if j.Status.Terminal() {
		return
	}
	st, ok := j.Counters.TerminalStatus()
	if !ok {
		return
	}
	j.Status = st
	j.CompletedAt = timePtr(now)
	j.ClaimedBy = ""
}

func (m memJobs) ReclaimStale(_ context.Context, olderThan time.Duration) (int64, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var n int64
	for _, j := range s.jobs {
		if j.Status != broadcast.StatusProcessing {
			continue
		}
		last := j.LastActivityAt
		if last == nil {
			last = j.StartedAt
		}
		if last == nil || !last.Before(cutoff) {
			continue
		}
		j.Status = broadcast.StatusQueued
		j.ClaimedBy = ""
		j.StartedAt = nil
		n++
	}
	return n, nil
}

func (m memJobs) DeleteTerminalOlderThan(_ context.Context, retention time.Duration) (int64, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	var n int64
	for id, j := range s.jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, id)
		delete(s.logs, id)
		n++
	}
	return n, nil
}

func (m memJobs) Get(_ context.Context, jobID string) (*broadcast.Job, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.jobLocked(jobID)
	if err != nil {
		return nil, err
	}
	return cloneJob(j, true), nil
}

func (m memJobs) List(_ context.Context, f broadcast.JobFilter) ([]broadcast.Job, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]broadcast.Job, 0)
	for _, j := range s.jobs {
		if f.ProjectID != "" && j.ProjectID != f.ProjectID {
			continue
		}
		if f.Topic != "" && j.Topic != f.Topic {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *cloneJob(j, false))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if lim := clampLimit(f.Limit); len(out) > lim {
		out = out[:lim]
	}
	return out, nil
}

func (m memJobs) RequestCancel(_ context.Context, jobID string) (broadcast.Status, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.jobLocked(jobID)
	if err != nil {
		return "", err
	}
	switch j.Status {
	case broadcast.StatusQueued:
		j.CancelRequested = true
		s.failPendingLocked(j, broadcast.ReasonCancelled)
	case broadcast.StatusProcessing:
		j.CancelRequested = true
	default:
		return j.Status, errors.WithDetailf(errors.Wrap(broadcast.ErrConflict, "cancel"), "job %s is %s", jobID, j.Status)
	}
	return j.Status, nil
}

func (m memJobs) CancelRequested(_ context.Context, jobID string) (bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.jobLocked(jobID)
	if err != nil {
		return false, err
	}
	return j.CancelRequested, nil
}

func (m memJobs) Stats(_ context.Context, topic string) (broadcast.Stats, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := broadcast.Stats{}
	for _, j := range s.jobs {
		if topic != "" && j.Topic != topic {
			continue
		}
		out[j.Status]++
	}
	return out, nil
}

func (s *memStore) jobLocked(id string) (*broadcast.Job, error) {
	j := s.jobs[id]
	if j == nil {
		return nil, errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "job"), "job %s", id)
	}
	return j, nil
}

type memJobLogs struct{ s *memStore }

func (m memJobLogs) AppendJobLog(_ context.Context, e broadcast.JobLogEntry) error {
	if strings.TrimSpace(e.JobID) == "" {
		return broadcast.Invalid("job_id", "required")
	}
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	e.ID = s.logSeq
	e = normLogEntry(e, s.now)
	s.logs[e.JobID] = append(s.logs[e.JobID], e)
	return nil
}

func (m memJobLogs) ListJobLogs(_ context.Context, jobID string, limit int) ([]broadcast.JobLogEntry, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.logs[jobID]
	if lim := clampLimit(limit); len(src) > lim {
		src = src[:lim]
	}
	return append([]broadcast.JobLogEntry{}, src...), nil
}

type memWebhooks struct{ s *memStore }

func (m memWebhooks) Append(_ context.Context, e broadcast.WebhookLogEntry) (string, error) {
	e, err := normWebhookEntry(e)
	if err != nil {
		return "", err
	}
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if _, exists := s.webhooks[e.ID]; exists {
		return "", errors.WithDetailf(errors.Wrap(broadcast.ErrConflict, "webhook append"), "entry %s already exists", e.ID)
	}
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	s.webhooks[e.ID] = &e
	return e.ID, nil
}

func (m memWebhooks) SetStatus(_ context.Context, id string, status broadcast.WebhookStatus, errMsg string) error {
	if !status.Valid() {
		return broadcast.Invalid("status", "unknown webhook status "+string(status))
	}
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.webhooks[id]
	if e == nil {
		return errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "webhook"), "entry %s", id)
	}
	e.Status = status
	e.Error = errMsg
	return nil
}

func (m memWebhooks) ListPending(_ context.Context, limit int) ([]broadcast.WebhookLogEntry, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broadcast.WebhookLogEntry, 0)
	for _, e := range s.webhooks {
		if e.Status == broadcast.WebhookPending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if lim := clampLimit(limit); len(out) > lim {
		out = out[:lim]
	}
	return out, nil
}

func (m memWebhooks) DeleteTerminalOlderThan(_ context.Context, retention time.Duration) (int64, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	var n int64
	for id, e := range s.webhooks {
		if e.Status.Terminal() && e.CreatedAt.Before(cutoff) {
			delete(s.webhooks, id)
			n++
		}
	}
	return n, nil
}

type memCatalog struct{ s *memStore }

func (m memCatalog) Project(_ context.Context, id string) (broadcast.Project, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return broadcast.Project{}, errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "project"), "project %s", id)
	}
	return p, nil
}

func (m memCatalog) Template(_ context.Context, projectID, ref string) (broadcast.Template, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[projectID+"/"+ref]
	if !ok {
		return broadcast.Template{}, errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "template"), "template %s/%s", projectID, ref)
	}
	t.Mappings = copyVars(t.Mappings)
	return t, nil
}

func (m memCatalog) PutProject(_ context.Context, p broadcast.Project) error {
	if strings.TrimSpace(p.ID) == "" {
		return broadcast.Invalid("id", "required")
	}
	s := m.s
	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (m memCatalog) PutTemplate(_ context.Context, t broadcast.Template) error {
	if strings.TrimSpace(t.ProjectID) == "" || strings.TrimSpace(t.Ref) == "" {
		return broadcast.Invalid("ref", "project_id and ref are required")
	}
	t.Mappings = copyVars(t.Mappings)
	s := m.s
	s.mu.Lock()
	s.templates[t.ProjectID+"/"+t.Ref] = t
	s.mu.Unlock()
	return nil
}

func cloneJob(j *broadcast.Job, withRecipients bool) *broadcast.Job {
	c := *j
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.LastActivityAt = copyTime(j.LastActivityAt)
	c.Recipients = nil
	if withRecipients {
		c.Recipients = make([]broadcast.Recipient, len(j.Recipients))
		for i, r := range j.Recipients {
			r.Vars = copyVars(r.Vars)
			c.Recipients[i] = r
		}
	}
	return &c
}

func copyVars(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
