package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"broadcastd/internal/broadcast"

	"github.com/cockroachdb/errors"
)

type sqlJobLogs struct{ s *sqlStore }

func (l sqlJobLogs) AppendJobLog(ctx context.Context, e broadcast.JobLogEntry) error {
	if strings.TrimSpace(e.JobID) == "" {
		return broadcast.Invalid("job_id", "required")
	}
	e = normLogEntry(e, l.s.now)
	var meta any
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return errors.Wrap(err, "encode log meta")
		}
		meta = string(b)
	}
	_, err := l.s.exec(ctx,
		`INSERT INTO broadcast_logs(job_id, project_id, level, message, meta, created_at) VALUES(?,?,?,?,?,?)`,
		e.JobID, nullStr(e.ProjectID), e.Level, e.Message, meta, millis(e.CreatedAt),
	)
	return errors.Wrapf(err, "append job log %s", e.JobID)
}

func (l sqlJobLogs) ListJobLogs(ctx context.Context, jobID string, limit int) ([]broadcast.JobLogEntry, error) {
	rows, err := l.s.query(ctx,
		`SELECT id, job_id, project_id, level, message, meta, created_at
		 FROM broadcast_logs WHERE job_id = ? ORDER BY id LIMIT ?`,
		jobID, clampLimit(limit),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "list job logs %s", jobID)
	}
	defer rows.Close()
	out := make([]broadcast.JobLogEntry, 0)
	for rows.Next() {
		var (
			e             broadcast.JobLogEntry
			project, meta sql.NullString
			created       int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &project, &e.Level, &e.Message, &meta, &created); err != nil {
			return nil, errors.Wrap(err, "scan job log")
		}
		e.ProjectID = project.String
		e.CreatedAt = time.UnixMilli(created)
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Meta)
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate job logs")
}

type sqlWebhooks struct{ s *sqlStore }

func (w sqlWebhooks) Append(ctx context.Context, e broadcast.WebhookLogEntry) (string, error) {
	e, err := normWebhookEntry(e)
	if err != nil {
		return "", err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.s.now()
	}
	_, err = w.s.exec(ctx,
		`INSERT INTO webhook_logs(id, project_id, payload, status, error, created_at) VALUES(?,?,?,?,?,?)`,
		e.ID, nullStr(e.ProjectID), string(e.Payload), string(e.Status), nullStr(e.Error), millis(e.CreatedAt),
	)
	if err != nil {
		return "", errors.Wrapf(err, "append webhook log %s", e.ID)
	}
	return e.ID, nil
}

func (w sqlWebhooks) SetStatus(ctx context.Context, id string, status broadcast.WebhookStatus, errMsg string) error {
	if !status.Valid() {
		return broadcast.Invalid("status", "unknown webhook status "+string(status))
	}
	res, err := w.s.exec(ctx, `UPDATE webhook_logs SET status = ?, error = ? WHERE id = ?`,
		string(status), nullStr(errMsg), id)
	if err != nil {
		return errors.Wrapf(err, "set webhook status %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "webhook"), "entry %s", id)
	}
	return nil
}

func (w sqlWebhooks) ListPending(ctx context.Context, limit int) ([]broadcast.WebhookLogEntry, error) {
	rows, err := w.s.query(ctx,
		`SELECT id, project_id, payload, status, error, created_at
		 FROM webhook_logs WHERE status = 'PENDING' ORDER BY created_at, id LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list pending webhooks")
	}
	defer rows.Close()
	out := make([]broadcast.WebhookLogEntry, 0)
	for rows.Next() {
		var (
			e               broadcast.WebhookLogEntry
			project, errMsg sql.NullString
			payload, status string
			created         int64
		)
		if err := rows.Scan(&e.ID, &project, &payload, &status, &errMsg, &created); err != nil {
			return nil, errors.Wrap(err, "scan webhook")
		}
		e.ProjectID = project.String
		e.Payload = json.RawMessage(payload)
		e.Status = broadcast.WebhookStatus(status)
		e.Error = errMsg.String
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate webhooks")
}

func (w sqlWebhooks) DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := millis(w.s.now().Add(-retention))
	res, err := w.s.exec(ctx,
		`DELETE FROM webhook_logs WHERE status IN ('COMPLETED','FAILED') AND created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete webhook logs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type sqlCatalog struct{ s *sqlStore }

func (c sqlCatalog) Project(ctx context.Context, id string) (broadcast.Project, error) {
	var p broadcast.Project
	err := c.s.queryRow(ctx,
		`SELECT id, name, messages_per_second, sender_id, access_token FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.MessagesPerSecond, &p.SenderID, &p.AccessToken)
	if errors.Is(err, sql.ErrNoRows) {
		return p, errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "project"), "project %s", id)
	}
	return p, errors.Wrapf(err, "get project %s", id)
}

func (c sqlCatalog) Template(ctx context.Context, projectID, ref string) (broadcast.Template, error) {
	var (
		t        broadcast.Template
		mappings sql.NullString
	)
	err := c.s.queryRow(ctx,
		`SELECT project_id, ref, name, language, body, status, mappings FROM templates WHERE project_id = ? AND ref = ?`,
		projectID, ref,
	).Scan(&t.ProjectID, &t.Ref, &t.Name, &t.Language, &t.Body, &t.Status, &mappings)
	if errors.Is(err, sql.ErrNoRows) {
		return t, errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "template"), "template %s/%s", projectID, ref)
	}
	if err != nil {
		return t, errors.Wrapf(err, "get template %s/%s", projectID, ref)
	}
	if mappings.Valid && mappings.String != "" {
		if err := json.Unmarshal([]byte(mappings.String), &t.Mappings); err != nil {
			return t, errors.Wrapf(err, "decode mappings of %s/%s", projectID, ref)
		}
	}
	return t, nil
}

func (c sqlCatalog) PutProject(ctx context.Context, p broadcast.Project) error {
	if strings.TrimSpace(p.ID) == "" {
		return broadcast.Invalid("id", "required")
	}
	_, err := c.s.exec(ctx,
		`INSERT INTO projects(id, name, messages_per_second, sender_id, access_token) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, messages_per_second = excluded.messages_per_second,
		   sender_id = excluded.sender_id, access_token = excluded.access_token`,
		p.ID, p.Name, p.MessagesPerSecond, p.SenderID, p.AccessToken,
	)
	return errors.Wrapf(err, "put project %s", p.ID)
}

func (c sqlCatalog) PutTemplate(ctx context.Context, t broadcast.Template) error {
	if strings.TrimSpace(t.ProjectID) == "" || strings.TrimSpace(t.Ref) == "" {
		return broadcast.Invalid("ref", "project_id and ref are required")
	}
	mappings, err := encodeVars(t.Mappings)
	if err != nil {
		return err
	}
	_, err = c.s.exec(ctx,
		`INSERT INTO templates(project_id, ref, name, language, body, status, mappings) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(project_id, ref) DO UPDATE SET name = excluded.name, language = excluded.language,
		   body = excluded.body, status = excluded.status, mappings = excluded.mappings`,
		t.ProjectID, t.Ref, t.Name, t.Language, t.Body, t.Status, mappings,
	)
	return errors.Wrapf(err, "put template %s/%s", t.ProjectID, t.Ref)
}
