package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"broadcastd/internal/broadcast"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type sqlJobs struct{ s *sqlStore }

const jobColumns = `id, project_id, topic, template_ref, status, sent, failed, pending, claimed_by,
cancel_requested, error, requeued_from, created_at, started_at, completed_at, last_activity_at`

const terminalIn = `('COMPLETED','FAILED','PARTIAL')`

func (j sqlJobs) Enqueue(ctx context.Context, in broadcast.NewJob) (string, error) {
	nj, err := in.Normalize()
	if err != nil {
		return "", err
	}
	if nj.ID == "" {
		nj.ID = uuid.NewString()
	}
	s := j.s
	now := millis(s.now())

	err = s.inTx(ctx, func(tx *sqlTx) error {
		var one int
		err := tx.queryRow(ctx, `SELECT 1 FROM broadcast_jobs WHERE id = ?`, nj.ID).Scan(&one)
		if err == nil {
			return errors.WithDetailf(errors.Wrap(broadcast.ErrConflict, "enqueue"), "job %s already exists", nj.ID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "enqueue lookup")
		}

		if _, err := tx.exec(ctx,
			`INSERT INTO broadcast_jobs(id, project_id, topic, template_ref, status, sent, failed, pending, requeued_from, created_at)
			 VALUES(?,?,?,?,?,0,0,?,?,?)`,
			nj.ID, nj.ProjectID, nj.Topic, nj.TemplateRef, string(broadcast.StatusQueued),
			len(nj.Recipients), nullStr(nj.RequeuedFrom), now,
		); err != nil {
			return errors.Wrap(err, "insert job")
		}
		for i, r := range nj.Recipients {
			vars, err := encodeVars(r.Vars)
			if err != nil {
				return err
			}
			if _, err := tx.exec(ctx,
				`INSERT INTO broadcast_recipients(job_id, idx, address, vars, status, attempts, updated_at)
				 VALUES(?,?,?,?,?,0,?)`,
				nj.ID, i, r.Address, vars, string(broadcast.RecipientPending), now,
			); err != nil {
				return errors.Wrapf(err, "insert recipient %d", i)
			}
		}
		return nil
	})
	if err != nil {
		return "", errors.WithDetailf(err, "job %s", nj.ID)
	}
	return nj.ID, nil
}

func (j sqlJobs) ClaimNext(ctx context.Context, topic, workerID string) (*broadcast.Job, error) {
	topic = normTopic(topic)
	s := j.s
	q := `UPDATE broadcast_jobs
SET status = 'PROCESSING', claimed_by = ?, started_at = ?, last_activity_at = ?
WHERE id = (
  SELECT id FROM broadcast_jobs
  WHERE status = 'QUEUED' AND topic = ?
  ORDER BY created_at, id
  LIMIT 1` + s.d.claimLock + `
) AND status = 'QUEUED'
RETURNING id`

	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := millis(s.now())
		var id string
		err := s.queryRow(ctx, q, workerID, now, now, topic).Scan(&id)
		if err == nil {
			return j.Get(ctx, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(err, "claim next (%s)", topic)
		}

		// No row: either nothing is queued or another claimer won the race.
		var one int
		err = s.queryRow(ctx, `SELECT 1 FROM broadcast_jobs WHERE status = 'QUEUED' AND topic = ? LIMIT 1`, topic).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "claim probe (%s)", topic)
		}
	}
	return nil, errors.WithDetailf(broadcast.ErrClaimConflict, "topic %s", topic)
}

func (j sqlJobs) RecordOutcome(ctx context.Context, jobID string, index int, out broadcast.Outcome) (broadcast.Counters, error) {
	if err := validateOutcome(out); err != nil {
		return broadcast.Counters{}, err
	}
	s := j.s
	var c broadcast.Counters
	err := s.inTx(ctx, func(tx *sqlTx) error {
		now := millis(s.now())
		res, err := tx.exec(ctx,
			`UPDATE broadcast_recipients SET status = ?, message_id = ?, error_code = ?, attempts = ?, updated_at = ?
			 WHERE job_id = ? AND idx = ? AND status = 'PENDING'`,
			string(out.Status), nullStr(out.ProviderMessageID), nullStr(out.ErrorCode), out.Attempts, now,
			jobID, index,
		)
		if err != nil {
			return errors.Wrap(err, "update recipient")
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Replay or unknown recipient.
			var one int
			err := tx.queryRow(ctx, `SELECT 1 FROM broadcast_recipients WHERE job_id = ? AND idx = ?`, jobID, index).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "record outcome"), "job %s has no recipient %d", jobID, index)
			}
			if err != nil {
				return errors.Wrap(err, "recipient lookup")
			}
			c, err = countersTx(ctx, tx, jobID)
			return err
		}

		sent, failed := 0, 0
		if out.Status == broadcast.RecipientSent {
			sent = 1
		} else {
			failed = 1
		}
		if _, err := tx.exec(ctx,
			`UPDATE broadcast_jobs SET sent = sent + ?, failed = failed + ?, pending = pending - 1, last_activity_at = ?
			 WHERE id = ?`,
			sent, failed, now, jobID,
		); err != nil {
			return errors.Wrap(err, "update counters")
		}
		if err := settleTx(ctx, tx, jobID, now); err != nil {
			return err
		}
		c, err = countersTx(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return broadcast.Counters{}, errors.WithDetailf(err, "job %s", jobID)
	}
	return c, nil
}

func (j sqlJobs) FailPending(ctx context.Context, jobID, reason string) (broadcast.Counters, error) {
	s := j.s
	var c broadcast.Counters
	err := s.inTx(ctx, func(tx *sqlTx) error {
		var err error
		if c, err = countersTx(ctx, tx, jobID); err != nil {
			return err
		}
		if err := failPendingTx(ctx, tx, jobID, reason, millis(s.now())); err != nil {
			return err
		}
		c, err = countersTx(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return broadcast.Counters{}, errors.WithDetailf(err, "job %s", jobID)
	}
	return c, nil
}

func failPendingTx(ctx context.Context, tx *sqlTx, jobID, reason string, now int64) error {
	res, err := tx.exec(ctx,
		`UPDATE broadcast_recipients SET status = 'FAILED', error_code = ?, updated_at = ?
		 WHERE job_id = ? AND status = 'PENDING'`,
		nullStr(reason), now, jobID,
	)
	if err != nil {
		return errors.Wrap(err, "fail recipients")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil
	}
	if _, err := tx.exec(ctx,
		`UPDATE broadcast_jobs SET failed = failed + ?, pending = pending - ?, error = ?, last_activity_at = ?
		 WHERE id = ?`,
		n, n, nullStr(reason), now, jobID,
	); err != nil {
		return errors.Wrap(err, "update counters")
	}
	return settleTx(ctx, tx, jobID, now)
}

// settleTx moves a job with nothing pending into its terminal status.
func settleTx(ctx context.Context, tx *sqlTx, jobID string, now int64) error {
	_, err := tx.exec(ctx,
		`UPDATE broadcast_jobs
		 SET status = CASE WHEN failed = 0 THEN 'COMPLETED' WHEN sent = 0 THEN 'FAILED' ELSE 'PARTIAL' END,
		     completed_at = ?, claimed_by = NULL
		 WHERE id = ? AND pending = 0 AND status NOT IN `+terminalIn,
		now, jobID,
	)
	return errors.Wrap(err, "settle job")
}

func countersTx(ctx context.Context, tx *sqlTx, jobID string) (broadcast.Counters, error) {
	var c broadcast.Counters
	err := tx.queryRow(ctx, `SELECT sent, failed, pending FROM broadcast_jobs WHERE id = ?`, jobID).
		Scan(&c.Sent, &c.Failed, &c.Pending)
	if errors.Is(err, sql.ErrNoRows) {
		return c, errors.Wrap(broadcast.ErrNotFound, "job")
	}
	return c, errors.Wrap(err, "read counters")
}

func (j sqlJobs) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s := j.s
	cutoff := millis(s.now().Add(-olderThan))
	res, err := s.exec(ctx,
		`UPDATE broadcast_jobs SET status = 'QUEUED', claimed_by = NULL, started_at = NULL
		 WHERE status = 'PROCESSING' AND COALESCE(last_activity_at, started_at) < ?`,
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "reclaim stale")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (j sqlJobs) DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	s := j.s
	cutoff := millis(s.now().Add(-retention))
	sel := `SELECT id FROM broadcast_jobs WHERE status IN ` + terminalIn + ` AND completed_at < ?`
	var n int64
	err := s.inTx(ctx, func(tx *sqlTx) error {
		if _, err := tx.exec(ctx, `DELETE FROM broadcast_recipients WHERE job_id IN (`+sel+`)`, cutoff); err != nil {
			return errors.Wrap(err, "delete recipients")
		}
		if _, err := tx.exec(ctx, `DELETE FROM broadcast_logs WHERE job_id IN (`+sel+`)`, cutoff); err != nil {
			return errors.Wrap(err, "delete job logs")
		}
		res, err := tx.exec(ctx, `DELETE FROM broadcast_jobs WHERE status IN `+terminalIn+` AND completed_at < ?`, cutoff)
		if err != nil {
			return errors.Wrap(err, "delete jobs")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (j sqlJobs) Get(ctx context.Context, jobID string) (*broadcast.Job, error) {
	s := j.s
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM broadcast_jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "job"), "job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", jobID)
	}

	rows, err := s.query(ctx,
		`SELECT idx, address, vars, status, message_id, error_code, attempts
		 FROM broadcast_recipients WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "get recipients %s", jobID)
	}
	defer rows.Close()
	job.Recipients = make([]broadcast.Recipient, 0, job.Counters.Total())
	for rows.Next() {
		var (
			r                 broadcast.Recipient
			vars, msgID, code sql.NullString
			status            string
		)
		if err := rows.Scan(&r.Index, &r.Address, &vars, &status, &msgID, &code, &r.Attempts); err != nil {
			return nil, errors.Wrap(err, "scan recipient")
		}
		r.Status = broadcast.RecipientStatus(status)
		r.ProviderMessageID = msgID.String
		r.ErrorCode = code.String
		if vars.Valid && vars.String != "" {
			if err := json.Unmarshal([]byte(vars.String), &r.Vars); err != nil {
				return nil, errors.Wrapf(err, "decode vars of recipient %d", r.Index)
			}
		}
		job.Recipients = append(job.Recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate recipients")
	}
	return job, nil
}

func (j sqlJobs) List(ctx context.Context, f broadcast.JobFilter) ([]broadcast.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Topic != "" {
		where = append(where, "topic = ?")
		args = append(args, f.Topic)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + jobColumns + ` FROM broadcast_jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit))

	rows, err := j.s.query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	out := make([]broadcast.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, *job)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

func (j sqlJobs) RequestCancel(ctx context.Context, jobID string) (broadcast.Status, error) {
	s := j.s
	var status broadcast.Status
	err := s.inTx(ctx, func(tx *sqlTx) error {
		var raw string
		err := tx.queryRow(ctx, `SELECT status FROM broadcast_jobs WHERE id = ?`+s.d.rowLock, jobID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(broadcast.ErrNotFound, "job")
		}
		if err != nil {
			return errors.Wrap(err, "cancel lookup")
		}
		status = broadcast.Status(raw)
		if status.Terminal() {
			return errors.WithDetailf(errors.Wrap(broadcast.ErrConflict, "cancel"), "job is %s", status)
		}
		if _, err := tx.exec(ctx, `UPDATE broadcast_jobs SET cancel_requested = 1 WHERE id = ?`, jobID); err != nil {
			return errors.Wrap(err, "flag cancel")
		}
		if status != broadcast.StatusQueued {
			return nil
		}
		if err := failPendingTx(ctx, tx, jobID, broadcast.ReasonCancelled, millis(s.now())); err != nil {
			return err
		}
		if err := tx.queryRow(ctx, `SELECT status FROM broadcast_jobs WHERE id = ?`, jobID).Scan(&raw); err != nil {
			return errors.Wrap(err, "cancel reread")
		}
		status = broadcast.Status(raw)
		return nil
	})
	if err != nil {
		return status, errors.WithDetailf(err, "job %s", jobID)
	}
	return status, nil
}

func (j sqlJobs) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var v int
	err := j.s.queryRow(ctx, `SELECT cancel_requested FROM broadcast_jobs WHERE id = ?`, jobID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "job"), "job %s", jobID)
	}
	if err != nil {
		return false, errors.Wrapf(err, "cancel flag %s", jobID)
	}
	return v != 0, nil
}

func (j sqlJobs) Stats(ctx context.Context, topic string) (broadcast.Stats, error) {
	q := `SELECT status, COUNT(*) FROM broadcast_jobs`
	var args []any
	if topic != "" {
		q += ` WHERE topic = ?`
		args = append(args, topic)
	}
	q += ` GROUP BY status`
	rows, err := j.s.query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "job stats")
	}
	defer rows.Close()
	out := broadcast.Stats{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan stats")
		}
		out[broadcast.Status(st)] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate stats")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*broadcast.Job, error) {
	var (
		j                            broadcast.Job
		status                       string
		claimedBy, errMsg, requeued  sql.NullString
		cancel                       int
		created                      int64
		started, completed, activity sql.NullInt64
	)
	if err := r.Scan(&j.ID, &j.ProjectID, &j.Topic, &j.TemplateRef, &status,
		&j.Counters.Sent, &j.Counters.Failed, &j.Counters.Pending,
		&claimedBy, &cancel, &errMsg, &requeued,
		&created, &started, &completed, &activity,
	); err != nil {
		return nil, err
	}
	j.Status = broadcast.Status(status)
	j.ClaimedBy = claimedBy.String
	j.CancelRequested = cancel != 0
	j.Error = errMsg.String
	j.RequeuedFrom = requeued.String
	j.CreatedAt = time.UnixMilli(created)
	j.StartedAt = fromMillis(started)
	j.CompletedAt = fromMillis(completed)
	j.LastActivityAt = fromMillis(activity)
	return &j, nil
}

func encodeVars(v map[string]string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode vars")
	}
	return string(b), nil
}
