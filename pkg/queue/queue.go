// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adxyz/optimizer/pkg/log"
	"github.com/adxyz/optimizer/pkg/storage"
)

var (
	ErrNoPending         = errors.New("no pending jobs")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Queue is a durable job queue with exclusive claim semantics: under
// concurrent claim attempts exactly one worker wins a given job.
type Queue struct {
	db  *sql.DB
	log log.Logger
}

// NewQueue creates a queue over the shared storage.
func NewQueue(store *storage.Storage, logger log.Logger) *Queue {
	return &Queue{db: store.DB(), log: logger}
}

// Enqueue inserts a job in pending state. A missing ID is generated.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EntityID == "" {
		return fmt.Errorf("enqueue: entity id required")
	}
	now := time.Now().UTC()
	job.Status = StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}

	payload, err := encodePayload(job.Payload)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, tenant_id, entity_id, entity_type, change_type,
			requested_value, payload, status, reason, claimed_by,
			attempts, jitter_min_ms, jitter_max_ms, run_after,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, job.EntityID, job.EntityType, string(job.ChangeType),
		job.RequestedValue.String(), payload, string(StatusPending),
		job.JitterMin.Milliseconds(), job.JitterMax.Milliseconds(),
		job.RunAfter.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	q.log.Debug("job enqueued", "job", job.ID, "entity", job.EntityID, "change", job.ChangeType)
	return nil
}

// Claim atomically transitions one runnable pending job to claimed for
// the given worker. Rows already claimed by other workers are skipped
// rather than waited on. Returns ErrNoPending when nothing is runnable.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	now := time.Now().UTC()

	// Candidate scan plus a guarded update. The update only wins if the
	// row is still pending, so concurrent claimants cannot double-claim;
	// a loser moves on to the next candidate instead of blocking.
	rows, err := q.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status = ? AND run_after <= ?
		ORDER BY created_at
		LIMIT 10`,
		string(StatusPending), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim scan: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim scan: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim scan: %w", err)
	}

	for _, id := range candidates {
		res, err := q.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, claimed_by = ?, attempts = attempts + 1,
			    claimed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusClaimed), workerID, now.UnixMilli(), now.UnixMilli(),
			id, string(StatusPending),
		)
		if err != nil {
			return nil, fmt.Errorf("claim update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim update: %w", err)
		}
		if n == 1 {
			return q.Get(ctx, id)
		}
		// Someone else won this row; try the next candidate.
	}

	return nil, ErrNoPending
}

// MarkExecuting moves a claimed job to executing.
func (q *Queue) MarkExecuting(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusClaimed, StatusExecuting, "", false)
}

// Complete moves an executing job to the terminal completed state.
func (q *Queue) Complete(ctx context.Context, id, reason string) error {
	return q.transition(ctx, id, StatusExecuting, StatusCompleted, reason, true)
}

// Fail moves an executing job to the terminal failed state.
func (q *Queue) Fail(ctx context.Context, id, reason string) error {
	return q.transition(ctx, id, StatusExecuting, StatusFailed, reason, true)
}

// Block moves a claimed job to the terminal blocked state. Blocked jobs
// are never retried.
func (q *Queue) Block(ctx context.Context, id, reason string) error {
	return q.transition(ctx, id, StatusClaimed, StatusBlocked, reason, true)
}

// Release returns a claimed or executing job to pending for a later
// retry, runnable no earlier than runAfter. Attempts are preserved so
// the retry budget still applies.
func (q *Queue) Release(ctx context.Context, id string, runAfter time.Time) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, claimed_by = '', run_after = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusPending), runAfter.UnixMilli(), now.UnixMilli(),
		id, string(StatusClaimed), string(StatusExecuting),
	)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if n == 0 {
		return q.transitionErr(ctx, id)
	}
	return nil
}

// RecoverStale returns claimed and executing jobs last touched before
// the cutoff to pending. A restarting process calls this before its
// workers come up so jobs orphaned by a shutdown or crash re-enter
// circulation instead of sitting claimed forever.
func (q *Queue) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, claimed_by = '', run_after = ?, updated_at = ?
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(StatusPending), now.UnixMilli(), now.UnixMilli(),
		string(StatusClaimed), string(StatusExecuting), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	if n > 0 {
		q.log.Info("stale jobs recovered", "count", n)
	}
	return int(n), nil
}

func (q *Queue) transition(ctx context.Context, id string, from, to Status, reason string, terminal bool) error {
	now := time.Now().UTC()
	query := `UPDATE jobs SET status = ?, reason = ?, updated_at = ? WHERE id = ? AND status = ?`
	args := []any{string(to), reason, now.UnixMilli(), id, string(from)}
	if terminal {
		query = `UPDATE jobs SET status = ?, reason = ?, updated_at = ?, finished_at = ? WHERE id = ? AND status = ?`
		args = []any{string(to), reason, now.UnixMilli(), now.UnixMilli(), id, string(from)}
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	if n == 0 {
		return q.transitionErr(ctx, id)
	}
	q.log.Debug("job transitioned", "job", id, "to", to, "reason", reason)
	return nil
}

// transitionErr distinguishes a missing job from an illegal transition.
func (q *Queue) transitionErr(ctx context.Context, id string) error {
	if _, err := q.Get(ctx, id); errors.Is(err, ErrJobNotFound) {
		return ErrJobNotFound
	}
	return ErrInvalidTransition
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// List returns jobs matching the filter, newest first. Read-only view
// for the monitoring API.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := selectJob + ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecentChanges returns completed and executing jobs for an entity since
// the given time, oldest first. The safety gate evaluates its rolling
// windows over this slice.
func (q *Queue) RecentChanges(ctx context.Context, entityID string, since time.Time) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, selectJob+`
		WHERE entity_id = ? AND status IN (?, ?) AND updated_at >= ?
		ORDER BY updated_at ASC`,
		entityID, string(StatusCompleted), string(StatusExecuting), since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("recent changes: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const selectJob = `
	SELECT id, tenant_id, entity_id, entity_type, change_type,
	       requested_value, payload, status, reason, claimed_by,
	       attempts, jitter_min_ms, jitter_max_ms, run_after,
	       created_at, updated_at, claimed_at, finished_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                  Job
		changeType           string
		status               string
		value                string
		payload              sql.NullString
		runAfter             int64
		createdAt, updatedAt int64
		jitterMin, jitterMax int64
		claimedAt, finished  sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.TenantID, &job.EntityID, &job.EntityType, &changeType,
		&value, &payload, &status, &job.Reason, &job.ClaimedBy,
		&job.Attempts, &jitterMin, &jitterMax, &runAfter,
		&createdAt, &updatedAt, &claimedAt, &finished,
	)
	if err != nil {
		return nil, err
	}

	job.ChangeType = ChangeType(changeType)
	job.Status = Status(status)
	job.RequestedValue, err = decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("scan job %s: bad value %q: %w", job.ID, value, err)
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &job.Payload); err != nil {
			return nil, fmt.Errorf("scan job %s: bad payload: %w", job.ID, err)
		}
	}
	job.JitterMin = time.Duration(jitterMin) * time.Millisecond
	job.JitterMax = time.Duration(jitterMax) * time.Millisecond
	job.RunAfter = time.UnixMilli(runAfter).UTC()
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if claimedAt.Valid {
		t := time.UnixMilli(claimedAt.Int64).UTC()
		job.ClaimedAt = &t
	}
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		job.FinishedAt = &t
	}
	return &job, nil
}

func encodePayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}
