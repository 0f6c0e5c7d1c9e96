package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	jobStatusPending = "pending"
	jobStatusLeased  = "leased"
	jobStatusDead    = "dead"

	defaultJobLease = 5 * time.Minute
)

// JobQueue is a go-job queue over the automation_jobs table. Escalated
// outcomes and ledger purges survive restarts and are drained by the
// reconcile runner. Dequeue returns a nil delivery when nothing is due.
//
// A leased job whose worker never acks or nacks becomes due again once the
// lease expires.
type JobQueue struct {
	db    *bun.DB
	lease time.Duration
	Now   func() time.Time
}

func NewJobQueue(db *bun.DB, lease time.Duration) (*JobQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if lease <= 0 {
		lease = defaultJobLease
	}
	return &JobQueue{
		db:    db,
		lease: lease,
		Now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Enqueue stores a pending job. A message whose idempotency key is already
// queued or dead-lettered is dropped.
func (q *JobQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("sqlstore: job queue is not configured")
	}
	if msg == nil || strings.TrimSpace(msg.JobID) == "" {
		return fmt.Errorf("sqlstore: job id is required")
	}
	now := q.now()
	record := &jobRecord{
		ID:             uuid.NewString(),
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
		Parameters:     copyParameters(msg.Parameters),
		Status:         jobStatusPending,
		AvailableAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if record.IdempotencyKey == "" {
		record.IdempotencyKey = record.ID
	}
	_, err := q.db.NewInsert().Model(record).Exec(ctx)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// Dequeue leases the oldest due job.
func (q *JobQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("sqlstore: job queue is not configured")
	}
	for {
		now := q.now()
		record := new(jobRecord)
		err := q.db.NewSelect().
			Model(record).
			Where("status IN (?)", bun.In([]string{jobStatusPending, jobStatusLeased})).
			Where("available_at <= ?", now).
			OrderExpr("available_at ASC, created_at ASC").
			Limit(1).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		claimed, err := q.claim(ctx, record, now)
		if err != nil {
			return nil, err
		}
		if claimed {
			return &jobDelivery{queue: q, record: record, msg: record.message()}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// claim moves the row to leased when no other worker touched it since it was
// read.
func (q *JobQueue) claim(ctx context.Context, record *jobRecord, now time.Time) (bool, error) {
	leaseUntil := now.Add(q.lease)
	result, err := q.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("status = ?", jobStatusLeased).
		Set("available_at = ?", leaseUntil).
		Set("version = version + 1").
		Set("updated_at = ?", now).
		Where("id = ?", record.ID).
		Where("version = ?", record.Version).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	record.Status = jobStatusLeased
	record.AvailableAt = leaseUntil
	record.Version++
	return true, nil
}

// Counts reports the number of jobs per status.
func (q *JobQueue) Counts(ctx context.Context) (map[string]int, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("sqlstore: job queue is not configured")
	}
	var rows []struct {
		Status string `bun:"status"`
		Total  int    `bun:"total"`
	}
	err := q.db.NewSelect().
		Model((*jobRecord)(nil)).
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS total").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{jobStatusPending: 0, jobStatusLeased: 0, jobStatusDead: 0}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func (q *JobQueue) now() time.Time {
	if q != nil && q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

type jobDelivery struct {
	queue  *JobQueue
	record *jobRecord
	msg    *job.ExecutionMessage
}

func (d *jobDelivery) Message() *job.ExecutionMessage { return d.msg }

func (d *jobDelivery) Ack(ctx context.Context) error {
	_, err := d.queue.db.NewDelete().
		Model((*jobRecord)(nil)).
		Where("id = ?", d.record.ID).
		Where("version = ?", d.record.Version).
		Exec(ctx)
	return err
}

// Nack requeues after the delay or dead-letters the job. Parameters are
// written back so attempt bookkeeping on the message persists.
func (d *jobDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	now := d.queue.now()
	status := jobStatusPending
	availableAt := now.Add(maxDuration(opts.Delay, 0))
	if opts.DeadLetter {
		status = jobStatusDead
		availableAt = now
	}
	parameters := d.record.Parameters
	if d.msg != nil {
		parameters = copyParameters(d.msg.Parameters)
	}
	_, err := d.queue.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("status = ?", status).
		Set("available_at = ?", availableAt).
		Set("attempts = attempts + 1").
		Set("last_error = ?", strings.TrimSpace(opts.Reason)).
		Set("parameters = ?", parameters).
		Set("version = version + 1").
		Set("updated_at = ?", now).
		Where("id = ?", d.record.ID).
		Where("version = ?", d.record.Version).
		Exec(ctx)
	return err
}

func (r *jobRecord) message() *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          r.JobID,
		ScriptPath:     r.ScriptPath,
		Parameters:     copyParameters(r.Parameters),
		IdempotencyKey: r.IdempotencyKey,
		DedupPolicy:    job.DeduplicationPolicy(r.DedupPolicy),
	}
}

func copyParameters(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
