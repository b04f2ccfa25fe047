package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/maefbyyas/maef-backend/internal/notify"
	"github.com/maefbyyas/maef-backend/internal/queue"
)

// Job is a row of the jobs table.
type Job struct {
	ID             int64
	Kind           string
	Payload        json.RawMessage
	Status         queue.Status
	IdempotencyKey *string
	RunAt          time.Time
	Attempts       int
	MaxAttempts    int
	ClaimedBy      *string
	ClaimedAt      *time.Time
	HeartbeatAt    *time.Time
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// JobAttempt is one immutable execution record.
type JobAttempt struct {
	ID         int64     `db:"id"`
	JobID      int64     `db:"job_id"`
	Attempt    int       `db:"attempt"`
	WorkerID   string    `db:"worker_id"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
	Outcome    string    `db:"outcome"`
	Log        *string   `db:"log"`
}

const jobColumns = `id, kind, payload, status, idempotency_key, run_at, attempts,
	max_attempts, claimed_by, claimed_at, heartbeat_at, last_error,
	created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j      Job
		status string
	)
	err := row.Scan(&j.ID, &j.Kind, (*[]byte)(&j.Payload), &status, &j.IdempotencyKey,
		&j.RunAt, &j.Attempts, &j.MaxAttempts, &j.ClaimedBy, &j.ClaimedAt,
		&j.HeartbeatAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Status = queue.Status(status)
	return &j, nil
}

// ── Enqueue ──────────────────────────────────────────────────────────────────

// EnqueueParams describes a job to insert.
type EnqueueParams struct {
	Kind    string
	Payload json.RawMessage
	// RunAt defaults to now() when zero.
	RunAt time.Time
	// IdempotencyKey, when non-empty, deduplicates against live (non-dead) jobs.
	IdempotencyKey string
	// MaxAttempts defaults to the store's retry policy when zero.
	MaxAttempts int
}

// EnqueueResult identifies the job that now represents the request.
type EnqueueResult struct {
	ID int64
	// Existing is true when a live job with the same idempotency key already
	// existed and no row was inserted.
	Existing bool
}

// maxEnqueueRaces bounds how often EnqueueJob retries when the live job that
// blocked the insert dies before it can be re-read.
const maxEnqueueRaces = 3

// EnqueueJob inserts a pending job. When p.IdempotencyKey matches a job that
// is not dead, that job's ID is returned and nothing is inserted. A job that
// is due at once is announced on notify.JobsChannel after the insert.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	if p.Kind == "" {
		return EnqueueResult{}, errors.New("enqueue job: kind is required")
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return EnqueueResult{}, errors.New("enqueue job: payload is not valid JSON")
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.policy.MaxAttempts
	}
	var runAt *time.Time
	if !p.RunAt.IsZero() {
		runAt = &p.RunAt
	}

	for range maxEnqueueRaces {
		var (
			id  int64
			due bool
		)
		// payload is sent as text so the jsonb cast works under the simple
		// query protocol, where []byte would be encoded as bytea.
		err := s.pool.QueryRow(ctx, `
			INSERT INTO jobs (kind, payload, run_at, idempotency_key, max_attempts)
			VALUES ($1, $2::jsonb, COALESCE($3::timestamptz, now()), NULLIF($4, ''), $5)
			ON CONFLICT (idempotency_key) WHERE status <> 'dead' DO NOTHING
			RETURNING id, run_at <= now()`,
			p.Kind, string(payload), runAt, p.IdempotencyKey, maxAttempts,
		).Scan(&id, &due)
		if err == nil {
			if due {
				s.wake(ctx, p.Kind)
			}
			return EnqueueResult{ID: id}, nil
		}
		if !noRows(err) {
			return EnqueueResult{}, fmt.Errorf("enqueue job: %w", err)
		}

		err = s.pool.QueryRow(ctx,
			`SELECT id FROM jobs WHERE idempotency_key = $1 AND status <> 'dead'`,
			p.IdempotencyKey,
		).Scan(&id)
		if err == nil {
			return EnqueueResult{ID: id, Existing: true}, nil
		}
		if !noRows(err) {
			return EnqueueResult{}, fmt.Errorf("enqueue job: lookup existing: %w", err)
		}
		// The conflicting job died between the two statements; insert again.
	}
	return EnqueueResult{}, fmt.Errorf("enqueue job: idempotency key %q kept changing state", p.IdempotencyKey)
}

// wake announces a claimable job of kind to idle workers. Notifications are
// hints backed by polling, so a failed send is only logged.
func (s *Store) wake(ctx context.Context, kind string) {
	if err := notify.Publish(ctx, s.pool, notify.JobsChannel, kind); err != nil {
		slog.WarnContext(ctx, "job wake-up not sent", "kind", kind, "error", err)
	}
}

// ── Claim / heartbeat / complete ────────────────────────────────────────────

// ClaimJob atomically claims the earliest eligible pending job among kinds
// for workerID using FOR UPDATE SKIP LOCKED, incrementing its attempt count.
// Ties on run_at are broken by id. Returns (nil, nil) when no job is
// currently available or kinds is empty.
func (s *Store) ClaimJob(ctx context.Context, workerID string, kinds []string) (*Job, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status       = 'running',
		    attempts     = attempts + 1,
		    claimed_by   = $1,
		    claimed_at   = now(),
		    heartbeat_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND run_at <= now()
			  AND kind = ANY($2::text[])
			  AND attempts < max_attempts
			ORDER BY run_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, kinds,
	))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// HeartbeatJob extends a live claim. attempt identifies the claim: a job
// that was reaped and claimed again has a higher attempt count.
func (s *Store) HeartbeatJob(ctx context.Context, id int64, workerID string, attempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = now()
		WHERE id = $1 AND status = 'running' AND claimed_by = $2 AND attempts = $3`,
		id, workerID, attempt)
	if err != nil {
		return fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// Completion reports the end of one claimed execution.
type Completion struct {
	JobID     int64
	WorkerID  string
	Attempt   int
	StartedAt time.Time
	Outcome   queue.Outcome
	// Log is the handler's error text on failure; optional on success.
	Log string
	// Permanent marks a failure that must not be retried.
	Permanent bool
}

// CompleteJob records the outcome of a claim and applies the retry policy:
// success → succeeded; failure → pending with backoff, or dead when the
// failure is permanent or the attempt budget is spent. Exactly one
// job_attempts row is written per claim. Returns the job's new status, or
// ErrClaimLost if the claim was reaped or re-claimed in the meantime.
func (s *Store) CompleteJob(ctx context.Context, c Completion) (queue.Status, error) {
	var next queue.Status
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			kind        string
			status      string
			attempts    int
			maxAttempts int
			claimedBy   *string
			now         time.Time
		)
		err := tx.QueryRow(ctx, `
			SELECT kind, status, attempts, max_attempts, claimed_by, now()
			FROM jobs WHERE id = $1 FOR UPDATE`, c.JobID,
		).Scan(&kind, &status, &attempts, &maxAttempts, &claimedBy, &now)
		if err != nil {
			if noRows(err) {
				return ErrNotFound
			}
			return fmt.Errorf("lock job: %w", err)
		}
		if queue.Status(status) != queue.StatusRunning || claimedBy == nil ||
			*claimedBy != c.WorkerID || attempts != c.Attempt {
			return ErrClaimLost
		}

		tr, err := s.policy.Decide(queue.StatusRunning, attempts, maxAttempts, c.Outcome, c.Permanent, now)
		if err != nil {
			return err
		}

		var lastError *string
		if c.Outcome == queue.OutcomeFail {
			lastError = &c.Log
		}
		switch tr.To {
		case queue.StatusPending:
			_, err = tx.Exec(ctx, `
				UPDATE jobs
				SET status = 'pending', run_at = $2, last_error = $3,
				    claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL
				WHERE id = $1`, c.JobID, tr.RunAt, lastError)
			if err == nil && !tr.RunAt.After(now) {
				// Delivered on commit.
				err = notify.Publish(ctx, tx, notify.JobsChannel, kind)
			}
		default:
			_, err = tx.Exec(ctx, `
				UPDATE jobs
				SET status = $2, last_error = $3, completed_at = now(),
				    claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL
				WHERE id = $1`, c.JobID, string(tr.To), lastError)
		}
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		var log *string
		if c.Log != "" {
			log = &c.Log
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_attempts (job_id, attempt, worker_id, started_at, outcome, log)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			c.JobID, attempts, c.WorkerID, c.StartedAt, string(c.Outcome), log,
		); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		next = tr.To
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrClaimLost) || errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("complete job %d: %w", c.JobID, err)
	}
	return next, nil
}

// claimExpiredLog is the attempt log written for claims the reaper takes back.
const claimExpiredLog = "claim expired: worker stopped heartbeating"

// RecoverStaleJobs returns running jobs whose last heartbeat (or claim, if
// none) is older than staleAfter to pending, or to dead when their attempt
// budget is spent. Each reclaimed claim is recorded as a failed attempt.
// Returns the number of jobs recovered.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, kind, attempts, max_attempts, COALESCE(claimed_by, ''),
			       COALESCE(claimed_at, now()), now()
			FROM jobs
			WHERE status = 'running'
			  AND COALESCE(heartbeat_at, claimed_at) < now() - ($1::double precision * interval '1 second')
			ORDER BY id
			FOR UPDATE SKIP LOCKED`, staleAfter.Seconds())
		if err != nil {
			return fmt.Errorf("select stale: %w", err)
		}
		type stale struct {
			id, attempts, maxAttempts int64
			kind, claimedBy           string
			claimedAt, now            time.Time
		}
		var found []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.kind, &st.attempts, &st.maxAttempts, &st.claimedBy, &st.claimedAt, &st.now); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale: %w", err)
			}
			found = append(found, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select stale: %w", err)
		}

		requeued := make(map[string]bool)
		for _, st := range found {
			tr, err := s.policy.Expire(queue.StatusRunning, int(st.attempts), int(st.maxAttempts), st.now)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE jobs
				SET status = $2, run_at = $3, last_error = $4,
				    completed_at = CASE WHEN $2 = 'dead' THEN now() END,
				    claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL
				WHERE id = $1`,
				st.id, string(tr.To), st.now, claimExpiredLog,
			); err != nil {
				return fmt.Errorf("requeue stale job %d: %w", st.id, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO job_attempts (job_id, attempt, worker_id, started_at, outcome, log)
				VALUES ($1, $2, $3, $4, 'fail', $5)
				ON CONFLICT (job_id, attempt) DO NOTHING`,
				st.id, st.attempts, st.claimedBy, st.claimedAt, claimExpiredLog,
			); err != nil {
				return fmt.Errorf("record expired attempt %d: %w", st.id, err)
			}
			if tr.To == queue.StatusPending {
				requeued[st.kind] = true
			}
		}
		for kind := range requeued {
			if err := notify.Publish(ctx, tx, notify.JobsChannel, kind); err != nil {
				return err
			}
		}
		n = len(found)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return n, nil
}

// ── Inspection / operator actions ───────────────────────────────────────────

// GetJob returns the job with the given ID, or (nil, nil) if none exists.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// JobFilter narrows ListJobs. Zero fields are ignored.
type JobFilter struct {
	Kinds    []string
	Statuses []queue.Status
	// BeforeID is the keyset cursor: only jobs with a smaller id are returned.
	BeforeID int64
	Limit    int
}

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 200
)

// jobRow is the sqlx scan target for ListJobs.
type jobRow struct {
	ID             int64      `db:"id"`
	Kind           string     `db:"kind"`
	Payload        []byte     `db:"payload"`
	Status         string     `db:"status"`
	IdempotencyKey *string    `db:"idempotency_key"`
	RunAt          time.Time  `db:"run_at"`
	Attempts       int        `db:"attempts"`
	MaxAttempts    int        `db:"max_attempts"`
	ClaimedBy      *string    `db:"claimed_by"`
	ClaimedAt      *time.Time `db:"claimed_at"`
	HeartbeatAt    *time.Time `db:"heartbeat_at"`
	LastError      *string    `db:"last_error"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

func (r jobRow) toJob() Job {
	return Job{
		ID: r.ID, Kind: r.Kind, Payload: json.RawMessage(r.Payload),
		Status: queue.Status(r.Status), IdempotencyKey: r.IdempotencyKey,
		RunAt: r.RunAt, Attempts: r.Attempts, MaxAttempts: r.MaxAttempts,
		ClaimedBy: r.ClaimedBy, ClaimedAt: r.ClaimedAt, HeartbeatAt: r.HeartbeatAt,
		LastError: r.LastError, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// ListJobs returns jobs newest first, filtered by f.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultJobListLimit
	}
	if limit > maxJobListLimit {
		limit = maxJobListLimit
	}

	q := sq.Select(
		"id", "kind", "payload::text AS payload", "status", "idempotency_key", "run_at",
		"attempts", "max_attempts", "claimed_by", "claimed_at", "heartbeat_at",
		"last_error", "created_at", "updated_at", "completed_at",
	).From("jobs").PlaceholderFormat(sq.Dollar)

	if len(f.Kinds) > 0 {
		q = q.Where("kind = ANY(?::text[])", pq.Array(f.Kinds))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status = ANY(?::text[])", pq.Array(statuses))
	}
	if f.BeforeID > 0 {
		q = q.Where(sq.Lt{"id": f.BeforeID})
	}
	q = q.OrderBy("id DESC").Limit(uint64(limit)) //nolint:gosec // G115: limit is clamped to [1, maxJobListLimit]

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]Job, len(rows))
	for i, r := range rows {
		jobs[i] = r.toJob()
	}
	return jobs, nil
}

// ListJobAttempts returns the attempt ledger of a job, oldest first.
func (s *Store) ListJobAttempts(ctx context.Context, jobID int64) ([]JobAttempt, error) {
	var attempts []JobAttempt
	err := s.db.SelectContext(ctx, &attempts, `
		SELECT id, job_id, attempt, worker_id, started_at, finished_at, outcome, log
		FROM job_attempts WHERE job_id = $1 ORDER BY attempt`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for job %d: %w", jobID, err)
	}
	return attempts, nil
}

// RetryDeadJob revives a dead job: it becomes pending immediately with a
// fresh attempt budget of the policy's MaxAttempts. Attempt numbers keep
// increasing so the ledger stays append-only.
func (s *Store) RetryDeadJob(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'pending', run_at = now(), completed_at = NULL,
		    max_attempts = attempts + $2
		WHERE id = $1 AND status = 'dead'
		RETURNING `+jobColumns, id, s.policy.MaxAttempts))
	if err == nil {
		s.wake(ctx, job.Kind)
		return job, nil
	}
	if isUniqueViolation(err) {
		return nil, ErrActiveDuplicate
	}
	if !noRows(err) {
		return nil, fmt.Errorf("retry job %d: %w", id, err)
	}
	existing, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrNotFound
	}
	return nil, ErrNotDead
}

// HasActiveJob reports whether a pending or running job of kind exists.
func (s *Store) HasActiveJob(ctx context.Context, kind string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM jobs WHERE kind = $1 AND status IN ('pending', 'running'))`,
		kind).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has active job %q: %w", kind, err)
	}
	return exists, nil
}

// PruneSucceededJobs deletes up to batchSize succeeded jobs completed more
// than olderThan ago, with their attempts. Dead jobs are kept for
// inspection. Returns the number of jobs deleted.
func (s *Store) PruneSucceededJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'succeeded'
			  AND completed_at < now() - ($1::double precision * interval '1 second')
			ORDER BY id
			LIMIT $2
		)`, olderThan.Seconds(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountJobsByStatus returns the number of jobs per (kind, status) pair.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]map[queue.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT kind, status, count(*) FROM jobs GROUP BY kind, status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]map[queue.Status]int)
	for rows.Next() {
		var (
			kind, status string
			n            int
		)
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		if out[kind] == nil {
			out[kind] = make(map[queue.Status]int)
		}
		out[kind][queue.Status(status)] = n
	}
	return out, rows.Err()
}
