package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/maefbyyas/maef-backend/internal/queue"
	"github.com/maefbyyas/maef-backend/internal/store"
)

// registerJobRoutes wires up the job endpoints on the huma API.
//
//	POST /jobs             enqueue a job (idempotent by key)
//	GET  /jobs             list jobs, newest first
//	GET  /jobs/{id}        job state
//	POST /jobs/{id}/retry  revive a dead job
func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Enqueue a job",
		Description:   "Enqueues a background job. A request whose idempotency key matches a live job returns that job with status 200.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, srv.createJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Tags:        []string{"Jobs"},
	}, srv.listJobsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job state",
		Description: "Returns the job's current state. The last error is included only once the job is dead.",
		Tags:        []string{"Jobs"},
	}, srv.getJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/retry",
		Summary:     "Retry a dead job",
		Tags:        []string{"Jobs"},
	}, srv.retryJobHandler)
}

// ── Response types ────────────────────────────────────────────────────────────

// JobView is the caller-visible state of a job. Attempt counts and backoff
// timing stay internal.
type JobView struct {
	ID             int64      `json:"id"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	RunAt          time.Time  `json:"run_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
}

func jobToView(j store.Job) JobView {
	v := JobView{
		ID:             j.ID,
		Kind:           j.Kind,
		Status:         string(j.Status),
		IdempotencyKey: j.IdempotencyKey,
		RunAt:          j.RunAt.UTC(),
		CreatedAt:      j.CreatedAt.UTC(),
		UpdatedAt:      j.UpdatedAt.UTC(),
		CompletedAt:    j.CompletedAt,
	}
	if j.Status == queue.StatusDead {
		v.LastError = j.LastError
	}
	return v
}

// JobAccepted is the body returned when a job is enqueued.
type JobAccepted struct {
	ID       int64 `json:"id"`
	Existing bool  `json:"existing"`
}

// ── POST /jobs ────────────────────────────────────────────────────────────────

// CreateJobInput is the request for POST /jobs.
type CreateJobInput struct {
	Body struct {
		Kind           string          `json:"kind" minLength:"1" maxLength:"100" doc:"Public job kind, e.g. ingest.stories or jobs.prune"`
		Payload        json.RawMessage `json:"payload,omitempty" doc:"Handler-specific JSON payload"`
		RunAt          *time.Time      `json:"run_at,omitempty" doc:"Earliest execution time; defaults to now"`
		IdempotencyKey string          `json:"idempotency_key,omitempty" maxLength:"200" doc:"Deduplicates against live jobs"`
	}
}

// CreateJobOutput is the response for POST /jobs.
type CreateJobOutput struct {
	Status int
	Body   JobAccepted
}

func (srv *Server) createJobHandler(ctx context.Context, input *CreateJobInput) (*CreateJobOutput, error) {
	kind := input.Body.Kind
	// Webhook and mail payloads name arbitrary targets; only kinds marked
	// public are accepted here.
	if srv.registry == nil || !srv.registry.Public(kind) {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("job kind %q cannot be enqueued over the API", kind))
	}
	maxAttempts := srv.registry.MaxAttempts(kind)
	if len(input.Body.Payload) > 0 && !json.Valid(input.Body.Payload) {
		return nil, huma.Error422UnprocessableEntity("payload is not valid JSON")
	}
	p := store.EnqueueParams{
		Kind:           kind,
		Payload:        input.Body.Payload,
		IdempotencyKey: input.Body.IdempotencyKey,
		MaxAttempts:    maxAttempts,
	}
	if input.Body.RunAt != nil {
		p.RunAt = *input.Body.RunAt
	}
	res, err := srv.store.EnqueueJob(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return enqueued(res), nil
}

func enqueued(res store.EnqueueResult) *CreateJobOutput {
	status := http.StatusAccepted
	if res.Existing {
		status = http.StatusOK
	}
	return &CreateJobOutput{Status: status, Body: JobAccepted{ID: res.ID, Existing: res.Existing}}
}

// ── GET /jobs ─────────────────────────────────────────────────────────────────

// ListJobsInput defines query parameters for the job list.
type ListJobsInput struct {
	Kind   []string `query:"kind" doc:"Filter by job kind"`
	Status []string `query:"status" doc:"Filter by status: pending, running, succeeded, dead"`
	Before int64    `query:"before" minimum:"0" doc:"Keyset cursor: the next_before value of the previous page"`
	Limit  int      `query:"limit" minimum:"1" maximum:"100" default:"50" doc:"Page size (max 100)"`
}

// ListJobsOutput is the response for GET /jobs.
type ListJobsOutput struct {
	Body struct {
		Items      []JobView `json:"items"`
		NextBefore int64     `json:"next_before,omitempty"`
	}
}

func (srv *Server) listJobsHandler(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	statuses := make([]queue.Status, len(input.Status))
	for i, raw := range input.Status {
		st, err := queue.ParseStatus(raw)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		statuses[i] = st
	}
	jobs, err := srv.store.ListJobs(ctx, store.JobFilter{
		Kinds:    input.Kind,
		Statuses: statuses,
		BeforeID: input.Before,
		Limit:    input.Limit + 1, // fetch one extra to detect next page
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	hasMore := len(jobs) > input.Limit
	if hasMore {
		jobs = jobs[:input.Limit]
	}

	out := &ListJobsOutput{}
	out.Body.Items = make([]JobView, len(jobs))
	for i, j := range jobs {
		out.Body.Items[i] = jobToView(j)
	}
	if hasMore && len(jobs) > 0 {
		out.Body.NextBefore = jobs[len(jobs)-1].ID
	}
	return out, nil
}

// ── GET /jobs/{id} ────────────────────────────────────────────────────────────

// JobIDInput is the path of the single-job endpoints.
type JobIDInput struct {
	ID int64 `path:"id" minimum:"1"`
}

// JobOutput carries one job.
type JobOutput struct {
	Body JobView
}

func (srv *Server) getJobHandler(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	job, err := srv.store.GetJob(ctx, input.ID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, huma.Error404NotFound("job not found")
	}
	return &JobOutput{Body: jobToView(*job)}, nil
}

// ── POST /jobs/{id}/retry ────────────────────────────────────────────────────

func (srv *Server) retryJobHandler(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	job, err := srv.store.RetryDeadJob(ctx, input.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, huma.Error404NotFound("job not found")
	case errors.Is(err, store.ErrNotDead), errors.Is(err, store.ErrActiveDuplicate):
		return nil, huma.Error409Conflict(err.Error())
	case err != nil:
		return nil, fmt.Errorf("retry job: %w", err)
	}
	return &JobOutput{Body: jobToView(*job)}, nil
}
