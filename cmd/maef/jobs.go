// ABOUTME: Operator subcommands for the job queue: enqueue, inspect, list, retry.
// ABOUTME: Output is indented JSON on stdout so it pipes into jq.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/maefbyyas/maef-backend/internal/queue"
	"github.com/maefbyyas/maef-backend/internal/store"
)

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		kind        string
		payload     string
		key         string
		runAt       string
		delay       time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue one job",
		Example: `  maef enqueue --kind media.derive --payload '{"asset_id":"...","kind":"thumbnail-256"}'
  maef enqueue --kind jobs.prune --key prune:manual --delay 5m`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !json.Valid([]byte(payload)) {
				return errors.New("--payload is not valid JSON")
			}
			p := store.EnqueueParams{
				Kind:           kind,
				Payload:        json.RawMessage(payload),
				IdempotencyKey: key,
				MaxAttempts:    maxAttempts,
			}
			switch {
			case runAt != "" && delay != 0:
				return errors.New("--run-at and --delay are mutually exclusive")
			case runAt != "":
				t, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("--run-at: %w", err)
				}
				p.RunAt = t
			case delay != 0:
				p.RunAt = time.Now().Add(delay)
			}

			_, db, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := st.EnqueueJob(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"id": res.ID, "existing": res.Existing})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "job kind (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().StringVar(&runAt, "run-at", "", "RFC 3339 time to run at")
	cmd.Flags().DurationVar(&delay, "delay", 0, "run after this delay")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (0 = configured default)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

// ── jobs ──────────────────────────────────────────────────────────────────────

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage queued jobs",
	}
	cmd.AddCommand(jobsGetCmd(), jobsListCmd(), jobsRetryCmd(), jobsStatsCmd())
	return cmd
}

func jobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job and its attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			_, db, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			job, err := st.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			attempts, err := st.ListJobAttempts(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(struct {
				Job      *store.Job         `json:"job"`
				Attempts []store.JobAttempt `json:"attempts"`
			}{job, attempts})
		},
	}
}

func jobsListCmd() *cobra.Command {
	var (
		kinds    []string
		statuses []string
		before   int64
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := store.JobFilter{Kinds: kinds, BeforeID: before, Limit: limit}
			for _, raw := range statuses {
				s, err := queue.ParseStatus(raw)
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, s)
			}
			_, db, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := st.ListJobs(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSON(jobs)
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "filter by kind (repeatable)")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().Int64Var(&before, "before", 0, "only jobs with a smaller id")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	return cmd
}

func jobsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Return a dead job to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			_, db, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			job, err := st.RetryDeadJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
}

func jobsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per kind and status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := st.CountJobsByStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(counts)
		},
	}
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
