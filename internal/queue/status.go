// Package queue defines the job lifecycle: the closed set of job statuses,
// the outcome of a single execution, and the retry policy that maps an
// outcome onto the next status.
//
// Nothing in this package touches storage. The store package applies
// [Policy.Decide] inside its completion transaction, and the worker pool
// uses [Permanent] to let handlers opt out of retries.
package queue

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusFailed is part of the persisted enum but no transition produces
	// it: a failure either requeues the job or kills it.
	StatusFailed Status = "failed"
	StatusDead   Status = "dead"
)

// ErrInvalidTransition is returned when a transition is requested from a
// status that does not allow it.
var ErrInvalidTransition = errors.New("invalid job transition")

// ParseStatus converts a stored status string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Terminal reports whether a job in status s will never run again without
// operator intervention.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDead
}

func (s Status) String() string { return string(s) }

// Outcome is the result of one execution attempt.
type Outcome string

const (
	OutcomeOK   Outcome = "ok"
	OutcomeFail Outcome = "fail"
)
