// Package jobs is the record store for asynchronous units of work.
//
// A Job moves through a small state machine:
//
//	CREATED -> QUEUED -> (WAITING) -> LAUNCHING | RUNNING | INTERACTIVE -> COMPLETE | FAILED | STOPPED
//
// Jobs that are not provider-backed may report COMPLETE straight from CREATED
// or QUEUED. Any state may move to DELETED (soft delete) except DELETED
// itself. WAITING, LAUNCHING, and INTERACTIVE are provider-dispatch states
// that only the launch worker should enter.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of work a job performs.
//
// The set is open: callers may use any non-empty upper-case identifier.
type Type string

const (
	TypeTrain         Type = "TRAIN"
	TypeEval          Type = "EVAL"
	TypeGenerate      Type = "GENERATE"
	TypeExport        Type = "EXPORT"
	TypeRemote        Type = "REMOTE"
	TypeDownloadModel Type = "DOWNLOAD_MODEL"
	TypeTask          Type = "TASK"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted and are part of the stable storage contract.
type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusQueued      Status = "QUEUED"
	StatusWaiting     Status = "WAITING"
	StatusLaunching   Status = "LAUNCHING"
	StatusRunning     Status = "RUNNING"
	StatusInteractive Status = "INTERACTIVE"
	StatusComplete    Status = "COMPLETE"
	StatusFailed      Status = "FAILED"
	StatusStopped     Status = "STOPPED"
	StatusDeleted     Status = "DELETED"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrInvalidStatus is returned for a status outside the known vocabulary.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidType is returned when a job type is empty.
	ErrInvalidType = errors.New("invalid job type")

	// ErrPublish wraps a failed status event publish. The status change
	// itself is committed and the event is redelivered on retry.
	ErrPublish = errors.New("publish status event")
)

var knownStatuses = map[Status]struct{}{
	StatusCreated: {}, StatusQueued: {}, StatusWaiting: {}, StatusLaunching: {},
	StatusRunning: {}, StatusInteractive: {}, StatusComplete: {}, StatusFailed: {},
	StatusStopped: {}, StatusDeleted: {},
}

// Valid reports whether s is part of the status vocabulary.
func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// Terminal reports whether s ends the job's active lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusStopped, StatusDeleted:
		return true
	}
	return false
}

// InFlight reports whether a provider-backed job is between dispatch and completion.
func (s Status) InFlight() bool {
	switch s {
	case StatusLaunching, StatusRunning, StatusInteractive:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

var transitions = map[Status][]Status{
	StatusCreated:     {StatusQueued, StatusWaiting, StatusRunning, StatusComplete, StatusFailed, StatusStopped},
	StatusQueued:      {StatusWaiting, StatusLaunching, StatusRunning, StatusInteractive, StatusComplete, StatusFailed, StatusStopped},
	StatusWaiting:     {StatusLaunching, StatusRunning, StatusInteractive, StatusFailed, StatusStopped},
	StatusLaunching:   {StatusRunning, StatusInteractive, StatusComplete, StatusFailed, StatusStopped},
	StatusRunning:     {StatusInteractive, StatusComplete, StatusFailed, StatusStopped},
	StatusInteractive: {StatusRunning, StatusComplete, StatusFailed, StatusStopped},
	// SIGTERM observed after a failure was recorded re-normalizes to STOPPED.
	StatusFailed: {StatusStopped},
}

// CanTransition reports whether a job may move from one status to another.
//
// Re-writing the current status is always allowed so retried updates stay
// idempotent; only DELETED is final.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if from == StatusDeleted {
		return false
	}
	if from == to || to == StatusDeleted {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Job is a trackable unit of asynchronous work.
type Job struct {
	ID           string
	Type         Type
	Status       Status
	ExperimentID string
	Progress     int
	Data         JobData
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StatusEvent describes a committed status change.
type StatusEvent struct {
	JobID         string    `json:"job_id"`
	ExperimentID  string    `json:"experiment_id"`
	Type          Type      `json:"type"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	ErrorMsg      string    `json:"error_msg,omitempty"`
	WorkflowRunID string    `json:"workflow_run_id,omitempty"` // set when a workflow run dispatched the job
	At            time.Time `json:"at"`
}

// Completed reports whether the event moved the job into COMPLETE.
func (e StatusEvent) Completed() bool {
	return e.To == StatusComplete && e.From != StatusComplete
}

// NewJob describes a job to create.
type NewJob struct {
	Type         Type
	Status       Status // CREATED when empty; only CREATED or QUEUED are accepted
	ExperimentID string
	Data         JobData
}

// Filter narrows List results.
type Filter struct {
	ExperimentID   string
	Type           Type
	Statuses       []Status
	IncludeDeleted bool
	Limit          int
}
