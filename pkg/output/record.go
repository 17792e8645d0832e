// Package output writes orchestra records as JSON lines.
//
// Every line is a Record envelope whose Data payload is selected by Type, so
// streams of mixed records can be parsed one line at a time.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/runregistry"
	"github.com/3leaps/orchestra/pkg/workflow"
)

// Record types, named orchestra.<type>.v<version>.
const (
	TypeJob         = "orchestra.job.v1"
	TypeJobEvent    = "orchestra.job_event.v1"
	TypeWorkflowRun = "orchestra.workflow_run.v1"
	TypeRun         = "orchestra.run.v1"
	TypeSummary     = "orchestra.summary.v1"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("output writer closed")

// Record is the envelope of one line.
type Record struct {
	Type   string          `json:"type"`
	TS     time.Time       `json:"ts"`
	Source string          `json:"source,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// JobRecord is a job snapshot.
type JobRecord struct {
	JobID        string       `json:"job_id"`
	Type         string       `json:"job_type"`
	Status       string       `json:"status"`
	ExperimentID string       `json:"experiment_id,omitempty"`
	Progress     int          `json:"progress"`
	Data         jobs.JobData `json:"job_data"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewJobRecord converts a stored job.
func NewJobRecord(j jobs.Job) *JobRecord {
	return &JobRecord{
		JobID:        j.ID,
		Type:         string(j.Type),
		Status:       string(j.Status),
		ExperimentID: j.ExperimentID,
		Progress:     j.Progress,
		Data:         j.Data,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// JobEventRecord is one committed status change.
type JobEventRecord struct {
	JobID         string    `json:"job_id"`
	ExperimentID  string    `json:"experiment_id,omitempty"`
	Type          string    `json:"job_type"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	ErrorMsg      string    `json:"error_msg,omitempty"`
	WorkflowRunID string    `json:"workflow_run_id,omitempty"`
	At            time.Time `json:"at"`
}

// NewJobEventRecord converts a bus event.
func NewJobEventRecord(ev jobs.StatusEvent) *JobEventRecord {
	return &JobEventRecord{
		JobID:         ev.JobID,
		ExperimentID:  ev.ExperimentID,
		Type:          string(ev.Type),
		From:          string(ev.From),
		To:            string(ev.To),
		ErrorMsg:      ev.ErrorMsg,
		WorkflowRunID: ev.WorkflowRunID,
		At:            ev.At,
	}
}

// WorkflowRunRecord is a workflow run snapshot.
type WorkflowRunRecord struct {
	RunID         string    `json:"run_id"`
	WorkflowID    string    `json:"workflow_id"`
	WorkflowName  string    `json:"workflow_name,omitempty"`
	Status        string    `json:"status"`
	JobIDs        []string  `json:"job_ids"`
	NodeIDs       []string  `json:"node_ids"`
	CurrentTasks  []string  `json:"current_tasks,omitempty"`
	CurrentJobIDs []string  `json:"current_job_ids,omitempty"`
	ExperimentID  string    `json:"experiment_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewWorkflowRunRecord converts a stored run.
func NewWorkflowRunRecord(r workflow.Run) *WorkflowRunRecord {
	return &WorkflowRunRecord{
		RunID:         r.ID,
		WorkflowID:    r.WorkflowID,
		WorkflowName:  r.WorkflowName,
		Status:        string(r.Status),
		JobIDs:        nonNil(r.JobIDs),
		NodeIDs:       nonNil(r.NodeIDs),
		CurrentTasks:  r.CurrentTasks,
		CurrentJobIDs: r.CurrentJobIDs,
		ExperimentID:  r.ExperimentID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// RunRecord wraps a profiler or managed run record, which already carries
// its own JSON field names.
type RunRecord = runregistry.RunRecord

// SummaryRecord closes a listing.
type SummaryRecord struct {
	Kind     string         `json:"kind"`
	Count    int            `json:"count"`
	ByStatus map[string]int `json:"by_status,omitempty"`
}

// WriteError wraps a failure to emit a record.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
