package jobs

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Well-known job_data keys.
const (
	KeyCommand               = "command"
	KeyClusterName           = "cluster_name"
	KeyProviderID            = "provider_id"
	KeyProviderLaunchResult  = "provider_launch_result"
	KeyOrchestratorRequestID = "orchestrator_request_id"
	KeyErrorMsg              = "error_msg"
	KeyLaunchRequest         = "launch_request"
	KeyWorkflowRunID         = "workflow_run_id"
	KeyWorkflowNodeID        = "workflow_node_id"
	KeyArtifacts             = "artifacts"
	KeyScore                 = "score"
)

// protectedKeys are written by the launch worker and survive a full replace.
var protectedKeys = []string{KeyProviderLaunchResult, KeyOrchestratorRequestID}

// LaunchRequest is the persisted copy of a launch work item. It lets a
// restarted process recover jobs stranded in WAITING.
type LaunchRequest struct {
	ProviderID    string         `json:"provider_id"`
	ClusterName   string         `json:"cluster_name"`
	ClusterConfig map[string]any `json:"cluster_config,omitempty"`
	QuotaHoldID   string         `json:"quota_hold_id,omitempty"`
	InitialStatus Status         `json:"initial_status"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
}

// JobData is a job's mutable scratch record.
//
// Keys the system itself relies on are typed fields; everything else lives in
// Extra. On the wire it is a single flat JSON object. Merge only ever adds or
// overwrites the keys present in the patch, so a writer can never drop
// another writer's keys by accident.
type JobData struct {
	Command               string
	ClusterName           string
	ProviderID            string
	ProviderLaunchResult  map[string]any
	OrchestratorRequestID string
	ErrorMsg              string
	LaunchRequest         *LaunchRequest
	WorkflowRunID         string
	WorkflowNodeID        string
	Artifacts             []string
	Score                 map[string]any

	Extra map[string]any
}

// field returns a pointer to the typed field stored under key, or nil.
func (d *JobData) field(key string) any {
	switch key {
	case KeyCommand:
		return &d.Command
	case KeyClusterName:
		return &d.ClusterName
	case KeyProviderID:
		return &d.ProviderID
	case KeyProviderLaunchResult:
		return &d.ProviderLaunchResult
	case KeyOrchestratorRequestID:
		return &d.OrchestratorRequestID
	case KeyErrorMsg:
		return &d.ErrorMsg
	case KeyLaunchRequest:
		return &d.LaunchRequest
	case KeyWorkflowRunID:
		return &d.WorkflowRunID
	case KeyWorkflowNodeID:
		return &d.WorkflowNodeID
	case KeyArtifacts:
		return &d.Artifacts
	case KeyScore:
		return &d.Score
	}
	return nil
}

var typedKeys = []string{
	KeyCommand, KeyClusterName, KeyProviderID, KeyProviderLaunchResult,
	KeyOrchestratorRequestID, KeyErrorMsg, KeyLaunchRequest, KeyWorkflowRunID,
	KeyWorkflowNodeID, KeyArtifacts, KeyScore,
}

// Set stores value under key, overwriting any previous value for that key only.
//
// A value that does not fit the typed field for a well-known key is kept as
// is in Extra, so job_data accepts any JSON value under any key.
func (d *JobData) Set(key string, value any) error {
	if key == "" {
		return fmt.Errorf("job_data key is required")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal job_data %s: %w", key, err)
	}
	if !d.setTyped(key, raw) {
		d.setExtra(key, value)
	}
	return nil
}

// setTyped decodes raw into the typed field for key. It reports false when
// key has no typed field or raw does not fit it; the typed field is then
// cleared so the Extra value is the only one left for key.
func (d *JobData) setTyped(key string, raw json.RawMessage) bool {
	ptr := d.field(key)
	if ptr == nil {
		return false
	}
	rv := reflect.ValueOf(ptr).Elem()
	fresh := reflect.New(rv.Type())
	if err := json.Unmarshal(raw, fresh.Interface()); err != nil {
		rv.Set(reflect.Zero(rv.Type()))
		return false
	}
	rv.Set(fresh.Elem())
	delete(d.Extra, key)
	return true
}

func (d *JobData) setExtra(key string, v any) {
	if ptr := d.field(key); ptr != nil {
		rv := reflect.ValueOf(ptr).Elem()
		rv.Set(reflect.Zero(rv.Type()))
	}
	if d.Extra == nil {
		d.Extra = make(map[string]any)
	}
	d.Extra[key] = v
}

// Get returns the value stored under key.
func (d JobData) Get(key string) (any, bool) {
	if v, ok := d.typed(key); ok {
		return v, true
	}
	v, ok := d.Extra[key]
	return v, ok
}

func (d JobData) typed(key string) (any, bool) {
	ptr := d.field(key)
	if ptr == nil {
		return nil, false
	}
	rv := reflect.ValueOf(ptr).Elem()
	if rv.IsZero() {
		return nil, false
	}
	return rv.Interface(), true
}

// Keys lists every populated key in sorted order.
func (d JobData) Keys() []string {
	keys := make([]string, 0, len(typedKeys)+len(d.Extra))
	for _, k := range typedKeys {
		if _, ok := d.typed(k); ok {
			keys = append(keys, k)
		}
	}
	for k := range d.Extra {
		if _, ok := d.typed(k); !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Merge applies every populated key of patch on top of d.
func (d *JobData) Merge(patch JobData) {
	for _, k := range typedKeys {
		src := reflect.ValueOf(patch.field(k)).Elem()
		if src.IsZero() {
			continue
		}
		reflect.ValueOf(d.field(k)).Elem().Set(src)
		delete(d.Extra, k)
	}
	for k, v := range patch.Extra {
		if _, ok := patch.typed(k); ok {
			continue
		}
		d.setExtra(k, v)
	}
}

// Replace returns next, carrying over protected launch keys from d when
// next does not set them.
func (d JobData) Replace(next JobData) JobData {
	out := next.Clone()
	for _, k := range protectedKeys {
		if _, ok := out.Get(k); ok {
			continue
		}
		if v, ok := d.Get(k); ok {
			_ = out.Set(k, v)
		}
	}
	return out
}

// Clone returns a deep copy.
func (d JobData) Clone() JobData {
	raw, err := json.Marshal(d)
	if err != nil {
		return d
	}
	var out JobData
	if err := json.Unmarshal(raw, &out); err != nil {
		return d
	}
	return out
}

// MarshalJSON flattens typed fields and Extra into one object.
func (d JobData) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(d.Extra)+len(typedKeys))
	for k, v := range d.Extra {
		flat[k] = v
	}
	for _, k := range typedKeys {
		if v, ok := d.Get(k); ok {
			flat[k] = v
		}
	}
	return json.Marshal(flat)
}

// UnmarshalJSON splits a flat object into typed fields and Extra. Values that
// do not fit a typed field land in Extra instead of failing the decode.
func (d *JobData) UnmarshalJSON(b []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(b, &flat); err != nil {
		return err
	}
	*d = JobData{}
	for k, raw := range flat {
		if d.setTyped(k, raw) {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("job_data %s: %w", k, err)
		}
		if d.Extra == nil {
			d.Extra = make(map[string]any)
		}
		d.Extra[k] = v
	}
	return nil
}

// ParseJobData decodes a stored job_data document. Empty input yields empty data.
func ParseJobData(raw string) (JobData, error) {
	var d JobData
	if raw == "" || raw == "null" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return JobData{}, fmt.Errorf("parse job_data: %w", err)
	}
	return d, nil
}
