// Package workflow stores workflow definitions and their runs, reacts to job
// completion events, and walks each run through its node graph.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Status is the soft-delete flag of a workflow definition.
type Status string

const (
	StatusCreated Status = "CREATED"
	StatusDeleted Status = "DELETED"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunQueued   RunStatus = "QUEUED"
	RunRunning  RunStatus = "RUNNING"
	RunComplete RunStatus = "COMPLETE"
	RunFailed   RunStatus = "FAILED"
	RunDeleted  RunStatus = "DELETED"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunQueued, RunRunning, RunComplete, RunFailed, RunDeleted:
		return true
	}
	return false
}

// Terminal reports whether the run can no longer advance.
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunFailed || s == RunDeleted
}

// NodeTypeStart marks the entry node of a graph. It never produces a job.
const NodeTypeStart = "START"

var (
	// ErrMalformedConfig wraps every config parse failure.
	ErrMalformedConfig = errors.New("malformed workflow config")

	// ErrListMismatch is returned when an advancement would desynchronize job_ids and node_ids.
	ErrListMismatch = errors.New("node and job id lists differ in length")

	// ErrNameRequired is returned when creating a workflow without a name.
	ErrNameRequired = errors.New("workflow name is required")
)

// Workflow is a stored graph definition.
//
// Config is kept exactly as written. It is parsed on demand so a malformed
// document can be stored, listed, and deleted like any other.
type Workflow struct {
	ID           string
	Name         string
	Config       string
	Status       Status
	ExperimentID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Parsed decodes the workflow's config.
func (w Workflow) Parsed() (Config, error) {
	return ParseConfig(w.Config)
}

// Run is one execution of a workflow.
//
// JobIDs and NodeIDs are parallel and append-only: position i of each names
// the job created for the node dispatched at step i.
type Run struct {
	ID            string
	WorkflowID    string
	WorkflowName  string
	Status        RunStatus
	JobIDs        []string
	NodeIDs       []string
	CurrentTasks  []string
	CurrentJobIDs []string
	ExperimentID  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Config is the parsed workflow document.
type Config struct {
	Nodes    []Node   `json:"nodes" yaml:"nodes"`
	Triggers []string `json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

// Node is one step of the graph.
type Node struct {
	ID   string   `json:"id" yaml:"id"`
	Type string   `json:"type" yaml:"type"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Out  []string `json:"out,omitempty" yaml:"out,omitempty"`

	// Task names the unit of work the job should run.
	Task    string `json:"task,omitempty" yaml:"task,omitempty"`
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Provider and Cluster request a provider-backed launch for the node's job.
	Provider      string         `json:"provider,omitempty" yaml:"provider,omitempty"`
	Cluster       string         `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	ClusterConfig map[string]any `json:"cluster_config,omitempty" yaml:"cluster_config,omitempty"`

	Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// ParseConfig decodes a stored config document.
//
// An empty document is an empty graph. A document that is itself a JSON
// string holding the real object is unwrapped once. Anything else that is not
// a JSON object fails with ErrMalformedConfig.
func ParseConfig(raw string) (Config, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Config{}, nil
	}

	if strings.HasPrefix(raw, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
		}
		raw = strings.TrimSpace(inner)
		if raw == "" {
			return Config{}, nil
		}
	}

	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	return cfg, nil
}

// EncodeConfig renders cfg in the stored form.
func EncodeConfig(cfg Config) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode workflow config: %w", err)
	}
	return string(b), nil
}

// Matches reports whether any trigger pattern matches jobType. Patterns use
// doublestar syntax, so a plain type name matches only itself.
func (c Config) Matches(jobType string) bool {
	for _, pattern := range c.Triggers {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		ok, err := doublestar.Match(pattern, jobType)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// Node returns the node with the given id.
func (c Config) Node(id string) (Node, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EntryNodes returns the ids of the nodes a fresh run dispatches first: the
// successors of the START node, or the first node when there is no START.
func (c Config) EntryNodes() []string {
	for _, n := range c.Nodes {
		if strings.EqualFold(n.Type, NodeTypeStart) {
			return append([]string(nil), n.Out...)
		}
	}
	if len(c.Nodes) == 0 {
		return nil
	}
	return []string{c.Nodes[0].ID}
}

// Validate checks structural consistency: unique ids and edges that point at
// known nodes.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("%w: node without id", ErrMalformedConfig)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrMalformedConfig, n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	for _, n := range c.Nodes {
		for _, out := range n.Out {
			if _, ok := seen[out]; !ok {
				return fmt.Errorf("%w: node %q points at unknown node %q", ErrMalformedConfig, n.ID, out)
			}
		}
	}
	for _, pattern := range c.Triggers {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("%w: invalid trigger pattern %q", ErrMalformedConfig, pattern)
		}
	}
	return nil
}
