package runregistry

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/reconcile"
)

// DefaultMaxRuns bounds a registry created without WithMaxRuns.
const DefaultMaxRuns = 1024

// FinishHook observes a run whose status changed because of a return code.
type FinishHook func(rec RunRecord)

// Registry is a bounded in-memory index of runs, optionally backed by a
// Store.
//
// A Registry is an explicit dependency: construct one, call Init, and pass it
// to whatever needs run state. When full, the oldest finished run is evicted
// from memory (its run.json stays on disk); if every slot holds a running
// run, Register fails with ErrRegistryFull.
type Registry struct {
	mu      sync.Mutex
	maxRuns int
	runs    map[string]*entry
	store   *Store
	hooks   []FinishHook
	logger  *zap.Logger
	now     func() time.Time
}

type entry struct {
	rec    RunRecord
	handle Handle
}

// Option customizes a Registry.
type Option func(*Registry)

// WithMaxRuns bounds the number of runs held in memory.
func WithMaxRuns(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxRuns = n
		}
	}
}

// WithStore persists every record change to s.
func WithStore(s *Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithFinishHook registers a hook called after a return code changes a run's status.
func WithFinishHook(h FinishHook) Option {
	return func(r *Registry) {
		if h != nil {
			r.hooks = append(r.hooks, h)
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a registry. Call Init before use.
func New(opts ...Option) *Registry {
	r := &Registry{
		maxRuns: DefaultMaxRuns,
		runs:    make(map[string]*entry),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the backing store, or nil.
func (r *Registry) Store() *Store {
	return r.store
}

// Init resets the registry and loads the newest persisted records.
//
// A record that claims to be running but whose process is gone, with no
// return code to explain it, is marked failed.
func (r *Registry) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs = make(map[string]*entry)
	if r.store == nil {
		return nil
	}
	records, err := r.store.List()
	if err != nil {
		return fmt.Errorf("load runs: %w", err)
	}
	for _, rec := range records {
		if len(r.runs) >= r.maxRuns {
			break
		}
		if rec.Status == StatusRunning && rec.ReturnCode == nil && !isProcessAlive(rec.PID) {
			ended := r.now().UTC()
			rec.Status = StatusFailed
			rec.EndedAt = &ended
			r.persist(&rec)
		}
		if rec.ReturnCode != nil {
			if next := reconcile.RunFromReturnCode(rec.Status, *rec.ReturnCode); next != rec.Status {
				rec.Status = next
				r.persist(&rec)
			}
		}
		r.runs[rec.RunID] = &entry{rec: rec}
	}
	return nil
}

// Clear drops every in-memory run without touching the store.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = make(map[string]*entry)
}

// Len reports how many runs are held in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Register adds a run. An empty RunID is generated, an empty Status is
// running, and an empty Source is manual. h may be nil.
func (r *Registry) Register(rec RunRecord, h Handle) (RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(rec, h)
}

func (r *Registry) registerLocked(rec RunRecord, h Handle) (RunRecord, error) {
	rec.RunID = strings.TrimSpace(rec.RunID)
	if rec.RunID == "" {
		rec.RunID = uuid.New().String()
	}
	if _, dup := r.runs[rec.RunID]; dup {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunExists, rec.RunID)
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	if rec.Source == "" {
		rec.Source = SourceManual
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	if h != nil && rec.PID == 0 {
		rec.PID = h.PID()
	}
	if len(r.runs) >= r.maxRuns && !r.evictLocked() {
		return RunRecord{}, ErrRegistryFull
	}

	r.runs[rec.RunID] = &entry{rec: rec, handle: h}
	r.persist(&rec)
	return rec.clone(), nil
}

// evictLocked drops the oldest finished run.
func (r *Registry) evictLocked() bool {
	var oldest *entry
	for _, e := range r.runs {
		if !e.rec.Status.Terminal() {
			continue
		}
		if oldest == nil || e.rec.CreatedAt.Before(oldest.rec.CreatedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return false
	}
	delete(r.runs, oldest.rec.RunID)
	return true
}

// GetRun returns the normalized record for runID.
//
// When the run has a live handle whose process has exited, the exit code is
// applied first. A recorded SIGTERM return code is always reported as
// stopped. Runs evicted from memory are read from the store.
func (r *Registry) GetRun(runID string) (RunRecord, bool) {
	r.mu.Lock()
	e, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return r.loadEvicted(runID)
	}

	changed := false
	if e.handle != nil {
		if code, exited := e.handle.Poll(); exited {
			changed = r.applyLocked(e, code)
		}
	} else if e.rec.ReturnCode != nil {
		changed = r.applyLocked(e, *e.rec.ReturnCode)
	}
	rec := e.rec.clone()
	r.mu.Unlock()

	if changed {
		r.notify(rec)
	}
	return rec, true
}

func (r *Registry) loadEvicted(runID string) (RunRecord, bool) {
	if r.store == nil || strings.TrimSpace(runID) == "" {
		return RunRecord{}, false
	}
	rec, err := r.store.Get(runID)
	if err != nil {
		return RunRecord{}, false
	}
	if rec.ReturnCode != nil {
		rec.Status = reconcile.RunFromReturnCode(rec.Status, *rec.ReturnCode)
	}
	return *rec, true
}

// MarkManagedRunFinished records a supervisor-reported return code. It
// reports false when the run is unknown.
func (r *Registry) MarkManagedRunFinished(runID string, code int) (RunRecord, bool) {
	r.mu.Lock()
	e, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("Run not registered; ignoring finish", zap.String("run_id", runID))
		return RunRecord{}, false
	}
	changed := r.applyLocked(e, code)
	rec := e.rec.clone()
	r.mu.Unlock()

	if changed {
		r.notify(rec)
	}
	return rec, true
}

// applyLocked records code on e and re-derives its status. It reports whether
// the status changed.
func (r *Registry) applyLocked(e *entry, code int) bool {
	prev := e.rec.Status
	next := reconcile.RunFromReturnCode(prev, code)
	codeChanged := e.rec.ReturnCode == nil || *e.rec.ReturnCode != code
	if next == prev && !codeChanged {
		return false
	}

	e.rec.Status = next
	e.rec.ReturnCode = &code
	if e.rec.EndedAt == nil {
		ended := r.now().UTC()
		e.rec.EndedAt = &ended
	}
	r.persist(&e.rec)

	if next != prev {
		r.logger.Info("Run finished",
			zap.String("run_id", e.rec.RunID),
			zap.String("status", string(next)),
			zap.Int("return_code", code))
		return true
	}
	return false
}

// StopRun asks a running run to stop by sending SIGTERM. The resulting
// status is recorded once the exit is observed. It reports false when the run
// is unknown or already finished.
func (r *Registry) StopRun(runID string) (bool, error) {
	r.mu.Lock()
	e, ok := r.runs[runID]
	if !ok || e.rec.Status.Terminal() {
		r.mu.Unlock()
		return false, nil
	}
	h, pid := e.handle, e.rec.PID
	r.mu.Unlock()

	if h != nil {
		if err := h.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
			return false, fmt.Errorf("signal run %s: %w", runID, err)
		}
		return true, nil
	}
	if pid <= 0 || !isProcessAlive(pid) {
		return false, ErrNoHandle
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return false, fmt.Errorf("signal run %s: %w", runID, err)
	}
	return true, nil
}

// List returns every in-memory run, newest first, without polling handles.
func (r *Registry) List() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunRecord, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// FindByCluster returns the newest run launched for clusterName.
func (r *Registry) FindByCluster(clusterName string) (RunRecord, bool) {
	for _, rec := range r.List() {
		if rec.ClusterName == clusterName {
			return r.GetRun(rec.RunID)
		}
	}
	return RunRecord{}, false
}

func (r *Registry) persist(rec *RunRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.Write(rec); err != nil {
		r.logger.Warn("Failed to persist run record", zap.String("run_id", rec.RunID), zap.Error(err))
	}
}

func (r *Registry) notify(rec RunRecord) {
	for _, h := range r.hooks {
		h(rec.clone())
	}
}
