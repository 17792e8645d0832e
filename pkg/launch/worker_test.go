package launch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/provider"
	"github.com/3leaps/orchestra/pkg/quota"
	"github.com/3leaps/orchestra/pkg/store"
)

type span struct {
	cluster    string
	start, end time.Time
}

// fakeProvider records every LaunchCluster call and its active window.
type fakeProvider struct {
	delay   time.Duration
	block   chan struct{}
	failErr error
	panicOn string

	mu        sync.Mutex
	active    int
	maxActive int
	spans     []span
}

func (p *fakeProvider) LaunchCluster(_ context.Context, clusterName string, _ map[string]any) (map[string]any, error) {
	p.mu.Lock()
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.mu.Unlock()

	start := time.Now()
	defer func() {
		p.mu.Lock()
		p.active--
		p.spans = append(p.spans, span{cluster: clusterName, start: start, end: time.Now()})
		p.mu.Unlock()
	}()

	if p.block != nil {
		<-p.block
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.panicOn != "" && clusterName == p.panicOn {
		panic("boom")
	}
	p.mu.Lock()
	failErr := p.failErr
	p.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	return map[string]any{provider.RequestIDKey: "req-" + clusterName}, nil
}

func (p *fakeProvider) ClusterStatus(context.Context, string) (provider.ClusterStatus, error) {
	return provider.ClusterStatus{State: provider.ClusterRunning}, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.spans) + p.active
}

func (p *fakeProvider) snapshot() ([]span, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]span(nil), p.spans...), p.maxActive
}

// countingReleaser counts release calls per hold.
type countingReleaser struct {
	ledger *quota.MemoryLedger

	mu    sync.Mutex
	calls map[string]int
}

func (c *countingReleaser) ReleaseHold(ctx context.Context, holdID string) error {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[holdID]++
	c.mu.Unlock()
	return c.ledger.ReleaseHold(ctx, holdID)
}

func (c *countingReleaser) count(holdID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[holdID]
}

type harness struct {
	jobs     *jobs.Store
	registry *provider.Registry
	ledger   *quota.MemoryLedger
	releaser *countingReleaser
	worker   *Worker
}

func newHarness(t *testing.T, cfg Config, p provider.Provider) *harness {
	t.Helper()
	db, err := store.OpenMigrated(context.Background(), store.Config{Path: store.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		jobs:     jobs.NewStore(db),
		registry: provider.NewRegistry(nil),
		ledger:   quota.NewMemoryLedger(0),
	}
	h.releaser = &countingReleaser{ledger: h.ledger}
	if p != nil {
		h.registry.Set("fake", p)
	}
	h.worker = NewWorker(h.jobs, h.registry, cfg, WithQuota(h.releaser))
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.worker.Start(context.Background()))
	t.Cleanup(h.worker.Stop)
}

func (h *harness) newJob(t *testing.T) string {
	t.Helper()
	id, err := h.jobs.Create(context.Background(), jobs.NewJob{Type: jobs.TypeRemote, Status: jobs.StatusQueued, ExperimentID: "exp"})
	require.NoError(t, err)
	return id
}

func (h *harness) job(t *testing.T, id string) *jobs.Job {
	t.Helper()
	j, err := h.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func (h *harness) waitStatus(t *testing.T, id string, want jobs.Status) *jobs.Job {
	t.Helper()
	var last *jobs.Job
	require.Eventually(t, func() bool {
		last = h.job(t, id)
		return last.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func item(jobID, cluster string) Item {
	return Item{JobID: jobID, ExperimentID: "exp", ProviderID: "fake", ClusterName: cluster}
}

func TestLaunchesAreSerialized(t *testing.T) {
	p := &fakeProvider{delay: 5 * time.Millisecond}
	h := newHarness(t, Config{}, p)
	h.start(t)

	const n = 10
	ids := make([]string, n)
	for i := range ids {
		ids[i] = h.newJob(t)
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			ok, err := h.worker.Enqueue(context.Background(), item(id, fmt.Sprintf("c%d", i)))
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		h.waitStatus(t, id, jobs.StatusLaunching)
		require.Eventually(t, func() bool {
			return h.job(t, id).Data.OrchestratorRequestID != ""
		}, 5*time.Second, 10*time.Millisecond)
		j := h.job(t, id)
		assert.Equal(t, fmt.Sprintf("req-c%d", i), j.Data.OrchestratorRequestID)
		assert.Equal(t, fmt.Sprintf("req-c%d", i), j.Data.ProviderLaunchResult[provider.RequestIDKey])
		require.NotNil(t, j.Data.LaunchRequest)
		assert.Equal(t, "fake", j.Data.LaunchRequest.ProviderID)
	}

	spans, maxActive := p.snapshot()
	assert.Len(t, spans, n)
	assert.Equal(t, 1, maxActive)
}

func TestSlowLaunchesDoNotOverlap(t *testing.T) {
	p := &fakeProvider{delay: 40 * time.Millisecond}
	h := newHarness(t, Config{}, p)
	h.start(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id := h.newJob(t)
		ids = append(ids, id)
		_, err := h.worker.Enqueue(context.Background(), item(id, fmt.Sprintf("slow-%d", i)))
		require.NoError(t, err)
	}
	for _, id := range ids {
		h.waitStatus(t, id, jobs.StatusLaunching)
	}
	require.Eventually(t, func() bool {
		spans, _ := p.snapshot()
		return len(spans) == 3
	}, 5*time.Second, 10*time.Millisecond)

	spans, _ := p.snapshot()
	// FIFO order.
	for i, s := range spans {
		assert.Equal(t, fmt.Sprintf("slow-%d", i), s.cluster)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })
	for i := 1; i < len(spans); i++ {
		assert.False(t, spans[i].start.Before(spans[i-1].end), "launch %d started before launch %d finished", i, i-1)
	}
}

func TestLaunchFailureReleasesHoldOnce(t *testing.T) {
	p := &fakeProvider{failErr: errors.New("capacity exhausted in region")}
	h := newHarness(t, Config{}, p)
	h.start(t)

	hold, err := h.ledger.Hold(context.Background(), "job", 4)
	require.NoError(t, err)

	id := h.newJob(t)
	it := item(id, "c")
	it.QuotaHoldID = hold
	_, err = h.worker.Enqueue(context.Background(), it)
	require.NoError(t, err)

	j := h.waitStatus(t, id, jobs.StatusFailed)
	assert.Contains(t, j.Data.ErrorMsg, "capacity exhausted")
	require.Eventually(t, func() bool { return h.releaser.count(hold) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.ledger.Used())

	// A later success is unaffected by the earlier failure.
	p.mu.Lock()
	p.failErr = nil
	p.mu.Unlock()
	id2 := h.newJob(t)
	_, err = h.worker.Enqueue(context.Background(), item(id2, "c2"))
	require.NoError(t, err)
	h.waitStatus(t, id2, jobs.StatusLaunching)
	assert.Equal(t, 1, h.releaser.count(hold))
}

func TestProviderNotFoundFailsJob(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.start(t)

	hold, err := h.ledger.Hold(context.Background(), "job", 1)
	require.NoError(t, err)
	id := h.newJob(t)
	it := item(id, "c")
	it.ProviderID = "gone"
	it.QuotaHoldID = hold
	_, err = h.worker.Enqueue(context.Background(), it)
	require.NoError(t, err)

	j := h.waitStatus(t, id, jobs.StatusFailed)
	assert.Contains(t, j.Data.ErrorMsg, `provider "gone" not found`)
	require.Eventually(t, func() bool { return h.releaser.count(hold) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.worker.Running())
}

func TestPanicDoesNotStopWorker(t *testing.T) {
	p := &fakeProvider{panicOn: "bad"}
	h := newHarness(t, Config{}, p)
	h.start(t)

	bad, good := h.newJob(t), h.newJob(t)
	_, err := h.worker.Enqueue(context.Background(), item(bad, "bad"))
	require.NoError(t, err)
	_, err = h.worker.Enqueue(context.Background(), item(good, "good"))
	require.NoError(t, err)

	j := h.waitStatus(t, bad, jobs.StatusFailed)
	assert.Contains(t, j.Data.ErrorMsg, "panicked")
	h.waitStatus(t, good, jobs.StatusLaunching)
}

func TestLaunchTimeoutKeepsLaunchLock(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	h := newHarness(t, Config{Timeout: 30 * time.Millisecond}, p)
	h.start(t)

	stuck, next := h.newJob(t), h.newJob(t)
	_, err := h.worker.Enqueue(context.Background(), item(stuck, "stuck"))
	require.NoError(t, err)
	j := h.waitStatus(t, stuck, jobs.StatusFailed)
	assert.Contains(t, j.Data.ErrorMsg, "timed out")

	_, err = h.worker.Enqueue(context.Background(), item(next, "next"))
	require.NoError(t, err)
	h.waitStatus(t, next, jobs.StatusLaunching)
	// The second call has not started while the first is still inside the provider.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.calls())

	close(p.block)
	require.Eventually(t, func() bool {
		spans, _ := p.snapshot()
		return len(spans) == 2
	}, 5*time.Second, 10*time.Millisecond)
	_, maxActive := p.snapshot()
	assert.Equal(t, 1, maxActive)
}

func TestQueueFullFailsJob(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	h := newHarness(t, Config{QueueSize: 1}, p)
	h.start(t)
	defer close(p.block)

	a, b, c := h.newJob(t), h.newJob(t), h.newJob(t)
	_, err := h.worker.Enqueue(context.Background(), item(a, "a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.calls() == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err = h.worker.Enqueue(context.Background(), item(b, "b"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.worker.QueueDepth())

	hold, err := h.ledger.Hold(context.Background(), "c", 1)
	require.NoError(t, err)
	it := item(c, "c")
	it.QuotaHoldID = hold
	_, err = h.worker.Enqueue(context.Background(), it)
	require.ErrorIs(t, err, ErrQueueFull)

	j := h.job(t, c)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, ErrQueueFull.Error(), j.Data.ErrorMsg)
	assert.Equal(t, 1, h.releaser.count(hold))
	assert.Equal(t, jobs.StatusWaiting, h.job(t, b).Status)
}

func TestJobStoppedWhileWaitingIsSkipped(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	h := newHarness(t, Config{}, p)
	h.start(t)

	a, b := h.newJob(t), h.newJob(t)
	_, err := h.worker.Enqueue(context.Background(), item(a, "a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.calls() == 1 }, 5*time.Second, 5*time.Millisecond)
	_, err = h.worker.Enqueue(context.Background(), item(b, "b"))
	require.NoError(t, err)

	require.NoError(t, h.jobs.UpdateStatus(context.Background(), b, jobs.StatusStopped, "exp", ""))
	close(p.block)

	h.waitStatus(t, a, jobs.StatusLaunching)
	require.Eventually(t, func() bool { return h.worker.QueueDepth() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.calls())
	assert.Equal(t, jobs.StatusStopped, h.job(t, b).Status)
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t, Config{}, &fakeProvider{})
	ctx := context.Background()
	id := h.newJob(t)

	_, err := h.worker.Enqueue(ctx, item(id, "c"))
	require.ErrorIs(t, err, ErrWorkerStopped)

	h.start(t)
	require.ErrorIs(t, h.worker.Start(ctx), ErrAlreadyStarted)

	_, err = h.worker.Enqueue(ctx, Item{ProviderID: "fake"})
	require.Error(t, err)
	_, err = h.worker.Enqueue(ctx, Item{JobID: id})
	require.Error(t, err)

	bad := item(id, "c")
	bad.InitialStatus = jobs.StatusComplete
	_, err = h.worker.Enqueue(ctx, bad)
	require.ErrorIs(t, err, jobs.ErrInvalidStatus)

	hold, err := h.ledger.Hold(ctx, "ghost", 1)
	require.NoError(t, err)
	ghost := item("missing", "c")
	ghost.QuotaHoldID = hold
	ok, err := h.worker.Enqueue(ctx, ghost)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.releaser.count(hold))

	interactive := item(id, "c")
	interactive.InitialStatus = jobs.StatusInteractive
	ok, err = h.worker.Enqueue(ctx, interactive)
	require.NoError(t, err)
	assert.True(t, ok)
	h.waitStatus(t, id, jobs.StatusInteractive)
}

func TestRejectedEnqueueReleasesHoldAndWritesNothing(t *testing.T) {
	h := newHarness(t, Config{}, &fakeProvider{})
	ctx := context.Background()

	stoppedHold, err := h.ledger.Hold(ctx, "stopped", 1)
	require.NoError(t, err)
	early := item(h.newJob(t), "c")
	early.QuotaHoldID = stoppedHold
	_, err = h.worker.Enqueue(ctx, early)
	require.ErrorIs(t, err, ErrWorkerStopped)
	assert.Equal(t, 1, h.releaser.count(stoppedHold))

	h.start(t)

	badHold, err := h.ledger.Hold(ctx, "bad", 1)
	require.NoError(t, err)
	bad := item(h.newJob(t), "c")
	bad.QuotaHoldID = badHold
	bad.InitialStatus = jobs.StatusComplete
	_, err = h.worker.Enqueue(ctx, bad)
	require.ErrorIs(t, err, jobs.ErrInvalidStatus)
	assert.Equal(t, 1, h.releaser.count(badHold))

	id := h.newJob(t)
	require.NoError(t, h.jobs.UpdateStatus(ctx, id, jobs.StatusRunning, "exp", ""))
	hold, err := h.ledger.Hold(ctx, "running", 1)
	require.NoError(t, err)
	it := item(id, "c")
	it.QuotaHoldID = hold
	ok, err := h.worker.Enqueue(ctx, it)
	require.ErrorIs(t, err, jobs.ErrInvalidTransition)
	assert.False(t, ok)
	assert.Equal(t, 1, h.releaser.count(hold))
	assert.Zero(t, h.worker.QueueDepth())

	j := h.job(t, id)
	assert.Equal(t, jobs.StatusRunning, j.Status)
	assert.Nil(t, j.Data.LaunchRequest)
	assert.Empty(t, j.Data.ProviderID)
}

func TestRecoverOrphans(t *testing.T) {
	p := &fakeProvider{}
	h := newHarness(t, Config{}, p)
	ctx := context.Background()

	withRequest := h.newJob(t)
	require.NoError(t, h.jobs.MergeJobData(ctx, withRequest, jobs.JobData{LaunchRequest: &jobs.LaunchRequest{
		ProviderID:    "fake",
		ClusterName:   "recovered",
		InitialStatus: jobs.StatusRunning,
	}}, "exp"))
	require.NoError(t, h.jobs.UpdateStatus(ctx, withRequest, jobs.StatusWaiting, "exp", ""))

	lost := h.newJob(t)
	require.NoError(t, h.jobs.UpdateStatus(ctx, lost, jobs.StatusWaiting, "exp", ""))

	untouched := h.newJob(t)

	_, err := h.worker.RecoverOrphans(ctx)
	require.ErrorIs(t, err, ErrWorkerStopped)

	h.start(t)
	sum, err := h.worker.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverSummary{Requeued: 1, Failed: 1}, sum)

	j := h.waitStatus(t, withRequest, jobs.StatusRunning)
	assert.Equal(t, "recovered", j.Data.LaunchRequest.ClusterName)

	l := h.job(t, lost)
	assert.Equal(t, jobs.StatusFailed, l.Status)
	assert.Equal(t, msgLaunchLost, l.Data.ErrorMsg)
	assert.Equal(t, jobs.StatusQueued, h.job(t, untouched).Status)
}

func TestStopLeavesQueuedItemsWaiting(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	h := newHarness(t, Config{}, p)
	require.NoError(t, h.worker.Start(context.Background()))

	a, b := h.newJob(t), h.newJob(t)
	_, err := h.worker.Enqueue(context.Background(), item(a, "a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.calls() == 1 }, 5*time.Second, 5*time.Millisecond)
	_, err = h.worker.Enqueue(context.Background(), item(b, "b"))
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		h.worker.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return !h.worker.Running() }, time.Second, time.Millisecond)
	close(p.block)
	<-stopped

	assert.False(t, h.worker.Running())
	assert.Equal(t, jobs.StatusLaunching, h.job(t, a).Status)
	assert.Equal(t, jobs.StatusWaiting, h.job(t, b).Status)
	h.worker.Stop()
}
