package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/orchestra/pkg/store"
)

func openTestDB(t *testing.T) *Store {
	t.Helper()
	db, err := store.OpenMigrated(context.Background(), store.Config{Path: store.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStore_CreateGetList(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Create(ctx, NewWorkflow{Name: "wf", Config: `{"triggers":["TRAIN"]}`, ExperimentID: "e1"})
	require.NoError(t, err)
	_, err = s.Create(ctx, NewWorkflow{Name: "other", ExperimentID: "e2"})
	require.NoError(t, err)

	w, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "wf", w.Name)
	assert.Equal(t, StatusCreated, w.Status)
	assert.Equal(t, `{"triggers":["TRAIN"]}`, w.Config)

	list, err := s.List(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.Create(ctx, NewWorkflow{Name: "  "})
	require.ErrorIs(t, err, ErrNameRequired)
}

func TestStore_MalformedConfigIsStored(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Create(ctx, NewWorkflow{Name: "broken", Config: "not json"})
	require.NoError(t, err)

	w, err := s.Get(ctx, id)
	require.NoError(t, err)
	_, err = w.Parsed()
	require.ErrorIs(t, err, ErrMalformedConfig)

	ok, err := s.UpdateConfig(ctx, id, `{"triggers":[]}`)
	require.NoError(t, err)
	assert.True(t, ok)
	w, _ = s.Get(ctx, id)
	_, err = w.Parsed()
	require.NoError(t, err)
}

func TestStore_DeleteByNameAffectsAllMatches(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, NewWorkflow{Name: "dup"})
		require.NoError(t, err)
	}
	keep, err := s.Create(ctx, NewWorkflow{Name: "keep"})
	require.NoError(t, err)

	n, err := s.DeleteByName(ctx, "dup")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = s.DeleteByName(ctx, "dup")
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, keep, list[0].ID)

	ok, err := s.DeleteByID(ctx, keep)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.DeleteByID(ctx, keep)
	require.NoError(t, err)
	assert.False(t, ok)

	// Soft-deleted rows are still readable by id.
	w, err := s.Get(ctx, keep)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, w.Status)

	n, err = s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestStore_Queue(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Create(ctx, NewWorkflow{Name: "wf", ExperimentID: "e"})
	require.NoError(t, err)

	ok, err := s.Queue(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	runs, err := s.ListRuns(ctx, RunFilter{WorkflowID: id})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, RunQueued, r.Status)
	assert.Equal(t, "wf", r.WorkflowName)
	assert.Equal(t, "e", r.ExperimentID)
	assert.Empty(t, r.JobIDs)
	assert.Empty(t, r.NodeIDs)

	ok, err = s.Queue(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.DeleteByID(ctx, id)
	require.NoError(t, err)
	ok, err = s.Queue(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RunNameIsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Create(ctx, NewWorkflow{Name: "before"})
	require.NoError(t, err)
	run, err := s.QueueRun(ctx, id)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE workflows SET name = 'after' WHERE id = ?`, id)
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "before", got.WorkflowName)
}

func TestStore_RunUpdateWithNewJobAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Create(ctx, NewWorkflow{Name: "wf"})
	require.NoError(t, err)
	run, err := s.QueueRun(ctx, id)
	require.NoError(t, err)

	prevJobs, prevNodes := []string{}, []string{}
	const steps = 6
	for k := 1; k <= steps; k++ {
		node, job := fmt.Sprintf("n%d", k), fmt.Sprintf("j%d", k)
		ok, err := s.RunUpdateWithNewJob(ctx, run.ID, []string{node}, []string{job})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, got.JobIDs, k)
		require.Len(t, got.NodeIDs, k)
		assert.Equal(t, prevJobs, got.JobIDs[:k-1])
		assert.Equal(t, prevNodes, got.NodeIDs[:k-1])
		assert.Equal(t, []string{node}, got.CurrentTasks)
		assert.Equal(t, []string{job}, got.CurrentJobIDs)
		assert.Equal(t, RunRunning, got.Status)

		prevJobs = append([]string{}, got.JobIDs...)
		prevNodes = append([]string{}, got.NodeIDs...)
	}
}

func TestStore_RunUpdateWithNewJobConcurrent(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Create(ctx, NewWorkflow{Name: "wf"})
	require.NoError(t, err)
	run, err := s.QueueRun(ctx, id)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RunUpdateWithNewJob(ctx, run.ID, []string{fmt.Sprintf("n%d", i)}, []string{fmt.Sprintf("j%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got.JobIDs, writers)
	require.Len(t, got.NodeIDs, writers)
	for i := range got.JobIDs {
		assert.Equal(t, "j"+got.NodeIDs[i][1:], got.JobIDs[i])
	}
}

func TestStore_RunUpdateWithNewJobGuards(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Create(ctx, NewWorkflow{Name: "wf"})
	require.NoError(t, err)
	run, err := s.QueueRun(ctx, id)
	require.NoError(t, err)

	_, err = s.RunUpdateWithNewJob(ctx, run.ID, []string{"a", "b"}, []string{"j"})
	require.ErrorIs(t, err, ErrListMismatch)

	ok, err := s.RunUpdateWithNewJob(ctx, "missing", []string{"a"}, []string{"j"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.UpdateRunStatus(ctx, run.ID, RunComplete)
	require.NoError(t, err)
	ok, err = s.RunUpdateWithNewJob(ctx, run.ID, []string{"a"}, []string{"j"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, got.JobIDs)
	assert.Empty(t, got.NodeIDs)
}

func TestStore_CountsAndRunDeletion(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Create(ctx, NewWorkflow{Name: "wf"})
	require.NoError(t, err)
	var runIDs []string
	for i := 0; i < 3; i++ {
		run, err := s.QueueRun(ctx, id)
		require.NoError(t, err)
		runIDs = append(runIDs, run.ID)
	}
	_, err = s.UpdateRunStatus(ctx, runIDs[0], RunRunning)
	require.NoError(t, err)

	running, err := s.CountRunning(ctx)
	require.NoError(t, err)
	queued, err := s.CountQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
	assert.Equal(t, 2, queued)

	ok, err := s.DeleteRun(ctx, runIDs[1])
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.UpdateRunStatus(ctx, runIDs[1], RunQueued)
	require.NoError(t, err)
	assert.False(t, ok)

	queued, err = s.CountQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	visible, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, visible, 2)

	_, err = s.UpdateRunStatus(ctx, runIDs[0], RunStatus("bogus"))
	require.Error(t, err)

	n, err := s.DeleteAllRuns(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
