package local

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/orchestra/pkg/provider"
	"github.com/3leaps/orchestra/pkg/runregistry"
)

func newLocal(t *testing.T) (*Provider, *runregistry.Registry) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	runs := runregistry.New(runregistry.WithStore(runregistry.NewStore(t.TempDir())))
	require.NoError(t, runs.Init())
	exec := runregistry.NewExecutor(runs, nil)
	return New("local", runs, exec, Options{Env: map[string]string{"GREETING": "hi"}}, nil), runs
}

func waitState(t *testing.T, p *Provider, cluster string, want provider.ClusterState) provider.ClusterStatus {
	t.Helper()
	var st provider.ClusterStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = p.ClusterStatus(context.Background(), cluster)
		return err == nil && st.State == want
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestLaunchAndComplete(t *testing.T) {
	p, runs := newLocal(t)
	ctx := context.Background()

	res, err := p.LaunchCluster(ctx, "c1", map[string]any{"command": `test "$GREETING" = hi`, "job_id": "job-1", "accelerators": "ignored"})
	require.NoError(t, err)
	runID, _ := res[provider.RequestIDKey].(string)
	require.NotEmpty(t, runID)

	st := waitState(t, p, "c1", provider.ClusterSucceeded)
	require.NotNil(t, st.ReturnCode)
	assert.Equal(t, 0, *st.ReturnCode)

	rec, ok := runs.GetRun(runID)
	require.True(t, ok)
	assert.Equal(t, "job-1", rec.AssociatedJobID)
	assert.Equal(t, "c1", rec.ClusterName)
}

func TestStopClusterReportsStopped(t *testing.T) {
	p, _ := newLocal(t)
	ctx := context.Background()

	_, err := p.LaunchCluster(ctx, "sleepy", map[string]any{"command": "exec sleep 30"})
	require.NoError(t, err)

	_, err = p.LaunchCluster(ctx, "sleepy", map[string]any{"command": "true"})
	require.ErrorIs(t, err, provider.ErrLaunchRejected)

	require.NoError(t, p.StopCluster(ctx, "sleepy"))
	st := waitState(t, p, "sleepy", provider.ClusterStopped)
	assert.Equal(t, -15, *st.ReturnCode)
}

func TestLaunchValidation(t *testing.T) {
	p, _ := newLocal(t)
	ctx := context.Background()

	_, err := p.LaunchCluster(ctx, "c", map[string]any{})
	require.ErrorIs(t, err, provider.ErrInvalidConfig)

	_, err = p.ClusterStatus(ctx, "never")
	require.ErrorIs(t, err, provider.ErrClusterNotFound)
	require.ErrorIs(t, p.StopCluster(ctx, "never"), provider.ErrClusterNotFound)
}

func TestFactoryRejectsUnknownOptions(t *testing.T) {
	runs := runregistry.New()
	f := Factory(runs, runregistry.NewExecutor(runs, nil))

	_, err := f(provider.Definition{ID: "l", Type: provider.TypeLocal, Options: map[string]any{"dir": "/tmp"}}, nil)
	require.NoError(t, err)

	_, err = f(provider.Definition{ID: "l", Type: provider.TypeLocal, Options: map[string]any{"nope": 1}}, nil)
	require.ErrorIs(t, err, provider.ErrInvalidConfig)
}
