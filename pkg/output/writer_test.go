package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/workflow"
)

func decodeLines(t *testing.T, raw string) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "jobs-list")

	created := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	job := jobs.Job{
		ID:           "job-1",
		Type:         jobs.TypeTrain,
		Status:       jobs.StatusRunning,
		ExperimentID: "exp",
		Progress:     40,
		Data:         jobs.JobData{ProviderID: "slurm-a", Extra: map[string]any{"lr": 0.1}},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	require.NoError(t, w.WriteJob(context.Background(), NewJobRecord(job)))

	recs := decodeLines(t, buf.String())
	require.Len(t, recs, 1)
	assert.Equal(t, TypeJob, recs[0].Type)
	assert.Equal(t, "jobs-list", recs[0].Source)
	assert.False(t, recs[0].TS.IsZero())

	var got map[string]any
	require.NoError(t, json.Unmarshal(recs[0].Data, &got))
	assert.Equal(t, "job-1", got["job_id"])
	assert.Equal(t, "TRAIN", got["job_type"])
	assert.Equal(t, "RUNNING", got["status"])
	data := got["job_data"].(map[string]any)
	assert.Equal(t, "slurm-a", data["provider_id"])
	assert.Equal(t, 0.1, data["lr"])
}

func TestJSONLWriter_WriteJobEvent(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "serve")

	ev := jobs.StatusEvent{JobID: "job-1", Type: jobs.TypeEval, From: jobs.StatusRunning, To: jobs.StatusFailed,
		ErrorMsg: "cluster exited with code 2", At: time.Now()}
	require.NoError(t, w.WriteJobEvent(context.Background(), NewJobEventRecord(ev)))

	recs := decodeLines(t, buf.String())
	var got JobEventRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &got))
	assert.Equal(t, TypeJobEvent, recs[0].Type)
	assert.Equal(t, "RUNNING", got.From)
	assert.Equal(t, "FAILED", got.To)
	assert.Equal(t, "cluster exited with code 2", got.ErrorMsg)
}

func TestJSONLWriter_WriteWorkflowRunAndSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "")

	require.NoError(t, w.WriteWorkflowRun(context.Background(),
		NewWorkflowRunRecord(workflow.Run{ID: "run-1", WorkflowID: "wf-1", Status: workflow.RunQueued})))
	require.NoError(t, w.WriteSummary(context.Background(),
		&SummaryRecord{Kind: "workflow_runs", Count: 1, ByStatus: map[string]int{"QUEUED": 1}}))

	recs := decodeLines(t, buf.String())
	require.Len(t, recs, 2)
	assert.Equal(t, TypeWorkflowRun, recs[0].Type)
	assert.Equal(t, TypeSummary, recs[1].Type)
	assert.NotContains(t, buf.String(), `"source"`)

	var run map[string]any
	require.NoError(t, json.Unmarshal(recs[0].Data, &run))
	assert.Equal(t, []any{}, run["job_ids"])
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "")
	require.NoError(t, w.Close())

	err := w.WriteSummary(context.Background(), &SummaryRecord{Kind: "jobs"})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.WriteJob(context.Background(), &JobRecord{JobID: strings.Repeat("x", i+1)})
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, buf.String()), n)
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, &JobRecord{JobID: "job-1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

type failingWriter struct{ err error }

func (f *failingWriter) Write([]byte) (int, error) { return 0, f.err }

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (s *shortWriteWriter) Write(p []byte) (int, error) {
	if len(p) > s.bytesPerWrite {
		p = p[:s.bytesPerWrite]
	}
	return s.buf.Write(p)
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write([]byte) (int, error) { return 0, nil }

func TestJSONLWriter_WriteFailures(t *testing.T) {
	disk := errors.New("disk full")
	err := NewJSONLWriter(&failingWriter{err: disk}, "").WriteJob(context.Background(), &JobRecord{JobID: "j"})
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "write", we.Op)
	assert.ErrorIs(t, err, disk)

	err = NewJSONLWriter(zeroWriteWriter{}, "").WriteJob(context.Background(), &JobRecord{JobID: "j"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "")

	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{JobID: "job-with-a-long-id"}))
	recs := decodeLines(t, sw.buf.String())
	require.Len(t, recs, 1)
	assert.Equal(t, TypeJob, recs[0].Type)
}
