package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits records. Implementations are safe for concurrent use.
type Writer interface {
	WriteJob(ctx context.Context, j *JobRecord) error
	WriteJobEvent(ctx context.Context, ev *JobEventRecord) error
	WriteWorkflowRun(ctx context.Context, r *WorkflowRunRecord) error
	WriteRun(ctx context.Context, r *RunRecord) error
	WriteSummary(ctx context.Context, s *SummaryRecord) error
	Close() error
}

// JSONLWriter writes one Record per line. Writes are serialized so lines
// never interleave.
type JSONLWriter struct {
	w      io.Writer
	source string
	now    func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter writes to w, stamping each record with source.
func NewJSONLWriter(w io.Writer, source string) *JSONLWriter {
	return &JSONLWriter{w: w, source: source, now: time.Now}
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, j *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, j)
}

func (jw *JSONLWriter) WriteJobEvent(ctx context.Context, ev *JobEventRecord) error {
	return jw.writeRecord(ctx, TypeJobEvent, ev)
}

func (jw *JSONLWriter) WriteWorkflowRun(ctx context.Context, r *WorkflowRunRecord) error {
	return jw.writeRecord(ctx, TypeWorkflowRun, r)
}

func (jw *JSONLWriter) WriteRun(ctx context.Context, r *RunRecord) error {
	return jw.writeRecord(ctx, TypeRun, r)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, s *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, s)
}

// Close rejects further writes. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:   recordType,
		TS:     jw.now().UTC(),
		Source: jw.source,
		Data:   payload,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeAll(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll loops over short writes so a line is never truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
