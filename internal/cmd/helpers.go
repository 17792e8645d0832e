package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/orchestra/internal/observability"
	"github.com/3leaps/orchestra/pkg/orchestrator"
)

// openOrchestrator builds the components without starting background work.
func openOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	o, err := orchestrator.New(ctx, appConfig.Orchestrator(),
		orchestrator.WithLogger(observability.CLILogger))
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open orchestrator store", err)
	}
	return o, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printKV(w io.Writer, pairs ...string) {
	for i := 0; i+1 < len(pairs); i += 2 {
		_, _ = fmt.Fprintf(w, "%s=%s\n", pairs[i], pairs[i+1])
	}
}
