package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/deixis/shardbench/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultRunsLimit caps sb_runs output when no limit is given.
const defaultRunsLimit = 50

type runsParams struct {
	Key   string `json:"key,omitempty" jsonschema:"substring of the point key to filter on, e.g. kernel-4-clientshard"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of records to list (default 50)"`
}

func (h *handler) runsHandler(ctx context.Context, req *mcp.CallToolRequest, params runsParams) (*mcp.CallToolResult, any, error) {
	records, err := h.store.List()
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to list runs: %v", err))
	}
	records = report.ByKey(records, params.Key)
	if len(records) == 0 {
		if params.Key != "" {
			return textResult(fmt.Sprintf("No runs match %q.", params.Key))
		}
		return textResult("No runs recorded.")
	}
	return textResult(formatRuns(records, params.Limit))
}

func formatRuns(records []*report.RunRecord, limit int) string {
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	var b strings.Builder

	var done, skipped, failed, probes int
	for _, r := range records {
		switch {
		case r.Kind == report.Probe:
			probes++
		case r.Err != "":
			failed++
		case r.Skipped:
			skipped++
		default:
			done++
		}
	}
	fmt.Fprintf(&b, "Runs: %d done, %d skipped, %d failed; %d probes\n\n", done, skipped, failed, probes)

	for i, r := range records {
		if i == limit {
			fmt.Fprintf(&b, "... %d more\n", len(records)-limit)
			break
		}
		fmt.Fprintf(&b, "%s  %s\n", r.Started.Format("2006-01-02 15:04:05"), r.Summary())
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, `Inspect with sb_inspect(run_id="<id>").`)
	return b.String()
}
