package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/shardbench/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type inspectParams struct {
	RunID string `json:"run_id" jsonschema:"the record ID from sb_runs"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	rec, err := h.store.Load(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}
	if rec.Kind == report.Probe {
		return textResult(formatProbe(rec))
	}
	return textResult(formatRun(rec))
}

func formatPoint(b *strings.Builder, r *report.RunRecord) {
	fmt.Fprintf(b, "Key: %s\n", r.Key)
	fmt.Fprintf(b, "  datapath=%s shards=%d shardtype=%s\n", r.Datapath, r.Shards, r.ShardType)
	fmt.Fprintf(b, "  poisson=%t client_batch=%d server_batch=%s stack_frag=%t\n", r.Poisson, r.ClientBatch, r.ServerBatch, r.StackFrag)
	fmt.Fprintf(b, "  workload=%s iter=%d\n", r.Workload, r.Iter)
	if r.Revision != "" {
		fmt.Fprintf(b, "Revision: %s\n", r.Revision)
	}
}

func formatRun(r *report.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s (%s)\n", r.ID, r.Kind)
	formatPoint(&b, r)
	fmt.Fprintf(&b, "Load: %d ops/s\n", r.Ops)
	fmt.Fprintln(&b)

	switch {
	case r.Skipped:
		fmt.Fprintln(&b, "State: skipped (output already present)")
	case r.Err != "":
		fmt.Fprintf(&b, "State: %s, FAILED\n", r.State)
		fmt.Fprintf(&b, "Error: %s\n", r.Err)
	default:
		fmt.Fprintf(&b, "State: %s\n", r.State)
	}
	if r.Interarrival > 0 {
		fmt.Fprintf(&b, "Interarrival: %dus per client thread\n", r.Interarrival)
	}
	if r.TimeoutSec > 0 {
		fmt.Fprintf(&b, "Client timeout: %s\n", time.Duration(r.TimeoutSec)*time.Second)
	}
	if r.PrimingAttempts > 0 {
		fmt.Fprintf(&b, "Priming attempts: %d\n", r.PrimingAttempts)
	}
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", d.Round(time.Second))
	}

	if len(r.Missing) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "Missing artifacts (%d):\n", len(r.Missing))
		for _, m := range r.Missing {
			fmt.Fprintf(&b, "  %s\n", m)
		}
	}
	return b.String()
}

func formatProbe(r *report.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s (%s)\n", r.ID, r.Kind)
	formatPoint(&b, r)
	fmt.Fprintln(&b)

	high := "none"
	if r.High > 0 {
		high = fmt.Sprint(r.High)
	}
	fmt.Fprintf(&b, "Bounds: low=%d high=%s\n", r.Low, high)
	fmt.Fprintf(&b, "Capacity: %d ops/s\n", r.Capacity)
	if r.Err != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Err)
	}
	if len(r.Steps) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Steps:")
		for _, s := range r.Steps {
			status := "FAIL"
			if s.Passed {
				status = "ok"
			}
			fmt.Fprintf(&b, "  %-10d %s\n", s.Ops, status)
		}
	}
	return b.String()
}
