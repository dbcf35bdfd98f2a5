package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/deixis/shardbench/internal/config"
	"github.com/deixis/shardbench/internal/grid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type planParams struct {
	Config    string `json:"config" jsonschema:"path to the experiment file (.toml, .yaml or .yml)"`
	OutDir    string `json:"outdir" jsonschema:"output directory the sweep writes to"`
	Overwrite bool   `json:"overwrite,omitempty" jsonschema:"plan as if existing output would be overwritten"`
}

func (h *handler) planHandler(ctx context.Context, req *mcp.CallToolRequest, params planParams) (*mcp.CallToolResult, any, error) {
	if params.Config == "" {
		return errorResult("config is required")
	}
	if params.OutDir == "" {
		return errorResult("outdir is required")
	}

	cfg, err := config.Load(h.resolve(params.Config))
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return errorResult(err.Error())
	}
	decisions, err := cfg.Plan(h.resolve(params.OutDir), params.Overwrite)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to plan: %v", err))
	}
	return textResult(formatPlan(decisions, len(cfg.Machines.Clients)))
}

func formatPlan(decisions []grid.Decision, clients int) string {
	var b strings.Builder

	skip := 0
	for _, d := range decisions {
		if d.Skip {
			skip++
		}
	}
	fmt.Fprintf(&b, "Plan: %d points, %d to run, %d to skip\n\n", len(decisions), len(decisions)-skip, skip)

	for _, d := range decisions {
		action := "run "
		if d.Skip {
			action = "skip"
		}
		p := d.Point
		fmt.Fprintf(&b, "%s  %s", action, p.Key())
		if threads, err := grid.ClientThreads(p.Workload); err == nil {
			fmt.Fprintf(&b, "  interarrival=%dus", grid.Interarrival(threads, clients, p.Ops))
		}
		fmt.Fprintln(&b)
	}
	return b.String()
}
