// Package mcp provides the shardbench MCP server. It exposes the run
// ledger and the grid plan read-only; it never touches the fleet.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/deixis/shardbench"
	"github.com/deixis/shardbench/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	store report.Store

	mu  sync.Mutex
	dir string // relative config and outdir paths resolve here
}

// NewServer creates an MCP server with all shardbench tools registered.
// dir is the directory relative paths resolve against until the client
// reports a root.
func NewServer(store report.Store, dir string) *mcp.Server {
	h := &handler{store: store, dir: dir}

	opts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateDirFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "shardbench", Version: shardbench.Version}, opts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "sb_runs",
		Description: `List run ledger records, newest first.

Each line shows the record ID, the point key and the outcome. Filter with key, a substring
of the point key (e.g. "kernel-4-clientshard"). Drill into one record with sb_inspect.`,
	}, h.runsHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "sb_inspect",
		Description: `Show one ledger record in detail.

For a run: the point parameters, final state, derived interarrival and client timeout,
priming attempts and every artifact that could not be collected. For a probe: the bounds,
the resolved capacity and each load tried.`,
	}, h.inspectHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "sb_plan",
		Description: `Enumerate the experiment grid of a config file and mark each point run or skip.

A point is skipped when its first client data file already exists under outdir, unless
overwrite is set. Nothing is executed.`,
	}, h.planHandler)

	return s
}

// updateDirFromRoots queries the client for MCP roots and makes the first
// file root the base for relative paths.
func (h *handler) updateDirFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}
	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}
	h.mu.Lock()
	h.dir = u.Path
	h.mu.Unlock()
}

// resolve joins a relative path onto the current base directory.
func (h *handler) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return filepath.Join(h.dir, p)
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
