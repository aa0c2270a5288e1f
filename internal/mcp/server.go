// Package mcp provides the stdio MCP server exposing history sync operations
// for agent hosts. Tools operate on the sync lifecycle only; querying history
// content stays with IPython, which reads the merged store directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/go-ports/histsync/internal/buildinfo"
	"github.com/go-ports/histsync/internal/service"
)

const syncDescription = `Merge every replicated history store in the sync directory into the consistent merged view, make sure this machine's active store exists, and retire stores whose sessions are all safely merged. Safe to call at any time: merging is idempotent and a sync that changes nothing rewrites nothing.` //nolint:lll

const statusDescription = `Report the state of the sync directory: per-machine store counts, session and entry totals, high-water marks, conflict copies, and lock state. Read-only.` //nolint:lll

const verifyDescription = `Check every store file in the sync directory for structural damage and the merged store for internal consistency (session origins, high-water marks, content digest). Read-only.` //nolint:lll

// NewServer creates and registers all sync tools on a new MCP server.
// It is intentionally separate from Serve so that tests and other callers can
// obtain a fully configured server without committing to the stdio transport.
func NewServer(svc *service.Service) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("histsync", buildinfo.Version)
	registerTools(s, svc)
	return s
}

// Serve starts the stdio MCP server for the given sync directory (empty
// selects the configured one), blocking until stdin closes.
func Serve(_ context.Context, dir string) error {
	svc, err := service.New(dir)
	if err != nil {
		return fmt.Errorf("mcp: init service: %w", err)
	}

	return mcpserver.ServeStdio(NewServer(svc))
}

// registerTools wires all three MCP tools into the server.
func registerTools(s *mcpserver.MCPServer, svc *service.Service) {
	s.AddTool(mcp.NewTool("history_sync",
		mcp.WithDescription(syncDescription),
	), func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleSync(ctx, svc)
	})

	s.AddTool(mcp.NewTool("history_status",
		mcp.WithDescription(statusDescription),
	), func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleStatus(ctx, svc)
	})

	s.AddTool(mcp.NewTool("history_verify",
		mcp.WithDescription(verifyDescription),
	), func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleVerify(ctx, svc)
	})
}

// ---------------------------------------------------------------------------
// Tool handlers
// ---------------------------------------------------------------------------

func handleSync(ctx context.Context, svc *service.Service) (*mcp.CallToolResult, error) {
	rep, err := svc.Sync(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]any{
		"active_path": rep.ActivePath,
		"merged_path": rep.MergedPath,
		"inputs":      rep.Inputs,
		"added":       rep.Added,
		"updated":     rep.Updated,
		"written":     rep.Written,
		"rotated":     rep.Rotated,
		"malformed":   orEmpty(rep.Malformed),
		"retired":     orEmpty(rep.Retired),
	})
}

func handleStatus(ctx context.Context, svc *service.Service) (*mcp.CallToolResult, error) {
	rep, err := svc.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	machines := make([]map[string]any, 0, len(rep.Machines))
	for _, m := range rep.Machines {
		machines = append(machines, map[string]any{
			"machine":       m.Machine,
			"stores":        m.Stores,
			"sessions":      m.Sessions,
			"entries":       m.Entries,
			"open":          m.Open,
			"view_sessions": m.ViewSessions,
			"mark":          m.Mark,
		})
	}

	out := map[string]any{
		"dir":             rep.Dir,
		"machine_id":      rep.MachineID,
		"active_path":     rep.ActivePath,
		"merged_present":  rep.MergedPresent,
		"merged_sessions": rep.MergedSessions,
		"merged_entries":  rep.MergedEntries,
		"machines":        machines,
		"locked":          rep.Locked,
		"conflicts":       orEmpty(rep.Conflicts),
		"malformed":       orEmpty(rep.Malformed),
	}
	if rep.LockHolder != nil {
		out["lock_holder"] = map[string]any{
			"machine":    rep.LockHolder.Machine,
			"pid":        rep.LockHolder.PID,
			"created_at": rep.LockHolder.CreatedAt,
		}
	}
	return jsonResult(out)
}

func handleVerify(ctx context.Context, svc *service.Service) (*mcp.CallToolResult, error) {
	rep, err := svc.Verify(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]any{
		"checked":    rep.Checked,
		"ok":         rep.OK(),
		"problems":   orEmpty(rep.Problems),
		"duplicates": orEmpty(rep.Duplicates),
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

// orEmpty keeps absent lists rendering as [] rather than null.
func orEmpty(ss []string) []string {
	if ss == nil {
		return make([]string, 0)
	}
	return ss
}
