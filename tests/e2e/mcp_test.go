// MCP server end-to-end tests.
//
// Each test wires the real MCP server in-process via the mcp-go
// InProcessTransport, backed by a fresh service.Service rooted at a
// temporary sync directory.  No binary needs to be compiled; the full stack
// (service → store → merge → mcp handler → mcp-go server → in-process
// client) is exercised within a single test process.
package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-ports/histsync/internal/checkers"
	"github.com/go-ports/histsync/internal/machine"
	internalmcp "github.com/go-ports/histsync/internal/mcp"
	"github.com/go-ports/histsync/internal/service"
	"github.com/go-ports/histsync/internal/store"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// newMCPClient creates an in-process MCP client backed by a fresh service
// rooted at a temporary sync directory, which is returned alongside the
// client so tests can plant store files in it.  The machine identity and
// home directory are pinned so tests never touch the developer's real
// configuration.  The client is started and initialized before it is
// returned; cleanup is registered on c automatically.
func newMCPClient(c *qt.C) (*mcpclient.Client, string) {
	c.TB.Helper()

	c.TB.Setenv("HOME", c.TB.TempDir())
	c.TB.Setenv(machine.EnvVar, "mbp")
	dir := c.TB.TempDir()

	svc, err := service.New(dir)
	c.Assert(err, qt.IsNil)

	cl, err := mcpclient.NewInProcessClient(internalmcp.NewServer(svc))
	c.Assert(err, qt.IsNil)
	c.TB.Cleanup(func() { _ = cl.Close() })

	c.Assert(cl.Start(context.Background()), qt.IsNil)

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "e2e-test", Version: "0.0.1"}
	_, err = cl.Initialize(context.Background(), initReq)
	c.Assert(err, qt.IsNil)

	return cl, dir
}

// callTool invokes the named MCP tool and returns the text of the first
// content item.  All errors are surfaced as immediate assertion failures via c.
func callTool(c *qt.C, cl *mcpclient.Client, name string, args map[string]any) string {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := cl.CallTool(context.Background(), req)
	c.Assert(err, qt.IsNil)
	c.Assert(result.Content, qt.HasLen, 1)

	tc, ok := mcp.AsTextContent(result.Content[0])
	c.Assert(ok, qt.IsTrue)

	return tc.Text
}

// at returns a UTC timestamp i minutes past a fixed base instant.
func at(i int) time.Time {
	return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
}

// closedSession builds a finished session whose entries are numbered from 1.
func closedSession(id int64, start time.Time, sources ...string) store.Session {
	s := store.Session{ID: id, Start: start, NumCmds: len(sources)}
	for i, src := range sources {
		s.Entries = append(s.Entries, store.Entry{Line: i + 1, Source: src, SourceRaw: src + "\n"})
	}
	end := start.Add(time.Minute)
	s.End = &end
	return s
}

// writeMachineStore plants a per-machine store under the standard naming
// scheme, as the sync service would find it after replication.
func writeMachineStore(c *qt.C, dir, machineID string, gen int64, sessions ...store.Session) string {
	c.TB.Helper()
	path := filepath.Join(dir, store.FileName(machineID, gen))
	snap := &store.Snapshot{
		Machine: machineID,
		Meta: map[string]string{
			store.MetaMachineID:    machineID,
			store.MetaStoreVersion: store.Version,
			store.MetaCreatedAt:    store.FormatTime(at(-60)),
		},
		Sessions: sessions,
	}
	c.Assert(store.Write(path, snap), qt.IsNil)
	return path
}

var junk = bytes.Repeat([]byte("not a database\n"), 16)

// ---------------------------------------------------------------------------
// ListTools
// ---------------------------------------------------------------------------

func TestMCPListTools_HappyPath(t *testing.T) {
	c := qt.New(t)
	cl, _ := newMCPClient(c)

	result, err := cl.ListTools(context.Background(), mcp.ListToolsRequest{})
	c.Assert(err, qt.IsNil)
	c.Assert(result.Tools, qt.HasLen, 3)

	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
	}
	c.Assert(names, qt.Contains, "history_sync")
	c.Assert(names, qt.Contains, "history_status")
	c.Assert(names, qt.Contains, "history_verify")
}

// ---------------------------------------------------------------------------
// history_sync
// ---------------------------------------------------------------------------

func TestMCPHistorySync_HappyPath(t *testing.T) {
	c := qt.New(t)
	cl, dir := newMCPClient(c)

	writeMachineStore(c, dir, "zed", 100,
		closedSession(1, at(0), "import sys"),
		closedSession(2, at(5), "print('hi')", "sys.exit()"),
	)

	text := callTool(c, cl, "history_sync", nil)

	c.Assert(text, checkers.JSONPathEquals("$.inputs"), float64(1))
	c.Assert(text, checkers.JSONPathEquals("$.added"), float64(2))
	c.Assert(text, checkers.JSONPathEquals("$.written"), true)
	c.Assert(text, checkers.JSONPathEquals("$.rotated"), false)

	var rep map[string]any
	c.Assert(json.Unmarshal([]byte(text), &rep), qt.IsNil)
	c.Assert(rep["active_path"].(string), qt.Contains, "mbp")
	c.Assert(rep["merged_path"], qt.Equals, filepath.Join(dir, store.MergedFileName))
	c.Assert(rep["malformed"], qt.HasLen, 0)
	c.Assert(rep["retired"], qt.HasLen, 0)

	c.Run("second sync changes nothing", func(c *qt.C) {
		text := callTool(c, cl, "history_sync", nil)
		c.Assert(text, checkers.JSONPathEquals("$.written"), false)
		c.Assert(text, checkers.JSONPathEquals("$.added"), float64(0))
		c.Assert(text, checkers.JSONPathEquals("$.inputs"), float64(2))
	})
}

func TestMCPHistorySync_FailurePath(t *testing.T) {
	c := qt.New(t)
	cl, dir := newMCPClient(c)

	c.Run("unusable merged store becomes a tool error", func(c *qt.C) {
		err := os.WriteFile(filepath.Join(dir, store.MergedFileName), junk, 0o644)
		c.Assert(err, qt.IsNil)

		req := mcp.CallToolRequest{}
		req.Params.Name = "history_sync"

		result, err := cl.CallTool(context.Background(), req)
		c.Assert(err, qt.IsNil)
		c.Assert(result.IsError, qt.IsTrue)
		c.Assert(result.Content, qt.HasLen, 1)

		tc, ok := mcp.AsTextContent(result.Content[0])
		c.Assert(ok, qt.IsTrue)
		c.Assert(tc.Text, qt.Contains, "merged store unusable")
	})
}

// ---------------------------------------------------------------------------
// history_status
// ---------------------------------------------------------------------------

func TestMCPHistoryStatus_HappyPath(t *testing.T) {
	c := qt.New(t)
	cl, dir := newMCPClient(c)

	writeMachineStore(c, dir, "zed", 100,
		closedSession(1, at(0), "import sys"),
		closedSession(2, at(5), "print('hi')", "sys.exit()"),
	)
	callTool(c, cl, "history_sync", nil)

	text := callTool(c, cl, "history_status", nil)

	c.Assert(text, checkers.JSONPathEquals("$.machine_id"), "mbp")
	c.Assert(text, checkers.JSONPathEquals("$.merged_present"), true)
	c.Assert(text, checkers.JSONPathEquals("$.merged_sessions"), float64(2))
	c.Assert(text, checkers.JSONPathEquals("$.merged_entries"), float64(3))
	c.Assert(text, checkers.JSONPathEquals("$.locked"), false)
	c.Assert(text, checkers.JSONPathEquals("$.machines[0].machine"), "mbp")
	c.Assert(text, checkers.JSONPathEquals("$.machines[1].machine"), "zed")
	c.Assert(text, checkers.JSONPathEquals("$.machines[1].sessions"), float64(2))
	c.Assert(text, checkers.JSONPathEquals("$.machines[1].mark"), float64(2))

	var rep map[string]any
	c.Assert(json.Unmarshal([]byte(text), &rep), qt.IsNil)
	c.Assert(rep["dir"], qt.Equals, dir)
	c.Assert(rep["machines"], qt.HasLen, 2)
	c.Assert(rep["conflicts"], qt.HasLen, 0)
	c.Assert(rep["malformed"], qt.HasLen, 0)
	_, held := rep["lock_holder"]
	c.Assert(held, qt.IsFalse)
}

func TestMCPHistoryStatus_EmptyDir_HappyPath(t *testing.T) {
	c := qt.New(t)
	cl, _ := newMCPClient(c)

	text := callTool(c, cl, "history_status", nil)

	c.Assert(text, checkers.JSONPathEquals("$.machine_id"), "mbp")
	c.Assert(text, checkers.JSONPathEquals("$.merged_present"), false)
	c.Assert(text, checkers.JSONPathEquals("$.merged_sessions"), float64(0))
	c.Assert(text, checkers.JSONPathEquals("$.locked"), false)

	var rep map[string]any
	c.Assert(json.Unmarshal([]byte(text), &rep), qt.IsNil)
	c.Assert(rep["machines"], qt.HasLen, 0)
}

// ---------------------------------------------------------------------------
// history_verify
// ---------------------------------------------------------------------------

func TestMCPHistoryVerify_HappyPath(t *testing.T) {
	c := qt.New(t)
	cl, dir := newMCPClient(c)

	writeMachineStore(c, dir, "zed", 100,
		closedSession(1, at(0), "import sys"),
	)
	callTool(c, cl, "history_sync", nil)

	text := callTool(c, cl, "history_verify", nil)

	c.Assert(text, checkers.JSONPathEquals("$.ok"), true)
	c.Assert(text, checkers.JSONPathEquals("$.checked"), float64(3))

	var rep map[string]any
	c.Assert(json.Unmarshal([]byte(text), &rep), qt.IsNil)
	c.Assert(rep["problems"], qt.HasLen, 0)
	c.Assert(rep["duplicates"], qt.HasLen, 0)
}

func TestMCPHistoryVerify_DamagedStore_HappyPath(t *testing.T) {
	c := qt.New(t)
	cl, dir := newMCPClient(c)

	writeMachineStore(c, dir, "zed", 100, closedSession(1, at(0), "import sys"))
	callTool(c, cl, "history_sync", nil)

	err := os.WriteFile(filepath.Join(dir, store.FileName("kit", 7)), junk, 0o644)
	c.Assert(err, qt.IsNil)

	text := callTool(c, cl, "history_verify", nil)

	c.Assert(text, checkers.JSONPathEquals("$.ok"), false)

	var rep map[string]any
	c.Assert(json.Unmarshal([]byte(text), &rep), qt.IsNil)
	c.Assert(rep["problems"], qt.HasLen, 1)
}

// ---------------------------------------------------------------------------
// Failure path: unknown tool
// ---------------------------------------------------------------------------

func TestMCPCallTool_FailurePath(t *testing.T) {
	c := qt.New(t)
	cl, _ := newMCPClient(c)

	c.Run("unknown tool name returns error", func(c *qt.C) {
		req := mcp.CallToolRequest{}
		req.Params.Name = "nonexistent_tool"
		req.Params.Arguments = make(map[string]any)

		_, err := cl.CallTool(context.Background(), req)
		c.Assert(err, qt.IsNotNil)
	})
}
