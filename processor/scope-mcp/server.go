// Package scopemcp exposes the scope pipeline and document store as MCP tools.
//
// Each tool follows the same shape:
// - a struct with its dependencies injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
//
// Tool failures are reported as tool results with IsError set, never as
// protocol errors, so the calling agent can read and react to them.
package scopemcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/c360studio/scopecraft/pipeline"
	"github.com/c360studio/scopecraft/scope"
)

// Store is the document store surface the tools need.
type Store interface {
	Get(ctx context.Context, id string) (*scope.Document, error)
	List(ctx context.Context) (*scope.ListResult, error)
	History(ctx context.Context, id string) ([]scope.Snapshot, error)
	Restore(ctx context.Context, id string, timestamp time.Time) (*scope.Document, error)
}

// New creates the MCP server with every scope tool registered.
func New(p *pipeline.Pipeline, store Store, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"scopecraft",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	for _, t := range Tools(p, store) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s
}

// ServeStdio runs the server over stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

const instructions = `scopecraft turns meeting notes into project scope documents.

Typical flow:
1. scope_analyze with the project name and transcription.
2. Ask the user the returned questions, then call scope_follow_up with the
   answers until it reports no further questions.
3. scope_generate to write and store the document.

Stored documents keep a version history: scope_history lists snapshots and
scope_restore brings one back. scope_resolve_edit checks a proposed line edit
against a document without changing anything.`
