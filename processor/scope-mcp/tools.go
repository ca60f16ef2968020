package scopemcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/c360studio/scopecraft/edit"
	"github.com/c360studio/scopecraft/pipeline"
	"github.com/c360studio/scopecraft/scope"
)

// Tool is an MCP tool with its handler.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Tools returns every scope tool.
func Tools(p *pipeline.Pipeline, store Store) []Tool {
	return []Tool{
		&AnalyzeTool{pipeline: p},
		&FollowUpTool{pipeline: p},
		&GenerateTool{pipeline: p},
		&ListTool{store: store},
		&GetTool{store: store},
		&HistoryTool{store: store},
		&RestoreTool{store: store},
		&ResolveEditTool{},
	}
}

// ─── scope_analyze ───────────────────────────────────────────────────────────

// AnalyzeTool handles the scope_analyze MCP tool.
type AnalyzeTool struct {
	pipeline *pipeline.Pipeline
}

// Definition returns the MCP tool definition for scope_analyze.
func (t *AnalyzeTool) Definition() mcp.Tool {
	return mcp.NewTool("scope_analyze",
		mcp.WithDescription("Analyze a meeting transcription: classify the project and list the questions that must be answered before a scope document can be written."),
		mcp.WithString("project_name", mcp.Required(), mcp.Description("Project name")),
		mcp.WithString("transcription", mcp.Description("Meeting transcription or notes")),
	)
}

// Handle processes the scope_analyze tool call.
func (t *AnalyzeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("project_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := t.pipeline.Analyze(ctx, name, req.GetString("transcription", ""))
	if err != nil {
		return mcp.NewToolResultErrorFromErr("analysis failed", err), nil
	}
	if !result.Parsed() {
		return mcp.NewToolResultText("The model did not return structured analysis. Raw response:\n\n" + result.Raw), nil
	}
	return jsonResult(result.Analysis)
}

// ─── scope_follow_up ─────────────────────────────────────────────────────────

// FollowUpTool handles the scope_follow_up MCP tool.
type FollowUpTool struct {
	pipeline *pipeline.Pipeline
}

// Definition returns the MCP tool definition for scope_follow_up.
func (t *FollowUpTool) Definition() mcp.Tool {
	return mcp.NewTool("scope_follow_up",
		mcp.WithDescription("Ask whether critical information is still missing after the user answered the analysis questions. Returns status no_further_questions when generation can start."),
		mcp.WithString("project_name", mcp.Required(), mcp.Description("Project name")),
		mcp.WithObject("project_info", mcp.Description(projectInfoDescription)),
	)
}

// Handle processes the scope_follow_up tool call.
func (t *FollowUpTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("project_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	info, err := projectInfoArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := t.pipeline.FollowUp(ctx, name, info)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("follow-up failed", err), nil
	}
	return jsonResult(result)
}

// ─── scope_generate ──────────────────────────────────────────────────────────

// GenerateTool handles the scope_generate MCP tool.
type GenerateTool struct {
	pipeline *pipeline.Pipeline
}

// Definition returns the MCP tool definition for scope_generate.
func (t *GenerateTool) Definition() mcp.Tool {
	return mcp.NewTool("scope_generate",
		mcp.WithDescription("Write the scope document from the collected information and store it. Returns the new document id followed by the Markdown."),
		mcp.WithString("project_name", mcp.Required(), mcp.Description("Project name")),
		mcp.WithObject("project_info", mcp.Description(projectInfoDescription)),
		mcp.WithString("model", mcp.Description("Model override (default: configured model)")),
	)
}

// Handle processes the scope_generate tool call.
func (t *GenerateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("project_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	info, err := projectInfoArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	doc, err := t.pipeline.Generate(ctx, name, info, req.GetString("model", ""))
	if err != nil {
		return mcp.NewToolResultErrorFromErr("generation failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("id: %s\n\n%s", doc.ID, doc.Scope)), nil
}

// ─── scope_list ──────────────────────────────────────────────────────────────

// ListTool handles the scope_list MCP tool.
type ListTool struct {
	store Store
}

// Definition returns the MCP tool definition for scope_list.
func (t *ListTool) Definition() mcp.Tool {
	return mcp.NewTool("scope_list",
		mcp.WithDescription("List stored scope documents, newest first."),
	)
}

// Handle processes the scope_list tool call.
func (t *ListTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := t.store.List(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("list failed", err), nil
	}
	if len(result.Scopes) == 0 && len(result.Errors) == 0 {
		return mcp.NewToolResultText("No scope documents stored yet."), nil
	}

	var b strings.Builder
	for _, s := range result.Scopes {
		fmt.Fprintf(&b, "- %s  %s  (created %s, %d versions)\n",
			s.ID, s.ProjectName, s.DateCreated.Format(time.RFC3339), s.Versions)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(&b, "- unreadable %s: %s\n", e.FileName, e.Error)
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

// ─── scope_get ───────────────────────────────────────────────────────────────

// GetTool handles the scope_get MCP tool.
type GetTool struct {
	store Store
}

// Definition returns the MCP tool definition for scope_get.
func (t *GetTool) Definition() mcp.Tool {
	return mcp.NewTool("scope_get",
		mcp.WithDescription("Return the live Markdown of a stored scope document."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id from scope_list")),
		mcp.WithBoolean("numbered", mcp.Description("Prefix each line with its 1-based number (default: false)")),
	)
}

// Handle processes the scope_get tool call.
func (t *GetTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	doc, err := t.store.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("get failed", err), nil
	}
	if req.GetBool("numbered", false) {
		return mcp.NewToolResultText(edit.NumberLines(doc.Scope)), nil
	}
	return mcp.NewToolResultText(doc.Scope), nil
}

// ─── scope_history ───────────────────────────────────────────────────────────

// HistoryTool handles the scope_history MCP tool.
type HistoryTool struct {
	store Store
}

// Definition returns the MCP tool definition for scope_history.
func (t *HistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("scope_history",
		mcp.WithDescription("List the saved versions of a scope document, oldest first. Use a timestamp with scope_restore."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
	)
}

// Handle processes the scope_history tool call.
func (t *HistoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	history, err := t.store.History(ctx, id)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("history failed", err), nil
	}
	if len(history) == 0 {
		return mcp.NewToolResultText("No saved versions."), nil
	}

	var b strings.Builder
	for _, s := range history {
		fmt.Fprintf(&b, "- %s  %s", s.Timestamp.Format(time.RFC3339Nano), s.ProjectName)
		if s.IsRestorePoint && s.RestoredFrom != nil {
			fmt.Fprintf(&b, "  (restore point, restored %s)", s.RestoredFrom.Format(time.RFC3339Nano))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

// ─── scope_restore ───────────────────────────────────────────────────────────

// RestoreTool handles the scope_restore MCP tool.
type RestoreTool struct {
	store Store
}

// Definition returns the MCP tool definition for scope_restore.
func (t *RestoreTool) Definition() mcp.Tool {
	return mcp.NewTool("scope_restore",
		mcp.WithDescription("Restore a saved version. The current content is kept in history as a restore point."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithString("timestamp", mcp.Required(), mcp.Description("Version timestamp from scope_history (RFC 3339)")),
	)
}

// Handle processes the scope_restore tool call.
func (t *RestoreTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("timestamp")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid timestamp %q: use the value shown by scope_history", raw)), nil
	}

	doc, err := t.store.Restore(ctx, id, ts)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("restore failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Restored %s to the version from %s. %d versions in history.",
		doc.ID, ts.Format(time.RFC3339Nano), len(doc.VersionHistory))), nil
}

// ─── scope_resolve_edit ──────────────────────────────────────────────────────

// ResolveEditTool handles the scope_resolve_edit MCP tool.
type ResolveEditTool struct{}

// Definition returns the MCP tool definition for scope_resolve_edit.
func (t *ResolveEditTool) Definition() mcp.Tool {
	return mcp.NewTool("scope_resolve_edit",
		mcp.WithDescription("Parse an AI reply that may carry one fenced json line edit ({start_line, end_line, new_text}) and validate it against the document. Nothing is changed."),
		mcp.WithString("document_content", mcp.Required(), mcp.Description("Current document Markdown")),
		mcp.WithString("ai_response", mcp.Required(), mcp.Description("The AI reply to resolve")),
	)
}

// Handle processes the scope_resolve_edit tool call.
func (t *ResolveEditTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content := req.GetString("document_content", "")
	reply, err := req.RequireString("ai_response")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(edit.Resolve(content, reply))
}

// ─── helpers ─────────────────────────────────────────────────────────────────

const projectInfoDescription = `Collected information: {"transcription": "...", "initial_questions": [...], "answers": [{"question": "...", "answer": "..."}]}`

// projectInfoArg decodes project_info, given either as an object or as a
// JSON string. A missing argument is an empty ProjectInfo.
func projectInfoArg(req mcp.CallToolRequest) (scope.ProjectInfo, error) {
	var info scope.ProjectInfo

	raw, ok := req.GetArguments()["project_info"]
	if !ok || raw == nil {
		return info, nil
	}

	var data []byte
	if s, isString := raw.(string); isString {
		if strings.TrimSpace(s) == "" {
			return info, nil
		}
		data = []byte(s)
	} else {
		var err error
		if data, err = json.Marshal(raw); err != nil {
			return info, fmt.Errorf("invalid project_info: %w", err)
		}
	}

	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("invalid project_info: %w", err)
	}
	return info, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultErrorFromErr("encode result", err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
