package compact

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weft-dev/weft/pkg/store"
)

// fileOps are the tools whose calls and results get collapsed per path.
var fileOps = map[string]bool{
	"read_file":  true,
	"write_file": true,
	"edit_file":  true,
}

// renderTranscript flattens a materialized context into plain text for the
// summarization call. Repeated file operations on the same path collapse:
// only the last one keeps its payload, earlier calls and results shrink to
// a stub so the summary budget goes to the final state of each file.
func renderTranscript(entries []store.Entry) string {
	callPath := make(map[string]string) // call id -> path argument
	lastOp := make(map[string]string)   // path -> call id of the final operation
	for _, e := range entries {
		if e.Type != store.TypeMessage || e.Message == nil {
			continue
		}
		for _, block := range e.Message.Content {
			if block.Type != store.ContentTypeToolUse || block.ToolUse == nil {
				continue
			}
			if !fileOps[block.ToolUse.Name] {
				continue
			}
			path, ok := block.ToolUse.Input["path"].(string)
			if !ok || path == "" {
				continue
			}
			callPath[block.ToolUse.ID] = path
			lastOp[path] = block.ToolUse.ID
		}
	}

	var b strings.Builder
	for _, e := range entries {
		switch e.Type {
		case store.TypeCompaction:
			if e.Compaction != nil {
				fmt.Fprintf(&b, "[prior summary]\n%s\n\n", e.Compaction.Summary)
			}
		case store.TypeBranchSummary:
			if e.BranchSummary != nil {
				fmt.Fprintf(&b, "[branch summary]\n%s\n\n", e.BranchSummary.Summary)
			}
		case store.TypeMessage:
			renderMessage(&b, e.Message, callPath, lastOp)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderMessage(b *strings.Builder, m *store.MessageEntry, callPath, lastOp map[string]string) {
	for _, block := range m.Content {
		switch block.Type {
		case store.ContentTypeText:
			if block.Text != nil && block.Text.Content != "" {
				fmt.Fprintf(b, "[%s]\n%s\n\n", m.Role, block.Text.Content)
			}
		case store.ContentTypeToolUse:
			if block.ToolUse != nil {
				fmt.Fprintf(b, "[tool call] %s %s\n\n", block.ToolUse.Name, renderArgs(block.ToolUse, callPath, lastOp))
			}
		case store.ContentTypeToolResult:
			if block.ToolResult != nil {
				renderResult(b, block.ToolResult, callPath, lastOp)
			}
		case store.ContentTypeImage:
			fmt.Fprintf(b, "[image omitted]\n\n")
		}
		// Thinking blocks are transient reasoning, not context worth
		// carrying across a compaction.
	}
}

func renderArgs(call *store.ToolUseContent, callPath, lastOp map[string]string) string {
	if path, ok := callPath[call.ID]; ok && lastOp[path] != call.ID {
		return fmt.Sprintf("path=%s %s", path, supersededNote(path))
	}
	data, err := json.Marshal(call.Input)
	if err != nil {
		return "(unencodable arguments)"
	}
	return string(data)
}

func renderResult(b *strings.Builder, r *store.ToolResultContent, callPath, lastOp map[string]string) {
	body := r.Content
	if path, ok := callPath[r.ToolUseID]; ok && lastOp[path] != r.ToolUseID {
		body = supersededNote(path)
	}
	tag := "tool result"
	if r.IsError {
		tag = "tool error"
	}
	fmt.Fprintf(b, "[%s]\n%s\n\n", tag, body)
}

func supersededNote(path string) string {
	return fmt.Sprintf("(superseded by a later operation on %s)", path)
}
