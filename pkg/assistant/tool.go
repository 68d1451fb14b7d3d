package assistant

import (
	"context"
	"errors"

	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/memory"
)

// Tool errors the executor and the MCP layer translate to their own
// error shapes. Tools wrap these so callers can classify failures.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgs      = errors.New("invalid arguments")
)

// ToolRequest is one tool invocation on behalf of a user. ParentLogID,
// when set, links audit entries for side effects to the tool-call root
// entry.
type ToolRequest struct {
	OrgID       string
	Principal   *auth.Principal
	SessionID   string
	ParentLogID *string
	Args        map[string]interface{}
}

// ToolResult is what a tool hands back: a human-readable message, the
// structured payload, and optionally the entity the call touched. A
// structured Entity takes precedence over heuristic extraction when the
// conversation memory is updated.
type ToolResult struct {
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Entity  *memory.EntityRef      `json:"entity,omitempty"`
}

// Tool is one capability exposed to the assistant
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, req ToolRequest) (*ToolResult, error)
}
