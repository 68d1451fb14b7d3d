package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/memory"
	"github.com/atriumhq/atrium/pkg/observability"
)

// DefaultToolTimeout bounds one tool call end to end. Side effects a tool
// committed before the deadline are not rolled back.
const DefaultToolTimeout = 120 * time.Second

// ExecutorConfig tunes tool execution
type ExecutorConfig struct {
	Timeout time.Duration
}

// Executor runs tools with the deadline, audit trail and conversation
// memory bookkeeping every AI call gets, regardless of whether it arrived
// over MCP or the REST endpoint.
type Executor struct {
	registry *Registry
	auditor  *audit.Writer
	memory   *memory.Manager
	logger   *observability.Logger
	timeout  time.Duration
}

// NewExecutor creates an executor. memory may be nil when conversation
// tracking is disabled.
func NewExecutor(registry *Registry, auditor *audit.Writer, mem *memory.Manager, logger *observability.Logger, config ExecutorConfig) *Executor {
	if auditor == nil {
		auditor = audit.NopWriter()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Executor{
		registry: registry,
		auditor:  auditor,
		memory:   mem,
		logger:   logger,
		timeout:  timeout,
	}
}

// ExecuteParams is one tool invocation
type ExecuteParams struct {
	OrgID     string
	Principal *auth.Principal
	SessionID string
	Tool      string
	Args      map[string]interface{}
}

// Execute runs the tool under the deadline. The root audit entry carries
// the outcome; side-effect entries written inside the tool link to it via
// ParentLogID. The conversation memory gets the ToolCallRecord and the
// touched entity whether the call succeeded or not.
func (e *Executor) Execute(ctx context.Context, params ExecuteParams) (*ToolResult, error) {
	tool, ok := e.registry.Get(params.Tool)
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %s", ErrNotFound, params.Tool)
	}
	if params.Principal == nil {
		return nil, fmt.Errorf("%w: no acting user", ErrPermissionDenied)
	}

	// Pre-generate the root entry ID so nested audit entries can link to
	// it even though the root is written after the call completes.
	rootID := ulid.Make().String()

	toolCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	result, execErr := tool.Execute(toolCtx, ToolRequest{
		OrgID:       params.OrgID,
		Principal:   params.Principal,
		SessionID:   params.SessionID,
		ParentLogID: &rootID,
		Args:        params.Args,
	})

	e.logRootEntry(ctx, rootID, params, result, execErr, time.Since(started))
	e.updateMemory(ctx, params, result, execErr)

	return result, execErr
}

func (e *Executor) logRootEntry(ctx context.Context, rootID string, params ExecuteParams, result *ToolResult, execErr error, elapsed time.Duration) {
	metadata := map[string]interface{}{
		"tool":       params.Tool,
		"success":    execErr == nil,
		"durationMs": elapsed.Milliseconds(),
	}
	if execErr != nil {
		metadata["error"] = execErr.Error()
	} else if result != nil {
		metadata["message"] = result.Message
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		metadataJSON = nil
	}

	e.auditor.Log(ctx, audit.Entry{
		ID:        rootID,
		OrgID:     params.OrgID,
		Action:    audit.ActionToolCall,
		ActorType: audit.ActorAIAgent,
		ActorID:   &params.Principal.UserID,
		Metadata:  metadataJSON,
	})
}

// updateMemory records the call in the session. A structured entity on
// the result wins; otherwise extraction falls back to the tool-name table
// and the quoted-name heuristic.
func (e *Executor) updateMemory(ctx context.Context, params ExecuteParams, result *ToolResult, execErr error) {
	if e.memory == nil || params.SessionID == "" {
		return
	}

	record := memory.ToolCallRecord{
		Tool:      params.Tool,
		Success:   execErr == nil,
		Timestamp: time.Now().UTC(),
	}
	var entities []memory.EntityRef
	if execErr != nil {
		record.Summary = execErr.Error()
	} else if result != nil {
		record.Summary = result.Message
		if result.Entity != nil {
			entities = append(entities, *result.Entity)
		} else if entity := memory.ExtractEntityFromToolResult(params.Tool, extractionPayload(result)); entity != nil {
			entities = append(entities, *entity)
		}
	}

	if _, err := e.memory.SaveContext(ctx, params.OrgID, params.SessionID, params.Principal.UserID, memory.Update{
		ToolCall: &record,
		Entities: entities,
	}); err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"session_id": params.SessionID,
			"tool":       params.Tool,
		}).Warn("failed to update conversation memory")
	}
}

func extractionPayload(result *ToolResult) map[string]interface{} {
	payload := make(map[string]interface{}, len(result.Data)+1)
	for key, value := range result.Data {
		payload[key] = value
	}
	payload["message"] = result.Message
	return payload
}
