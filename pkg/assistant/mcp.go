package assistant

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/observability"
)

// MCP protocol constants. The endpoint speaks JSON-RPC 2.0 over plain
// HTTP POST; framing beyond that is the transport's concern.
const (
	mcpProtocolVersion = "2024-11-05"
	serverName         = "atrium"
	serverVersion      = "1.0.0"
)

// JSON-RPC 2.0 error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolError      = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// MCPHandler is the Model Context Protocol boundary. Calls arrive with
// the same bearer token as REST requests; every tools/call goes through
// the executor, so audit and memory behave identically to chat calls.
type MCPHandler struct {
	executor *Executor
	registry *Registry
	logger   *observability.Logger
}

// NewMCPHandler creates the MCP endpoint handler
func NewMCPHandler(executor *Executor, registry *Registry, logger *observability.Logger) *MCPHandler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &MCPHandler{executor: executor, registry: registry, logger: logger}
}

// RegisterRoutes registers the MCP endpoint
func (h *MCPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/mcp", h.handle).Methods("POST")
}

func (h *MCPHandler) handle(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	switch req.Method {
	case "initialize":
		h.initialize(w, req)
	case "tools/list":
		h.listTools(w, req)
	case "tools/call":
		h.callTool(w, r, req, principal)
	default:
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}})
	}
}

func (h *MCPHandler) initialize(w http.ResponseWriter, req rpcRequest) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": mcpProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": serverVersion,
			},
		},
	})
}

func (h *MCPHandler) listTools(w http.ResponseWriter, req rpcRequest) {
	tools := h.registry.List()
	out := make([]map[string]interface{}, len(tools))
	for i, tool := range tools {
		out[i] = map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		}
	}
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  map[string]interface{}{"tools": out},
	})
}

// callTool dispatches through the executor. Org scoping rides in params:
// permission resolution fails closed for orgs where the caller holds no
// role, so a bogus orgId can never widen access.
func (h *MCPHandler) callTool(w http.ResponseWriter, r *http.Request, req rpcRequest, principal *auth.Principal) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
		OrgID     string                 `json:"orgId"`
		SessionID string                 `json:"sessionId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" || params.OrgID == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: "params require name and orgId"}})
		return
	}

	result, err := h.executor.Execute(r.Context(), ExecuteParams{
		OrgID:     params.OrgID,
		Principal: principal,
		SessionID: params.SessionID,
		Tool:      params.Name,
		Args:      params.Arguments,
	})
	if err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: toolRPCError(err)})
		return
	}

	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": result.Message},
			},
			"data":    result.Data,
			"isError": false,
		},
	})
}

func toolRPCError(err error) *rpcError {
	switch {
	case errors.Is(err, ErrInvalidArgs):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &rpcError{Code: codeToolError, Message: err.Error()}
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(resp)
}
