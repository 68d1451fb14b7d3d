// Package assistant is the AI boundary: a registry of CRM tools the
// assistant may call, an executor that runs them under a deadline with
// audit and conversational-memory bookkeeping, the JSON-RPC MCP endpoint,
// and the conversation context routes.
//
// Tools go through the same permission resolver, record guard, schema
// validation and field projection as the HTTP handlers. An AI call can
// never see or touch anything the acting user could not.
package assistant
