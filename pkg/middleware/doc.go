// Package middleware provides the HTTP request pipeline.
//
// Ordering matters and is wired once in pkg/api:
//
//  1. Recovery — panics become 500s, never crashes
//  2. RequestScope — request ID, scoped logger, per-request permission cache
//  3. Metrics/logging — instrumented around everything below
//  4. Authentication — bearer token to Principal (JIT user provisioning)
//  5. RateLimit — redis fixed window per principal
//  6. OrgContext — org-scoped routes only: membership check, org on context
//
// The permission cache installed by RequestScope must never outlive its
// request; handlers resolve roles through it so one request sees one
// consistent permission snapshot.
package middleware
