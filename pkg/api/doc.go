// Package api assembles the HTTP surface: the server with its middleware
// pipeline, the record mutation routes, document upload/download, and the
// audit trail read endpoints.
//
// Every mutating record handler runs the same sequence: authenticate,
// resolve the permission context, fetch and guard the record, validate the
// payload against the module schema, check the edit field mask, mutate,
// write the audit entry, and hand the committed change to the automation
// dispatcher. Responses always pass through the caller's view field mask.
//
// Handler structs follow the RegisterRoutes(*mux.Router) convention; the
// Server mounts them on either the authenticated router or the org-scoped
// router, which adds membership resolution and rate limiting.
package api
