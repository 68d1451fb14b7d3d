// Package crm is the record layer: the module registry with per-module
// field schemas, the record model, the SQL store, and search.
//
// Permissions never live here. Callers resolve a permission context
// first and push its visibility filter into queries; this package only
// enforces schema (field existence, types, enums) and tenancy scoping.
package crm
