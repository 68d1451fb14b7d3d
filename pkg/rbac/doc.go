// Package rbac implements role-based access control for CRM workspaces.
//
// Every organization carries a set of roles. A role bundles, per CRM module
// (leads, contacts, deals, ...), the actions it grants, field-level view/edit
// masks, and a record visibility rule (all records, own records only, or own
// plus unassigned). Each user holds exactly one role per organization.
//
// The three layers build on each other:
//
//   - Resolver loads a user's effective role (memoized per request) and
//     answers CheckPermission / GetPermissionContext queries. Missing
//     assignments and missing module permissions fail closed.
//   - The record access guard (CanAccessRecord, BuildVisibilityFilter) applies
//     the visibility rule to individual records and to list queries, through
//     one shared filter so both paths agree.
//   - Field projection (FilterToAllowedFields, ValidateEditFields) masks
//     response payloads down to viewable fields and rejects writes that touch
//     fields outside the edit mask.
//
// Roles named "admin" (case-insensitive) or flagged as system roles bypass
// all checks. This is the single bypass point in the model.
package rbac
