// Package orgs manages organizations, users, and membership.
//
// Organizations are the tenancy boundary: every record, role, and audit
// entry is scoped to one. Users are provisioned just-in-time from a
// verified token identity; adding a member assigns the organization's
// default role so a fresh user can act immediately, and removing a member
// removes the assignment, which fails their permission resolution closed.
package orgs
