package rbac

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/atriumhq/atrium/pkg/rbac")

// ResolvedRole is the effective role loaded for one (user, org) pair
type ResolvedRole struct {
	Role    *Role
	IsAdmin bool
}

// PermissionContext is the full authorization decision for one
// (user, org, module, action) combination, computed fresh per request.
//
// When the action is denied the field masks are the closed empty set — the
// "show nothing" signal — as opposed to AllFields which means "no
// restriction". That asymmetry is deliberate and load-bearing.
type PermissionContext struct {
	Allowed    bool
	ViewFields FieldMask
	EditFields FieldMask
	Visibility RecordVisibility
	Filter     VisibilityFilter
}

// RequestCache memoizes role resolutions for the lifetime of one inbound
// request. It must never be shared across requests: a stale entry could
// serve elevated permissions after a role change.
type RequestCache struct {
	mu      sync.Mutex
	entries map[string]*ResolvedRole
}

type requestCacheKeyType struct{}

var requestCacheKey requestCacheKeyType

// WithRequestCache installs a fresh per-request resolution cache on the
// context. Server middleware calls this once per inbound request.
func WithRequestCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestCacheKey, &RequestCache{
		entries: make(map[string]*ResolvedRole),
	})
}

func requestCacheFrom(ctx context.Context) *RequestCache {
	cache, _ := ctx.Value(requestCacheKey).(*RequestCache)
	return cache
}

func (c *RequestCache) get(key string) (*ResolvedRole, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	return r, ok
}

func (c *RequestCache) put(key string, r *ResolvedRole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = r
}

// Resolver loads effective permissions for users
type Resolver struct {
	store *Store
}

// NewResolver creates a permission resolver over the store
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve loads the user's role for the organization. A missing assignment
// or missing role row yields {Role: nil, IsAdmin: false}, not an error;
// every downstream check then fails closed.
func (r *Resolver) Resolve(ctx context.Context, userID, orgID string) (*ResolvedRole, error) {
	cacheKey := userID + "|" + orgID
	cache := requestCacheFrom(ctx)
	if cache != nil {
		if resolved, ok := cache.get(cacheKey); ok {
			return resolved, nil
		}
	}

	ctx, span := tracer.Start(ctx, "rbac.Resolve", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("org.id", orgID),
	))
	defer span.End()

	resolved := &ResolvedRole{}

	assignment, err := r.store.GetAssignment(ctx, userID, orgID)
	if err == ErrAssignmentNotFound {
		if cache != nil {
			cache.put(cacheKey, resolved)
		}
		return resolved, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	role, err := r.store.GetRole(ctx, assignment.RoleID)
	if err == ErrRoleNotFound {
		// Dangling assignment; treat as no role rather than failing the request
		if cache != nil {
			cache.put(cacheKey, resolved)
		}
		return resolved, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resolved.Role = role
	resolved.IsAdmin = isAdminRole(role)
	span.SetAttributes(
		attribute.String("rbac.role", role.Name),
		attribute.Bool("rbac.is_admin", resolved.IsAdmin),
	)

	if cache != nil {
		cache.put(cacheKey, resolved)
	}
	return resolved, nil
}

// isAdminRole is the single bypass point: a role named "admin"
// (case-insensitive) or flagged as a system role skips every module, field,
// and visibility check.
func isAdminRole(role *Role) bool {
	return role.IsSystem || strings.EqualFold(role.Name, "admin")
}

// CheckPermission reports whether the user may perform the action on the
// module. Admins always pass; a role with no entry for the module grants
// nothing.
func (r *Resolver) CheckPermission(ctx context.Context, userID, orgID, module string, action Action) (bool, error) {
	resolved, err := r.Resolve(ctx, userID, orgID)
	if err != nil {
		return false, err
	}
	if resolved.IsAdmin {
		return true, nil
	}
	if resolved.Role == nil {
		return false, nil
	}
	perm := resolved.Role.PermissionFor(module)
	if perm == nil {
		return false, nil
	}
	return perm.HasAction(action), nil
}

// GetPermissionContext computes the full authorization decision for one
// module/action pair: the allow/deny bit, field masks for view and edit,
// and the record visibility rule with its query filter.
func (r *Resolver) GetPermissionContext(ctx context.Context, userID, orgID, module string, action Action) (*PermissionContext, error) {
	resolved, err := r.Resolve(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}

	if resolved.IsAdmin {
		return &PermissionContext{
			Allowed:    true,
			ViewFields: AllFields(),
			EditFields: AllFields(),
			Visibility: VisibilityAll,
			Filter:     BuildVisibilityFilter(VisibilityAll, userID),
		}, nil
	}

	denied := &PermissionContext{
		Allowed:    false,
		ViewFields: FieldSet(),
		EditFields: FieldSet(),
		Visibility: VisibilityAll,
		Filter:     BuildVisibilityFilter(VisibilityAll, userID),
	}

	if resolved.Role == nil {
		return denied, nil
	}
	perm := resolved.Role.PermissionFor(module)
	if perm == nil || !perm.HasAction(action) {
		return denied, nil
	}

	visibility := perm.RecordVisibility
	if visibility == "" {
		visibility = VisibilityAll
	}

	return &PermissionContext{
		Allowed:    true,
		ViewFields: perm.ViewFields,
		EditFields: perm.EditFields,
		Visibility: visibility,
		Filter:     BuildVisibilityFilter(visibility, userID),
	}, nil
}
