package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/atriumhq/atrium/pkg/contextkeys"
	"github.com/atriumhq/atrium/pkg/httputil"
	"github.com/atriumhq/atrium/pkg/orgs"
)

// OrgContext guards org-scoped routes: the caller must be a member of the
// {orgID} organization, and the loaded org is placed on the context.
// Non-members get a 403 without confirming whether the org exists.
func OrgContext(service *orgs.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID := mux.Vars(r)["orgID"]
			if orgID == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID := contextkeys.GetUserID(r.Context())
			if userID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			member, err := service.IsMember(r.Context(), orgID, userID)
			if err != nil {
				httputil.WriteInternalError(w, err)
				return
			}
			if !member {
				httputil.WriteForbidden(w, "not a member of this organization")
				return
			}

			org, err := service.GetOrganization(r.Context(), orgID)
			if err != nil {
				httputil.WriteInternalError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(contextkeys.WithOrg(r.Context(), org)))
		})
	}
}

// OrgFromContext returns the organization loaded by OrgContext, or nil.
func OrgFromContext(ctx context.Context) *orgs.Organization {
	org, _ := ctx.Value(contextkeys.OrgKey).(*orgs.Organization)
	return org
}
