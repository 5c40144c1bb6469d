package policy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/httpserver"
)

// RepoResolver resolves a repo id to the ownership facts Decide needs,
// letting this middleware gate pkg/scm's handlers without importing
// pkg/scm (which would cycle back: pkg/scm imports internal/policy for
// ProtectionDelegate).
type RepoResolver interface {
	ResolveRepoOwner(r *http.Request, repoID uuid.UUID) (orgID, userID *uuid.UUID, err error)
}

// RequireRepoAccess builds chi middleware that reads repoID from the URL
// parameter named param, resolves its owner via resolver, and rejects the
// request with 403 unless Decide grants action. It is the "router-mounting
// layer" pkg/scm's handler doc comment says enforces access, since the
// handlers themselves trust that this has already run.
func RequireRepoAccess(engine *Engine, resolver RepoResolver, action Action, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			repoID, err := uuid.Parse(chi.URLParam(r, param))
			if err != nil {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
				return
			}

			principal := auth.FromContext(r.Context())
			orgID, userID, err := resolver.ResolveRepoOwner(r, repoID)
			if err != nil {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindNotFound, "repo not found"))
				return
			}

			decision := engine.Decide(r.Context(), principal, action, Resource{
				Kind:        ResourceRepo,
				ID:          repoID,
				OwnerOrgID:  orgID,
				OwnerUserID: userID,
			})
			if !decision.Allowed {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindForbidden, decision.Reason))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOrgAccess builds chi middleware that reads an org id from the URL
// parameter named param and rejects the request with 403 unless Decide
// grants action on that org directly (no resolver needed: the org is its
// own owner, so Resource.OwnerOrgID is just the parsed id).
func RequireOrgAccess(engine *Engine, action Action, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID, err := uuid.Parse(chi.URLParam(r, param))
			if err != nil {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid org id"))
				return
			}

			principal := auth.FromContext(r.Context())
			decision := engine.Decide(r.Context(), principal, action, Resource{
				Kind:       ResourceOrg,
				ID:         orgID,
				OwnerOrgID: &orgID,
			})
			if !decision.Allowed {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindForbidden, decision.Reason))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSecretAccess builds chi middleware that reads a secret id from the
// URL parameter named param and rejects the request with 403 unless Decide
// grants action. The secret itself is resolved by the engine's
// SecretDelegate (pkg/secrets.AccessDelegate), not by this middleware, so
// no resolver parameter is needed here the way RequireRepoAccess needs one.
func RequireSecretAccess(engine *Engine, action Action, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secretID, err := uuid.Parse(chi.URLParam(r, param))
			if err != nil {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid secret id"))
				return
			}

			principal := auth.FromContext(r.Context())
			decision := engine.Decide(r.Context(), principal, action, Resource{
				Kind:        ResourceSecret,
				ID:          secretID,
				SecretScope: secretID.String(),
			})
			if !decision.Allowed {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindForbidden, decision.Reason))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireBodyOrgAccess gates a creation endpoint whose body (not its URL)
// carries the target org id (field "org_id") on org access, before the
// resource row exists to resolve a more specific check against — used for
// POST /secrets (ahead of a SecretDelegate check) and team creation. It
// peeks org_id out of the JSON body and restores the body reader so the
// handler's own decode still sees the full payload.
func RequireBodyOrgAccess(engine *Engine, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var peek struct {
				OrgID string `json:"org_id"`
			}
			if err := json.Unmarshal(body, &peek); err != nil {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid request body"))
				return
			}
			orgID, err := uuid.Parse(peek.OrgID)
			if err != nil {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid org id"))
				return
			}

			principal := auth.FromContext(r.Context())
			decision := engine.Decide(r.Context(), principal, action, Resource{
				Kind:       ResourceOrg,
				ID:         orgID,
				OwnerOrgID: &orgID,
			})
			if !decision.Allowed {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindForbidden, decision.Reason))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOwnedCreateAccess gates a creation endpoint whose body (not its
// URL) carries the new resource's owner — "org" + an org id, or "user" +
// a user id — on org-admin access (for an org owner) or self access (for
// a user owner, who may always create resources they will own themselves;
// system admins bypass either way). ownerTypeField/ownerIDField name the
// JSON fields to peek; the body reader is restored so the handler's own
// decode still sees the full payload.
func RequireOwnedCreateAccess(engine *Engine, ownerTypeField, ownerIDField string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var peek map[string]json.RawMessage
			if err := json.Unmarshal(body, &peek); err != nil {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid request body"))
				return
			}
			var ownerType, ownerIDStr string
			_ = json.Unmarshal(peek[ownerTypeField], &ownerType)
			_ = json.Unmarshal(peek[ownerIDField], &ownerIDStr)
			ownerID, err := uuid.Parse(ownerIDStr)
			if err != nil {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid owner id"))
				return
			}

			principal := auth.FromContext(r.Context())
			var decision Decision
			if ownerType == "org" {
				decision = engine.Decide(r.Context(), principal, ActionAdmin, Resource{Kind: ResourceOrg, ID: ownerID, OwnerOrgID: &ownerID})
			} else {
				decision = engine.Decide(r.Context(), principal, ActionAdmin, Resource{Kind: ResourceRepo, ID: ownerID, OwnerUserID: &ownerID})
			}
			if !decision.Allowed {
				httpserver.WriteError(w, httpserver.NewError(httpserver.KindForbidden, decision.Reason))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
