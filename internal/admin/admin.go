// Package admin implements the Admin/Search API: saved
// searches, facets, timeline, export, parser/source/rule CRUD, and the
// opaque-cursor search execute/compile endpoints.
package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/duskwatch/siemcore/internal/apikey"
	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/audit"
	"github.com/duskwatch/siemcore/internal/httpserver"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/parser"
	"github.com/duskwatch/siemcore/internal/scheduler"
	"github.com/duskwatch/siemcore/internal/store"
	"github.com/duskwatch/siemcore/internal/tenantlimits"
)

const (
	maxAdminBodyBytes = 256 << 10
	maxSearchBodyBytes = 1 << 20
)

// Handlers wires the Admin/Search API HTTP surface.
type Handlers struct {
	store store.Store
	keys *apikey.Service
	parsers *parser.Registry
	limits *tenantlimits.Cache
	scheduler *scheduler.Scheduler
	auditor *audit.Writer
	objects ObjectStore
}

// New constructs Handlers. scheduler may be nil in a process that doesn't
// run the batch scheduler, in which case run-now responds 503. objects may
// be nil, in which case exports are snapshotted to a local temp directory
// rather than an external object store.
func New(s store.Store, keys *apikey.Service, parsers *parser.Registry, limits *tenantlimits.Cache, sched *scheduler.Scheduler, auditor *audit.Writer, objects ObjectStore) *Handlers {
	if objects == nil {
		objects = newLocalObjectStore()
	}
	return &Handlers{store: s, keys: keys, parsers: parsers, limits: limits, scheduler: sched, auditor: auditor, objects: objects}
}

// Mount registers every Admin/Search API route on r, gated by the
// requireScope middleware.
func (h *Handlers) Mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireScope(models.ScopeAdmin))

		r.Post("/rules", h.handleCreateRule)
		r.Get("/rules", h.handleListRules)
		r.Get("/rules/{id}", h.handleGetRule)
		r.Put("/rules/{id}", h.handleUpdateRule)
		r.Delete("/rules/{id}", h.handleDeleteRule)
		r.Post("/rules/{id}/run-now", h.handleRunNowRule)

		r.Post("/parsers", h.handleCreateParser)
		r.Put("/parsers/{id}", h.handleUpdateParser)
		r.Post("/parsers/evaluate-sample", h.handleEvaluateParserSample)

		r.Post("/sources", h.handleCreateSource)
		r.Get("/sources", h.handleListSources)
		r.Put("/sources/{id}", h.handleUpdateSource)
		r.Delete("/sources/{id}", h.handleDeleteSource)

		r.Get("/quarantine", h.handleListQuarantine)

		r.Post("/searches", h.handleCreateSavedSearch)
		r.Get("/searches", h.handleListSavedSearches)
		r.Delete("/searches/{id}", h.handleDeleteSavedSearch)

		r.Post("/search/export", h.handleCreateExport)
		r.Get("/search/export/{id}", h.handleGetExport)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireScope(models.ScopeSearch, models.ScopeAdmin))

		r.Post("/search/execute", h.handleSearchExecute)
		r.Post("/search/compile", h.handleSearchCompile)
		r.Post("/search/facets", h.handleSearchFacets)
		r.Post("/search/timeline", h.handleSearchTimeline)
		r.Post("/search/estimate", h.handleSearchEstimate)
		r.Post("/search/autocomplete", h.handleSearchAutocomplete)
	})
}

type contextKey string

const apiKeyContextKey contextKey = "admin_api_key"

// requireScope builds middleware accepting a request whose X-API-Key holds
// any one of the given scopes.
func (h *Handlers) requireScope(anyOf ...models.APIKeyScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-API-Key")
			if raw == "" {
				httpserver.RespondAppError(w, apperr.New(apperr.KindAuthMissing, "X-API-Key header is required"))
				return
			}
			var key models.APIKey
			var err error
			for _, scope := range anyOf {
				key, err = h.keys.Verify(r.Context(), raw, scope)
				if err == nil {
					break
				}
			}
			if err != nil {
				httpserver.RespondAppError(w, apperr.As(err))
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func keyFromContext(ctx context.Context) models.APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(models.APIKey)
	return key
}

// audit records an admin mutation, falling back to the authenticated key's
// own tenant when tenantID is empty.
func (h *Handlers) audit(r *http.Request, tenantID, action, target string, detail any) {
	if h.auditor == nil {
		return
	}
	if tenantID == "" {
		tenantID = keyFromContext(r.Context()).TenantID
	}
	actor := keyFromContext(r.Context()).KeyID
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	h.auditor.LogFromRequest(r, tenantID, actor, action, target, raw)
}
