// Package api implements the /api/v1 HTTP surface: runbook CRUD and
// import/export, execution triggering and inspection, approval decisions,
// breaker control and the SSE event stream.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/maftabmirza/remediation-engine-sub000/internal/engine"
	"github.com/maftabmirza/remediation-engine-sub000/internal/events"
	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
)

// Identity headers. Authentication itself is terminated in front of the
// engine (reverse proxy / API gateway); these carry the already-authenticated
// actor and their resolved roles.
const (
	ActorHeader = "X-Remedy-Actor"
	RolesHeader = "X-Remedy-Roles"
)

// API holds dependencies for all API handlers.
type API struct {
	Log      logrus.FieldLogger
	Store    store.Store
	Registry *runbook.Registry
	Engine   *engine.Engine
	Events   *events.Broker

	// NextRunTime reports the next scheduled trigger for a runbook, when the
	// scheduler is running.
	NextRunTime func(id string) (time.Time, bool)

	// OnRunbookChanged and OnRunbookDeleted keep the scheduler in sync with
	// CRUD and import operations.
	OnRunbookChanged func(def *runbook.Definition)
	OnRunbookDeleted func(id string)
}

// RegisterRoutes mounts all API routes on the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/events", a.handleEvents)

		r.Get("/runbooks/export", a.handleExport)
		r.Post("/runbooks/import", a.handleImport)

		r.Route("/runbooks", func(r chi.Router) {
			r.Get("/", a.handleListRunbooks)
			r.Post("/", a.handleCreateRunbook)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetRunbook)
				r.Put("/", a.handleUpdateRunbook)
				r.Delete("/", a.handleDeleteRunbook)
				r.Get("/export", a.handleExportRunbook)
				r.Post("/execute", a.handleExecute)
				r.Get("/breaker", a.handleGetBreaker)
				r.Post("/breaker/override", a.handleOverrideBreaker)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", a.handleListExecutions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetExecution)
				r.Post("/approve", a.handleApprove)
				r.Post("/reject", a.handleReject)
				r.Post("/cancel", a.handleCancel)
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actor pulls the authenticated identity from the request headers.
func actor(r *http.Request) (name string, roles []string) {
	name = strings.TrimSpace(r.Header.Get(ActorHeader))
	for _, role := range strings.Split(r.Header.Get(RolesHeader), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return name, roles
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
