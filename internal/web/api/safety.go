package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleGetBreaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.Registry.Get(id); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Engine.BreakerStatus(id))
}

// handleOverrideBreaker force-closes a tripped breaker. The actor identity is
// required: overrides are audited.
func (a *API) handleOverrideBreaker(w http.ResponseWriter, r *http.Request) {
	actorName, _ := actor(r)
	if actorName == "" {
		writeErr(w, http.StatusUnauthorized, errors.New("missing "+ActorHeader+" header"))
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.Registry.Get(id); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}

	st, err := a.Engine.OverrideBreaker(r.Context(), id, actorName)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	a.Log.WithFields(map[string]any{
		"runbook_id": id,
		"actor":      actorName,
	}).Warn("breaker override via API")
	writeJSON(w, http.StatusOK, st)
}
