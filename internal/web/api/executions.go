package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/maftabmirza/remediation-engine-sub000/internal/approval"
	"github.com/maftabmirza/remediation-engine-sub000/internal/engine"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
)

// executeRequest is the body of POST /runbooks/{id}/execute.
type executeRequest struct {
	AlertID string         `json:"alert_id,omitempty"`
	Alert   map[string]any `json:"alert,omitempty"`
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
	}

	actorName, _ := actor(r)
	source := store.TriggerManual
	if req.AlertID != "" || req.Alert != nil {
		source = store.TriggerAlert
	}

	exec, err := a.Engine.Trigger(r.Context(), engine.TriggerRequest{
		RunbookID:   chi.URLParam(r, "id"),
		Source:      source,
		AlertID:     req.AlertID,
		Alert:       req.Alert,
		RequestedBy: actorName,
	})
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOpts{
		RunbookID: r.URL.Query().Get("runbook_id"),
		State:     r.URL.Query().Get("state"),
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
	}
	execs, err := a.Store.ListExecutions(r.Context(), opts)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// executionDetail is the execution with its step-by-step audit trail.
type executionDetail struct {
	*store.Execution
	Steps []*store.StepExecution `json:"steps"`
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := a.Store.GetExecution(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if exec == nil {
		writeErr(w, http.StatusNotFound, errors.New("execution not found"))
		return
	}
	steps, err := a.Store.ListStepExecutions(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if steps == nil {
		steps = []*store.StepExecution{}
	}
	writeJSON(w, http.StatusOK, executionDetail{Execution: exec, Steps: steps})
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	actorName, roles := actor(r)
	if actorName == "" {
		writeErr(w, http.StatusUnauthorized, errors.New("missing "+ActorHeader+" header"))
		return
	}

	exec, err := a.Engine.Approve(r.Context(), chi.URLParam(r, "id"), actorName, roles)
	if err != nil {
		writeErr(w, approvalErrStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	actorName, roles := actor(r)
	if actorName == "" {
		writeErr(w, http.StatusUnauthorized, errors.New("missing "+ActorHeader+" header"))
		return
	}
	var req rejectRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
	}

	exec, err := a.Engine.Reject(r.Context(), chi.URLParam(r, "id"), actorName, req.Reason, roles)
	if err != nil {
		writeErr(w, approvalErrStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	exec, err := a.Engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrTerminal) {
			status = http.StatusConflict
		}
		writeErr(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func approvalErrStatus(err error) int {
	switch {
	case errors.Is(err, approval.ErrRoleDenied):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrNoPending):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
