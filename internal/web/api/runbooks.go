package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
)

// runbookView is the list/detail representation, the definition plus
// scheduling metadata.
type runbookView struct {
	*runbook.Definition
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (a *API) view(def *runbook.Definition) runbookView {
	v := runbookView{Definition: def}
	if def.Schedule != "" && a.NextRunTime != nil {
		if next, ok := a.NextRunTime(def.ID); ok {
			v.NextRun = &next
		}
	}
	return v
}

func (a *API) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	defs := a.Registry.List()
	out := make([]runbookView, 0, len(defs))
	for _, def := range defs {
		out = append(out, a.view(def))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	def, err := a.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(def))
}

func (a *API) handleCreateRunbook(w http.ResponseWriter, r *http.Request) {
	def, err := readDefinition(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	created, err := a.Registry.Create(def)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := a.persistRunbook(r, created); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	a.Log.WithField("runbook", created.Name).Info("runbook created")
	writeJSON(w, http.StatusCreated, a.view(created))
}

func (a *API) handleUpdateRunbook(w http.ResponseWriter, r *http.Request) {
	def, err := readDefinition(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	updated, err := a.Registry.Update(chi.URLParam(r, "id"), def)
	if err != nil {
		if errors.Is(err, runbook.ErrNotFound) {
			writeErr(w, http.StatusNotFound, err)
		} else {
			writeErr(w, http.StatusBadRequest, err)
		}
		return
	}
	if err := a.persistRunbook(r, updated); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	a.Log.WithFields(map[string]any{
		"runbook": updated.Name,
		"version": updated.Version,
	}).Info("runbook updated")
	writeJSON(w, http.StatusOK, a.view(updated))
}

func (a *API) handleDeleteRunbook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Registry.Delete(id); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err := a.Store.DeleteRunbook(r.Context(), id); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	a.Engine.ForgetRunbook(id)
	if a.OnRunbookDeleted != nil {
		a.OnRunbookDeleted(id)
	}
	a.Log.WithField("runbook_id", id).Info("runbook deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleExportRunbook serves one definition as a standalone YAML document.
func (a *API) handleExportRunbook(w http.ResponseWriter, r *http.Request) {
	def, err := a.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	doc, err := runbook.Marshal(def)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="`+def.Name+`.yaml"`)
	_, _ = w.Write(doc)
}

// readDefinition decodes a definition from the request body. YAML and JSON
// are both accepted; JSON is a subset of YAML.
func readDefinition(r *http.Request) (*runbook.Definition, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return runbook.Parse(body)
}

// persistRunbook writes the registry's accepted definition through to the
// store and notifies the scheduler.
func (a *API) persistRunbook(r *http.Request, def *runbook.Definition) error {
	doc, err := runbook.Marshal(def)
	if err != nil {
		return err
	}
	if err := a.Store.SaveRunbook(r.Context(), &store.RunbookRecord{
		ID:       def.ID,
		Name:     def.Name,
		Version:  def.Version,
		Document: string(doc),
	}); err != nil {
		return err
	}
	if a.OnRunbookChanged != nil {
		a.OnRunbookChanged(def)
	}
	return nil
}
