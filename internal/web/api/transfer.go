package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
)

// maxImportBytes bounds the import payload.
const maxImportBytes = 8 << 20

// importSummary reports what an import did (or, with dry_run, would do).
type importSummary struct {
	DryRun  bool     `json:"dry_run"`
	Created []string `json:"created"`
	Updated []string `json:"updated"`
	Deleted []string `json:"deleted"`
}

// handleExport streams every runbook as a multi-document YAML file. The
// output round-trips through import unchanged.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := runbook.MarshalDocuments(a.Registry.List())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="runbooks.yaml"`)
	_, _ = w.Write(data)
}

// handleImport ingests a multi-document YAML payload. mode=merge (default)
// upserts; mode=replace additionally deletes runbooks absent from the
// payload. dry_run=true validates and reports without applying anything.
func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "merge"
	}
	if mode != "merge" && mode != "replace" {
		writeErr(w, http.StatusBadRequest, errors.New("mode must be merge or replace"))
		return
	}
	dryRun := r.URL.Query().Get("dry_run") == "true"

	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	defs, err := runbook.ParseDocuments(body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	summary := importSummary{DryRun: dryRun, Created: []string{}, Updated: []string{}, Deleted: []string{}}
	incoming := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		incoming[def.ID] = struct{}{}
		if _, err := a.Registry.Get(def.ID); err == nil {
			summary.Updated = append(summary.Updated, def.Name)
		} else {
			summary.Created = append(summary.Created, def.Name)
		}
	}
	if mode == "replace" {
		for _, def := range a.Registry.List() {
			if _, keep := incoming[def.ID]; !keep {
				summary.Deleted = append(summary.Deleted, def.Name)
			}
		}
	}

	if dryRun {
		writeJSON(w, http.StatusOK, summary)
		return
	}

	for _, def := range defs {
		var applied *runbook.Definition
		if _, err := a.Registry.Get(def.ID); err == nil {
			applied, err = a.Registry.Update(def.ID, def)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
		} else {
			applied, err = a.Registry.Create(def)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
		}
		if err := a.persistRunbook(r, applied); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
	}

	if mode == "replace" {
		for _, def := range a.Registry.List() {
			if _, keep := incoming[def.ID]; keep {
				continue
			}
			if err := a.Registry.Delete(def.ID); err != nil {
				continue
			}
			if err := a.Store.DeleteRunbook(r.Context(), def.ID); err != nil {
				writeErr(w, http.StatusInternalServerError, err)
				return
			}
			a.Engine.ForgetRunbook(def.ID)
			if a.OnRunbookDeleted != nil {
				a.OnRunbookDeleted(def.ID)
			}
		}
	}

	a.Log.WithFields(map[string]any{
		"mode":    mode,
		"created": len(summary.Created),
		"updated": len(summary.Updated),
		"deleted": len(summary.Deleted),
	}).Info("runbooks imported")
	writeJSON(w, http.StatusOK, summary)
}
