package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/lock"
	"github.com/songzhibin97/dataflow-engine/storage"
	"github.com/songzhibin97/dataflow-engine/types"
)

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// routes serves the control API next to the websocket relay.
func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/{task_id}", a.relay())
	mux.HandleFunc("POST /projects", a.createProject)
	mux.HandleFunc("GET /projects", a.listProjects)
	mux.HandleFunc("GET /projects/{project_id}", a.getProject)
	mux.HandleFunc("PUT /projects/{project_id}/workflow", a.saveWorkflow)
	mux.HandleFunc("PUT /projects/{project_id}/ui", a.saveUIState)
	mux.HandleFunc("DELETE /projects/{project_id}", a.deleteProject)
	mux.HandleFunc("POST /projects/{project_id}/tasks", a.submit)
	mux.HandleFunc("DELETE /tasks/{task_id}", a.revoke)
	return mux
}

func userOf(r *http.Request) string { return r.Header.Get("X-User-ID") }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *app) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrProjectNotFound):
		code = http.StatusNotFound
	case errors.Is(err, storage.ErrProjectExists):
		code = http.StatusConflict
	case errors.Is(err, lock.ErrLockTimeout), errors.Is(err, lock.ErrLockIdentityMismatch):
		code = http.StatusConflict
	default:
		a.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

// withLock runs fn while holding the given project lock scope.
func (a *app) withLock(ctx context.Context, projectID string, scope lock.Scope, fn func() error) error {
	lk, err := a.locker.Acquire(ctx, projectID, scope, "")
	if err != nil {
		return err
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("releasing project lock", zap.String("project_id", projectID), zap.Error(err))
		}
	}()
	return fn()
}

func (a *app) createProject(w http.ResponseWriter, r *http.Request) {
	var p types.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid project: "+err.Error(), http.StatusBadRequest)
		return
	}
	if p.ID == "" {
		http.Error(w, "missing project id", http.StatusBadRequest)
		return
	}
	p.OwnerID = userOf(r)
	if err := a.store.CreateProject(r.Context(), p); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *app) listProjects(w http.ResponseWriter, r *http.Request) {
	ps, err := a.store.ListProjects(r.Context(), userOf(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (a *app) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetProject(r.Context(), r.PathValue("project_id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *app) saveWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf types.ProjectWorkflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		http.Error(w, "invalid workflow: "+err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("project_id")
	err := a.withLock(r.Context(), id, lock.ScopeWorkflow, func() error {
		return a.store.SaveWorkflow(r.Context(), id, wf)
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) saveUIState(w http.ResponseWriter, r *http.Request) {
	var ui map[string]any
	if err := json.NewDecoder(r.Body).Decode(&ui); err != nil {
		http.Error(w, "invalid ui state: "+err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("project_id")
	err := a.withLock(r.Context(), id, lock.ScopeUIState, func() error {
		return a.store.SaveUIState(r.Context(), id, ui)
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) deleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("project_id")
	err := a.withLock(r.Context(), id, lock.ScopeAll, func() error {
		return a.store.DeleteProject(r.Context(), id)
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) submit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("project_id")
	if _, err := a.store.GetProject(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	taskID, err := a.sub.Submit(r.Context(), id, userOf(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: taskID})
}

func (a *app) revoke(w http.ResponseWriter, r *http.Request) {
	stopped, err := a.sub.Revoke(r.Context(), r.PathValue("task_id"), 5*time.Second)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !stopped {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
