// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cask-foundation/cask/lib/dispatch"
	"github.com/cask-foundation/cask/lib/ingest"
	"github.com/cask-foundation/cask/lib/workspace"
)

// apiServer is the HTTP JSON surface over the dispatcher.
type apiServer struct {
	dispatcher *dispatch.Dispatcher
	manager    *workspace.Manager
	logger     *slog.Logger
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingestions", s.handleSubmit)
	mux.HandleFunc("GET /v1/ingestions", s.handleActive)
	mux.HandleFunc("DELETE /v1/ingestions", s.handleCancel)
	mux.HandleFunc("GET /v1/workspaces", s.handleWorkspaces)
	mux.HandleFunc("GET /v1/workspaces/{id}/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

type submitRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Locator     string `json:"locator"`
	MaxDepth    int    `json:"max_depth,omitempty"`

	// Wait blocks the request until the run finishes and returns its
	// result inline. Without it the response is an immediate 202.
	Wait bool `json:"wait,omitempty"`
}

type runStatus struct {
	WorkspaceID string         `json:"workspace_id"`
	Locator     string         `json:"locator"`
	Status      string         `json:"status"`
	Coalesced   bool           `json:"coalesced,omitempty"`
	Result      *ingest.Result `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.WorkspaceID == "" || req.Locator == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("workspace_id and locator are required"))
		return
	}
	if err := workspace.ValidateID(req.WorkspaceID); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	run, coalesced := s.dispatcher.Submit(ingest.Request{
		WorkspaceID: req.WorkspaceID,
		Locator:     req.Locator,
		MaxDepth:    req.MaxDepth,
	})
	s.logger.Info("ingestion submitted",
		"workspace", req.WorkspaceID,
		"locator", req.Locator,
		"coalesced", coalesced,
	)

	status := runStatus{
		WorkspaceID: run.WorkspaceID,
		Locator:     run.Locator,
		Status:      run.Status().String(),
		Coalesced:   coalesced,
	}
	if !req.Wait {
		s.writeJSON(w, http.StatusAccepted, status)
		return
	}

	result, err := run.Wait(r.Context())
	status.Status = run.Status().String()
	status.Result = result
	if err != nil {
		status.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) handleActive(w http.ResponseWriter, r *http.Request) {
	runs := s.dispatcher.Active()
	out := make([]runStatus, 0, len(runs))
	for _, run := range runs {
		out = append(out, runStatus{
			WorkspaceID: run.WorkspaceID,
			Locator:     run.Locator,
			Status:      run.Status().String(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace")
	locator := r.URL.Query().Get("locator")
	if workspaceID == "" || locator == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("workspace and locator query parameters are required"))
		return
	}
	if !s.dispatcher.Cancel(workspaceID, locator) {
		s.writeError(w, http.StatusNotFound, errors.New("no active ingestion for that workspace and locator"))
		return
	}
	s.logger.Info("ingestion cancelled", "workspace", workspaceID, "locator", locator)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manager.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ids)
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exists, err := s.manager.Exists(id)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, workspace.ErrInvalidID) {
			code = http.StatusBadRequest
		}
		s.writeError(w, code, err)
		return
	}
	if !exists {
		s.writeError(w, http.StatusNotFound, workspace.ErrNotFound)
		return
	}
	ws, err := s.manager.Open(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer ws.Close()

	stats, err := ws.Catalog.WorkspaceStats(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workspace":     id,
		"file_count":    stats.FileCount,
		"archive_count": stats.ArchiveCount,
		"total_bytes":   stats.TotalBytes,
		"unique_hashes": stats.UniqueHashes,
	})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing response", "error", err)
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
