package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"classwatch-backend/internal/middleware"
	"classwatch-backend/internal/models"
	"classwatch-backend/internal/services"
)

// PresenceHandler is the staff-facing read surface over the presence store
// and the artifact cache.
type PresenceHandler struct {
	presence  *services.PresenceStore
	artifacts *services.ArtifactCache
}

func NewPresenceHandler(presence *services.PresenceStore, artifacts *services.ArtifactCache) *PresenceHandler {
	return &PresenceHandler{presence: presence, artifacts: artifacts}
}

// List returns every presence snapshot in the caller's school, statuses
// resolved at request time.
func (h *PresenceHandler) List(w http.ResponseWriter, r *http.Request) {
	schoolID := middleware.GetSchoolID(r.Context())
	views := h.presence.ListSchool(schoolID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": views,
		"count":     len(views),
	})
}

// Get returns one identity's presence snapshot.
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	identityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid identity id", r))
		return
	}

	view, ok := h.presence.Snapshot(identityID)
	if !ok || view.SchoolID != middleware.GetSchoolID(r.Context()) {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "No presence snapshot for identity", r))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Screen serves the device's cached screen frame. A missing or expired
// frame is a 404, not a server error.
func (h *PresenceHandler) Screen(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Device id required", r))
		return
	}

	artifact, ok, err := h.artifacts.Get(r.Context(), deviceID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Artifact lookup failed", r))
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "No recent frame for device", r))
		return
	}

	mediaType := artifact.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Data)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}
