package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/inkhaven/inkhaven/pkg/auth"
	"github.com/inkhaven/inkhaven/pkg/origins"
)

// --- Origin allow-list management ---

// handleListOrigins returns all registered origins.
func (s *server) handleListOrigins(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

type createOriginRequest struct {
	URL         string   `json:"url"`
	Environment string   `json:"environment"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// handleCreateOrigin registers a new allowed origin.
func (s *server) handleCreateOrigin(
	w http.ResponseWriter, r *http.Request,
) {
	var req createOriginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	addedBy := ""
	if identity := auth.IdentityFromContext(r.Context()); identity != nil {
		addedBy = identity.ID
	}

	origin, err := s.registry.Add(r.Context(), origins.AddParams{
		URL:         req.URL,
		Environment: req.Environment,
		Description: req.Description,
		AddedBy:     addedBy,
		Tags:        req.Tags,
	})
	if err != nil {
		s.writeOriginError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, origin)
}

type updateOriginRequest struct {
	URL         *string   `json:"url,omitempty"`
	Environment *string   `json:"environment,omitempty"`
	Description *string   `json:"description,omitempty"`
	IsActive    *bool     `json:"is_active,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// handleUpdateOrigin applies a partial update to an origin.
func (s *server) handleUpdateOrigin(
	w http.ResponseWriter, r *http.Request,
) {
	var req updateOriginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	origin, err := s.registry.Update(r.Context(),
		chi.URLParam(r, "id"), origins.Patch{
			URL:         req.URL,
			Environment: req.Environment,
			Description: req.Description,
			IsActive:    req.IsActive,
			Tags:        req.Tags,
		})
	if err != nil {
		s.writeOriginError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, origin)
}

// handleDeleteOrigin removes an origin from the registry.
func (s *server) handleDeleteOrigin(
	w http.ResponseWriter, r *http.Request,
) {
	removed, err := s.registry.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeOriginError(w, err)

		return
	}

	if !removed {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"origin not found"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleOriginStats returns aggregate registry statistics.
func (s *server) handleOriginStats(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

type testOriginRequest struct {
	Origin  string `json:"origin"`
	Referer string `json:"referer"`
}

// handleTestOrigin runs an origin through the validator without
// recording alerts or counting violations. Lets operators verify a
// candidate origin before registering it.
func (s *server) handleTestOrigin(
	w http.ResponseWriter, r *http.Request,
) {
	var req testOriginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Origin == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"origin is required"})

		return
	}

	result := s.validator.Validate(req.Origin, req.Referer)

	writeJSON(w, http.StatusOK, map[string]any{
		"origin":   req.Origin,
		"allowed":  result.Allowed,
		"warnings": result.Warnings,
	})
}

func (s *server) writeOriginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, origins.ErrInvalidURL):
		writeJSON(w, http.StatusBadRequest,
			errorResponse{err.Error()})
	case errors.Is(err, origins.ErrDuplicate):
		writeJSON(w, http.StatusConflict,
			errorResponse{"origin already registered"})
	case errors.Is(err, origins.ErrNotFound):
		writeJSON(w, http.StatusNotFound,
			errorResponse{"origin not found"})
	default:
		s.log.WithError(err).Error("Origin registry operation failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

// --- Alert trail ---

const defaultAlertPageSize = 100

// handleRecentAlerts returns the newest alerts, newest first.
func (s *server) handleRecentAlerts(
	w http.ResponseWriter, r *http.Request,
) {
	limit := defaultAlertPageSize

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		limit = parsed
	}

	writeJSON(w, http.StatusOK, s.alerts.Recent(limit))
}

// handleAlertStats returns aggregate alert statistics.
func (s *server) handleAlertStats(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.alerts.Stats())
}
