// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves stored extractions over HTTP. Every request under
// /api needs a session token; the extraction is only returned when the
// user may read the thread it belongs to.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/bcem/mailextract/internal/access"
	"github.com/bcem/mailextract/internal/models"
)

// Extractions returns an extraction if the user may read it.
type Extractions interface {
	Get(ctx context.Context, extractionID int64, userID string) (*models.Extraction, error)
}

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the extraction API.
type Handler struct {
	extractions Extractions
	jwtSecret   string
	checks      map[string]Pinger
}

// NewHandler creates an API handler. checks are reported by /health under
// their map key.
func NewHandler(extractions Extractions, jwtSecret string, checks map[string]Pinger) *Handler {
	return &Handler{
		extractions: extractions,
		jwtSecret:   jwtSecret,
		checks:      checks,
	}
}

// Router builds the HTTP routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.serveHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(requireSession(h.jwtSecret))
		r.Get("/extractions", h.serveExtraction)
	})
	return r
}

type extractionResponse struct {
	ExtractionID  int64     `json:"extraction_id"`
	EmailID       uuid.UUID `json:"email_id"`
	AttachmentID  *int64    `json:"attachment_id"`
	PromptID      string    `json:"prompt_id"`
	PromptText    string    `json:"prompt_text"`
	PromptService string    `json:"prompt_service"`
	ExtractedText *string   `json:"extracted_text"`
	ErrorMessage  *string   `json:"error_message"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newExtractionResponse(e *models.Extraction) extractionResponse {
	return extractionResponse{
		ExtractionID:  e.ExtractionID,
		EmailID:       e.EmailID,
		AttachmentID:  e.AttachmentID,
		PromptID:      e.PromptID,
		PromptText:    e.PromptText,
		PromptService: e.PromptService,
		ExtractedText: e.ExtractedText,
		ErrorMessage:  e.ErrorMessage,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// serveExtraction handles GET /api/extractions?extraction_id=N.
func (h *Handler) serveExtraction(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	raw := r.URL.Query().Get("extraction_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "extraction_id is required")
		return
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "extraction_id must be a positive integer")
		return
	}

	ext, err := h.extractions.Get(r.Context(), id, userID)
	switch {
	case errors.Is(err, access.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "extraction not found")
		return
	case errors.Is(err, access.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "access denied")
		return
	case err != nil:
		slog.Error("failed to load extraction",
			"extraction_id", id,
			"user", userID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, newExtractionResponse(ext))
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			slog.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// Serve starts the API server on the given port. It binds the port
// immediately and signals readiness via the returned channel before
// starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind api port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("api server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	return ready, nil
}
