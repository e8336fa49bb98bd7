package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dealsync/hubspot-etl/pkg/scan"
)

// Router serves the extraction control API.
type Router struct {
	orchestrator *scan.Orchestrator
	logger       zerolog.Logger
}

// NewRouter builds the chi handler tree.
func NewRouter(orchestrator *scan.Orchestrator, logger zerolog.Logger) http.Handler {
	r := &Router{orchestrator: orchestrator, logger: logger}
	mux := chi.NewRouter()

	mux.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.Route("/api/v1/extractions", func(rt chi.Router) {
		rt.Post("/", r.wrap(r.handleStartScan))
		rt.Get("/{scanID}/status", r.wrap(r.handleStatus))
		rt.Get("/{scanID}/results", r.wrap(r.handleResults))
		rt.Delete("/{scanID}", r.wrap(r.handleCancel))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap maps domain errors onto HTTP statuses.
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			switch {
			case errors.Is(err, scan.ErrNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, scan.ErrNotReady):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, scan.ErrAlreadyFinished):
				writeError(w, http.StatusConflict, err.Error())
			default:
				r.logger.Error().Err(err).
					Str("path", req.URL.Path).
					Msg("Request failed")
				writeError(w, http.StatusInternalServerError, err.Error())
			}
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// POST /api/v1/extractions
// Body: {"tenant_id": "...", "page_size": 100, "properties": [...]}
func (r *Router) handleStartScan(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		AccessToken string   `json:"access_token"`
		TenantID    string   `json:"tenant_id"`
		PageSize    int      `json:"page_size"`
		Properties  []string `json:"properties"`
	}
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return nil
		}
	}

	// The service authenticates with its configured credential; the rate
	// limit quota is per credential, so per-request tokens are not honored.
	if body.AccessToken != "" {
		r.logger.Warn().Msg("Request-supplied access_token ignored")
	}

	scanID, err := r.orchestrator.StartScan(req.Context(), body.TenantID, body.PageSize, body.Properties)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusAccepted, map[string]string{
		"scan_id": scanID,
		"status":  string(scan.StatusRunning),
		"message": "extraction started",
	})
}

// GET /api/v1/extractions/{scanID}/status
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	state, err := r.orchestrator.GetStatus(chi.URLParam(req, "scanID"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, state)
}

// GET /api/v1/extractions/{scanID}/results?limit=&offset=
func (r *Router) handleResults(w http.ResponseWriter, req *http.Request) error {
	scanID := chi.URLParam(req, "scanID")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))

	records, err := r.orchestrator.GetResults(req.Context(), scanID, limit, offset)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, map[string]any{
		"scan_id": scanID,
		"count":   len(records),
		"results": records,
	})
}

// DELETE /api/v1/extractions/{scanID}
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	scanID := chi.URLParam(req, "scanID")
	if err := r.orchestrator.Cancel(scanID); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{
		"scan_id": scanID,
		"message": "cancellation requested",
	})
}
