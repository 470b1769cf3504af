// Package api is the HTTP surface of the counting service: photo intake,
// session status and resolution, density parameter management and pipeline
// control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/greenline-data/canopy.count/internal/config"
	"github.com/greenline-data/canopy.count/internal/db"
	"github.com/greenline-data/canopy.count/internal/estimate"
	"github.com/greenline-data/canopy.count/internal/pipeline"
	"github.com/greenline-data/canopy.count/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxPhotoBytes caps an uploaded photo at 32MB; greenhouse tablets upload
// 12MP JPEGs well under that.
const maxPhotoBytes = 32 << 20

// PhotoStore is the intake side of the photo store.
type PhotoStore interface {
	Put(ctx context.Context, r io.Reader) (string, error)
}

type Server struct {
	db     *db.DB
	photos PhotoStore
	runner *pipeline.Runner
	config *config.PipelineConfig
}

func NewServer(database *db.DB, photos PhotoStore, runner *pipeline.Runner, cfg *config.PipelineConfig) *Server {
	return &Server{
		db:     database,
		photos: photos,
		runner: runner,
		config: cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/photos", s.submitPhoto)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.showSession)
	mux.HandleFunc("POST /api/sessions/{id}/resolve", s.resolveSession)
	mux.HandleFunc("GET /api/density_params", s.listDensityParams)
	mux.HandleFunc("PUT /api/density_params/{key}", s.putDensityParam)
	mux.HandleFunc("GET /api/pipeline/status", s.pipelineStatus)
	mux.HandleFunc("POST /api/pipeline/control", s.pipelineControl)
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /debug/charts/calibration", s.calibrationChart)
	mux.HandleFunc("GET /debug/charts/sessions", s.sessionsChart)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write response")
	}
}

// submitPhoto ingests one photo and opens a counting session for it. The
// photo goes in the body (or the "photo" multipart field); location and
// product come from query or form values and may be empty, in which case
// the session parks in a warning state until resolved.
func (s *Server) submitPhoto(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var body io.Reader = http.MaxBytesReader(w, r.Body, maxPhotoBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("photo")
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Missing 'photo' field")
			return
		}
		defer file.Close()
		body = file
	}

	imageID, err := s.photos.Put(r.Context(), body)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to store photo: %v", err))
		return
	}

	sess, err := s.db.CreateSession(r.Context(), imageID,
		r.FormValue("location_id"), r.FormValue("product_key"))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to create session: %v", err))
		return
	}
	s.runner.Controller().TriggerManualRun()

	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	sessions, err := s.db.ListRecentSessions(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sessions: %v", err))
		return
	}
	counts, err := s.db.CountSessionsByState(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to count sessions: %v", err))
		return
	}

	s.writeJSON(w, map[string]any{
		"sessions": sessions,
		"counts":   counts,
	})
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	sess, err := s.db.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrSessionNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to load session: %v", err))
		return
	}

	regions, err := s.db.SessionRegions(r.Context(), sess.ID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to load regions: %v", err))
		return
	}

	s.writeJSON(w, map[string]any{
		"session": sess,
		"regions": regions,
	})
}

// resolveSession lets an operator supply the missing context of a parked
// session and requeue it.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req struct {
		LocationID string `json:"location_id"`
		ProductKey string `json:"product_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	id := r.PathValue("id")
	if req.LocationID != "" || req.ProductKey != "" {
		if err := s.db.SetSessionContext(r.Context(), id, req.LocationID, req.ProductKey); err != nil {
			if errors.Is(err, db.ErrSessionNotFound) {
				s.writeJSONError(w, http.StatusNotFound, "Session not found")
				return
			}
			s.writeJSONError(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to update session: %v", err))
			return
		}
	}
	if err := s.db.Reopen(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrBadTransition) {
			s.writeJSONError(w, http.StatusConflict,
				fmt.Sprintf("Session cannot be reopened: %v", err))
			return
		}
		if errors.Is(err, db.ErrSessionNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "Session not found")
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to reopen session: %v", err))
		return
	}
	s.runner.Controller().TriggerManualRun()

	sess, err := s.db.GetSession(r.Context(), id)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to load session: %v", err))
		return
	}
	s.writeJSON(w, sess)
}

func (s *Server) listDensityParams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	params, err := s.db.DensityParams().List(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list density params: %v", err))
		return
	}
	s.writeJSON(w, params)
}

// putDensityParam seeds or overrides a product's density parameter. This
// is how a needs_calibration session gets unblocked: an operator counts
// one bench by hand, derives the reference area, and posts it here.
func (s *Server) putDensityParam(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req struct {
		ReferenceArea float64 `json:"reference_area"`
		OverlapFactor float64 `json:"overlap_factor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.ReferenceArea <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "reference_area must be positive")
		return
	}
	if req.OverlapFactor <= 0 {
		req.OverlapFactor = 1
	}

	param := estimate.DensityParameter{
		ProductKey:    r.PathValue("key"),
		ReferenceArea: req.ReferenceArea,
		OverlapFactor: req.OverlapFactor,
		SampleCount:   1,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.db.DensityParams().Put(r.Context(), param); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to store density param: %v", err))
		return
	}
	s.writeJSON(w, param)
}

func (s *Server) pipelineStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, s.runner.Controller().GetStatus())
}

// pipelineControl accepts {"action": "enable" | "disable" | "run"}.
func (s *Server) pipelineControl(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	ctrl := s.runner.Controller()
	switch req.Action {
	case "enable":
		ctrl.SetEnabled(true)
	case "disable":
		ctrl.SetEnabled(false)
	case "run":
		ctrl.TriggerManualRun()
	default:
		s.writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("Unknown action %q", req.Action))
		return
	}
	s.writeJSON(w, ctrl.GetStatus())
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, s.config.Snapshot())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, map[string]string{
		"status":     "ok",
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
