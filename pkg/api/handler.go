// Package api exposes study runs over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/observability/metrics"
	"github.com/synaptica-ai/eventchain/pkg/runs"
)

const maxStudyBytes = 1 << 20

// Runs is what the handler needs from the runner.
type Runs interface {
	Start(ctx context.Context, cfg *experiment.Config) (runs.Run, error)
	Get(ctx context.Context, id uuid.UUID) (runs.Run, error)
	List(ctx context.Context, limit int) ([]runs.Run, error)
}

type Handler struct {
	runs Runs
}

func NewHandler(runs Runs) *Handler {
	return &Handler{runs: runs}
}

// Router builds the service router with logging and panic recovery.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(Recovery)
	router.Use(Logging)
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	h.Register(router.PathPrefix("/api/v1").Subrouter())
	return router
}

func (h *Handler) Register(r *mux.Router) {
	r.Handle("/studies", BodyLimit(maxStudyBytes)(http.HandlerFunc(h.handleCreateStudy))).Methods(http.MethodPost)
	r.HandleFunc("/runs", h.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", h.handleGetRun).Methods(http.MethodGet)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleCreateStudy accepts a study definition and queues its run. The name
// query parameter names a study whose body leaves "name" out.
func (h *Handler) handleCreateStudy(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "study definition too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "study"
	}
	cfg, err := experiment.Parse(body, name)
	if err != nil {
		logger.Log.WithError(err).Warn("rejected study definition")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, err := h.runs.Start(r.Context(), cfg)
	if err != nil {
		logger.Log.WithError(err).Error("failed to start study run")
		http.Error(w, "failed to start study run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = v
	}
	list, err := h.runs.List(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list study runs")
		http.Error(w, "failed to list study runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	run, err := h.runs.Get(r.Context(), id)
	if errors.Is(err, runs.ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Error("failed to load study run")
		http.Error(w, "failed to load study run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Log.WithError(err).Error("failed to write json response")
	}
}
