package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignatij/triageflow/internal/config"
	"github.com/ignatij/triageflow/internal/log"
	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/ignatij/triageflow/pkg/service"
	"github.com/ignatij/triageflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	CallerHeader = "X-Caller-ID"
	maxBodyBytes = 1 << 20
)

// NewMux wires every route. gatherer may be nil, in which case /metrics is not served.
func NewMux(svc *service.WorkflowService, gatherer prometheus.Gatherer, defaultDeadline time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.HandleFunc("POST /workflows/run", RunWorkflowHandler(svc, defaultDeadline))
	mux.HandleFunc("POST /queries/validate", ValidateQueryHandler(svc))
	mux.HandleFunc("GET /runs", RunsHandler(svc))
	mux.HandleFunc("GET /runs/{id}", RunByIDHandler(svc))
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// StartServer serves handler on addr until ctx is cancelled, then shuts down
// gracefully.
func StartServer(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting triageflow server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve http")
	case <-ctx.Done():
	}
	log.GetLogger().Infof("Shutting down triageflow server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	return nil
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "triageflow server is running")
}

// RunWorkflowHandler runs a workflow submitted as YAML or JSON:
// {"workflow": {...}, "context": {...}}. An optional "deadline" query
// parameter overrides defaultDeadline.
func RunWorkflowHandler(svc *service.WorkflowService, defaultDeadline time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, errors.Wrap(err, "read request body"))
			return
		}
		req, err := config.ParseRunRequest(body)
		if err != nil {
			log.GetLogger().Errorf("Rejected run request: %v", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}

		deadline := defaultDeadline
		if raw := r.URL.Query().Get("deadline"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, errors.Errorf("invalid deadline %q", raw))
				return
			}
			deadline = d
		}

		var opts []service.RunOption
		if deadline > 0 {
			opts = append(opts, service.WithDeadline(deadline))
		}
		report, err := svc.RunDefinition(r.Context(), req.Workflow, req.Context, r.Header.Get(CallerHeader), opts...)
		if err != nil {
			status := http.StatusInternalServerError
			if service.IsDefinitionError(err) {
				status = http.StatusBadRequest
			}
			log.GetLogger().Errorf("Failed to run workflow %s: %v", req.Workflow.ID, err)
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

type validateRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
}

type validateResponse struct {
	Valid      bool                       `json:"valid"`
	Mode       string                     `json:"mode"`
	Violations []models.SecurityViolation `json:"violations"`
}

func ValidateQueryHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request"))
			return
		}
		mode, err := security.ParseMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		valid, violations := svc.ValidateQuery(req.Query, mode)
		if violations == nil {
			violations = []models.SecurityViolation{}
		}
		writeJSON(w, http.StatusOK, validateResponse{Valid: valid, Mode: mode.String(), Violations: violations})
	}
}

func RunsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := svc.ListRuns()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if runs == nil {
			runs = []models.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func RunByIDHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := svc.GetRun(r.PathValue("id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			log.GetLogger().Errorf("Failed to get run: %v", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
