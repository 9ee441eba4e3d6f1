package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dedup-cli/internal/job"
	"github.com/sells-group/dedup-cli/internal/model"
	"github.com/sells-group/dedup-cli/internal/normalizer"
	"github.com/sells-group/dedup-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      newRouter(env),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("http server listening",
				zap.String("component", "api"),
				zap.String("addr", srv.Addr))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
			zap.L().Info("shutting down", zap.String("component", "api"))
			shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// api exposes the engine over HTTP.
type api struct {
	env *engine
}

func newRouter(env *engine) http.Handler {
	a := &api{env: env}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", a.handleHealth)
	r.Get("/stats", a.handleStats)
	r.Post("/normalize", a.handleNormalize)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.handleSubmitJob)
		r.Get("/", a.handleListJobs)
		r.Get("/{id}", a.handleGetJob)
		r.Post("/{id}/cancel", a.handleCancelJob)
	})

	return r
}

type submitRequest struct {
	Observations []model.Observation `json:"observations"`
}

type normalizeRequest struct {
	Names []string `json:"names"`
}

type normalizeResult struct {
	RawName string `json:"raw_name"`
	KeyForm string `json:"key_form,omitempty"`
	Display string `json:"display,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.env.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.env.store.Stats(r.Context())
	if err != nil {
		zap.L().Error("stats failed", zap.String("component", "api"), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleNormalize previews normalization without touching the store.
func (a *api) handleNormalize(w http.ResponseWriter, r *http.Request) {
	var req normalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Names) == 0 {
		writeError(w, http.StatusBadRequest, "names is required")
		return
	}

	results := make([]normalizeResult, 0, len(req.Names))
	for _, name := range req.Names {
		res := normalizeResult{RawName: name}
		key, err := a.env.norm.KeyForm(name)
		if err != nil {
			if errors.Is(err, normalizer.ErrEmptyName) {
				res.Error = "empty name"
			} else {
				res.Error = err.Error()
			}
		} else {
			res.KeyForm = key
			res.Display = a.env.norm.Display(name)
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string][]normalizeResult{"results": results})
}

func (a *api) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Observations) == 0 {
		writeError(w, http.StatusBadRequest, "observations is required")
		return
	}

	run, err := a.env.controller.Submit(r.Context(), req.Observations)
	if err != nil {
		zap.L().Error("submit failed", zap.String("component", "api"), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	a.env.controller.ProcessAsync(run.ID)

	writeJSON(w, http.StatusAccepted, run)
}

func (a *api) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{Limit: 50}
	if s := r.URL.Query().Get("status"); s != "" {
		status := model.JobStatus(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status: "+s)
			return
		}
		filter.Status = status
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	runs, err := a.env.store.ListJobs(r.Context(), filter)
	if err != nil {
		zap.L().Error("list jobs failed", zap.String("component", "api"), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": runs, "count": len(runs)})
}

func (a *api) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := a.env.store.GetJob(r.Context(), id)
	if err != nil {
		zap.L().Error("get job failed", zap.String("component", "api"), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *api) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.env.controller.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, job.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "no cancellable run with that id")
			return
		}
		zap.L().Error("cancel failed", zap.String("component", "api"), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.String("component", "api"), zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
