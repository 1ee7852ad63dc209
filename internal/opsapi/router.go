// Package opsapi is the daemon's read-only status surface: platform
// health, bus statistics, and task list progress over HTTP. It exposes
// no mutating routes; all writes go through the CLI and the daemon.
package opsapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opshive/opshive/internal/bus"
	"github.com/opshive/opshive/internal/health"
	"github.com/opshive/opshive/internal/orchestrator"
	"github.com/opshive/opshive/pkg/models"
)

// Deps are the read-side collaborators the API surfaces. Any nil
// dependency turns its routes into 404s.
type Deps struct {
	Monitor *health.Monitor
	Bus     *bus.Bus
	Tasks   *orchestrator.Store
	Version string
}

// NewRouter builds the status API router.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": deps.Version})
	})

	r.Route("/api/v1", func(r chi.Router) {
		if deps.Monitor != nil {
			r.Get("/health", platformHealth(deps.Monitor))
		}
		if deps.Bus != nil {
			r.Get("/bus/stats", busStats(deps.Bus))
		}
		if deps.Tasks != nil {
			r.Get("/lists/{listID}", listStatus(deps.Tasks))
		}
	})

	return r
}

// platformHealth runs a sweep without auto-fix and reports it.
func platformHealth(m *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := m.RunHealthCheck(r.Context(), false)
		rep := health.NewReport(results)
		status := http.StatusOK
		if rep.Critical > 0 {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, rep)
	}
}

func busStats(b *bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := b.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func listStatus(store *orchestrator.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		listID := chi.URLParam(r, "listID")
		list, err := store.GetList(r.Context(), listID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		tasks, err := store.Tasks(r.Context(), listID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, listView{List: *list, Tasks: tasks})
	}
}

type listView struct {
	List  models.TaskList `json:"list"`
	Tasks []models.Task   `json:"tasks"`
}

// Serve runs the status API until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
