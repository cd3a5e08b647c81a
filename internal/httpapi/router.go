// Package httpapi is the admin HTTP surface: dispatch submission, batch
// cancellation and read access to publications, their log and jobs.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"crosspost/internal/metrics"
	"crosspost/internal/storage"
	"crosspost/internal/task/engine"
	"crosspost/internal/task/scheduler"
	logx "crosspost/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Store interface {
	storage.PublicationStore
	storage.LogStore
	storage.VerificationStore
	storage.ScheduleStore
	storage.ActivityStore
}

// Jobs is the part of the job engine the API drives.
type Jobs interface {
	Enqueue(ctx context.Context, kind string, payload any, opts ...engine.EnqueueOption) (storage.JobRecord, bool, error)
	CancelGroup(ctx context.Context, group string) error
	Get(ctx context.Context, id string) (storage.JobRecord, error)
}

// Sweeps exposes the periodic sweep status. Optional.
type Sweeps interface {
	Status() scheduler.Status
}

type API struct {
	Store  Store
	Jobs   Jobs
	Sweeps Sweeps
	Log    logx.Logger
}

type RouteOptions struct {
	Token string
	Pprof bool
}

// Routes builds the router. /healthz stays open; everything else requires
// the bearer token when one is set.
func (a *API) Routes(opts RouteOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)

	r.Get("/healthz", healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(opts.Token))
		r.Get("/metrics", metricsHandler)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/dispatches", a.createDispatch)
			r.Post("/batches/{batchID}/cancel", a.cancelBatch)
			r.Get("/publications/{id}", a.getPublication)
			r.Get("/publications/{id}/log", a.getPublicationLog)
			r.Get("/jobs/{id}", a.getJob)
			r.Get("/sweeps", a.listSweeps)
		})
		if opts.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if a.Log.IsZero() {
			return
		}
		a.Log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func metricsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
