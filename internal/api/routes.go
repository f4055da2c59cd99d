package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

type Options struct {
	// AuthToken, when set, is required as a bearer token on /api/v1.
	AuthToken   string
	CorsOrigins []string
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
}

type Handler struct {
	syncManager *sync.Manager
	opts        Options
	upgrader    websocket.Upgrader
}

func NewHandler(manager *sync.Manager, opts Options) *Handler {
	origins := newOriginSet(opts.CorsOrigins)
	return &Handler{
		syncManager: manager,
		opts:        opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.allowsHandshake,
		},
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.opts.CorsOrigins))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", h.metricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.opts.AuthToken))

		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/history", h.GetSyncHistory)

		r.Route("/records", func(r chi.Router) {
			r.Delete("/", h.ClearRecords)
			r.Get("/failed", h.ListFailed)
			r.Get("/{collection}", h.ListRecords)
			r.Get("/{collection}/{id}", h.GetRecord)
			r.Put("/{collection}/{id}", h.PutRecord)
			r.Delete("/{collection}/{id}", h.DeleteRecord)
			r.Post("/{collection}/{id}/retry", h.RetryRecord)
			r.Post("/{collection}/{id}/discard", h.DiscardRecord)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", h.CacheStats)
			r.Post("/invalidate", h.InvalidateCache)
			r.Get("/{key}", h.GetCache)
			r.Put("/{key}", h.PutCache)
		})

		r.Post("/connectivity", h.SetConnectivity)
		r.Get("/events", h.Events)
	})

	return r
}

func (h *Handler) metricsHandler() http.Handler {
	if h.opts.Gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("Failed to write response", zap.Error(err))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidPayload), errors.Is(err, sync.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, sync.ErrSyncInProgress), errors.Is(err, sync.ErrNotFailed):
		return http.StatusConflict
	case errors.Is(err, sync.ErrOffline), errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Log.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// originSet is the configured origin allow-list. An empty set allows any
// origin.
type originSet map[string]bool

func newOriginSet(origins []string) originSet {
	set := make(originSet, len(origins))
	for _, o := range origins {
		set[o] = true
	}
	return set
}

func (s originSet) any() bool { return len(s) == 0 }

func (s originSet) allows(origin string) bool {
	return s.any() || s[origin]
}

// allowsHandshake checks a WebSocket upgrade. Clients that send no Origin
// header are not browsers and are let through.
func (s originSet) allowsHandshake(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.allows(origin)
}

// CorsMiddleware allows the listed origins, or any origin when none are
// listed.
func CorsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := newOriginSet(origins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed.any():
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed.allows(origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

			if r.Method == "OPTIONS" {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware checks a bearer token. Browsers cannot set headers on a
// WebSocket handshake, so a token query parameter is accepted as well.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
