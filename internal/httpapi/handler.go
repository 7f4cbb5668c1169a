// Package httpapi serves the read-only fleet API used by the web front-end.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"fleetbot/internal/fleet"
	"fleetbot/internal/metrics"
	"fleetbot/internal/storage"
	"fleetbot/pkg/logx"
)

// Fleet is the read side of the fleet supervisor.
type Fleet interface {
	List(ctx context.Context) ([]fleet.Status, error)
	Get(ctx context.Context, id string) (fleet.Status, error)
	LiveCount() int
}

const requestTimeout = 10 * time.Second

// NewHandler builds the API router. A non-empty cfg.Token protects /api and /debug.
func NewHandler(f Fleet, m *metrics.Metrics, cfg Config, log logx.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.Recoverer,
		chimw.Timeout(requestTimeout),
		requestLog(log),
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "live": f.LiveCount()})
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Get("/bots", func(w http.ResponseWriter, req *http.Request) {
			bots, err := f.List(req.Context())
			if err != nil {
				log.Error("list bots failed", logx.Err(err))
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
		})
		r.Get("/bots/{id}", func(w http.ResponseWriter, req *http.Request) {
			bot, err := f.Get(req.Context(), chi.URLParam(req, "id"))
			switch {
			case errors.Is(err, storage.ErrNotFound):
				writeError(w, http.StatusNotFound, "bot not found")
			case err != nil:
				log.Error("get bot failed", logx.Err(err))
				writeError(w, http.StatusInternalServerError, "internal error")
			default:
				writeJSON(w, http.StatusOK, bot)
			}
		})
	})

	if cfg.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(bearerAuth(cfg.Token))
			r.Mount("/debug", chimw.Profiler())
		})
	}
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>". An empty token disables it.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if !strings.HasPrefix(ah, p) || strings.TrimSpace(strings.TrimPrefix(ah, p)) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.String("req_id", chimw.GetReqID(r.Context())),
				logx.Duration("dur", time.Since(start)),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
