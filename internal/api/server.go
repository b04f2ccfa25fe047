// ABOUTME: HTTP server struct, constructor, and handler wiring for the maef backend.
// ABOUTME: Mounts /healthz, /metrics, the huma JSON API and the streaming media routes.
package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/maefbyyas/maef-backend/internal/config"
	"github.com/maefbyyas/maef-backend/internal/store"
	"github.com/maefbyyas/maef-backend/internal/worker"
)

// jsonBodyLimit caps request bodies of the JSON API. Media uploads are
// bounded by the blob store's size limit instead.
const jsonBodyLimit = 1 << 20

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store *store.Store
	cfg   *config.Config
	// registry restricts which job kinds may be enqueued over the API and
	// supplies their attempt budgets. nil accepts no kind.
	registry      *worker.Registry
	uploadLimiter *ipRateLimiter
	// trustedProxies may set X-Forwarded-For / X-Real-IP. Empty trusts none.
	trustedProxies []netip.Prefix
	now            func() time.Time
}

// NewServer creates a Server. Call Close when the server is no longer used.
func NewServer(s *store.Store, cfg *config.Config, registry *worker.Registry) *Server {
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	uploadRate, burst := cfg.UploadRate, cfg.UploadBurst
	if uploadRate <= 0 {
		uploadRate = 2
	}
	if burst <= 0 {
		burst = 10
	}
	return &Server{
		store:          s,
		cfg:            cfg,
		registry:       registry,
		uploadLimiter:  newIPRateLimiter(rate.Limit(uploadRate), burst, evictTTL),
		trustedProxies: cfg.TrustedProxyPrefixes(),
		now:            time.Now,
	}
}

// Close stops the background cleanup of the upload rate limiter.
func (srv *Server) Close() {
	srv.uploadLimiter.Close()
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// ── Security headers ─────────────────────────────────────────────────────
	// First so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(srv.realIP)
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 ────────────────────────────────────────────────────────────────
	apiRouter := chi.NewRouter()

	// JSON endpoints are described by huma (OpenAPI 3.1) and share a 1 MB
	// body limit.
	apiRouter.Group(func(r chi.Router) {
		r.Use(middleware.RequestSize(jsonBodyLimit))
		humaConfig := huma.DefaultConfig("maef backend API", "0.1.0")
		humaConfig.Info.Description = "Background jobs, media assets and ingested stories"
		api := humachi.New(r, humaConfig)
		registerJobRoutes(api, srv)
		registerMediaRoutes(api, srv)
		registerStoryRoutes(api, srv)
	})

	// Media payloads stream through chi handlers: huma buffers bodies.
	apiRouter.With(srv.uploadRateLimit()).Post("/media", srv.uploadMediaHandler)
	apiRouter.With(srv.uploadRateLimit()).Post("/media/batch", srv.batchUploadHandler)
	apiRouter.Get("/media/{id}", srv.downloadAssetHandler)
	apiRouter.Get("/media/{id}/derivatives/{kind}", srv.downloadDerivativeHandler)

	r.Mount("/api/v1", apiRouter)

	return r
}

// realIP applies chi's RealIP only to requests arriving from a trusted
// proxy, so clients cannot pick their own rate-limit bucket.
func (srv *Server) realIP(next http.Handler) http.Handler {
	forwarded := middleware.RealIP(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if srv.fromTrustedProxy(r.RemoteAddr) {
			forwarded.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) fromTrustedProxy(remoteAddr string) bool {
	if len(srv.trustedProxies) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range srv.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, r, statusCode, resp)
	}
}

// writeJSON encodes v as the response body of the chi handlers.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// errorBody mirrors the fields of huma's problem responses so chi and huma
// endpoints fail the same way.
type errorBody struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	body := errorBody{Title: http.StatusText(status), Status: status, Detail: detail}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode error response", "error", err)
	}
}
