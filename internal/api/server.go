package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"medpricer/internal/auth"
	"medpricer/internal/config"
	"medpricer/internal/db"
	"medpricer/internal/engine"
	"medpricer/internal/geo"
	"medpricer/internal/snapshot"
	"medpricer/internal/trace"
)

// Server is the HTTP API server that connects the resolver, the pricing
// orchestrator, the snapshot registry, and the trace store.
type Server struct {
	cfg      *config.Config
	db       *db.DB
	resolver *geo.Resolver
	orch     *engine.Orchestrator
	snaps    *snapshot.Registry
	traces   *trace.Store
	replayer *trace.Replayer
	keys     *auth.Store
	limiters *rateLimiters
	version  string
	started  time.Time
}

// rateLimiters hands out one token bucket per caller so no single client can
// exhaust the budget of everyone else on the same server.
type rateLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	byCaller map[string]*rate.Limiter
}

func newRateLimiters(limit rate.Limit, burst int) *rateLimiters {
	return &rateLimiters{limit: limit, burst: burst, byCaller: make(map[string]*rate.Limiter)}
}

func (rl *rateLimiters) get(caller string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.byCaller[caller]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.byCaller[caller] = l
	}
	return l
}

// NewServer creates a Server.
func NewServer(cfg *config.Config, database *db.DB, resolver *geo.Resolver, orch *engine.Orchestrator,
	snaps *snapshot.Registry, traces *trace.Store, replayer *trace.Replayer, keys *auth.Store, version string) *Server {
	return &Server{
		cfg:      cfg,
		db:       database,
		resolver: resolver,
		orch:     orch,
		snaps:    snaps,
		traces:   traces,
		replayer: replayer,
		keys:     keys,
		limiters: newRateLimiters(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		version:  version,
		started:  time.Now(),
	}
}

// Handler returns the HTTP handler with all API routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	// Pricing
	mux.HandleFunc("GET /api/pricing/codes/price", s.handleCodePrice)
	mux.HandleFunc("POST /api/pricing/price", s.handlePrice)
	mux.HandleFunc("POST /api/pricing/compare", s.handleCompare)
	// Geography
	mux.HandleFunc("GET /api/geography/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/geography/healthz", s.handleHealthz)
	// Trace
	mux.HandleFunc("GET /api/trace/{runID}", s.handleTrace)
	mux.HandleFunc("GET /api/trace/{runID}/replay", s.adminOnly(s.handleReplay))
	// Plans
	mux.HandleFunc("POST /api/plans", s.handleCreatePlan)
	mux.HandleFunc("GET /api/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("PUT /api/plans/{id}/components", s.handleReplaceComponents)
	// Snapshots
	mux.HandleFunc("GET /api/snapshots", s.handleListSnapshots)
	mux.HandleFunc("POST /api/snapshots/pin", s.adminOnly(s.handlePin))
	// Operational
	mux.HandleFunc("GET /api/status", s.handleStatus)

	return corsMiddleware(s.rateLimitMiddleware(s.authMiddleware(s.timeoutMiddleware(mux))))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.get(callerID(r)).Allow() {
			writeError(w, 429, "RATE_LIMITED", "too many requests", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerID keys the rate limiter by the presented API key, falling back to
// the client IP for unkeyed callers.
func callerID(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type ctxKey int

const keyCtxKey ctxKey = 0

// authMiddleware checks the X-API-Key header. When no keys exist the API is
// open, which keeps local development and the seeded demo friction-free.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := s.keys.Count(r.Context())
		if err != nil {
			writeError(w, 500, "INTERNAL", "auth store unavailable", "")
			return
		}
		if n == 0 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyCtxKey, &auth.Key{Name: "open", Admin: true})))
			return
		}
		key, err := s.keys.Authenticate(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil {
			writeError(w, 500, "INTERNAL", "auth store unavailable", "")
			return
		}
		if key == nil {
			writeError(w, 401, "AUTH_UNAUTHORIZED", "missing or unknown API key", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyCtxKey, key)))
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminOnly gates a handler on the key's admin bit.
func (s *Server) adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, _ := r.Context().Value(keyCtxKey).(*auth.Key)
		if key == nil || !key.Admin {
			writeError(w, 403, "AUTH_FORBIDDEN", "admin key required", "")
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError emits the error envelope. An empty traceID gets a fresh id so
// every error is correlatable in logs.
func writeError(w http.ResponseWriter, status int, code, msg, traceID string) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":    msg,
		"code":     code,
		"trace_id": traceID,
	})
}

// writeDomainError maps resolver and pricing errors to the envelope.
func writeDomainError(w http.ResponseWriter, err error, traceID string) {
	var re *geo.ResolveError
	if errors.As(err, &re) {
		switch re.Kind {
		case geo.FailInvalidZip:
			writeError(w, 400, "GEO_INVALID_ZIP", re.Message, traceID)
		case geo.FailNeedsPlus4:
			writeError(w, 400, "GEO_NEEDS_PLUS4", re.Message, traceID)
		case geo.FailNoCoverage:
			writeError(w, 400, "GEO_NO_COVERAGE", re.Message, traceID)
		default:
			writeError(w, 500, "GEO_INTERNAL", re.Message, traceID)
		}
		return
	}
	var pe *engine.PricingError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case engine.ErrInvalidInput:
			writeError(w, 400, "PRICING_INVALID_INPUT", pe.Message, traceID)
		case engine.ErrSchedulePricingMiss:
			writeError(w, 422, "PRICING_SCHEDULE_MISS", pe.Message, traceID)
		case engine.ErrRequiredReferenceMiss:
			writeError(w, 422, "PRICING_REFERENCE_MISS", pe.Message, traceID)
		case engine.ErrTimeout:
			writeError(w, 504, "PRICING_TIMEOUT", pe.Message, traceID)
		default:
			writeError(w, 500, "PRICING_INTERNAL", pe.Message, traceID)
		}
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, 504, "PRICING_TIMEOUT", "request deadline exceeded", traceID)
		return
	}
	writeError(w, 500, "INTERNAL", err.Error(), traceID)
}
