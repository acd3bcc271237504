package server

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/ingestion"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Admin is the engine surface behind /v1/admin. Implemented by *core.Engine.
type Admin interface {
	Recompute(ctx context.Context) (*ledger.RecomputeResult, error)
	RequestRecompute(reason string)
	PendingRecompute() (bool, string)
	Ledger() *ledger.Ledger
}

// Deps holds everything the HTTP API serves from.
type Deps struct {
	Query       *query.QueryService
	Ingest      *ingestion.ManualIngestService // nil disables POST /v1/trades
	Admin       Admin
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Gatherer    prometheus.Gatherer // nil uses the default registry
	CORSOrigins []string
	StartTime   time.Time
	Logger      zerolog.Logger
}

// HTTPServer is the JSON API: a grpc-gateway mux carrying the /v1 routes,
// mounted in a chi router that adds CORS, metrics and the health probes.
type HTTPServer struct {
	router chi.Router
	server *http.Server
	deps   Deps
	logger zerolog.Logger
}

// NewHTTPServer builds the router. It fails only on a malformed route
// pattern.
func NewHTTPServer(addr string, deps Deps) (*HTTPServer, error) {
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Health == nil {
		deps.Health = observability.NewHealthChecker()
	}
	s := &HTTPServer{
		router: chi.NewRouter(),
		deps:   deps,
		logger: deps.Logger,
	}

	s.setupMiddleware()
	gw, err := s.gateway()
	if err != nil {
		return nil, err
	}

	s.router.Get("/healthz", deps.Health.LivenessHandler)
	s.router.Get("/readyz", deps.Health.ReadinessHandler)
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router.Handle("/v1/*", gw)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *HTTPServer) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)

	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	if s.deps.Metrics != nil {
		s.router.Use(withRouteLabel)
		s.router.Use(s.deps.Metrics.Middleware(routeOf))
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Routing
// ============================================================================

// apiHandler returns the status and body of a successful call, or an error
// mapped by writeError.
type apiHandler func(r *http.Request, params map[string]string) (int, interface{}, error)

func (s *HTTPServer) gateway() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		h       apiHandler
	}{
		{"GET", "/v1/positions", s.listPositions},
		{"GET", "/v1/positions/{id}", s.getPosition},
		{"GET", "/v1/books/{asset}/{venue_key}", s.getBook},
		{"GET", "/v1/pnl", s.pnlReport},
		{"GET", "/v1/pnl/series", s.pnlSeries},
		{"GET", "/v1/pnl/assets/{asset}", s.assetSummary},
		{"GET", "/v1/trades", s.listTrades},
		{"POST", "/v1/trades", s.submitTrades},
		{"POST", "/v1/admin/recompute", s.recompute},
		{"GET", "/v1/admin/integrity", s.integrity},
		{"GET", "/v1/admin/status", s.status},
	}
	for _, rt := range routes {
		if err := s.handle(mux, rt.method, rt.pattern, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func (s *HTTPServer) handle(mux *runtime.ServeMux, method, pattern string, h apiHandler) error {
	return mux.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if l, ok := r.Context().Value(routeKey{}).(*routeLabel); ok {
			l.pattern = pattern
		}
		status, body, err := h(r, params)
		if err != nil {
			s.writeError(w, r, pattern, err)
			return
		}
		writeJSON(w, status, body)
	})
}

type routeKey struct{}

type routeLabel struct {
	pattern string
}

// withRouteLabel gives the gateway handlers a slot to report their pattern
// back to the metrics middleware.
func withRouteLabel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), routeKey{}, &routeLabel{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func routeOf(r *http.Request) string {
	if l, ok := r.Context().Value(routeKey{}).(*routeLabel); ok && l.pattern != "" {
		return l.pattern
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// ============================================================================
// Responses
// ============================================================================

// ParamError is a malformed query or path parameter.
type ParamError struct {
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StatusFor maps an error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	var (
		pe  *ParamError
		ve  *event.ValidationError
		cme *ledger.ConcurrentMutationError
	)
	switch {
	case errors.As(err, &pe), errors.As(err, &ve),
		errors.Is(err, ingestion.ErrMalformed), errors.Is(err, query.ErrInvalidQuery):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &cme), errors.Is(err, ledger.ErrKeyHalted):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	status, code := StatusFor(err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	evt := s.logger.Debug()
	if status >= http.StatusInternalServerError {
		evt = s.logger.Error()
	}
	evt.Err(err).
		Str("endpoint", endpoint).
		Int("status", status).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("request failed")

	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}
