// Package scopeapi provides the HTTP endpoints for analysis, follow-up,
// generation and the versioned scope document store.
package scopeapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/cors"

	"github.com/c360studio/scopecraft/metrics"
	"github.com/c360studio/scopecraft/model"
	"github.com/c360studio/scopecraft/pipeline"
	"github.com/c360studio/scopecraft/scope"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Store is the document store surface the API needs.
type Store interface {
	Get(ctx context.Context, id string) (*scope.Document, error)
	List(ctx context.Context) (*scope.ListResult, error)
	Update(ctx context.Context, id string, patch scope.Patch) (*scope.Document, error)
	History(ctx context.Context, id string) ([]scope.Snapshot, error)
	Restore(ctx context.Context, id string, timestamp time.Time) (*scope.Document, error)
	Diff(ctx context.Context, id string, timestamp time.Time) (*scope.Diff, error)
}

// Component serves the scope API.
type Component struct {
	pipeline    *pipeline.Pipeline
	store       Store
	registry    *model.Registry
	metrics     *metrics.Metrics
	logger      *slog.Logger
	corsOrigins []string
	startTime   time.Time
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) { c.logger = logger }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Component) { c.metrics = m }
}

// WithRegistry reports endpoint health on /health.
func WithRegistry(r *model.Registry) Option {
	return func(c *Component) { c.registry = r }
}

// WithCORSOrigins sets the allowed origins. Empty allows all.
func WithCORSOrigins(origins []string) Option {
	return func(c *Component) { c.corsOrigins = origins }
}

// New creates the API component.
func New(p *pipeline.Pipeline, store Store, opts ...Option) *Component {
	c := &Component{
		pipeline:  p,
		store:     store,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handler returns the complete HTTP handler: API routes, /metrics and
// /health, wrapped in recovery and CORS.
func (c *Component) Handler() http.Handler {
	mux := http.NewServeMux()
	c.RegisterHTTPHandlers("api", mux)

	mux.HandleFunc("GET /health", c.handleHealth)
	if c.metrics != nil {
		mux.Handle("GET /metrics", c.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = c.recovery(handler)

	origins := c.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	})
	return corsHandler.Handler(handler)
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (c *Component) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Generation can take minutes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("HTTP server starting", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	c.logger.Info("HTTP server stopping")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// recovery turns handler panics into 500 responses.
func (c *Component) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				c.logger.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Uptime    string                 `json:"uptime"`
	Endpoints []model.EndpointHealth `json:"endpoints,omitempty"`
}

func (c *Component) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(c.startTime).Truncate(time.Second).String(),
	}
	if c.registry != nil {
		resp.Endpoints = c.registry.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}
