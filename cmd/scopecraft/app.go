package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/scopecraft/config"
	"github.com/c360studio/scopecraft/events"
	"github.com/c360studio/scopecraft/llm"
	"github.com/c360studio/scopecraft/llm/journal"
	"github.com/c360studio/scopecraft/metrics"
	"github.com/c360studio/scopecraft/model"
	"github.com/c360studio/scopecraft/pipeline"
	"github.com/c360studio/scopecraft/scope"
	"github.com/c360studio/scopecraft/transcript"
)

// App wires together all components from a loaded configuration.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	natsConn *nats.Conn
	journal  *journal.Journal

	metrics     *metrics.Metrics
	registry    *model.Registry
	client      *llm.Client
	store       *scope.Store
	guidance    *pipeline.Guidance
	pipeline    *pipeline.Pipeline
	transcripts *transcript.Loader

	closers []io.Closer
}

// NewApp creates the application. Optional infrastructure (NATS, journal)
// is only connected when configured.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.New(),
		registry: cfg.Registry(),
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := a.connectNATS(ctx)
		if err != nil {
			return nil, err
		}
		a.natsConn = nc
		publisher = events.NewNATSPublisher(nc,
			events.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
			events.WithLogger(logger),
		)
	}

	clientOpts := []llm.ClientOption{
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithRetryConfig(cfg.RetryConfig()),
		llm.WithLogger(logger),
		llm.WithMetrics(a.metrics),
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, journal.WithLogger(logger))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.journal = j
		a.closers = append(a.closers, j)
		clientOpts = append(clientOpts, llm.WithRecorder(j))
	}
	a.client = llm.NewClient(a.registry, clientOpts...)

	a.store = scope.NewStore(cfg.Storage.Dir,
		scope.WithLogger(logger),
		scope.WithPublisher(publisher),
		scope.WithMetrics(a.metrics),
	)

	a.guidance = pipeline.LoadGuidance(cfg.Guidance.Path, logger)

	temperature := cfg.LLM.Temperature
	a.pipeline = pipeline.New(a.client, a.store, a.guidance, pipeline.Options{
		DefaultModel: cfg.Model.Default,
		Phased:       cfg.Generation.Phased,
		Temperature:  &temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		Logger:       logger,
		Metrics:      a.metrics,
	})

	a.transcripts = transcript.NewLoader(
		transcript.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		transcript.WithLogger(logger),
	)

	logger.Debug("Application initialized",
		"model", cfg.Model.Default,
		"storage", cfg.Storage.Dir,
		"phased", cfg.Generation.Phased,
		"events", cfg.NATS.URL != "",
		"journal", cfg.Journal.Path != "")
	return a, nil
}

func (a *App) connectNATS(ctx context.Context) (*nats.Conn, error) {
	a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)

	opts := []nats.Option{
		nats.Name("scopecraft"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(a.cfg.NATS.URL, opts...)
		ch <- result{nc, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", r.err)
		}
		return r.nc, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// WatchGuidance reloads the guidance document on change when configured.
func (a *App) WatchGuidance(ctx context.Context) {
	if !a.cfg.Guidance.Watch {
		return
	}
	if err := a.guidance.Watch(ctx); err != nil {
		a.logger.Warn("Guidance hot reload disabled", "path", a.guidance.Path(), "error", err)
	}
}

// Close drains NATS and closes the journal and log file.
func (a *App) Close() {
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("NATS drain failed", "error", err)
			a.natsConn.Close()
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}
}
