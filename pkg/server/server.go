// Package server provides the public entry point for initializing the
// ActionBridge engine server.
//
// It lives in pkg/ (not internal/) so embedders can compose the engine into
// a larger process: register their own permission adapters, option sources,
// step executors and internal dispatchers before serving.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/actionbridge/actionbridge/internal/api"
	"github.com/actionbridge/actionbridge/internal/api/handlers"
	"github.com/actionbridge/actionbridge/internal/catalog"
	"github.com/actionbridge/actionbridge/internal/collect"
	"github.com/actionbridge/actionbridge/internal/config"
	"github.com/actionbridge/actionbridge/internal/engine"
	"github.com/actionbridge/actionbridge/internal/executor"
	"github.com/actionbridge/actionbridge/internal/matcher"
	"github.com/actionbridge/actionbridge/internal/nlu"
	"github.com/actionbridge/actionbridge/internal/options"
	"github.com/actionbridge/actionbridge/internal/permission"
	"github.com/actionbridge/actionbridge/internal/store"
	"github.com/actionbridge/actionbridge/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized ActionBridge engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Catalog, Permissions, Options and Executors are exposed so embedders
	// can register their own actions, adapters, sources and step executors.
	Catalog     *catalog.Catalog
	Permissions *permission.Registry
	Options     *options.Resolver
	Executors   *executor.Registry

	// Sessions is the session store in use (memory or Postgres).
	Sessions store.SessionStore

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry
	// and close the session store.
	ShutdownFunc func(context.Context) error
}

// New initializes all engine components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Session store: Postgres when configured, in-memory otherwise.
	var sessions store.SessionStore
	var closeStore func()
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresSessionStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres sessions: %w", err)
		}
		sessions = pg
		closeStore = pg.Close
	} else {
		sessions = store.NewMemorySessionStore()
		closeStore = func() {}
		log.Info().Msg("In-memory session store initialized")
	}

	cat := catalog.New()
	if cfg.CatalogFile != "" {
		n, err := cat.LoadFile(cfg.CatalogFile)
		if err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		log.Info().Int("actions", n).Str("file", cfg.CatalogFile).Msg("Catalog seeded")
	}

	// NLU is optional; without it matching is keyword-only and parameter
	// extraction falls back to prompting.
	var scorer nlu.SemanticScorer
	var extractor nlu.ParameterExtractor
	if cfg.NLU.APIKey != "" {
		provider, err := nlu.NewOpenAIProvider(cfg.NLU)
		if err != nil {
			return nil, fmt.Errorf("nlu provider: %w", err)
		}
		scorer = provider
		extractor = provider
		log.Info().Str("model", cfg.NLU.Model).Msg("NLU provider initialized")
	} else {
		log.Warn().Msg("No NLU API key configured, matching is keyword-only")
	}

	perms := permission.NewRegistry()

	resolver := options.NewResolver(cfg.Options)
	for _, src := range []options.Source{
		options.StaticSource{},
		options.EnumSource{},
		options.NewHTTPSource(cfg.Options.HTTPTimeout),
	} {
		if err := resolver.Register(src); err != nil {
			return nil, fmt.Errorf("register option source: %w", err)
		}
	}

	registry := executor.NewRegistry()
	for _, e := range []executor.StepExecutor{
		executor.NewAPICallExecutor(cfg.Execution.StepTimeout),
		executor.NewInternalServiceExecutor(cfg.Execution.StepTimeout, nil),
		executor.NewNotificationExecutor(cfg.Execution.StepTimeout),
		executor.NewExecuteStepExecutor(cfg.Execution.StepTimeout),
		executor.NewQueryExecutor(),
		executor.NewInputExecutor(),
		executor.DecisionExecutor{},
		executor.ValidationExecutor{},
		executor.TransformExecutor{},
		executor.WaitExecutor{},
	} {
		if err := registry.Register(e); err != nil {
			return nil, fmt.Errorf("register step executor: %w", err)
		}
	}
	plans := executor.NewPlanExecutor(registry, cfg.Execution)

	collector := collect.New(sessions, extractor, cfg.Session)
	m := matcher.New(cat, scorer, cfg.Match)
	eng := engine.New(cat, perms, m, collector, sessions, resolver, plans, cfg)

	h := handlers.New(eng, cat, plans)
	router := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		closeStore()
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Catalog:      cat,
		Permissions:  perms,
		Options:      resolver,
		Executors:    registry,
		Sessions:     sessions,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
