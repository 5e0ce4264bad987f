// Package server wires all components and creates the running instance.
//
// This is the composition root: it creates concrete implementations and
// injects them into the transport, pipeline, and tools that depend on
// abstractions. No business logic lives here, only wiring.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coltonmb/memgate/internal/arbitration"
	"github.com/coltonmb/memgate/internal/config"
	"github.com/coltonmb/memgate/internal/federation"
	"github.com/coltonmb/memgate/internal/memory"
	"github.com/coltonmb/memgate/internal/memsvc"
	"github.com/coltonmb/memgate/internal/memtools"
	"github.com/coltonmb/memgate/internal/protocol"
	"github.com/coltonmb/memgate/internal/security"
	"github.com/coltonmb/memgate/internal/session"
	"github.com/coltonmb/memgate/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Version is set at build time via ldflags.
var Version = "dev"

// healthInterval is the aggregator's background upstream check tick.
const healthInterval = 30 * time.Second

// Server is the assembled memory protocol server.
type Server struct {
	cfg        *config.Config
	httpSrv    *http.Server
	registry   *session.Registry
	aggregator *federation.Aggregator
}

// New creates and configures the server with all tools registered.
//
// The returned cleanup function closes the memory store's database
// connection and must be called on shutdown (typically via defer). It is
// always non-nil and safe to call even when construction failed.
func New(cfg *config.Config) (*Server, func(), error) {
	store, err := memory.New(memory.Config{DataDir: cfg.DataDir, MaxSearchResults: 20})
	if err != nil {
		return nil, noop, fmt.Errorf("creating memory store: %w", err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			slog.Error("closing memory store", "error", err)
		}
	}

	ranker := memory.NewLexicalRanker()
	engine := arbitration.New(store, ranker, arbitration.Config{
		ConsiderationThreshold: cfg.ConsiderationThreshold,
		MergeThreshold:         cfg.MergeThreshold,
	})

	registry := session.NewRegistry(
		session.ServerInfo{Name: cfg.ServerName, Version: cfg.ServerVersion},
		serverCapabilities(cfg),
		cfg.SessionIdleTimeout,
	)

	pipeline := security.NewPipeline(
		authenticator(cfg),
		security.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitCeiling),
		cfg.MaxParamBytes,
	)
	registry.OnDestroy(pipeline.Forget)

	var aggregator *federation.Aggregator
	if cfg.Mode == config.ModeAggregator {
		callers := make([]federation.Caller, 0, len(cfg.Upstreams))
		for _, up := range cfg.Upstreams {
			callers = append(callers, federation.NewUpstreamClient(up.Name, up.URL))
		}
		aggregator = federation.New(callers, cfg.UpstreamTimeout, cfg.PrimaryUpstream, ranker)
	}

	svc := memsvc.New(store, engine, registry, aggregator)

	tools := transport.NewToolRegistry()
	searchTool := memtools.NewSearchTool(svc)
	tools.Register(searchTool.Definition(), searchTool.Handle)
	storeTool := memtools.NewStoreTool(svc)
	tools.Register(storeTool.Definition(), storeTool.Handle)
	relateTool := memtools.NewRelateTool(svc)
	tools.Register(relateTool.Definition(), relateTool.Handle)
	evolveTool := memtools.NewEvolveTool(svc)
	tools.Register(evolveTool.Definition(), evolveTool.Handle)
	federateTool := memtools.NewFederateTool(svc)
	tools.Register(federateTool.Definition(), federateTool.Handle, session.CapMemoryFederate)

	dispatcher := transport.NewDispatcher(registry, pipeline, tools)
	wsHandler := transport.NewWebSocketHandler(registry, dispatcher)

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Handle("/mcp", wsHandler)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := svc.Ping(req.Context()); err != nil {
			http.Error(w, `{"status":"unhealthy"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	// Read-only record inspection, including superseded lineage. Protocol
	// clients use the tools; this is for operators.
	r.Get("/memories/{id}", func(w http.ResponseWriter, req *http.Request) {
		rec, rels, err := svc.Get(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			var errObj *protocol.ErrorObject
			if errors.As(err, &errObj) && errObj.Code == protocol.CodeNotFound {
				http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
				return
			}
			http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"memory": rec, "relations": rels})
	})

	return &Server{
		cfg:        cfg,
		httpSrv:    &http.Server{Addr: cfg.Addr(), Handler: r},
		registry:   registry,
		aggregator: aggregator,
	}, cleanup, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.registry.RunEviction(ctx)
	if s.aggregator != nil {
		go s.aggregator.RunHealthLoop(ctx, healthInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", s.cfg.Addr(), "mode", s.cfg.Mode)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// serverCapabilities translates config flags into the advertised set.
func serverCapabilities(cfg *config.Config) session.CapabilitySet {
	caps := make(session.CapabilitySet)
	if cfg.EnableTools {
		caps[session.CapTools] = true
	}
	if cfg.EnableLogging {
		caps[session.CapLogging] = true
	}
	if cfg.EnableMemory {
		caps[session.CapMemory] = true
		caps[session.CapMemorySearch] = true
		caps[session.CapMemoryStore] = true
	}
	if cfg.EnableFederate {
		caps[session.CapMemoryFederate] = true
	}
	return caps
}

// authenticator selects the configured auth strategy.
func authenticator(cfg *config.Config) security.Authenticator {
	switch cfg.AuthStrategy {
	case config.AuthBearer:
		return security.BearerAuthenticator{Token: cfg.BearerToken}
	case config.AuthAPIKey:
		return security.NewAPIKeyAuthenticator(cfg.APIKeys)
	default:
		return security.NoneAuthenticator{}
	}
}

func noop() {}
