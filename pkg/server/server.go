// Package server is the HTTP transport: the streaming chat endpoints, the
// task and session read APIs, and process-level health and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pivotagent/pivot/pkg/auth"
	"github.com/pivotagent/pivot/pkg/builder"
	"github.com/pivotagent/pivot/pkg/engine"
	"github.com/pivotagent/pivot/pkg/llm"
	"github.com/pivotagent/pivot/pkg/memory"
	"github.com/pivotagent/pivot/pkg/store"
)

// Server wires the runtimes behind the HTTP surface.
type Server struct {
	store     *store.Store
	engine    *engine.Engine
	memory    *memory.Service
	llms      *llm.Registry
	validator *auth.JWTValidator

	llmTimeoutSeconds int
	defaultLLMID      string

	mu       sync.Mutex
	builders map[string]*builder.Builder
}

// Options carry the optional knobs; required dependencies go through New.
type Options struct {
	// DefaultLLMID backs preview and build requests that name no llm_id.
	DefaultLLMID      string
	LLMTimeoutSeconds int
}

func New(st *store.Store, eng *engine.Engine, mem *memory.Service, llms *llm.Registry,
	validator *auth.JWTValidator, opts Options) *Server {
	return &Server{
		store:             st,
		engine:            eng,
		memory:            mem,
		llms:              llms,
		validator:         validator,
		llmTimeoutSeconds: opts.LLMTimeoutSeconds,
		defaultLLMID:      opts.DefaultLLMID,
		builders:          make(map[string]*builder.Builder),
	}
}

// Router builds the chi route tree. Health and metrics are unauthenticated;
// everything else requires a bearer JWT.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.validator))

		r.Post("/react/chat/stream", s.handleReactChatStream)
		r.Get("/react/tasks/{taskID}", s.handleGetTask)
		r.Get("/react/tasks/{taskID}/recursions", s.handleListRecursions)
		r.Get("/react/tasks/{taskID}/states", s.handleListStates)
		r.Get("/react/tasks/{taskID}/states/{iterationIndex}", s.handleGetState)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
		r.Get("/sessions/{sessionID}/memory", s.handleGetMemory)
		r.Post("/sessions/{sessionID}/memory", s.handleApplyMemoryDelta)
		r.Get("/sessions/{sessionID}/history", s.handleGetHistory)
		r.Get("/sessions/{sessionID}/full-history", s.handleGetFullHistory)

		r.Post("/preview/chat/stream", s.handlePreviewChatStream)
		r.Post("/build/chat", s.handleBuildChat)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Handler:     s.Router(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE responses stay open for the task's lifetime.
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(started).Milliseconds())
	})
}

// resolveLLM picks the client for a preview or build call: an explicit
// llm_id wins, then the agent's configured LLM, then the server default.
func (s *Server) resolveLLM(ctx context.Context, llmID, agentID string) (llm.Client, error) {
	if llmID == "" && agentID != "" {
		agent, err := s.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		llmID = agent.LLMID
	}
	if llmID == "" {
		llmID = s.defaultLLMID
	}
	if llmID == "" {
		return nil, &store.ValidationError{Message: "llm_id is required"}
	}

	record, err := s.store.GetLLM(ctx, llmID)
	if err != nil {
		return nil, err
	}
	return s.llms.Resolve(llm.Config{
		ID:             record.ID,
		Name:           record.Name,
		Endpoint:       record.Endpoint,
		Model:          record.Model,
		APIKey:         record.APIKey,
		Protocol:       llm.Protocol(record.Protocol),
		Streaming:      record.Streaming,
		ExtraConfig:    record.ExtraConfig,
		TimeoutSeconds: s.llmTimeoutSeconds,
	})
}
