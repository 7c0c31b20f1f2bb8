// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/newthinker/relaybot/internal/api/middleware"
	"github.com/newthinker/relaybot/internal/api/response"
	"github.com/newthinker/relaybot/internal/core"
	"github.com/newthinker/relaybot/internal/llm"
	"github.com/newthinker/relaybot/internal/llm/factory"
	"github.com/newthinker/relaybot/internal/metrics"
	"github.com/newthinker/relaybot/internal/storage/history"
	"github.com/newthinker/relaybot/internal/storage/job"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Conversations is the part of the bot the admin API drives.
type Conversations interface {
	Reply(ctx context.Context, user history.UserID, text string) (string, error)
	Clear(ctx context.Context, user history.UserID) (string, error)
	History() history.Store
	Active() *factory.Active
	GetStats() map[string]any
}

// Dependencies holds the components routes are served from.
type Dependencies struct {
	App       Conversations
	Providers *factory.Registry
	Jobs      *job.Store
	Metrics   *metrics.Registry
}

// Server represents the HTTP server for relaybot
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	deps       Dependencies
}

// Config holds server configuration
type Config struct {
	Host        string
	Port        int
	MetricsPath string
	APIKey      string
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if deps.Metrics == nil {
		return nil, fmt.Errorf("metrics registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		return nil, core.Errorf(core.ErrConfigInvalid, "metrics path %q must start with /", cfg.MetricsPath)
	}

	mux := http.NewServeMux()

	var handler http.Handler = mux
	handler = metrics.HTTPMiddleware(deps.Metrics)(handler)
	handler = metrics.LoggingMiddleware(logger)(handler)

	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 10 * time.Minute, // POST .../messages waits for the provider
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
		mux:    mux,
		deps:   deps,
	}

	s.setupRoutes(cfg)
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(cfg Config) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(s.deps.Metrics, promhttp.HandlerOpts{
		Registry: s.deps.Metrics,
	}))

	if s.deps.App == nil {
		return
	}

	auth := middleware.APIKeyAuth(cfg.APIKey)
	route := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, auth(h))
	}
	route("GET /api/v1/stats", s.handleStats)
	route("GET /api/v1/providers", s.handleProviders)
	route("GET /api/v1/conversations", s.handleConversations)
	route("GET /api/v1/conversations/{user}", s.handleConversation)
	route("POST /api/v1/conversations/{user}/messages", s.handleMessage)
	route("DELETE /api/v1/conversations/{user}", s.handleClear)

	if s.deps.Jobs != nil {
		route("GET /api/v1/jobs", s.handleJobs)
		route("GET /api/v1/jobs/{id}", s.handleJob)
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, s.deps.App.GetStats())
}

// ProviderInfo describes one constructible provider.
type ProviderInfo struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Model       string `json:"model"`
	Active      bool   `json:"active"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	active := s.deps.App.Active()
	infos := []ProviderInfo{}
	if s.deps.Providers != nil {
		for _, e := range s.deps.Providers.Entries() {
			infos = append(infos, ProviderInfo{
				Key:         e.Key,
				DisplayName: e.DisplayName,
				Model:       e.Model,
				Active:      active != nil && active.Key == e.Key,
			})
		}
	}
	response.JSON(w, http.StatusOK, infos)
}

// ConversationSummary is one entry of the conversation listing.
type ConversationSummary struct {
	UserID   string `json:"user_id"`
	Messages int    `json:"messages"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	store := s.deps.App.History()
	out := []ConversationSummary{}
	for _, id := range store.UserIDs() {
		out = append(out, ConversationSummary{UserID: string(id), Messages: store.Len(id)})
	}
	response.JSON(w, http.StatusOK, out)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	user := history.UserID(r.PathValue("user"))
	store := s.deps.App.History()
	if store.Len(user) == 0 {
		response.JSON(w, http.StatusOK, []llm.Message{})
		return
	}
	response.JSON(w, http.StatusOK, store.Get(user))
}

type messageRequest struct {
	Text string `json:"text"`
}

type messageResponse struct {
	Reply string `json:"reply"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, core.Errorf(core.ErrConfigInvalid, "invalid JSON body: %v", err))
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		response.Error(w, http.StatusBadRequest, core.Errorf(core.ErrConfigMissing, "text is required"))
		return
	}

	reply, err := s.deps.App.Reply(r.Context(), history.UserID(r.PathValue("user")), text)
	if err != nil {
		s.logger.Warn("admin reply failed", zap.Error(err))
		response.Error(w, response.StatusFor(err), err)
		return
	}
	response.JSON(w, http.StatusOK, messageResponse{Reply: reply})
}

type clearResponse struct {
	Archived string `json:"archived,omitempty"`
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	path, err := s.deps.App.Clear(r.Context(), history.UserID(r.PathValue("user")))
	if err != nil {
		response.Error(w, response.StatusFor(err), err)
		return
	}
	response.JSON(w, http.StatusOK, clearResponse{Archived: path})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, s.deps.Jobs.List())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Get(r.PathValue("id"))
	if err != nil {
		response.Error(w, response.StatusFor(err), err)
		return
	}
	response.JSON(w, http.StatusOK, j)
}
