// internal/api/server_test.go
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/newthinker/relaybot/internal/app"
	"github.com/newthinker/relaybot/internal/config"
	"github.com/newthinker/relaybot/internal/core"
	"github.com/newthinker/relaybot/internal/llm"
	"github.com/newthinker/relaybot/internal/llm/factory"
	"github.com/newthinker/relaybot/internal/metrics"
	"github.com/newthinker/relaybot/internal/storage/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	err error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.ChatResponse{Content: "echo: " + req.Messages[len(req.Messages)-1].Content}, nil
}

func newTestServer(t *testing.T, apiKey string, provider llm.Provider) *Server {
	t.Helper()
	return newTestServerWithJobs(t, apiKey, provider, nil)
}

func newTestServerWithJobs(t *testing.T, apiKey string, provider llm.Provider, jobs *job.Store) *Server {
	t.Helper()

	reg := factory.NewRegistry()
	reg.Add(factory.Entry{Key: "ollama", DisplayName: "Ollama", Model: "qwen3:4b", Provider: provider})
	reg.Add(factory.Entry{Key: "openai", DisplayName: "OpenAI", Model: "gpt-4o-mini", Provider: provider})
	active, err := factory.Select("openai", reg)
	require.NoError(t, err)

	m := metrics.NewRegistry()
	a := app.New(config.Defaults(), app.Dependencies{Active: active, Metrics: m}, zap.NewNop())

	srv, err := NewServer(Config{Host: "localhost", Port: 0, APIKey: apiKey},
		Dependencies{App: a, Providers: reg, Jobs: jobs, Metrics: m}, zap.NewNop())
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope), w.Body.String())
	require.NoError(t, json.Unmarshal(envelope.Data, into))
}

func TestNewServer_RequiresMetrics(t *testing.T) {
	_, err := NewServer(Config{}, Dependencies{}, nil)
	assert.Error(t, err)
}

func TestNewServer_InvalidMetricsPath(t *testing.T) {
	_, err := NewServer(Config{MetricsPath: "metrics"}, Dependencies{Metrics: metrics.NewRegistry()}, nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, "", &stubProvider{})

	w := do(t, srv, "GET", "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, "secret", &stubProvider{})

	do(t, srv, "GET", "/healthz", "", nil)
	w := do(t, srv, "GET", "/metrics", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "http_requests_total")
	assert.Contains(t, body, `path="/healthz"`)
	assert.Contains(t, body, "go_goroutines")
}

func TestServer_MetricsOnlyWithoutApp(t *testing.T) {
	srv, err := NewServer(Config{MetricsPath: "/prom"}, Dependencies{Metrics: metrics.NewRegistry()}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/prom", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/v1/providers", "", nil).Code)
}

func TestServer_APIAuth_Required(t *testing.T) {
	srv := newTestServer(t, "test-key", &stubProvider{})

	w := do(t, srv, "GET", "/api/v1/providers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, srv, "GET", "/api/v1/providers", "", map[string]string{"X-API-Key": "test-key"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Health and metrics stay open.
	assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/healthz", "", nil).Code)
}

func TestServer_Providers(t *testing.T) {
	srv := newTestServer(t, "", &stubProvider{})

	w := do(t, srv, "GET", "/api/v1/providers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var infos []ProviderInfo
	decodeData(t, w, &infos)
	assert.Equal(t, []ProviderInfo{
		{Key: "ollama", DisplayName: "Ollama", Model: "qwen3:4b", Active: false},
		{Key: "openai", DisplayName: "OpenAI", Model: "gpt-4o-mini", Active: true},
	}, infos)
}

func TestServer_ConversationLifecycle(t *testing.T) {
	srv := newTestServer(t, "", &stubProvider{})

	w := do(t, srv, "POST", "/api/v1/conversations/42/messages", `{"text":"hi"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reply messageResponse
	decodeData(t, w, &reply)
	assert.Equal(t, "echo: hi", reply.Reply)

	w = do(t, srv, "GET", "/api/v1/conversations", "", nil)
	var list []ConversationSummary
	decodeData(t, w, &list)
	assert.Equal(t, []ConversationSummary{{UserID: "42", Messages: 2}}, list)

	w = do(t, srv, "GET", "/api/v1/conversations/42", "", nil)
	var msgs []llm.Message
	decodeData(t, w, &msgs)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "echo: hi"},
	}, msgs)

	w = do(t, srv, "DELETE", "/api/v1/conversations/42", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, "GET", "/api/v1/conversations/42", "", nil)
	decodeData(t, w, &msgs)
	assert.Empty(t, msgs)

	w = do(t, srv, "GET", "/api/v1/stats", "", nil)
	var stats map[string]any
	decodeData(t, w, &stats)
	assert.Equal(t, "openai", stats["provider"])
}

func TestServer_MessageValidation(t *testing.T) {
	srv := newTestServer(t, "", &stubProvider{})

	w := do(t, srv, "POST", "/api/v1/conversations/1/messages", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, "POST", "/api/v1/conversations/1/messages", `{"text":"  "}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_MessageProviderError(t *testing.T) {
	srv := newTestServer(t, "", &stubProvider{err: core.WrapError(core.ErrRateLimited, nil)})

	w := do(t, srv, "POST", "/api/v1/conversations/1/messages", `{"text":"hi"}`, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestServer_Jobs(t *testing.T) {
	store := job.NewStore(10, time.Hour)
	store.Put(job.Job{ID: "r1", Provider: "genapi", Model: "gpt-5", Status: "processing", Attempts: 1})
	srv := newTestServerWithJobs(t, "", &stubProvider{}, store)

	w := do(t, srv, "GET", "/api/v1/jobs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []job.Job
	decodeData(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].ID)

	w = do(t, srv, "GET", "/api/v1/jobs/r1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var one job.Job
	decodeData(t, w, &one)
	assert.Equal(t, "processing", one.Status)

	w = do(t, srv, "GET", "/api/v1/jobs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestServer_JobsRoutesNeedStore(t *testing.T) {
	srv := newTestServer(t, "", &stubProvider{})

	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/v1/jobs", "", nil).Code)
}
