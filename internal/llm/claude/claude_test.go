// internal/llm/claude/claude_test.go
package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/newthinker/relaybot/internal/core"
	"github.com/newthinker/relaybot/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okMessage = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-20250514",
	"content": [{"type": "text", "text": "hello"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 5, "output_tokens": 1}
}`

func TestProvider_ImplementsInterface(t *testing.T) {
	var _ llm.Provider = (*Provider)(nil)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{Name: "proxyapi"}, nil)
	assert.ErrorIs(t, err, core.ErrConfigMissing)
}

func TestChat_Success(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(okMessage))
	}))
	defer server.Close()

	p, err := New(Config{Name: "proxyapi", APIKey: "test-key", BaseURL: server.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, "proxyapi", p.Name())

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hey"},
			{Role: llm.RoleUser, Content: "again"},
		},
		Temperature: 0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 5, resp.Usage.InputTokens)

	assert.Equal(t, float64(DefaultMaxTokens), received["max_tokens"])
	assert.InDelta(t, 0.2, received["temperature"], 1e-9)
	system := received["system"].([]any)
	require.Len(t, system, 1)
	assert.Equal(t, "be brief", system[0].(map[string]any)["text"])
	msgs := received["messages"].([]any)
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
}

func TestChat_ExplicitMaxTokens(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(okMessage))
	}))
	defer server.Close()

	p, err := New(Config{APIKey: "k", BaseURL: server.URL}, nil)
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), llm.ChatRequest{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		MaxTokens: llm.MaxTokens(256),
	})
	require.NoError(t, err)
	assert.Equal(t, float64(256), received["max_tokens"])
	_, hasSystem := received["system"]
	assert.False(t, hasSystem)
}

func TestChat_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   *core.Error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`, core.ErrAuthFailure},
		{"rate limited", http.StatusTooManyRequests, `{"type":"error","error":{"type":"rate_limit_error","message":"slow"}}`, core.ErrRateLimited},
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`, core.ErrAPI},
		{"no text", http.StatusOK, `{"id":"m","type":"message","role":"assistant","content":[],"usage":{}}`, core.ErrExtractionFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p, err := New(Config{APIKey: "k", BaseURL: server.URL}, nil)
			require.NoError(t, err)

			_, err = p.Chat(context.Background(), llm.ChatRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			assert.Equal(t, tt.want.Code, core.Code(err))
			assert.Equal(t, int32(1), calls.Load(), "single attempt, no retries")
		})
	}
}
