package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBotAPI struct {
	mu       sync.Mutex
	sent     []map[string]any
	updates  string
	lastPoll map[string]any
	fail     bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var payload map[string]any
	json.NewDecoder(r.Body).Decode(&payload)

	if f.fail {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/bottest-token/sendMessage"):
		f.sent = append(f.sent, payload)
		w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":5}}}`))
	case strings.HasSuffix(r.URL.Path, "/bottest-token/getUpdates"):
		f.lastPoll = payload
		w.Write([]byte(`{"ok":true,"result":` + f.updates + `}`))
	case strings.HasSuffix(r.URL.Path, "/bottest-token/getMe"):
		w.Write([]byte(`{"ok":true,"result":{"id":99,"is_bot":true,"username":"relay_bot"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func newTestClient(t *testing.T, fake *fakeBotAPI) *Client {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	c, err := New("test-token", server.URL+"/", nil)
	require.NoError(t, err)
	return c
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New("", "", nil)
	assert.ErrorContains(t, err, "telegram:")
}

func TestNew_DefaultAPIURL(t *testing.T) {
	c, err := New("abc", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.telegram.org/botabc", c.baseURL)
}

func TestClient_GetUpdates(t *testing.T) {
	fake := &fakeBotAPI{updates: `[
		{"update_id":10,"message":{"message_id":1,"from":{"id":7,"username":"ann"},"chat":{"id":7},"text":"hi"}},
		{"update_id":11}
	]`}
	c := newTestClient(t, fake)

	updates, err := c.GetUpdates(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, int64(10), updates[0].UpdateID)
	assert.Equal(t, "hi", updates[0].Message.Text)
	assert.Equal(t, int64(7), updates[0].Message.From.ID)
	assert.Nil(t, updates[1].Message)

	assert.Equal(t, float64(10), fake.lastPoll["offset"])
	assert.Equal(t, float64(0), fake.lastPoll["timeout"])
}

func TestClient_SendMessage(t *testing.T) {
	fake := &fakeBotAPI{}
	c := newTestClient(t, fake)

	require.NoError(t, c.SendMessage(context.Background(), 5, "hello"))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, float64(5), fake.sent[0]["chat_id"])
	assert.Equal(t, "hello", fake.sent[0]["text"])
	assert.NotContains(t, fake.sent[0], "parse_mode")
}

func TestClient_SendMessage_SplitsLongText(t *testing.T) {
	fake := &fakeBotAPI{}
	c := newTestClient(t, fake)

	long := strings.Repeat("я", MaxMessageLength+10)
	require.NoError(t, c.SendMessage(context.Background(), 5, long))
	require.Len(t, fake.sent, 2)
	assert.Equal(t, MaxMessageLength, utf8.RuneCountInString(fake.sent[0]["text"].(string)))
	assert.Equal(t, 10, utf8.RuneCountInString(fake.sent[1]["text"].(string)))
}

func TestClient_SendMessage_Empty(t *testing.T) {
	c := newTestClient(t, &fakeBotAPI{})
	assert.Error(t, c.SendMessage(context.Background(), 5, "  "))
}

func TestClient_APIError(t *testing.T) {
	c := newTestClient(t, &fakeBotAPI{fail: true})

	err := c.SendMessage(context.Background(), 5, "hello")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "telegram:"), err.Error())
	assert.Contains(t, err.Error(), "chat not found")

	_, err = c.GetUpdates(context.Background(), 0, 0)
	assert.ErrorContains(t, err, "status 400")
}

func TestClient_GetMe(t *testing.T) {
	c := newTestClient(t, &fakeBotAPI{})

	me, err := c.GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "relay_bot", me.Username)
	assert.True(t, me.IsBot)
}

func TestClient_ContextCanceled(t *testing.T) {
	c := newTestClient(t, &fakeBotAPI{updates: `[]`})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetUpdates(ctx, 0, 1)
	assert.ErrorContains(t, err, "telegram:")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"fits", "hello", 10, []string{"hello"}},
		{"exact", "abcde", 5, []string{"abcde"}},
		{"hard cut", "abcdefgh", 3, []string{"abc", "def", "gh"}},
		{"prefers newline", "abc\ndefgh", 6, []string{"abc\n", "defgh"}},
		{"ignores early newline", "a\nbcdefgh", 6, []string{"a\nbcde", "fgh"}},
		{"runes not bytes", "ёёёё", 2, []string{"ёё", "ёё"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitText(tt.text, tt.limit))
		})
	}
}
