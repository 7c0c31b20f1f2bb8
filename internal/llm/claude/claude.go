// internal/llm/claude/claude.go
package claude

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/newthinker/relaybot/internal/core"
	"github.com/newthinker/relaybot/internal/llm"
	"go.uber.org/zap"
)

const (
	DefaultName      = "claude"
	DefaultBaseURL   = "https://api.proxyapi.ru/anthropic"
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultTimeout   = 60 * time.Second
	DefaultMaxTokens = 8192 // the Messages API has no "unbounded" setting
)

// Config holds settings for an Anthropic Messages API backend.
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider implements the LLM interface for Claude/Anthropic.
type Provider struct {
	name   string
	client anthropic.Client
	model  string
	logger *zap.Logger
}

// New creates a new Claude provider.
func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.APIKey == "" {
		return nil, core.Errorf(core.ErrConfigMissing, "%s: API key required", cfg.Name)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(0),
	)
	return &Provider{
		name:   cfg.Name,
		client: client,
		model:  cfg.Model,
		logger: logger.Named(cfg.Name),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// Chat sends a chat request to the Messages API.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case llm.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(DefaultMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
	}
	if len(system) > 0 {
		params.System = system
	}

	p.logger.Info("messages request",
		zap.String("model", model),
		zap.Float64("temperature", req.Temperature),
		zap.Intp("max_tokens", req.MaxTokens),
		zap.Int("context_size", len(req.Messages)),
	)

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		cerr := mapError(err)
		p.logger.Error("messages request failed", zap.String("code", cerr.Code), zap.Error(err))
		return nil, cerr
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	content := strings.Join(parts, "")
	if content == "" {
		return nil, core.Errorf(core.ErrExtractionFailure, "%s response has no text content", p.name)
	}

	return &llm.ChatResponse{
		Content: content,
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		FinishReason: string(resp.StopReason),
	}, nil
}

// mapError converts SDK errors into coded errors.
func mapError(err error) *core.Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llm.StatusError(apiErr.StatusCode, err)
	}
	return llm.TransportError(err)
}
