// internal/llm/openai/openai.go
package openai

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/newthinker/relaybot/internal/core"
	"github.com/newthinker/relaybot/internal/llm"
	"github.com/samber/lo"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	DefaultName    = "openai"
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 30 * time.Second
)

// Config holds settings for an OpenAI-compatible backend.
type Config struct {
	Name    string // provider key, e.g. "deepseek"
	APIKey  string
	BaseURL string // empty means the official OpenAI endpoint
	Model   string
	Timeout time.Duration
}

// Provider implements the LLM interface for OpenAI-compatible chat completions.
type Provider struct {
	name   string
	client *openai.Client
	model  string
	logger *zap.Logger
}

// New creates a new OpenAI-compatible provider.
func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.APIKey == "" {
		return nil, core.Errorf(core.ErrConfigMissing, "%s: API key required", cfg.Name)
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

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Provider{
		name:   cfg.Name,
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger.Named(cfg.Name),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// Chat sends a chat request to the chat completions endpoint.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := lo.Map(req.Messages, func(m llm.Message, _ int) openai.ChatCompletionMessage {
		return openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
	}
	// The library drops a zero temperature; the smallest float keeps it on the wire.
	if req.Temperature == 0 {
		chatReq.Temperature = math.SmallestNonzeroFloat32
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = *req.MaxTokens
	}

	p.logger.Info("chat completion request",
		zap.String("model", model),
		zap.Float64("temperature", req.Temperature),
		zap.Intp("max_tokens", req.MaxTokens),
		zap.Int("context_size", len(req.Messages)),
	)

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		cerr := mapError(err)
		p.logger.Error("chat completion failed", zap.String("code", cerr.Code), zap.Error(err))
		return nil, cerr
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, core.Errorf(core.ErrExtractionFailure, "%s response has no choices[0].message.content", p.name)
	}

	return &llm.ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

// mapError converts go-openai errors into coded errors.
func mapError(err error) *core.Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llm.StatusError(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return llm.StatusError(reqErr.HTTPStatusCode, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llm.TransportError(err)
	}
	return core.WrapError(core.ErrAPI, err)
}
