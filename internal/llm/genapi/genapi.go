// Package genapi implements the GenAPI (gen-api.ru) native job API.
//
// A generation is submitted with is_sync=true. The backend either answers
// inline or hands back a request_id that has to be polled until the job
// reaches a terminal status.
package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/newthinker/relaybot/internal/core"
	"github.com/newthinker/relaybot/internal/llm"
	"github.com/newthinker/relaybot/internal/llm/extract"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	NativeBaseURL       = "https://api.gen-api.ru/api/v1"
	DefaultModel        = "gpt-4o-mini"
	DefaultTimeout      = 60 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultPollMaxWait  = 120 * time.Second
)

// Config holds GenAPI connection and polling settings.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	PollInterval time.Duration
	PollMaxWait  time.Duration
	Recorder     JobRecorder // optional
}

// JobRecorder receives job snapshots once the request_id is known, on every
// status change and when the job ends. err is set when it ended badly.
type JobRecorder interface {
	RecordJob(job Job, err error)
}

// Client implements the LLM interface on top of GenAPI jobs.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	pollInterval time.Duration
	pollMaxWait  time.Duration
	recorder     JobRecorder
	http         *http.Client
	logger       *zap.Logger
}

// New creates a new GenAPI client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, core.Errorf(core.ErrConfigMissing, "genapi: API key required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollMaxWait <= 0 {
		cfg.PollMaxWait = DefaultPollMaxWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      normalizeBaseURL(cfg.BaseURL),
		model:        cfg.Model,
		pollInterval: cfg.PollInterval,
		pollMaxWait:  cfg.PollMaxWait,
		recorder:     cfg.Recorder,
		http:         &http.Client{Timeout: cfg.Timeout},
		logger:       logger.Named("genapi"),
	}, nil
}

// normalizeBaseURL falls back to the native API when the base is empty or
// still points at the OpenAI-compatible gateway.
func normalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" || strings.Contains(base, "openai") {
		return NativeBaseURL
	}
	return base
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "genapi"
}

// requestURL is the submit endpoint. A base that already names a network is used as is.
func (c *Client) requestURL(model string) string {
	if strings.Contains(c.baseURL, "/networks/") {
		return c.baseURL
	}
	return c.baseURL + "/networks/" + model
}

// statusURL is the job status endpoint.
func (c *Client) statusURL(requestID string) string {
	root := c.baseURL
	if i := strings.Index(root, "/networks/"); i >= 0 {
		root = root[:i]
	}
	return root + "/request/get/" + requestID
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type jobMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type submitRequest struct {
	Messages    []jobMessage `json:"messages"`
	IsSync      bool         `json:"is_sync"`
	Temperature float64      `json:"temperature"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
}

// toJobMessages wraps each message's text into a single text part.
func toJobMessages(messages []llm.Message) []jobMessage {
	return lo.Map(messages, func(m llm.Message, _ int) jobMessage {
		return jobMessage{
			Role:    string(m.Role),
			Content: []contentPart{{Type: "text", Text: m.Content}},
		}
	})
}

// Chat submits a generation job and waits for its result.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(submitRequest{
		Messages:    toJobMessages(req.Messages),
		IsSync:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, core.WrapError(core.ErrAPI, fmt.Errorf("marshaling request: %w", err))
	}

	c.logger.Info("genapi request",
		zap.String("model", model),
		zap.Float64("temperature", req.Temperature),
		zap.Intp("max_tokens", req.MaxTokens),
		zap.Int("context_size", len(req.Messages)),
	)

	url := c.requestURL(model)
	data, err := c.submit(ctx, url, body)
	if err != nil {
		c.logger.Error("genapi submit failed", zap.String("url", url), zap.String("code", core.Code(err)), zap.Error(err))
		return nil, err
	}

	job := &Job{Model: model, Status: statusOf(data), SubmittedAt: time.Now()}
	switch job.Status {
	case StatusSuccess:
		text, ok := extract.Text(data["output"])
		if !ok {
			c.logger.Warn("genapi success without extractable output", zap.Any("output", data["output"]))
			return nil, core.Errorf(core.ErrExtractionFailure, "genapi: no text in output")
		}
		return &llm.ChatResponse{Content: text}, nil
	case StatusFailed:
		c.logger.Error("genapi job failed", zap.Any("response", data))
		return nil, core.Errorf(core.ErrJobFailed, "genapi: job failed on submit")
	}

	id, ok := data["request_id"]
	if !ok || id == nil {
		c.logger.Error("genapi response has no request_id", zap.Any("response", data))
		return nil, core.WrapError(core.ErrMissingRequestID, fmt.Errorf("status %q", job.Status))
	}
	job.RequestID = fmt.Sprint(id)
	c.record(job, nil)

	text, err := c.poll(ctx, job)
	c.record(job, err)
	if err != nil {
		c.logger.Error("genapi job did not complete",
			zap.String("request_id", job.RequestID),
			zap.Int("attempts", job.Attempts),
			zap.String("code", core.Code(err)),
			zap.Error(err),
		)
		return nil, err
	}
	c.logger.Info("genapi job completed",
		zap.String("request_id", job.RequestID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("elapsed", time.Since(job.SubmittedAt)),
	)
	return &llm.ChatResponse{Content: text}, nil
}

func (c *Client) record(job *Job, err error) {
	if c.recorder != nil {
		c.recorder.RecordJob(*job, err)
	}
}

// submit posts the job and maps the HTTP status of the synchronous answer.
func (c *Client) submit(ctx context.Context, url string, body []byte) (map[string]any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.WrapError(core.ErrAPI, fmt.Errorf("creating request: %w", err))
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, llm.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		cause := fmt.Errorf("genapi HTTP %d: %s", resp.StatusCode, snippet)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return nil, core.WrapError(core.ErrAuthFailure, cause)
		case http.StatusPaymentRequired:
			return nil, core.WrapError(core.ErrInsufficientBalance, cause)
		case http.StatusNotFound:
			return nil, core.WrapError(core.ErrEndpointNotFound, cause)
		default:
			return nil, core.WrapError(core.ErrAPI, cause)
		}
	}

	data, err := decodeObject(resp.Body)
	if err != nil {
		return nil, core.WrapError(core.ErrAPI, fmt.Errorf("decoding submit response: %w", err))
	}
	return data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

// decodeObject reads a JSON object keeping numbers exact, so request ids
// and numeric fragments print the way the backend sent them.
func decodeObject(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("response is not a JSON object")
	}
	return data, nil
}

func statusOf(data map[string]any) Status {
	s, _ := data["status"].(string)
	return Status(s)
}
