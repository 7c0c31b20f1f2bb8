// internal/llm/factory/factory.go
package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/newthinker/relaybot/internal/config"
	"github.com/newthinker/relaybot/internal/core"
	"github.com/newthinker/relaybot/internal/llm"
	"github.com/newthinker/relaybot/internal/llm/claude"
	"github.com/newthinker/relaybot/internal/llm/genapi"
	"github.com/newthinker/relaybot/internal/llm/ollama"
	"github.com/newthinker/relaybot/internal/llm/openai"
	"github.com/newthinker/relaybot/internal/storage/job"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Entry is one constructible provider.
type Entry struct {
	Key         string
	DisplayName string
	Model       string
	Provider    llm.Provider
}

// Registry holds the constructible providers in the order they were added.
type Registry struct {
	entries []Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a provider. A later entry with the same key replaces the earlier one.
func (r *Registry) Add(e Entry) {
	if _, i, ok := lo.FindIndexOf(r.entries, func(x Entry) bool { return x.Key == e.Key }); ok {
		r.entries[i] = e
		return
	}
	r.entries = append(r.entries, e)
}

// Get returns the entry for key.
func (r *Registry) Get(key string) (Entry, bool) {
	return lo.Find(r.entries, func(e Entry) bool { return e.Key == key })
}

// Keys returns the registered keys in order.
func (r *Registry) Keys() []string {
	return lo.Map(r.entries, func(e Entry, _ int) string { return e.Key })
}

// Entries returns a copy of the registered entries.
func (r *Registry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Active is the provider selected for the lifetime of the process.
type Active struct {
	Key         string
	DisplayName string
	Model       string
	Provider    llm.Provider
}

// Option adjusts how providers are constructed.
type Option func(*options)

type options struct {
	jobs *job.Store
}

// WithJobStore records asynchronous provider jobs in store.
func WithJobStore(store *job.Store) Option {
	return func(o *options) { o.jobs = store }
}

// jobRecorder feeds GenAPI job snapshots into a job.Store.
type jobRecorder struct {
	store    *job.Store
	provider string
}

func (r jobRecorder) RecordJob(j genapi.Job, err error) {
	entry := job.Job{
		ID:        j.RequestID,
		Provider:  r.provider,
		Model:     j.Model,
		Status:    string(j.Status),
		Attempts:  j.Attempts,
		CreatedAt: j.SubmittedAt,
	}
	if err != nil {
		var coreErr *core.Error
		if errors.As(err, &coreErr) {
			entry.Error = coreErr
		} else {
			entry.Error = core.WrapError(core.ErrAPI, err)
		}
	}
	r.store.Put(entry)
}

// Build constructs every configured provider in priority order. Providers that
// cannot be constructed are logged and left out.
func Build(cfg config.LLMConfig, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := NewRegistry()
	for _, key := range config.ProviderKeys {
		pc := providerConfig(cfg, key)
		p, err := New(key, cfg, logger, opts...)
		if err != nil {
			logger.Warn("provider not available",
				zap.String("provider", key),
				zap.String("code", core.Code(err)),
				zap.Error(err),
			)
			continue
		}
		reg.Add(Entry{
			Key:         key,
			DisplayName: lo.Ternary(pc.DisplayName != "", pc.DisplayName, key),
			Model:       pc.Model,
			Provider:    p,
		})
		logger.Debug("provider constructed", zap.String("provider", key), zap.String("model", pc.Model))
	}
	return reg
}

// New creates the provider for key.
func New(key string, cfg config.LLMConfig, logger *zap.Logger, opts ...Option) (llm.Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch key {
	case config.ProviderOllama:
		return ollama.New(ollama.Config{
			Endpoint: cfg.Ollama.BaseURL,
			Model:    cfg.Ollama.Model,
			Timeout:  cfg.Ollama.Timeout,
		}, logger)
	case config.ProviderOpenAI:
		return openai.New(openAIConfig(cfg.OpenAI), logger)
	case config.ProviderDeepSeek:
		return openai.New(openAIConfig(cfg.DeepSeek), logger)
	case config.ProviderGenAPI:
		var recorder genapi.JobRecorder
		if o.jobs != nil {
			recorder = jobRecorder{store: o.jobs, provider: key}
		}
		return genapi.New(genapi.Config{
			APIKey:       cfg.GenAPI.APIKey,
			BaseURL:      cfg.GenAPI.BaseURL,
			Model:        cfg.GenAPI.Model,
			Timeout:      cfg.GenAPI.Timeout,
			PollInterval: cfg.GenAPI.PollInterval,
			PollMaxWait:  cfg.GenAPI.PollMaxWait,
			Recorder:     recorder,
		}, logger)
	case config.ProviderProxyAPI:
		if cfg.ProxyAPI.Protocol == config.ProtocolAnthropic {
			base := cfg.ProxyAPI.BaseURL
			if strings.Contains(base, "/openai") {
				base = claude.DefaultBaseURL
			}
			return claude.New(claude.Config{
				Name:    config.ProviderProxyAPI,
				APIKey:  cfg.ProxyAPI.APIKey,
				BaseURL: base,
				Model:   cfg.ProxyAPI.Model,
				Timeout: cfg.ProxyAPI.Timeout,
			}, logger)
		}
		return openai.New(openAIConfig(cfg.ProxyAPI.ProviderConfig), logger)
	default:
		return nil, core.Errorf(core.ErrUnknownProviderKey, "%q", key)
	}
}

func openAIConfig(pc config.ProviderConfig) openai.Config {
	return openai.Config{
		Name:    pc.Key,
		APIKey:  pc.APIKey,
		BaseURL: pc.BaseURL,
		Model:   pc.Model,
		Timeout: pc.Timeout,
	}
}

func providerConfig(cfg config.LLMConfig, key string) config.ProviderConfig {
	switch key {
	case config.ProviderOllama:
		return cfg.Ollama
	case config.ProviderOpenAI:
		return cfg.OpenAI
	case config.ProviderDeepSeek:
		return cfg.DeepSeek
	case config.ProviderGenAPI:
		return cfg.GenAPI.ProviderConfig
	case config.ProviderProxyAPI:
		return cfg.ProxyAPI.ProviderConfig
	}
	return config.ProviderConfig{Key: key}
}

// Select picks the active provider. An explicit key must name a constructible
// provider; without one the first constructible provider in priority order wins.
func Select(explicit string, reg *Registry) (*Active, error) {
	if reg == nil {
		reg = NewRegistry()
	}

	key := config.NormalizeKey(explicit)
	if key != "" {
		if !config.IsProviderKey(key) {
			return nil, core.Errorf(core.ErrUnknownProviderKey,
				"%q is not one of %s", explicit, strings.Join(config.ProviderKeys, ", "))
		}
		e, ok := reg.Get(key)
		if !ok {
			return nil, core.Errorf(core.ErrProviderNotConstructible,
				"%s (check its credentials); available: %s", key, available(reg))
		}
		return activeFrom(e), nil
	}

	for _, k := range config.ProviderKeys {
		if e, ok := reg.Get(k); ok {
			return activeFrom(e), nil
		}
	}
	return nil, core.Errorf(core.ErrNoProviderAvailable, "configure at least one of %s", strings.Join(config.ProviderKeys, ", "))
}

func activeFrom(e Entry) *Active {
	return &Active{Key: e.Key, DisplayName: e.DisplayName, Model: e.Model, Provider: e.Provider}
}

func available(reg *Registry) string {
	if reg.Len() == 0 {
		return "none"
	}
	return fmt.Sprint(reg.Keys())
}
