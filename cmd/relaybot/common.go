package main

import (
	"fmt"

	"github.com/newthinker/relaybot/internal/config"
	"github.com/newthinker/relaybot/internal/llm/factory"
	"github.com/newthinker/relaybot/internal/logger"
	"go.uber.org/zap"
)

// setup loads and validates the configuration and builds the logger.
// Without --config only defaults and the environment apply.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	log, err := logger.New(debug || cfg.Log.Development, level)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	if cfgFile == "" {
		log.Debug("no config file specified, using defaults and environment")
	}
	return cfg, log, nil
}

// selectProvider builds every constructible provider and picks the active one.
// A non-empty override wins over llm.provider.
func selectProvider(cfg *config.Config, override string, log *zap.Logger, opts ...factory.Option) (*factory.Registry, *factory.Active, error) {
	reg := factory.Build(cfg.LLM, log, opts...)
	key := cfg.LLM.Provider
	if override != "" {
		key = override
	}
	active, err := factory.Select(key, reg)
	if err != nil {
		return reg, nil, err
	}
	log.Info("using LLM provider",
		zap.String("provider", active.Key),
		zap.String("name", active.DisplayName),
		zap.String("model", active.Model),
	)
	return reg, active, nil
}
