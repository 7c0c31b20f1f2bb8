package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/newthinker/relaybot/internal/api"
	"github.com/newthinker/relaybot/internal/app"
	"github.com/newthinker/relaybot/internal/llm/factory"
	"github.com/newthinker/relaybot/internal/metrics"
	"github.com/newthinker/relaybot/internal/storage/archive"
	"github.com/newthinker/relaybot/internal/storage/history"
	"github.com/newthinker/relaybot/internal/storage/job"
	"github.com/newthinker/relaybot/internal/telegram"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Telegram bot and the metrics server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.RequireBot(); err != nil {
		return err
	}

	jobs := job.NewStore(100, time.Hour)
	providers, active, err := selectProvider(cfg, "", log, factory.WithJobStore(jobs))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot, err := telegram.New(cfg.Bot.Token, cfg.Bot.APIURL, log)
	if err != nil {
		return err
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("checking bot token: %w", err)
	}
	log.Info("telegram bot authorized", zap.String("username", me.Username))

	var transcripts *archive.Transcripts
	if cfg.Archive.Enabled {
		storage, err := archive.New(cfg.Archive)
		if err != nil {
			return fmt.Errorf("creating transcript archive: %w", err)
		}
		transcripts = archive.NewTranscripts(storage)
		log.Info("transcript archive enabled", zap.String("type", cfg.Archive.Type))
	}

	reg := metrics.NewRegistry()
	a := app.New(cfg, app.Dependencies{
		Frontend:    bot,
		History:     history.NewMemoryStore(cfg.Context.MaxMessages),
		Active:      active,
		Transcripts: transcripts,
		Metrics:     reg,
	}, log)

	var server *api.Server
	if cfg.Metrics.Enabled {
		server, err = api.NewServer(api.Config{
			Host:        cfg.Metrics.Host,
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			APIKey:      cfg.Metrics.APIKey,
		}, api.Dependencies{App: a, Providers: providers, Jobs: jobs, Metrics: reg}, log)
		if err != nil {
			return fmt.Errorf("creating server: %w", err)
		}

		go func() {
			if err := server.Start(); err != nil {
				log.Error("server error", zap.Error(err))
			}
		}()
	}

	err = a.Start(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			log.Warn("server shutdown failed", zap.Error(serr))
		}
	}
	return err
}
