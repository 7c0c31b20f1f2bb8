package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/newthinker/relaybot/internal/app"
	"github.com/newthinker/relaybot/internal/storage/history"
	"github.com/spf13/cobra"
)

var askProvider string

var askCmd = &cobra.Command{
	Use:   "ask [text]",
	Short: "Send one message through the selected provider and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askProvider, "provider", "p", "", "provider key overriding llm.provider")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	_, active, err := selectProvider(cfg, askProvider, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, app.Dependencies{
		History: history.NewMemoryStore(cfg.Context.MaxMessages),
		Active:  active,
	}, log)

	reply, err := a.Reply(ctx, "cli", strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("%s: %w", active.DisplayName, err)
	}
	fmt.Fprintln(os.Stdout, reply)
	return nil
}
