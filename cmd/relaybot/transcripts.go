package main

import (
	"context"
	"fmt"
	"path"

	"github.com/newthinker/relaybot/internal/storage/archive"
	"github.com/spf13/cobra"
)

var transcriptsShow bool

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts [user]",
	Short: "List archived transcripts of a user",
	Long:  "List the conversations archived when the user cleared the context. --show prints the latest one.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscripts,
}

func init() {
	transcriptsCmd.Flags().BoolVar(&transcriptsShow, "show", false, "print the latest transcript")
	rootCmd.AddCommand(transcriptsCmd)
}

func runTranscripts(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	if !cfg.Archive.Enabled {
		log.Warn("archive.enabled is false; reading the configured archive anyway")
	}
	storage, err := archive.New(cfg.Archive)
	if err != nil {
		return fmt.Errorf("opening transcript archive: %w", err)
	}
	transcripts := archive.NewTranscripts(storage)

	ctx := context.Background()
	user := args[0]

	if transcriptsShow {
		t, err := transcripts.Latest(ctx, user)
		if err != nil {
			return err
		}
		if t == nil {
			fmt.Printf("No transcripts for user %s\n", user)
			return nil
		}
		fmt.Printf("=== %s via %s, cleared %s ===\n", t.UserID, t.Provider, t.ClearedAt.Format("2006-01-02 15:04:05 MST"))
		for _, m := range t.Messages {
			fmt.Printf("\n[%s]\n%s\n", m.Role, m.Content)
		}
		return nil
	}

	paths, err := transcripts.List(ctx, user)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Printf("No transcripts for user %s\n", user)
		return nil
	}
	for _, p := range paths {
		fmt.Println(path.Base(p))
	}
	return nil
}
