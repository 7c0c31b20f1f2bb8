package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/newthinker/relaybot/internal/config"
	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List constructible providers and the selection result",
	RunE:  runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	reg, active, selErr := selectProvider(cfg, "", log)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tMODEL\tSTATUS")
	for _, key := range config.ProviderKeys {
		e, ok := reg.Get(key)
		if !ok {
			fmt.Fprintf(w, "%s\t-\t-\tnot configured\n", key)
			continue
		}
		status := "available"
		if active != nil && active.Key == key {
			status = "active"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Key, e.DisplayName, e.Model, status)
	}
	w.Flush()

	if selErr != nil {
		fmt.Printf("\nSelection failed: %v\n", selErr)
		return selErr
	}
	return nil
}
