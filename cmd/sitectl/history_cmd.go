package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sitepress/api/internal/settings"
)

func newHistoryCommand(cfg *cliConfig) *cobra.Command {
	var stage string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the publish journal of a stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := settings.Stage(stage)
			if !st.Valid() {
				return fmt.Errorf("stage must be live or draft, got %q", stage)
			}
			cli, _, err := cfg.client(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := cli.History(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			for _, e := range entries {
				hash := e.Hash
				if len(hash) > 10 {
					hash = hash[:10]
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s  %s\n", hash, formatTime(e.CreatedAt), e.Author, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stage, "stage", string(settings.StageLive), "stage journal (live|draft)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	return cmd
}
