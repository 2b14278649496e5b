package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"sitepress/api/internal/editor"
	"sitepress/api/internal/settings"
)

func newVersionsCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "versions",
		Aliases: []string{"version", "snapshots"},
		Short:   "List and manage saved snapshots",
	}
	cmd.AddCommand(
		newVersionsListCommand(cfg),
		newVersionsCreateCommand(cfg),
		newVersionsRestoreCommand(cfg),
		newVersionsDeleteCommand(cfg),
		newVersionsDefaultCommand(cfg),
	)
	return cmd
}

func (c *cliConfig) versions(cmd *cobra.Command) (*editor.Versions, error) {
	cli, _, err := c.client(cmd.Context())
	if err != nil {
		return nil, err
	}
	return editor.NewVersions(cli, nil), nil
}

func newVersionsListCommand(cfg *cliConfig) *cobra.Command {
	var input editor.ListVersions
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := cfg.versions(cmd)
			if err != nil {
				return err
			}
			input.Stage = settings.Stage(stage)
			list, err := versions.List(cmd.Context(), input)
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			for _, v := range list {
				printVersionLine(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&input.Limit, "limit", 50, "maximum number of versions")
	cmd.Flags().StringVar(&stage, "stage", "", "only versions of this stage (live|draft)")
	cmd.Flags().StringVarP(&input.Query, "query", "q", "", "search label and note")
	return cmd
}

func newVersionsCreateCommand(cfg *cliConfig) *cobra.Command {
	var input editor.CreateVersion
	var stage string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot a stage as a new version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := cfg.versions(cmd)
			if err != nil {
				return err
			}
			input.Stage = settings.Stage(stage)
			v, err := versions.Create(cmd.Context(), input)
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), v)
			}
			printVersionLine(cmd.OutOrStdout(), v)
			return nil
		},
	}
	cmd.Flags().StringVar(&input.Label, "label", "", "version label")
	cmd.Flags().StringVar(&input.Note, "note", "", "version note")
	cmd.Flags().StringVar(&stage, "stage", string(settings.StageDraft), "stage to snapshot (live|draft)")
	return cmd
}

func newVersionsRestoreCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "restore ID",
		Short: "Overwrite the draft with a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := cfg.versions(cmd)
			if err != nil {
				return err
			}
			draft, err := versions.Restore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), draft)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "draft restored from %s (%d keys)\n", args[0], len(draft))
			return nil
		},
	}
}

func newVersionsDeleteCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := cfg.versions(cmd)
			if err != nil {
				return err
			}
			if err := versions.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newVersionsDefaultCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "default ID",
		Short: "Make a published version the default fallback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := cfg.versions(cmd)
			if err != nil {
				return err
			}
			v, err := versions.SetDefault(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), v)
			}
			printVersionLine(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func printVersionLine(w io.Writer, v settings.Version) {
	marker := " "
	if v.IsDefault {
		marker = "*"
	}
	fmt.Fprintf(w, "%s %s  %-5s  %-8s  %s  %s\n", marker, v.ID, v.Stage, v.Kind, formatTime(v.CreatedAt), v.Label)
}
