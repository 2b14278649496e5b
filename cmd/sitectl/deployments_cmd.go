package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sitepress/api/internal/editor"
	"sitepress/api/internal/settings"
)

func newDeploymentsCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"deployment", "deploy"},
		Short:   "Schedule snapshots to go live in a time window",
	}
	cmd.AddCommand(
		newDeploymentsListCommand(cfg),
		newDeploymentsScheduleCommand(cfg),
		newDeploymentsCancelCommand(cfg),
		newDeploymentsOverrideCommand(cfg),
	)
	return cmd
}

func (c *cliConfig) deployments(cmd *cobra.Command) (*editor.Deployments, error) {
	cli, _, err := c.client(cmd.Context())
	if err != nil {
		return nil, err
	}
	return editor.NewDeployments(cli, nil), nil
}

func newDeploymentsListCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployments by start time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deployments, err := cfg.deployments(cmd)
			if err != nil {
				return err
			}
			list, err := deployments.List(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			for _, d := range list {
				printDeploymentLine(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}
}

func newDeploymentsScheduleCommand(cfg *cliConfig) *cobra.Command {
	var start, end, fallback string
	cmd := &cobra.Command{
		Use:   "schedule SNAPSHOT_ID",
		Short: "Schedule a snapshot for a window",
		Example: `  sitectl deployments schedule ver_123 --start 2026-11-27T00:00:00Z --end 2026-11-30T00:00:00Z
  sitectl deployments schedule ver_123 --start +1h --end +25h --fallback ver_100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			input := editor.Schedule{SnapshotID: args[0], FallbackSnapshotID: strings.TrimSpace(fallback)}
			startAt, err := parseWhen(start, now)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			input.StartAt = startAt
			if strings.TrimSpace(end) != "" {
				endAt, err := parseWhen(end, now)
				if err != nil {
					return fmt.Errorf("--end: %w", err)
				}
				input.EndAt = &endAt
			}
			deployments, err := cfg.deployments(cmd)
			if err != nil {
				return err
			}
			d, err := deployments.Schedule(cmd.Context(), input)
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			printDeploymentLine(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339 or +duration from now)")
	cmd.Flags().StringVar(&end, "end", "", "window end; empty leaves the window open")
	cmd.Flags().StringVar(&fallback, "fallback", "", "snapshot to publish when the window closes")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newDeploymentsCancelCommand(cfg *cliConfig) *cobra.Command {
	var applyFallback bool
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a scheduled or running deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deployments, err := cfg.deployments(cmd)
			if err != nil {
				return err
			}
			d, err := deployments.Cancel(cmd.Context(), args[0], applyFallback)
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			printDeploymentLine(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().BoolVar(&applyFallback, "apply-fallback", false, "publish the fallback or default snapshot")
	return cmd
}

func newDeploymentsOverrideCommand(cfg *cliConfig) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "override ID",
		Short: "End a running deployment and leave live as it is",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deployments, err := cfg.deployments(cmd)
			if err != nil {
				return err
			}
			d, err := deployments.Override(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			printDeploymentLine(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the deployment was overridden")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

// parseWhen accepts RFC3339 or a duration offset such as +90m.
func parseWhen(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "+") {
		d, err := time.ParseDuration(value[1:])
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func printDeploymentLine(w io.Writer, d settings.Deployment) {
	fmt.Fprintf(w, "%s  %-9s  %s  %s -> %s\n", d.ID, d.Status, d.SnapshotID, formatTime(d.StartAt), formatTimePtr(d.EndAt))
}
