package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"sitepress/api/internal/editor"
)

func newLockCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and manage the draft lock",
	}
	cmd.AddCommand(
		newLockStatusCommand(cfg),
		newLockAcquireCommand(cfg),
		newLockReleaseCommand(cfg),
	)
	return cmd
}

func (c *cliConfig) lockManager(ctx context.Context, ttl time.Duration) (*editor.LockManager, error) {
	cli, identity, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	return editor.NewLockManager(cli, identity.Email, editor.Options{LockTTL: ttl, Logger: c.logger()}), nil
}

func newLockStatusCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show who holds the draft lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			locks, err := cfg.lockManager(cmd.Context(), 0)
			if err != nil {
				return err
			}
			if err := locks.Refresh(cmd.Context()); err != nil {
				return err
			}
			return printLock(cfg, cmd.OutOrStdout(), locks)
		},
	}
}

func newLockAcquireCommand(cfg *cliConfig) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Take or extend the draft lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			locks, err := cfg.lockManager(cmd.Context(), ttl)
			if err != nil {
				return err
			}
			if err := locks.Acquire(cmd.Context()); err != nil {
				return err
			}
			return printLock(cfg, cmd.OutOrStdout(), locks)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", editor.DefaultLockTTL, "lock lifetime")
	return cmd
}

func newLockReleaseCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Release the draft lock if you hold it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			locks, err := cfg.lockManager(ctx, 0)
			if err != nil {
				return err
			}
			if err := locks.Refresh(ctx); err != nil {
				return err
			}
			held := locks.State() == editor.HeldByMe
			if err := locks.Release(ctx); err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"released": held})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released: %t\n", held)
			return nil
		},
	}
}

func printLock(cfg *cliConfig, w io.Writer, locks *editor.LockManager) error {
	state, lock := locks.State(), locks.Lock()
	if cfg.jsonOutput() {
		return writeJSON(w, map[string]any{"state": state.String(), "lock": lock})
	}
	if lock == nil {
		_, err := fmt.Fprintf(w, "state: %s\n", state)
		return err
	}
	_, err := fmt.Fprintf(w, "state: %s\nholder: %s\nexpires: %s\n", state, lock.HolderEmail, formatTime(lock.ExpiresAt))
	return err
}
