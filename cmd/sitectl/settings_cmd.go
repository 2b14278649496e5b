package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sitepress/api/internal/client"
	"sitepress/api/internal/editor"
	"sitepress/api/internal/settings"
)

func newLoginCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "login EMAIL",
		Short: "Start a session and print its token",
		Example: `  # Sign in and keep the token for later commands
  export SITECTL_TOKEN=$(sitectl login ed@example.com -o json | jq -r .token)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.newClient()
			if err != nil {
				return err
			}
			identity, err := cli.Login(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), identity)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", identity.Email, identity.Role)
			fmt.Fprintf(cmd.OutOrStdout(), "export SITECTL_TOKEN=%s\n", identity.Token)
			return nil
		},
	}
}

func newSettingsCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change the live and draft documents",
	}
	cmd.AddCommand(
		newSettingsGetCommand(cfg),
		newSettingsSetCommand(cfg),
		newSettingsUnsetCommand(cfg),
		newSettingsPullCommand(cfg),
		newSettingsPublishCommand(cfg),
	)
	return cmd
}

func newSettingsGetCommand(cfg *cliConfig) *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "get [KEY]",
		Short: "Print a stage document or one of its keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st := settings.Stage(stage)
			if !st.Valid() {
				return fmt.Errorf("stage must be live or draft, got %q", stage)
			}
			s, err := cfg.session(ctx, editor.Options{ManualLock: true})
			if err != nil {
				return err
			}
			defer s.Close()
			doc := s.Load(ctx, st)
			if err := s.Err(); err != nil {
				return err
			}
			if len(args) == 0 {
				return writeJSON(cmd.OutOrStdout(), doc)
			}
			value, ok := doc[args[0]]
			if !ok {
				return fmt.Errorf("key %q is not set in %s: %w", args[0], st, client.ErrNotFound)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(value))
			return err
		},
	}
	cmd.Flags().StringVar(&stage, "stage", string(settings.StageLive), "stage to read (live|draft)")
	return cmd
}

// openDraft loads the draft and takes the lock, failing when another editor
// holds it.
func openDraft(cmd *cobra.Command, cfg *cliConfig) (*editor.Session, error) {
	ctx := cmd.Context()
	s, err := cfg.session(ctx, editor.Options{})
	if err != nil {
		return nil, err
	}
	s.Load(ctx, settings.StageDraft)
	if err := s.Err(); err != nil {
		s.Close()
		return nil, err
	}
	if s.Lock().State() != editor.HeldByMe {
		defer s.Close()
		if lock := s.Lock().Lock(); lock != nil {
			return nil, fmt.Errorf("draft is locked by %s until %s: %w", lock.HolderEmail, formatTime(lock.ExpiresAt), client.ErrLockConflict)
		}
		return nil, fmt.Errorf("draft lock unavailable: %w", editor.ErrNotEditable)
	}
	return s, nil
}

func newSettingsSetCommand(cfg *cliConfig) *cobra.Command {
	var keepLock bool
	cmd := &cobra.Command{
		Use:   "set KEY JSON",
		Short: "Set a draft key to a JSON value and save",
		Example: `  sitectl settings set hero_title '"Spring sale"'
  sitectl settings set banner '{"enabled":true}' --keep-lock`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, raw := strings.TrimSpace(args[0]), json.RawMessage(args[1])
			if key == "" {
				return errors.New("key must not be empty")
			}
			if !json.Valid(raw) {
				return fmt.Errorf("value for %s is not JSON (quote strings, e.g. '\"text\"')", key)
			}
			return editDraft(cmd, cfg, keepLock, func(s *editor.Session) {
				s.SetField(key, raw)
			})
		},
	}
	cmd.Flags().BoolVar(&keepLock, "keep-lock", false, "keep the draft lock after saving")
	return cmd
}

func newSettingsUnsetCommand(cfg *cliConfig) *cobra.Command {
	var keepLock bool
	cmd := &cobra.Command{
		Use:   "unset KEY",
		Short: "Remove a draft key and save",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editDraft(cmd, cfg, keepLock, func(s *editor.Session) {
				s.Delete(args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&keepLock, "keep-lock", false, "keep the draft lock after saving")
	return cmd
}

func editDraft(cmd *cobra.Command, cfg *cliConfig, keepLock bool, edit func(*editor.Session)) error {
	ctx := cmd.Context()
	s, err := openDraft(cmd, cfg)
	if err != nil {
		return err
	}
	edit(s)
	if !s.IsDirty() {
		fmt.Fprintln(cmd.OutOrStdout(), "draft unchanged")
		return finishSession(ctx, s, keepLock)
	}
	saved, err := s.Save(ctx, nil)
	if err != nil {
		_ = finishSession(ctx, s, keepLock)
		return err
	}
	if err := finishSession(ctx, s, keepLock); err != nil {
		return err
	}
	if cfg.jsonOutput() {
		return writeJSON(cmd.OutOrStdout(), saved)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "draft saved (%d keys)\n", len(saved))
	return nil
}

func newSettingsPullCommand(cfg *cliConfig) *cobra.Command {
	var keepLock bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Replace the draft with the live document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := cfg.session(ctx, editor.Options{})
			if err != nil {
				return err
			}
			s.Load(ctx, settings.StageLive)
			if err := s.PullLive(ctx); err != nil {
				s.Close()
				return err
			}
			draft := s.Document()
			if err := finishSession(ctx, s, keepLock); err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), draft)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "draft replaced with live (%d keys)\n", len(draft))
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepLock, "keep-lock", false, "keep the draft lock after pulling")
	return cmd
}

func newSettingsPublishCommand(cfg *cliConfig) *cobra.Command {
	var sel editor.PublishSelection
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the draft, or a saved version, to live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := cfg.session(ctx, editor.Options{ManualLock: true})
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Publish(ctx, sel); err != nil {
				return err
			}
			live := s.Document()
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), live)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published (%d keys live)\n", len(live))
			return nil
		},
	}
	cmd.Flags().StringVar(&sel.VersionID, "version", "", "publish this version instead of the draft")
	cmd.Flags().StringVar(&sel.Label, "label", "", "label for the published snapshot")
	cmd.Flags().StringVar(&sel.Note, "note", "", "note for the published snapshot")
	cmd.Flags().BoolVar(&sel.SetDefault, "default", false, "make the published snapshot the default fallback")
	return cmd
}
