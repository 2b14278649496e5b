package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"sitepress/api/internal/client"
	"sitepress/api/internal/editor"
	"sitepress/api/internal/logger"
)

const (
	serverKey  = "server"
	tokenKey   = "token"
	emailKey   = "email"
	timeoutKey = "timeout"
	outputKey  = "output"
	verboseKey = "verbose"

	defaultServer = "http://127.0.0.1:8787"
)

type cliConfig struct {
	v        *viper.Viper
	cli      *client.Client
	identity client.Identity
	log      *logger.Logger
}

func newRootCommand() *cobra.Command {
	cfg := &cliConfig{v: viper.New()}
	cmd := &cobra.Command{
		Use:           "sitectl",
		Short:         "Edit, publish and schedule site settings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("server", defaultServer, "settings store base URL")
	flags.String("token", "", "session token printed by sitectl login")
	flags.String("email", "", "sign in as this email when no token is set")
	flags.Duration("timeout", 30*time.Second, "HTTP client timeout")
	flags.StringP("output", "o", "text", "output format (text|json)")
	flags.BoolP("verbose", "v", false, "log requests to stderr")

	cfg.mustBindFlag(serverKey, "SITECTL_URL", flags.Lookup("server"))
	cfg.mustBindFlag(tokenKey, "SITECTL_TOKEN", flags.Lookup("token"))
	cfg.mustBindFlag(emailKey, "SITECTL_EMAIL", flags.Lookup("email"))
	cfg.mustBindFlag(timeoutKey, "SITECTL_TIMEOUT", flags.Lookup("timeout"))
	cfg.mustBindFlag(outputKey, "SITECTL_OUTPUT", flags.Lookup("output"))
	cfg.mustBindFlag(verboseKey, "", flags.Lookup("verbose"))

	cmd.AddCommand(
		newLoginCommand(cfg),
		newSettingsCommand(cfg),
		newLockCommand(cfg),
		newVersionsCommand(cfg),
		newDeploymentsCommand(cfg),
		newHistoryCommand(cfg),
	)
	return cmd
}

func (c *cliConfig) mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := c.v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := c.v.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func (c *cliConfig) logger() *logger.Logger {
	if c.log != nil {
		return c.log
	}
	c.log = logger.Nop()
	if c.v.GetBool(verboseKey) {
		if l, err := logger.New("dev"); err == nil {
			c.log = l
		}
	}
	return c.log
}

// newClient builds an unauthenticated client for the configured server.
func (c *cliConfig) newClient() (*client.Client, error) {
	server := strings.TrimSpace(c.v.GetString(serverKey))
	if server == "" {
		server = defaultServer
	}
	timeout := c.v.GetDuration(timeoutKey)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return client.New(server,
		client.WithHTTPClient(&http.Client{Timeout: timeout}),
		client.WithToken(c.v.GetString(tokenKey)),
		client.WithLogger(c.logger()),
	)
}

// client returns a signed-in client. A configured token wins; otherwise the
// configured email signs in for the duration of the command.
func (c *cliConfig) client(ctx context.Context) (*client.Client, client.Identity, error) {
	if c.cli != nil {
		return c.cli, c.identity, nil
	}
	cli, err := c.newClient()
	if err != nil {
		return nil, client.Identity{}, err
	}

	var identity client.Identity
	if cli.Token() != "" {
		identity, err = cli.Session(ctx)
		if err != nil {
			return nil, client.Identity{}, err
		}
		if !identity.Authenticated {
			return nil, client.Identity{}, fmt.Errorf("session token rejected, run sitectl login: %w", client.ErrUnauthorized)
		}
	} else {
		email := strings.TrimSpace(c.v.GetString(emailKey))
		if email == "" {
			return nil, client.Identity{}, errors.New("not signed in: set --token/SITECTL_TOKEN or --email/SITECTL_EMAIL")
		}
		identity, err = cli.Login(ctx, email)
		if err != nil {
			return nil, client.Identity{}, err
		}
	}
	c.cli, c.identity = cli, identity
	return cli, identity, nil
}

func (c *cliConfig) session(ctx context.Context, opts editor.Options) (*editor.Session, error) {
	cli, identity, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	opts.Logger = c.logger()
	return editor.NewSession(cli, identity.Email, opts), nil
}

func (c *cliConfig) jsonOutput() bool {
	return strings.EqualFold(strings.TrimSpace(c.v.GetString(outputKey)), "json")
}

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// finishSession releases the draft lock before exiting unless keepLock is
// set, in which case the lock stays until its TTL lapses.
func finishSession(ctx context.Context, s *editor.Session, keepLock bool) error {
	s.Lock().Stop()
	if keepLock {
		return nil
	}
	err := s.Lock().Release(ctx)
	s.Close()
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}
