package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// cli holds state shared by subcommands after the root pre-run loaded config.
type cli struct {
	cfg Config
	log Logger

	apiURL   string
	store    string
	logLevel string
}

// NewRootCommand builds the arclink command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "arclink",
		Short:         "Authenticated session and real-time channel client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.apiURL, "api", "", "API base URL (overrides ARC_API_BASE_URL)")
	pf.StringVar(&c.store, "store", "", "token store: memory, file, sqlite, postgres (overrides ARC_TOKEN_STORE)")
	pf.StringVar(&c.logLevel, "log-level", "", "debug, info, warn, error (overrides ARC_LOG_LEVEL)")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.statusCmd(),
		c.whoamiCmd(),
		c.requestCmd(),
		c.watchCmd(),
		c.mockServerCmd(),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if c.apiURL != "" {
		cfg.Session.BaseURL = c.apiURL
	}
	if c.store != "" {
		cfg.TokenStore = strings.ToLower(c.store)
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg = cfg
	c.log = NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	return nil
}

// withApp wires an App for the duration of fn.
func (c *cli) withApp(ctx context.Context, fn func(*App) error) error {
	a, err := New(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.log.Error("app.close.fail", "err", err)
		}
	}()
	return fn(a)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
