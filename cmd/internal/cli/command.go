// Package cli defines the avancira command tree.
package cli

import (
	"context"
	"fmt"
	"time"

	"avancira/cmd/internal/app"
	"avancira/cmd/internal/smoke"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type options struct {
	configFile string
	httpAddr   string
	logLevel   string
	logFormat  string

	v *viper.Viper
}

// NewRootCommand returns the avancira root command. Every subcommand reads
// configuration from AVANCIRA_* variables, .env and the optional --config file.
func NewRootCommand(ctx context.Context) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "avancira",
		Short:         "Avancira session and token lifecycle services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := app.NewViper(opts.configFile)
			if err != nil {
				return err
			}
			for key, flag := range map[string]string{
				"http.addr":  "http-addr",
				"log.level":  "log-level",
				"log.format": "log-format",
			} {
				if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
					v.Set(key, f.Value.String())
				}
			}
			opts.v = v
			return nil
		},
	}
	cmd.SetContext(ctx)
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: json or pretty")

	cmd.AddCommand(
		newServeCommand(opts),
		newBFFCommand(opts),
		newMigrateCommand(opts),
		newSessionsCommand(opts),
		newSmokeCommand(),
	)
	return cmd
}

func newServeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the auth API and realtime hubs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Serve(cmd.Context(), opts.v)
		},
	}
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "listen address (overrides http.addr)")
	return cmd
}

func newBFFCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bff",
		Short: "Run the browser cookie gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.ServeBFF(cmd.Context(), opts.v)
		},
	}
}

func newMigrateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	for _, direction := range []string{"up", "down"} {
		cmd.AddCommand(&cobra.Command{
			Use:   direction,
			Short: "Apply migrations " + direction,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				version, err := app.Migrate(opts.v, direction)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %s\n", version)
				return err
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			version, err := app.MigrationStatus(opts.v)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %s\n", version)
			return err
		},
	})
	return cmd
}

func newSessionsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Expire sessions whose lifetime has elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := app.SweepSessions(cmd.Context(), opts.v)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired %d sessions\n", n)
			return err
		},
	})
	return cmd
}

func newSmokeCommand() *cobra.Command {
	cfg := smoke.Config{}
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Exercise a running server: register, chat relay and revocation push",
		Args:  cobra.NoArgs,
		// Talks to a remote server only; skips local config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := smoke.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "OK: sender=%s recipient=%s server_msg_id=%s revoked_session=%s\n",
				res.SenderID, res.RecipientID, res.ServerMsgID, res.RevokedID)
			return err
		},
	}
	cmd.Flags().StringVar(&cfg.BaseURL, "url", "http://127.0.0.1:8080", "auth server base URL")
	cmd.Flags().StringVar(&cfg.Origin, "origin", "http://localhost:4200", "Origin header for hub handshakes")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 7*time.Second, "per-step timeout")
	return cmd
}
