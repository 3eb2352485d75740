package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/swiftshield-sync/internal/auth"
	"github.com/Martian-dev/swiftshield-sync/internal/config"
	"github.com/Martian-dev/swiftshield-sync/internal/logging"
)

func newRootCmd(out io.Writer) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "swiftshield-sync",
		Short:         "Background Gmail sync and phishing scan engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json or toml)")

	load := func() (*app, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		return openApp(cfg, logging.New(cfg.Log.Level, cfg.Log.Pretty))
	}

	var monitor bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, monitor)
		},
	}
	serveCmd.Flags().BoolVar(&monitor, "monitor", true, "start monitoring immediately")

	var (
		accessToken  string
		refreshToken string
		expiryMs     int64
	)
	linkCmd := &cobra.Command{
		Use:   "link",
		Short: "Store a Gmail grant obtained by the host's OAuth flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			cred := &auth.Credential{AccessToken: accessToken, RefreshToken: refreshToken, ExpiryMillis: expiryMs}
			if err := a.creds.Link(cmd.Context(), cred); err != nil {
				return fmt.Errorf("link: %w", err)
			}
			fmt.Fprintln(out, "Gmail linked.")
			return nil
		},
	}
	linkCmd.Flags().StringVar(&accessToken, "access-token", "", "current access token (optional)")
	linkCmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token")
	linkCmd.Flags().Int64Var(&expiryMs, "expiry-ms", 0, "access token expiry, epoch milliseconds")
	_ = linkCmd.MarkFlagRequired("refresh-token")

	unlinkCmd := &cobra.Command{
		Use:   "unlink",
		Short: "Remove the stored Gmail grant and cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.creds.Invalidate(cmd.Context()); err != nil {
				return fmt.Errorf("unlink: %w", err)
			}
			fmt.Fprintln(out, "Gmail unlinked.")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show link state, stored cursor and the last sync outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.printStatus(cmd.Context(), out)
		},
	}

	root.AddCommand(serveCmd, linkCmd, unlinkCmd, statusCmd)
	return root
}

func runWithOutput(ctx context.Context, args []string, out io.Writer) error {
	cmd := newRootCmd(out)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd.ExecuteContext(ctx)
}

func main() {
	if err := runWithOutput(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
