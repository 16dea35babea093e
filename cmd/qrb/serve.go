package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quickredblazer/qrb/pkg/config"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the helper service for the browser editor",
	Long: `Run the helper HTTP service used by the browser editor.

Endpoints:
  GET  /auth/github/login      start the GitHub OAuth flow
  GET  /auth/github/callback   finish it and store the token in the session
  GET  /api/github/status      {"connected": bool}
  POST /api/github/push        publish {owner, repo, branch, message, files}

OAuth needs GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET (or oauth.* in
.qrb/config.yaml).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := projectConfig
		if cfg == nil {
			cfg = &config.ProjectConfig{}
		}
		addr, _ := cfg.ResolveListen(serveListen)

		srv, err := injectServer(cfg)
		if err != nil {
			return fmt.Errorf("failed to build server: %w", err)
		}

		ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.ListenAndServe(ctx, addr)
	},
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (default from config, or :4000)")
	rootCmd.AddCommand(serveCmd)
}
