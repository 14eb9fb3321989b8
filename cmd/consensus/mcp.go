package main

import (
	"os/signal"
	"syscall"

	"github.com/dusk-indust/consensus/internal/mcptools"
	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	var (
		httpAddr string
		user     string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run as an MCP server",
		Long:  "Exposes the ask, consensus and list_conversations tools over MCP, on stdio by default or streamable HTTP with --http.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol; logs go to stderr.
			a, err := newApp(ctx, configPath(cmd), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if user == "" {
				user = a.cfg.Server.AnonymousUser
			}
			server := mcptools.NewMCPServer(mcptools.NewChatService(a.svc, a.store, user, a.logger))
			if httpAddr != "" {
				a.logger.Info("mcp server listening", "addr", httpAddr)
				return mcptools.RunHTTP(ctx, server, httpAddr)
			}
			return mcptools.RunStdio(ctx, server)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "serve streamable HTTP on this address instead of stdio")
	cmd.Flags().StringVar(&user, "user", "", "identity the tools act as (default: server.anonymous_user)")
	return cmd
}
