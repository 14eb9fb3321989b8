package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dusk-indust/consensus/internal/client"
	"github.com/dusk-indust/consensus/internal/exchange"
	"github.com/dusk-indust/consensus/internal/observability"
	"github.com/dusk-indust/consensus/internal/wire"
	"github.com/spf13/cobra"
)

type askFlags struct {
	models       []string
	consensus    bool
	conversation string
	server       string
	token        string
	user         string
}

func newAskCmd() *cobra.Command {
	var f askFlags

	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Ask one or several models",
		Long: "Sends a prompt and streams the answers. Repeat --model, or pass --consensus, to ask several models at once. " +
			"Runs in process unless --server points at a running consensus server.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAsk(ctx, cmd, f, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringArrayVarP(&f.models, "model", "m", nil, "model to ask (repeat for consensus)")
	cmd.Flags().BoolVar(&f.consensus, "consensus", false, "ask the consensus model set")
	cmd.Flags().StringVar(&f.conversation, "conversation", "", "conversation id to continue")
	cmd.Flags().StringVar(&f.server, "server", "", "base URL of a consensus server")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token for --server")
	cmd.Flags().StringVar(&f.user, "user", "", "identity for in-process runs (default: server.anonymous_user)")
	return cmd
}

func (f askFlags) request(prompt string) exchange.DispatchRequest {
	req := exchange.DispatchRequest{
		ConversationID: f.conversation,
		Prompt:         prompt,
		Consensus:      f.consensus || len(f.models) > 1,
	}
	if len(f.models) == 1 {
		req.Model = f.models[0]
	} else {
		req.Models = f.models
	}
	return req
}

func runAsk(ctx context.Context, cmd *cobra.Command, f askFlags, prompt string) error {
	req := f.request(prompt)
	r := newRenderer(cmd.OutOrStdout(), req.Consensus)

	if f.server != "" {
		if err := askRemote(ctx, cmd, f, req, r); err != nil {
			return err
		}
	} else {
		if err := askLocal(ctx, cmd, f, req, r); err != nil {
			return err
		}
	}
	r.Summary()
	return r.Err()
}

func askLocal(ctx context.Context, cmd *cobra.Command, f askFlags, req exchange.DispatchRequest, r *renderer) error {
	a, err := newApp(ctx, configPath(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	user := f.user
	if user == "" {
		user = a.cfg.Server.AnonymousUser
	}
	_, err = a.svc.Dispatch(ctx, user, req, r.Handle)
	// An error event already carries failures that happened mid-exchange.
	if err != nil && r.Err() == nil {
		return err
	}
	return nil
}

func askRemote(ctx context.Context, cmd *cobra.Command, f askFlags, req exchange.DispatchRequest, r *renderer) error {
	c := client.New(f.server,
		client.WithToken(f.token),
		client.WithLogger(observability.New(cmd.ErrOrStderr(), "warn", "text")),
	)

	var (
		events <-chan wire.Event
		err    error
	)
	if req.Consensus {
		events, err = c.Consensus(ctx, req)
	} else {
		events, err = c.Chat(ctx, req)
	}
	if err != nil {
		return err
	}
	for ev := range events {
		r.Handle(ev)
	}
	return ctx.Err()
}
