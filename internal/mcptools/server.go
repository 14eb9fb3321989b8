// Package mcptools exposes the exchange service as MCP tools.
package mcptools

import (
	"context"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// version is set by the linker at build time.
var version = "dev"

// NewMCPServer creates an MCP server with the ask, consensus and
// list_conversations tools registered.
func NewMCPServer(svc *ChatService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "consensus",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask",
		Description: "Send a message to one model and return its answer. The exchange is stored in a conversation; pass conversationId to continue one.",
	}, svc.Ask)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "consensus",
		Description: "Send the same message to several models in parallel and return every answer in request order. A model that fails is reported without failing the others.",
	}, svc.Consensus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_conversations",
		Description: "List stored conversations, most recently active first.",
	}, svc.ListConversations)

	return server
}

// RunStdio runs the MCP server on stdio transport, blocking until stdin is
// closed or the context is cancelled.
func RunStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP serves the MCP tools over streamable HTTP on addr until ctx is
// cancelled.
func RunHTTP(ctx context.Context, server *mcp.Server, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
