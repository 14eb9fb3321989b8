package mcptools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/exchange"
	"github.com/dusk-indust/consensus/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultListLimit = 20

// ChatService handles MCP tool calls. Every call runs as one fixed user,
// the identity of the local process that owns the stdio session.
type ChatService struct {
	svc    *exchange.Service
	store  store.Store
	user   string
	logger *slog.Logger
}

// NewChatService creates a ChatService acting as user.
func NewChatService(svc *exchange.Service, st store.Store, user string, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{svc: svc, store: st, user: user, logger: logger}
}

// Ask runs a single-model exchange and returns the answer.
func (s *ChatService) Ask(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input AskInput,
) (*mcp.CallToolResult, ExchangeOutput, error) {
	return s.run(ctx, exchange.DispatchRequest{
		ConversationID: input.ConversationID,
		Prompt:         input.Prompt,
		Model:          input.Model,
	})
}

// Consensus runs one exchange against several models in parallel and
// returns every model's answer in request order.
func (s *ChatService) Consensus(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ConsensusInput,
) (*mcp.CallToolResult, ExchangeOutput, error) {
	if len(input.Models) == 1 {
		return nil, ExchangeOutput{}, fmt.Errorf("consensus needs at least two models, got %q", input.Models[0])
	}
	return s.run(ctx, exchange.DispatchRequest{
		ConversationID: input.ConversationID,
		Prompt:         input.Prompt,
		Models:         input.Models,
		Consensus:      true,
	})
}

// ListConversations returns the user's conversations, most recent first.
func (s *ChatService) ListConversations(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ListConversationsInput,
) (*mcp.CallToolResult, ListConversationsOutput, error) {
	convs, err := s.store.ListConversations(ctx, s.user)
	if err != nil {
		return nil, ListConversationsOutput{}, fmt.Errorf("list conversations: %w", err)
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	out := ListConversationsOutput{Total: len(convs), Conversations: []ConversationSummary{}}
	for i, c := range convs {
		if i >= limit {
			break
		}
		out.Conversations = append(out.Conversations, ConversationSummary{
			ID:        c.ID,
			Title:     c.Title,
			Model:     c.Model,
			UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *ChatService) run(ctx context.Context, req exchange.DispatchRequest) (*mcp.CallToolResult, ExchangeOutput, error) {
	st, err := s.svc.Dispatch(ctx, s.user, req, nil)
	if err != nil {
		s.logger.Warn("mcp exchange failed", "error_kind", chat.KindOf(err).String(), "error", err)
		return nil, ExchangeOutput{}, err
	}

	out := ExchangeOutput{
		ConversationID: st.AssistantMessage.ConversationID,
		ExchangeID:     st.ExchangeID,
		Cancelled:      st.Cancelled,
	}
	if st.Result.Len() > 1 {
		for _, r := range st.Result.Responses() {
			out.Responses = append(out.Responses, ResponseSummary{
				Model:          r.Model,
				Content:        r.Content,
				Error:          r.Error,
				ErrorKind:      r.ErrorKind,
				ResponseTimeMS: r.ResponseTime,
			})
		}
	} else {
		out.Content = st.Content
	}

	if conv, err := s.store.GetConversation(ctx, s.user, out.ConversationID); err == nil {
		out.Title = conv.Title
	}
	return nil, out, nil
}
