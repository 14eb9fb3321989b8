// Package client talks to a running consensus server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/exchange"
	"github.com/dusk-indust/consensus/internal/wire"
)

// HTTPClient calls the consensus HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the HTTP client timeout. Streaming calls are bounded by
// it too, so it should cover a whole exchange.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.http.Timeout = d
	}
}

// WithHTTPClient replaces the underlying *http.Client entirely.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// WithLogger sets the logger used for skipped stream frames.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat starts a single-model exchange and returns its events. The channel
// closes after the terminal event or when ctx is cancelled.
func (c *HTTPClient) Chat(ctx context.Context, req exchange.DispatchRequest) (<-chan wire.Event, error) {
	return c.stream(ctx, "/api/chat", req)
}

// Consensus starts a consensus exchange and returns its events.
func (c *HTTPClient) Consensus(ctx context.Context, req exchange.DispatchRequest) (<-chan wire.Event, error) {
	return c.stream(ctx, "/api/chat/consensus", req)
}

// ListConversations returns the caller's conversations.
func (c *HTTPClient) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ListMessages returns the messages of one conversation.
func (c *HTTPClient) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// RenameConversation sets a conversation's title.
func (c *HTTPClient) RenameConversation(ctx context.Context, conversationID, title string) (chat.Conversation, error) {
	var out struct {
		Conversation chat.Conversation `json:"conversation"`
	}
	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPatch, "/api/conversations/"+conversationID, body, &out); err != nil {
		return chat.Conversation{}, err
	}
	return out.Conversation, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *HTTPClient) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+conversationID, nil, nil)
}

func (c *HTTPClient) stream(ctx context.Context, path string, req exchange.DispatchRequest) (<-chan wire.Event, error) {
	resp, err := c.send(ctx, http.MethodPost, path, req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(path, resp)
	}
	return wire.ReadEvents(ctx, resp.Body, c.logger), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.send(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(path, resp)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return chat.E(chat.KindMalformedUpstreamPayload, "client: decode "+path, err)
	}
	return nil
}

func (c *HTTPClient) send(ctx context.Context, method, path string, body any, accept string) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("client: create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", accept)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, chat.E(chat.KindOperationCancelled, "client: "+path, err)
		}
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// responseError turns a non-200 response into a classified error. The
// server's {"error","kind"} body is used when present; otherwise the kind
// is derived from the status code.
func responseError(path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	_ = json.Unmarshal(raw, &body)

	kind := chat.ParseKind(body.Kind)
	if kind == chat.KindUnknown {
		kind = kindForStatus(resp.StatusCode)
	}
	msg := body.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &chat.Error{Kind: kind, Op: "client: " + path, StatusCode: resp.StatusCode, Err: errors.New(msg)}
}

func kindForStatus(code int) chat.Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return chat.KindUnauthorized
	case http.StatusNotFound:
		return chat.KindNotFound
	case http.StatusBadRequest:
		return chat.KindInvalidRequest
	case http.StatusGatewayTimeout:
		return chat.KindInvocationTimeout
	default:
		return chat.KindInvocationRejected
	}
}
