package invoker

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// Compile-time interface check.
var _ Invoker = (*OpenAI)(nil)

// OpenAI streams chat completions from an OpenAI-compatible endpoint such as
// OpenRouter.
type OpenAI struct {
	client openai.Client
}

// OpenAIOption configures an OpenAI backend.
type OpenAIOption func(*[]option.RequestOption)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(opts *[]option.RequestOption) {
		if url != "" {
			*opts = append(*opts, option.WithBaseURL(url))
		}
	}
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithHTTPClient(hc))
	}
}

// WithMaxRetries sets how often a failed request is retried before the
// stream opens.
func WithMaxRetries(n int) OpenAIOption {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithMaxRetries(n))
	}
}

// NewOpenAI creates an OpenAI-compatible backend.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAI {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, opt := range opts {
		opt(&reqOpts)
	}
	return &OpenAI{client: openai.NewClient(reqOpts...)}
}

// Invoke opens a streaming completion. Connection and status errors are
// reported by the first call to Next.
func (o *OpenAI) Invoke(ctx context.Context, call Call) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    call.Model,
		Messages: openAIMessages(call),
	}
	return &openAIStream{stream: o.client.Chat.Completions.NewStreaming(ctx, params)}, nil
}

func openAIMessages(call Call) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(call.History)+2)
	if call.System != "" {
		msgs = append(msgs, openai.SystemMessage(call.System))
	}
	for _, t := range call.History {
		switch t.Role {
		case chat.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		case chat.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}

	images := call.Images()
	if len(images) == 0 {
		return append(msgs, openai.UserMessage(call.Text()))
	}
	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(call.Text())}
	for _, url := range images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
	}
	return append(msgs, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: parts,
			},
		},
	})
}

type openAIStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

func (s *openAIStream) Next() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Refusal != "" {
			return "", fmt.Errorf("openai: refused: %s", choice.Delta.Refusal)
		}
		if choice.Delta.Content != "" {
			return choice.Delta.Content, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("openai: stream: %w", err)
	}
	return "", io.EOF
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
