package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/dusk-indust/consensus/internal/chat"
	"google.golang.org/genai"
)

// Compile-time interface check.
var _ Invoker = (*Gemini)(nil)

// Gemini streams content from the Gemini API.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini backend. baseURL may be empty.
func NewGemini(ctx context.Context, apiKey, baseURL string) (*Gemini, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// Invoke starts a content stream. The request is sent on the first call to
// Next.
func (g *Gemini) Invoke(ctx context.Context, call Call) (Stream, error) {
	var cfg *genai.GenerateContentConfig
	if call.System != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: call.System}}},
		}
	}
	seq := g.client.Models.GenerateContentStream(ctx, geminiModel(call.Model), geminiContents(call), cfg)
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}, nil
}

// geminiModel strips the OpenRouter-style vendor prefix.
func geminiModel(model string) string {
	return strings.TrimPrefix(model, "google/")
}

func geminiContents(call Call) []*genai.Content {
	contents := make([]*genai.Content, 0, len(call.History)+1)
	for _, t := range call.History {
		role := "user"
		if t.Role == chat.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: t.Content}}})
	}
	// Gemini only fetches Cloud Storage and Files API URIs. Other images go
	// out as references like any other attachment.
	var files []*genai.Part
	refs := call
	refs.TextOnly = true
	refs.Attachments = nil
	for _, a := range call.Attachments {
		if call.inline(a) && geminiFileURI(a.URL) {
			files = append(files, &genai.Part{FileData: &genai.FileData{FileURI: a.URL, MIMEType: a.FileType}})
			continue
		}
		refs.Attachments = append(refs.Attachments, a)
	}
	parts := append([]*genai.Part{{Text: refs.Text()}}, files...)
	return append(contents, &genai.Content{Role: "user", Parts: parts})
}

func geminiFileURI(uri string) bool {
	return strings.HasPrefix(uri, "gs://") ||
		strings.HasPrefix(uri, "https://generativelanguage.googleapis.com/")
}

var errBlocked = errors.New("gemini: blocked by safety filter")

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *geminiStream) Next() (string, error) {
	for {
		chunk, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini: stream: %w", err)
		}
		if chunk == nil || len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]
		if cand.FinishReason == genai.FinishReasonSafety {
			return "", errBlocked
		}
		if cand.Content == nil {
			continue
		}
		var sb strings.Builder
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			return sb.String(), nil
		}
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}
