// Package invoker streams text from language model backends.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// Turn is one prior message of the conversation sent as context.
type Turn struct {
	Role    chat.Role
	Content string
}

// Call is a single model invocation.
type Call struct {
	Model string
	// System is an optional system instruction.
	System string
	// History holds earlier turns, oldest first.
	History     []Turn
	Prompt      string
	Attachments []chat.Attachment
	// TextOnly sends every attachment as a reference in the prompt text,
	// images included.
	TextOnly bool
}

// Text renders the prompt with every attachment that is not sent inline
// listed as a reference.
func (c Call) Text() string {
	var refs []string
	for _, a := range c.Attachments {
		if c.inline(a) {
			continue
		}
		ref := fmt.Sprintf("- %s (%s)", a.Filename, a.FileType)
		if a.URL != "" {
			ref += ": " + a.URL
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return c.Prompt
	}
	return c.Prompt + "\n\nAttached files:\n" + strings.Join(refs, "\n")
}

// Images returns the URLs of image attachments sent inline.
func (c Call) Images() []string {
	var urls []string
	for _, a := range c.Attachments {
		if c.inline(a) {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

func (c Call) inline(a chat.Attachment) bool {
	return !c.TextOnly && a.IsImage() && a.URL != ""
}

// Invoker starts a streamed completion for one model.
//
// Invoke returns an error when the stream cannot be started. Once a Stream is
// returned, failures surface from Next.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (Stream, error)
}

// Stream yields text fragments in order. Next returns io.EOF after the last
// fragment. Close must be called exactly once and is safe after io.EOF.
type Stream interface {
	Next() (string, error)
	Close() error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, call Call) (Stream, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, call Call) (Stream, error) {
	return f(ctx, call)
}

// WithTimeout bounds every call made through next to d and classifies the
// errors it returns.
func WithTimeout(next Invoker, d time.Duration) Invoker {
	return &timeoutInvoker{next: next, timeout: d}
}

type timeoutInvoker struct {
	next    Invoker
	timeout time.Duration
}

func (t *timeoutInvoker) Invoke(ctx context.Context, call Call) (Stream, error) {
	cctx, cancel := ctx, context.CancelFunc(func() {})
	if t.timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, t.timeout)
	}
	op := "invoke " + call.Model
	s, err := t.next.Invoke(cctx, call)
	if err != nil {
		cancel()
		return nil, Classify(ctx, op, err)
	}
	return &timedStream{Stream: s, parent: ctx, op: op, cancel: cancel}, nil
}

type timedStream struct {
	Stream
	parent context.Context
	op     string
	cancel context.CancelFunc
}

func (s *timedStream) Next() (string, error) {
	frag, err := s.Stream.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		return "", Classify(s.parent, s.op, err)
	}
	return frag, err
}

func (s *timedStream) Close() error {
	err := s.Stream.Close()
	s.cancel()
	return err
}

// Classify maps a backend error onto a chat.Error kind. parent is the
// caller's context: when it is done the failure is an operation
// cancellation, whatever the backend reported.
func Classify(parent context.Context, op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if parent != nil && parent.Err() != nil {
		return chat.E(chat.KindOperationCancelled, op, err)
	}

	var ce *chat.Error
	if errors.As(err, &ce) {
		return err
	}

	var (
		oaiErr    *openai.Error
		gErr      genai.APIError
		gErrPtr   *genai.APIError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return chat.E(chat.KindInvocationTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return chat.E(chat.KindOperationCancelled, op, err)
	case errors.As(err, &oaiErr):
		return &chat.Error{Kind: chat.KindInvocationRejected, Op: op, StatusCode: oaiErr.StatusCode, Err: err}
	case errors.As(err, &gErr):
		return &chat.Error{Kind: chat.KindInvocationRejected, Op: op, StatusCode: gErr.Code, Err: err}
	case errors.As(err, &gErrPtr):
		return &chat.Error{Kind: chat.KindInvocationRejected, Op: op, StatusCode: gErrPtr.Code, Err: err}
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, ErrMalformed):
		return chat.E(chat.KindMalformedUpstreamPayload, op, err)
	}
	return chat.E(chat.KindInvocationRejected, op, err)
}

// ErrMalformed marks an upstream chunk that could not be interpreted.
var ErrMalformed = errors.New("invoker: malformed upstream payload")

// Collect drains a stream started by inv and returns the concatenated text.
func Collect(ctx context.Context, inv Invoker, call Call) (string, error) {
	s, err := inv.Invoke(ctx, call)
	if err != nil {
		return "", err
	}
	defer s.Close()

	var sb strings.Builder
	for {
		frag, err := s.Next()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(frag)
	}
}
