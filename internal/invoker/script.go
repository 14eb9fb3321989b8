package invoker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Invoker = (*Script)(nil)

// Reply scripts the behavior of one model.
type Reply struct {
	// Fragments are emitted in order.
	Fragments []string
	// Delay is waited before each fragment.
	Delay time.Duration
	// Gate, when set, must be closed or receive before the first fragment.
	Gate <-chan struct{}
	// Err is returned after all fragments instead of io.EOF.
	Err error
	// StartErr makes Invoke fail before a stream exists.
	StartErr error
}

// Script is a deterministic backend driven by per-model replies. It serves
// mock mode and tests.
type Script struct {
	mu       sync.Mutex
	replies  map[string]Reply
	fallback func(Call) Reply
	calls    []Call
}

// NewScript creates a Script with the given replies keyed by model id.
func NewScript(replies map[string]Reply) *Script {
	s := &Script{replies: make(map[string]Reply, len(replies))}
	for k, v := range replies {
		s.replies[k] = v
	}
	return s
}

// NewEcho creates a Script that answers every model by echoing the prompt,
// one word per fragment.
func NewEcho() *Script {
	s := NewScript(nil)
	s.fallback = func(c Call) Reply {
		text := fmt.Sprintf("[%s] %s", c.Model, c.Prompt)
		return Reply{Fragments: splitWords(text)}
	}
	return s
}

// Set replaces the reply for model.
func (s *Script) Set(model string, r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[model] = r
}

// Calls returns the calls received so far.
func (s *Script) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Invoke starts the scripted stream for call.Model.
func (s *Script) Invoke(ctx context.Context, call Call) (Stream, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	r, ok := s.replies[call.Model]
	fallback := s.fallback
	s.mu.Unlock()

	if !ok {
		if fallback == nil {
			return nil, fmt.Errorf("script: no reply for model %q", call.Model)
		}
		r = fallback(call)
	}
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	return &scriptStream{ctx: ctx, reply: r}, nil
}

type scriptStream struct {
	ctx   context.Context
	reply Reply
	pos   int
	gated bool
}

func (s *scriptStream) Next() (string, error) {
	if !s.gated && s.reply.Gate != nil {
		select {
		case <-s.reply.Gate:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	s.gated = true

	if s.pos >= len(s.reply.Fragments) {
		if s.reply.Err != nil {
			return "", s.reply.Err
		}
		return "", io.EOF
	}
	if s.reply.Delay > 0 {
		t := time.NewTimer(s.reply.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	} else if err := s.ctx.Err(); err != nil {
		return "", err
	}
	frag := s.reply.Fragments[s.pos]
	s.pos++
	return frag, nil
}

func (s *scriptStream) Close() error { return nil }

// splitWords splits text into fragments that keep their trailing spaces, so
// concatenating them restores the text.
func splitWords(text string) []string {
	var out []string
	for {
		i := strings.IndexByte(text, ' ')
		if i < 0 {
			if text != "" {
				out = append(out, text)
			}
			return out
		}
		out = append(out, text[:i+1])
		text = text[i+1:]
	}
}
