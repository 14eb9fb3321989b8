package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/invoker"
	"golang.org/x/sync/errgroup"
)

// Multiplexer runs one invoker stream per target model concurrently and
// merges their output into a single channel of tagged events.
//
// Units never share a failure: the errgroup carries no derived context and
// every unit returns nil, so one model failing leaves its siblings running.
type Multiplexer struct {
	invoker invoker.Invoker
	logger  *slog.Logger
	limit   int
	buffer  int
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithConcurrency caps how many units stream at once. n <= 0 means one unit
// per model with no cap.
func WithConcurrency(n int) Option {
	return func(m *Multiplexer) { m.limit = n }
}

// WithBuffer sets the output channel capacity.
func WithBuffer(n int) Option {
	return func(m *Multiplexer) { m.buffer = n }
}

// WithLogger sets the logger used for per-model failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) { m.logger = l }
}

// NewMultiplexer creates a Multiplexer that starts streams via inv.
func NewMultiplexer(inv invoker.Invoker, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		invoker: inv,
		logger:  slog.Default(),
		buffer:  64,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts one unit per model, using base as the call template, and
// returns the event channel. For each model the channel carries zero or more
// update events followed by exactly one complete or error event, in emission
// order. Events of different models interleave arbitrarily.
//
// The channel is closed once every unit has returned. When ctx is cancelled
// units stop and their remaining events are abandoned, so a consumer may see
// fewer terminal events than models.
func (m *Multiplexer) Run(ctx context.Context, base invoker.Call, models []string) <-chan chat.Event {
	out := make(chan chat.Event, m.buffer)

	var g errgroup.Group
	if m.limit > 0 {
		g.SetLimit(m.limit)
	}

	go func() {
		defer close(out)
		for i, model := range models {
			g.Go(func() error {
				m.unit(ctx, i, model, base, out)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// unit streams a single model into out.
func (m *Multiplexer) unit(ctx context.Context, index int, model string, base invoker.Call, out chan<- chat.Event) {
	start := time.Now()
	call := base
	call.Model = model

	fail := func(err error) {
		m.logger.WarnContext(ctx, "model stream failed",
			"model", model,
			"model_index", index,
			"error_kind", chat.KindOf(err).String(),
			"error", err,
		)
		send(ctx, out, chat.Event{Index: index, Kind: chat.EventError, Err: err, Elapsed: time.Since(start)})
	}

	stream, err := m.invoker.Invoke(ctx, call)
	if err != nil {
		fail(err)
		return
	}
	defer stream.Close()

	for {
		frag, err := stream.Next()
		if errors.Is(err, io.EOF) {
			send(ctx, out, chat.Event{Index: index, Kind: chat.EventComplete, Elapsed: time.Since(start)})
			return
		}
		if err != nil {
			fail(err)
			return
		}
		if frag == "" {
			continue
		}
		if !send(ctx, out, chat.Event{Index: index, Kind: chat.EventUpdate, Payload: frag}) {
			return
		}
	}
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, out chan<- chat.Event, ev chat.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
