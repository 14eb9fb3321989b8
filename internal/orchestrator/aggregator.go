package orchestrator

import (
	"errors"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
)

// Outcome reports what applying one event changed.
type Outcome struct {
	// Notify is true when a slot changed and the consumer should re-render.
	Notify bool

	// Finished is true exactly once: on the event that made every slot
	// terminal.
	Finished bool
}

// Aggregator folds multiplexed events into one slot per requested model.
// It is owned by a single goroutine and is not safe for concurrent use.
type Aggregator struct {
	slots     []chat.ModelSlot
	remaining int
	finalized bool
	result    chat.AggregateResult
	started   time.Time
}

// NewAggregator creates pending slots for models in request order.
func NewAggregator(models []string) *Aggregator {
	slots := make([]chat.ModelSlot, len(models))
	for i, m := range models {
		slots[i] = chat.ModelSlot{Model: m, Status: chat.StatusPending}
	}
	return &Aggregator{slots: slots, remaining: len(slots), started: time.Now()}
}

// Apply folds ev into its slot. Events for unknown indices and events for
// slots that are already terminal are ignored.
func (a *Aggregator) Apply(ev chat.Event) Outcome {
	if ev.Index < 0 || ev.Index >= len(a.slots) {
		return Outcome{}
	}
	slot := &a.slots[ev.Index]

	switch ev.Kind {
	case chat.EventUpdate:
		if !slot.CanTransition(chat.StatusStreaming) {
			return Outcome{}
		}
		slot.Content += ev.Payload
		slot.Status = chat.StatusStreaming
		return Outcome{Notify: true}

	case chat.EventComplete:
		if !slot.CanTransition(chat.StatusComplete) {
			return Outcome{}
		}
		slot.Status = chat.StatusComplete
		slot.Elapsed = ev.Elapsed
		return a.terminal()

	case chat.EventError:
		if !slot.CanTransition(chat.StatusFailed) {
			return Outcome{}
		}
		// Partial content that already streamed is kept.
		slot.Status = chat.StatusFailed
		slot.Err = slotError(slot.Model, ev.Err)
		slot.Elapsed = ev.Elapsed
		return a.terminal()
	}
	return Outcome{}
}

// CancelPending fails every non-terminal slot with err and finalizes. It is
// used when the operation is cancelled before all models finished; text that
// already arrived stays in its slot. Cancelled slots are timed from the
// creation of the aggregator.
func (a *Aggregator) CancelPending(err error) Outcome {
	if a.finalized {
		return Outcome{}
	}
	if err == nil {
		err = chat.ErrCancelled
	}
	var out Outcome
	elapsed := time.Since(a.started)
	for i := range a.slots {
		if a.slots[i].Status.IsTerminal() {
			continue
		}
		a.slots[i].Status = chat.StatusFailed
		a.slots[i].Err = slotError(a.slots[i].Model, err)
		a.slots[i].Elapsed = elapsed
		out = a.terminal()
	}
	return out
}

func (a *Aggregator) terminal() Outcome {
	a.remaining--
	if a.remaining > 0 || a.finalized {
		return Outcome{Notify: true}
	}
	a.finalized = true
	a.result = chat.NewAggregateResult(a.slots)
	return Outcome{Notify: true, Finished: true}
}

// Done reports whether every slot is terminal.
func (a *Aggregator) Done() bool { return a.finalized }

// Len returns the number of slots.
func (a *Aggregator) Len() int { return len(a.slots) }

// Snapshot returns a copy of the current slots.
func (a *Aggregator) Snapshot() []chat.ModelSlot {
	out := make([]chat.ModelSlot, len(a.slots))
	copy(out, a.slots)
	return out
}

// Result returns the finalized result. ok is false until every slot is
// terminal.
func (a *Aggregator) Result() (res chat.AggregateResult, ok bool) {
	return a.result, a.finalized
}

// Content returns the accumulated text of the first slot, which is the whole
// answer in single-model mode.
func (a *Aggregator) Content() string {
	if len(a.slots) == 0 {
		return ""
	}
	return a.slots[0].Content
}

// HasContent reports whether any text has arrived.
func (a *Aggregator) HasContent() bool {
	for _, s := range a.slots {
		if s.Content != "" {
			return true
		}
	}
	return false
}

func slotError(model string, err error) *chat.Error {
	if err == nil {
		err = errors.New("model stream failed")
	}
	ce := chat.AsError(err)
	if ce.Op == "" {
		ce = &chat.Error{Kind: ce.Kind, Op: "invoke " + model, StatusCode: ce.StatusCode, Err: ce.Err}
	}
	return ce
}
