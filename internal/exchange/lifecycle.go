package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/orchestrator"
	"github.com/dusk-indust/consensus/internal/wire"
	"github.com/google/uuid"
)

// State is the lifecycle state of one exchange.
type State int

const (
	StateDispatching State = iota
	StateStreaming
	StateFinalizing
	StateSettled
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateSettled:
		return "settled"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NoResponse is the assistant content recorded when a model completed
// without producing any text.
const NoResponse = "No response received"

// Persister is the part of the store an exchange writes through.
type Persister interface {
	CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
}

// Sink receives wire events as an exchange progresses.
type Sink func(wire.Event)

// ManagerOptions configures a Manager. Zero values are usable.
type ManagerOptions struct {
	Sink           Sink
	Logger         *slog.Logger
	PersistTimeout time.Duration
	// OnResult is called once with the finalized aggregate, before the
	// outcome is persisted.
	OnResult func(chat.AggregateResult)
}

// Settlement is what an exchange ended with.
type Settlement struct {
	ExchangeID string
	State      State
	Result     chat.AggregateResult
	// Content is the final assistant content: the text in single-model
	// mode, the encoded responses in consensus mode.
	Content          string
	UserMessage      chat.Message
	AssistantMessage chat.Message
	// Cancelled is set when the exchange was cancelled after content had
	// arrived and the partial content was kept.
	Cancelled bool
	// View is the view the exchange updated. It stays readable after the
	// exchange releases it.
	View *View
}

// Manager drives one exchange from dispatch to settlement. It owns the
// aggregator and the optimistic entries it adds to the view; it is used by
// a single goroutine.
type Manager struct {
	id    string
	req   chat.Request
	view  *View
	store Persister
	opts  ManagerOptions

	agg            *orchestrator.Aggregator
	state          State
	userEntry      string
	assistantEntry string
}

// NewManager prepares an exchange for req. The request must be valid.
func NewManager(req chat.Request, view *View, store Persister, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	id := uuid.NewString()
	return &Manager{
		id:             id,
		req:            req,
		view:           view,
		store:          store,
		opts:           opts,
		agg:            orchestrator.NewAggregator(req.Models),
		userEntry:      "pending-user-" + id,
		assistantEntry: "pending-assistant-" + id,
	}
}

// ID returns the exchange id.
func (m *Manager) ID() string { return m.id }

// State returns the current state.
func (m *Manager) State() State { return m.state }

// UserEntryID and AssistantEntryID return the ids of the optimistic entries.
func (m *Manager) UserEntryID() string      { return m.userEntry }
func (m *Manager) AssistantEntryID() string { return m.assistantEntry }

// Begin shows the optimistic user and assistant entries.
func (m *Manager) Begin() {
	m.view.Append(
		Entry{ID: m.userEntry, Role: chat.RoleUser, Content: m.req.Prompt},
		Entry{ID: m.assistantEntry, Role: chat.RoleAssistant, Slots: m.agg.Snapshot(), Streaming: true},
	)
}

// Run folds events into the exchange until every model is terminal, then
// persists the outcome.
//
// Cancelling ctx before any text arrived aborts the exchange and removes the
// optimistic entries. Cancelling after text arrived fails the unfinished
// slots and keeps what was shown. A persistence failure leaves the exchange
// in StateFinalizing with the content still visible and returns a
// chat.KindPersistenceFailure error.
func (m *Manager) Run(ctx context.Context, events <-chan chat.Event) (Settlement, error) {
	if m.state != StateDispatching {
		return m.settlement(""), chat.E(chat.KindInvalidRequest, "exchange", errors.New("exchange already ran"))
	}
	for !m.agg.Done() {
		select {
		case ev, ok := <-events:
			// Events that raced with cancellation are dropped.
			if err := ctx.Err(); err != nil {
				return m.cancel(ctx, err)
			}
			if !ok {
				return m.cancel(ctx, errors.New("event stream ended before every model finished"))
			}
			m.apply(ev)
		case <-ctx.Done():
			return m.cancel(ctx, ctx.Err())
		}
	}
	return m.finalize(ctx, false)
}

// Abort removes the optimistic entries and reports err to the sink. It is a
// no-op once the exchange has content to keep.
func (m *Manager) Abort(err error) {
	if m.state != StateDispatching && m.state != StateStreaming {
		return
	}
	m.state = StateAborted
	m.view.Remove(m.userEntry, m.assistantEntry)
	m.opts.Logger.Info("exchange aborted",
		"conversation_id", m.req.ConversationID,
		"exchange_id", m.id,
		"error_kind", chat.KindOf(err).String(),
		"error", err,
	)
	ev := wire.ErrorEvent(m.req.ConversationID, err)
	ev.ExchangeID = m.id
	m.emit(ev)
}

func (m *Manager) apply(ev chat.Event) {
	if m.state == StateDispatching {
		m.state = StateStreaming
	}
	out := m.agg.Apply(ev)
	if !out.Notify {
		return
	}
	slots := m.agg.Snapshot()
	content := m.live(slots)
	m.view.Update(m.assistantEntry, func(e *Entry) {
		e.Slots = slots
		e.Content = content
	})
	m.emit(m.slotEvent(ev, slots[ev.Index]))
}

func (m *Manager) cancel(ctx context.Context, cause error) (Settlement, error) {
	err := chat.E(chat.KindOperationCancelled, "exchange", cause)
	if !m.agg.HasContent() {
		m.Abort(err)
		return m.settlement(""), err
	}
	m.agg.CancelPending(err)
	return m.finalize(ctx, true)
}

func (m *Manager) finalize(ctx context.Context, cancelled bool) (Settlement, error) {
	m.state = StateFinalizing
	res, _ := m.agg.Result()
	content := m.finalContent(res)
	var responses []chat.ConsensusResponse
	if m.req.Consensus() {
		responses = res.Responses()
	}

	// The local entry holds the final content before anything is stored.
	m.view.Update(m.assistantEntry, func(e *Entry) {
		e.Slots = res.Slots()
		e.Content = content
		e.Streaming = false
	})

	st := m.settlement(content)
	st.Cancelled = cancelled
	if m.opts.OnResult != nil {
		m.opts.OnResult(res)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.PersistTimeout)
	defer cancel()

	userMsg, err := m.store.CreateMessage(pctx, chat.Message{
		ConversationID: m.req.ConversationID,
		Role:           chat.RoleUser,
		Content:        m.req.Prompt,
		Attachments:    m.req.Attachments,
	})
	if err != nil {
		return st, m.persistFailed(st, responses, err)
	}
	m.view.Replace(m.userEntry, durableEntry(userMsg))
	st.UserMessage = userMsg

	asstMsg, err := m.store.CreateMessage(pctx, chat.Message{
		ConversationID: m.req.ConversationID,
		Role:           chat.RoleAssistant,
		Content:        content,
		Consensus:      responses,
	})
	if err != nil {
		return st, m.persistFailed(st, responses, err)
	}
	entry := durableEntry(asstMsg)
	entry.Slots = res.Slots()
	m.view.Replace(m.assistantEntry, entry)
	st.AssistantMessage = asstMsg

	m.state = StateSettled
	st.State = m.state
	m.opts.Logger.Info("exchange settled",
		"conversation_id", m.req.ConversationID,
		"exchange_id", m.id,
		"models", len(m.req.Models),
		"cancelled", cancelled,
	)
	m.emit(wire.Event{
		Type:           wire.TypeFinal,
		ConversationID: m.req.ConversationID,
		ExchangeID:     m.id,
		Content:        content,
		Responses:      responses,
		Message:        &asstMsg,
	})
	return st, nil
}

// persistFailed keeps the finalized local entry, raises a notice and reports
// the content without a record.
func (m *Manager) persistFailed(st Settlement, responses []chat.ConsensusResponse, err error) error {
	perr := &chat.Error{Kind: chat.KindPersistenceFailure, Op: "persist exchange", Err: err}
	notice := "The response could not be saved: " + err.Error()
	m.view.AddNotice(Notice{Kind: chat.KindPersistenceFailure, Message: notice})
	m.opts.Logger.Error("exchange not persisted",
		"conversation_id", m.req.ConversationID,
		"exchange_id", m.id,
		"error", err,
	)
	m.emit(wire.Event{
		Type:           wire.TypeFinal,
		ConversationID: m.req.ConversationID,
		ExchangeID:     m.id,
		Content:        st.Content,
		Responses:      responses,
		Notice:         notice,
		Error:          perr.Error(),
		ErrorKind:      perr.Kind.String(),
	})
	return perr
}

// live is the assistant content shown while streaming.
func (m *Manager) live(slots []chat.ModelSlot) string {
	if m.req.Consensus() {
		return chat.NewAggregateResult(slots).EncodedResponses()
	}
	return slots[0].Content
}

// finalContent applies the single-model fallbacks: partial text is kept, a
// failure with no text becomes an error message, and an empty completion
// becomes NoResponse.
func (m *Manager) finalContent(res chat.AggregateResult) string {
	if m.req.Consensus() {
		return res.EncodedResponses()
	}
	if text := res.Text(); text != "" {
		return text
	}
	if res.AllFailed() {
		if err := res.Slots()[0].Err; err != nil {
			return "Error: " + err.Error()
		}
	}
	return NoResponse
}

func (m *Manager) slotEvent(ev chat.Event, s chat.ModelSlot) wire.Event {
	out := wire.Event{
		ConversationID: m.req.ConversationID,
		ExchangeID:     m.id,
		ModelIndex:     ev.Index,
		Model:          s.Model,
		Content:        s.Content,
		Status:         string(s.Status),
		ResponseTime:   s.Elapsed.Milliseconds(),
	}
	switch ev.Kind {
	case chat.EventUpdate:
		out.Type = wire.TypeUpdate
		out.Delta = ev.Payload
	case chat.EventComplete:
		out.Type = wire.TypeModelComplete
	case chat.EventError:
		out.Type = wire.TypeModelError
		if s.Err != nil {
			out.Error = s.Err.Error()
			out.ErrorKind = s.Err.Kind.String()
		}
	}
	return out
}

func (m *Manager) settlement(content string) Settlement {
	res, _ := m.agg.Result()
	return Settlement{ExchangeID: m.id, State: m.state, Result: res, Content: content, View: m.view}
}

func (m *Manager) emit(ev wire.Event) {
	if m.opts.Sink != nil {
		m.opts.Sink(ev)
	}
}
