package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/observability"
	"github.com/dusk-indust/consensus/internal/store"
	"github.com/dusk-indust/consensus/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *store.MemStore
	view  *View
	rec   *recorder
	conv  chat.Conversation
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemStore()
	conv := newConversation(t, st, "alice")
	return &fixture{store: st, view: NewView(conv.ID, conv.Title), rec: &recorder{}, conv: conv}
}

func (f *fixture) manager(p Persister, models ...string) *Manager {
	req := chat.Request{ConversationID: f.conv.ID, UserID: "alice", Prompt: "question", Models: models}
	return NewManager(req, f.view, p, ManagerOptions{
		Sink:           f.rec.sink,
		Logger:         observability.Discard(),
		PersistTimeout: time.Second,
	})
}

func TestManager_ScenarioA_SingleModel(t *testing.T) {
	f := setup(t)
	m := f.manager(f.store, "m1")
	m.Begin()
	require.Len(t, f.view.Entries(), 2)
	assert.Equal(t, StateDispatching, m.State())

	st, err := m.Run(context.Background(), events(
		chat.Event{Index: 0, Kind: chat.EventUpdate, Payload: "Hello"},
		chat.Event{Index: 0, Kind: chat.EventUpdate, Payload: " world"},
		chat.Event{Index: 0, Kind: chat.EventComplete, Elapsed: 40 * time.Millisecond},
	))
	require.NoError(t, err)
	assert.Equal(t, StateSettled, m.State())
	assert.Equal(t, StateSettled, st.State)
	assert.Equal(t, "Hello world", st.Content)
	assert.Equal(t, "Hello world", st.AssistantMessage.Content)

	msgs, err := f.store.ListMessages(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "question", msgs[0].Content)
	assert.Equal(t, "Hello world", msgs[1].Content)
	assert.False(t, msgs[1].IsConsensus())

	entries := f.view.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Durable)
	assert.True(t, entries[1].Durable)
	assert.Equal(t, msgs[1].ID, entries[1].ID)

	assert.Equal(t, []wire.Type{wire.TypeUpdate, wire.TypeUpdate, wire.TypeModelComplete, wire.TypeFinal}, f.rec.types())
	final := f.rec.last()
	assert.Equal(t, "Hello world", final.Content)
	require.NotNil(t, final.Message)
	assert.Equal(t, msgs[1].ID, final.Message.ID)
}

func TestManager_ScenarioB_IsolatedFailure(t *testing.T) {
	f := setup(t)
	m := f.manager(f.store, "m1", "m2")
	m.Begin()

	timeout := chat.E(chat.KindInvocationTimeout, "invoke m2", context.DeadlineExceeded)
	st, err := m.Run(context.Background(), events(
		chat.Event{Index: 0, Kind: chat.EventUpdate, Payload: "A"},
		chat.Event{Index: 1, Kind: chat.EventError, Err: timeout, Elapsed: time.Second},
		chat.Event{Index: 0, Kind: chat.EventComplete, Elapsed: 100 * time.Millisecond},
	))
	require.NoError(t, err)

	slots := st.Result.Slots()
	require.Len(t, slots, 2)
	assert.Equal(t, "m1", slots[0].Model)
	assert.Equal(t, "A", slots[0].Content)
	assert.Equal(t, chat.StatusComplete, slots[0].Status)
	assert.Equal(t, "m2", slots[1].Model)
	assert.Empty(t, slots[1].Content)
	assert.Equal(t, chat.StatusFailed, slots[1].Status)
	assert.Equal(t, chat.KindInvocationTimeout, slots[1].Err.Kind)

	require.True(t, st.AssistantMessage.IsConsensus())
	assert.Equal(t, st.Result.Responses(), st.AssistantMessage.Consensus)
	assert.Equal(t, st.Result.EncodedResponses(), st.AssistantMessage.Content)

	var modelErr wire.Event
	for _, ev := range f.rec.all() {
		if ev.Type == wire.TypeModelError {
			modelErr = ev
		}
	}
	assert.Equal(t, 1, modelErr.ModelIndex)
	assert.Equal(t, "invocation_timeout", modelErr.ErrorKind)
	assert.Equal(t, int64(1000), modelErr.ResponseTime)
}

func TestManager_ScenarioD_PersistenceFailureKeepsContent(t *testing.T) {
	f := setup(t)
	failing := newFailingStore(0)
	m := f.manager(failing, "m1")
	m.Begin()

	st, err := m.Run(context.Background(), events(
		chat.Event{Index: 0, Kind: chat.EventUpdate, Payload: "done"},
		chat.Event{Index: 0, Kind: chat.EventComplete},
	))
	require.Error(t, err)
	assert.Equal(t, chat.KindPersistenceFailure, chat.KindOf(err))
	assert.Equal(t, StateFinalizing, m.State())
	assert.Equal(t, "done", st.Content)

	entry, ok := f.view.Entry(m.AssistantEntryID())
	require.True(t, ok, "local entry stays visible")
	assert.Equal(t, "done", entry.Content)
	assert.False(t, entry.Durable)
	assert.False(t, entry.Streaming)

	notices := f.view.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, chat.KindPersistenceFailure, notices[0].Kind)

	final := f.rec.last()
	assert.Equal(t, wire.TypeFinal, final.Type)
	assert.Equal(t, "done", final.Content)
	assert.NotEmpty(t, final.Notice)
	assert.Nil(t, final.Message)
}

func TestManager_AssistantWriteFailsAfterUserWrite(t *testing.T) {
	f := setup(t)
	failing := newFailingStore(1)
	m := f.manager(failing, "m1")
	m.Begin()

	_, err := m.Run(context.Background(), events(
		chat.Event{Index: 0, Kind: chat.EventUpdate, Payload: "done"},
		chat.Event{Index: 0, Kind: chat.EventComplete},
	))
	require.Error(t, err)

	entries := f.view.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Durable, "user entry was stored")
	assert.False(t, entries[1].Durable)
	assert.Equal(t, "done", entries[1].Content)
}

func TestManager_CancelBeforeContentAborts(t *testing.T) {
	f := setup(t)
	m := f.manager(f.store, "m1", "m2")
	m.Begin()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Run(ctx, make(chan chat.Event))
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrCancelled)
	assert.Equal(t, StateAborted, m.State())
	assert.Empty(t, f.view.Entries())

	msgs, err := f.store.ListMessages(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []wire.Type{wire.TypeError}, f.rec.types())
	assert.Equal(t, "operation_cancelled", f.rec.last().ErrorKind)
}

func TestManager_CancelAfterPartialContentKeepsIt(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := chat.Request{ConversationID: f.conv.ID, UserID: "alice", Prompt: "question", Models: []string{"m1", "m2"}}
	m := NewManager(req, f.view, f.store, ManagerOptions{
		Logger: observability.Discard(),
		Sink: func(ev wire.Event) {
			f.rec.sink(ev)
			if ev.Type == wire.TypeUpdate {
				cancel()
			}
		},
	})
	m.Begin()

	st, err := m.Run(ctx, events(chat.Event{Index: 0, Kind: chat.EventUpdate, Payload: "par"}))
	require.NoError(t, err)
	assert.True(t, st.Cancelled)
	assert.Equal(t, StateSettled, m.State())

	slots := st.Result.Slots()
	assert.Equal(t, "par", slots[0].Content)
	assert.Equal(t, chat.StatusFailed, slots[0].Status)
	assert.Equal(t, chat.KindOperationCancelled, slots[0].Err.Kind)
	assert.Equal(t, chat.KindOperationCancelled, slots[1].Err.Kind)

	msgs, err := f.store.ListMessages(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "par", msgs[1].Consensus[0].Content)
}

func TestManager_StreamEndingEarlyIsCancellation(t *testing.T) {
	f := setup(t)
	m := f.manager(f.store, "m1")
	m.Begin()

	ch := events()
	close(ch)
	_, err := m.Run(context.Background(), ch)
	assert.Equal(t, chat.KindOperationCancelled, chat.KindOf(err))
	assert.Equal(t, StateAborted, m.State())
}

func TestManager_SingleModelFallbacks(t *testing.T) {
	tests := []struct {
		name string
		evs  []chat.Event
		want string
	}{
		{
			name: "failure without text",
			evs:  []chat.Event{{Index: 0, Kind: chat.EventError, Err: chat.E(chat.KindInvocationRejected, "invoke m1", errors.New("bad key"))}},
			want: "Error: invoke m1: bad key",
		},
		{
			name: "failure keeps partial text",
			evs: []chat.Event{
				{Index: 0, Kind: chat.EventUpdate, Payload: "half"},
				{Index: 0, Kind: chat.EventError, Err: errors.New("reset")},
			},
			want: "half",
		},
		{
			name: "empty completion",
			evs:  []chat.Event{{Index: 0, Kind: chat.EventComplete}},
			want: NoResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			m := f.manager(f.store, "m1")
			m.Begin()
			st, err := m.Run(context.Background(), events(tt.evs...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.AssistantMessage.Content)
		})
	}
}

func TestManager_StateTransitions(t *testing.T) {
	f := setup(t)
	var m *Manager
	var seen []State
	req := chat.Request{ConversationID: f.conv.ID, UserID: "alice", Prompt: "q", Models: []string{"m1"}}
	m = NewManager(req, f.view, f.store, ManagerOptions{
		Logger: observability.Discard(),
		Sink:   func(wire.Event) { seen = append(seen, m.State()) },
	})
	m.Begin()
	_, err := m.Run(context.Background(), events(
		chat.Event{Index: 0, Kind: chat.EventUpdate, Payload: "x"},
		chat.Event{Index: 0, Kind: chat.EventComplete},
		chat.Event{Index: 0, Kind: chat.EventComplete},
	))
	require.NoError(t, err)
	assert.Equal(t, []State{StateStreaming, StateStreaming, StateSettled}, seen)

	_, err = m.Run(context.Background(), events())
	assert.Equal(t, chat.KindInvalidRequest, chat.KindOf(err))
}

func TestManager_OnResultBeforePersistence(t *testing.T) {
	f := setup(t)
	var stored int
	req := chat.Request{ConversationID: f.conv.ID, UserID: "alice", Prompt: "q", Models: []string{"m1"}}
	m := NewManager(req, f.view, f.store, ManagerOptions{
		Logger: observability.Discard(),
		OnResult: func(res chat.AggregateResult) {
			msgs, _ := f.store.ListMessages(context.Background(), f.conv.ID)
			stored = len(msgs)
			assert.Equal(t, "x", res.Text())
		},
	})
	m.Begin()
	_, err := m.Run(context.Background(), events(
		chat.Event{Index: 0, Kind: chat.EventUpdate, Payload: "x"},
		chat.Event{Index: 0, Kind: chat.EventComplete},
	))
	require.NoError(t, err)
	assert.Equal(t, 0, stored)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "finalizing", StateFinalizing.String())
	assert.Equal(t, "state(9)", State(9).String())
}
