package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/config"
	"github.com/dusk-indust/consensus/internal/invoker"
	"github.com/dusk-indust/consensus/internal/observability"
	"github.com/dusk-indust/consensus/internal/prefs"
	"github.com/dusk-indust/consensus/internal/store"
	"github.com/dusk-indust/consensus/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc    *Service
	script *invoker.Script
	store  store.Store
	prefs  *prefs.BadgerStore
}

func newHarness(t *testing.T, st store.Store, replies map[string]invoker.Reply) *harness {
	t.Helper()
	script := invoker.NewScript(replies)
	pf, err := prefs.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Close() })

	svc := NewService(invoker.WithTimeout(script, 200*time.Millisecond), st, pf, Options{
		Defaults: config.Defaults{
			Model:           "m1",
			ConsensusModels: []string{"m1", "m2"},
			TitleModel:      "titler",
		},
		MaxModels:      4,
		PersistTimeout: time.Second,
		TitleTimeout:   time.Second,
		Logger:         observability.Discard(),
	})
	return &harness{svc: svc, script: script, store: st, prefs: pf}
}

func TestService_ScenarioA_NewConversation(t *testing.T) {
	h := newHarness(t, store.NewMemStore(), map[string]invoker.Reply{
		"m1":     {Fragments: []string{"Hello", " world"}},
		"titler": {Fragments: []string{"Greeting Test"}},
	})
	rec := &recorder{}
	ctx := context.Background()

	st, err := h.svc.Dispatch(ctx, "alice", DispatchRequest{Prompt: "Say hello", Model: "m1"}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, st.State)
	assert.Equal(t, "Hello world", st.Content)

	convID := st.AssistantMessage.ConversationID
	conv, err := h.store.GetConversation(ctx, "alice", convID)
	require.NoError(t, err)
	assert.Equal(t, "m1", conv.Model)
	assert.Equal(t, "Greeting Test", conv.Title)

	msgs, err := h.store.ListMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Say hello", msgs[0].Content)
	assert.Equal(t, "Hello world", msgs[1].Content)

	types := rec.types()
	assert.Contains(t, types, wire.TypeFinal)
	assert.Contains(t, types, wire.TypeTitleUpdate)
	for _, ev := range rec.all() {
		assert.Equal(t, convID, ev.ConversationID)
		if ev.Type == wire.TypeTitleUpdate {
			assert.Equal(t, "Greeting Test", ev.Title)
		}
	}

	v := st.View
	require.NotNil(t, v)
	assert.Equal(t, "Greeting Test", v.Title())
	require.Len(t, v.Entries(), 2)
	_, open := h.svc.View(convID)
	assert.False(t, open, "settled exchange releases its view")
	assert.Zero(t, h.svc.registry.Len())

	p, err := h.prefs.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "m1", p.Model)
}

func TestService_ScenarioB_TimeoutIsolated(t *testing.T) {
	h := newHarness(t, store.NewMemStore(), map[string]invoker.Reply{
		"m1": {Fragments: []string{"A"}},
		"m2": {Fragments: []string{"late"}, Delay: 5 * time.Second},
	})

	st, err := h.svc.Dispatch(context.Background(), "alice", DispatchRequest{Prompt: "q", Models: []string{"m1", "m2"}}, nil)
	require.NoError(t, err)

	slots := st.Result.Slots()
	require.Len(t, slots, 2)
	assert.Equal(t, chat.ModelSlot{Model: "m1", Content: "A", Status: chat.StatusComplete}, withoutTiming(slots[0]))
	assert.Equal(t, "m2", slots[1].Model)
	assert.Empty(t, slots[1].Content)
	assert.Equal(t, chat.StatusFailed, slots[1].Status)
	assert.Equal(t, chat.KindInvocationTimeout, slots[1].Err.Kind)

	conv, err := h.store.GetConversation(context.Background(), "alice", st.AssistantMessage.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "consensus:m1,m2", conv.Model)
	assert.Equal(t, "q", conv.Title, "title model missing, heuristic title used")
}

func withoutTiming(s chat.ModelSlot) chat.ModelSlot {
	s.Elapsed = 0
	return s
}

func TestService_ScenarioC_UnstartableModelKeepsSlot(t *testing.T) {
	h := newHarness(t, store.NewMemStore(), map[string]invoker.Reply{
		"m1": {Fragments: []string{"one"}},
		"m2": {StartErr: &chat.Error{Kind: chat.KindInvocationRejected, StatusCode: 503, Err: errors.New("unreachable")}},
		"m3": {Fragments: []string{"three"}},
	})

	st, err := h.svc.Dispatch(context.Background(), "alice", DispatchRequest{Prompt: "q", Models: []string{"m1", "m2", "m3"}}, nil)
	require.NoError(t, err)

	slots := st.Result.Slots()
	require.Len(t, slots, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{slots[0].Model, slots[1].Model, slots[2].Model})
	assert.Equal(t, chat.StatusFailed, slots[1].Status)
	assert.Equal(t, 503, slots[1].Err.StatusCode)
	assert.Equal(t, "three", slots[2].Content)
	assert.Len(t, st.AssistantMessage.Consensus, 3)
}

func TestService_ScenarioD_PersistenceFailure(t *testing.T) {
	h := newHarness(t, newFailingStore(0), map[string]invoker.Reply{
		"m1": {Fragments: []string{"done"}},
	})
	rec := &recorder{}

	st, err := h.svc.Dispatch(context.Background(), "alice", DispatchRequest{Prompt: "q"}, rec.sink)
	require.Error(t, err)
	assert.Equal(t, chat.KindPersistenceFailure, chat.KindOf(err))
	assert.Equal(t, StateFinalizing, st.State)
	assert.Equal(t, "done", st.Content)

	var final wire.Event
	for _, ev := range rec.all() {
		if ev.Type == wire.TypeFinal {
			final = ev
		}
	}
	assert.Equal(t, "done", final.Content)
	assert.NotEmpty(t, final.Notice)

	require.NotNil(t, st.View)
	assert.Len(t, st.View.Notices(), 1)
	assert.Zero(t, h.svc.registry.Len())
}

func TestService_Unauthorized(t *testing.T) {
	st := store.NewMemStore()
	h := newHarness(t, st, map[string]invoker.Reply{"m1": {Fragments: []string{"x"}}})
	conv := newConversation(t, st, "alice")
	rec := &recorder{}

	_, err := h.svc.Dispatch(context.Background(), "mallory", DispatchRequest{ConversationID: conv.ID, Prompt: "q"}, rec.sink)
	assert.ErrorIs(t, err, chat.ErrUnauthorized)
	assert.Empty(t, rec.all())
	assert.Empty(t, h.script.Calls(), "no model is invoked")

	_, err = h.svc.Dispatch(context.Background(), "", DispatchRequest{Prompt: "q"}, nil)
	assert.ErrorIs(t, err, chat.ErrUnauthorized)
}

func TestService_InvalidRequest(t *testing.T) {
	h := newHarness(t, store.NewMemStore(), nil)
	ctx := context.Background()

	_, err := h.svc.Dispatch(ctx, "alice", DispatchRequest{Prompt: "  "}, nil)
	assert.Equal(t, chat.KindInvalidRequest, chat.KindOf(err))

	_, err = h.svc.Dispatch(ctx, "alice", DispatchRequest{Prompt: "q", Models: []string{"a", "b", "c", "d", "e"}}, nil)
	assert.Equal(t, chat.KindInvalidRequest, chat.KindOf(err))

	_, err = h.svc.Dispatch(ctx, "alice", DispatchRequest{Prompt: "q", Models: []string{"a", ""}}, nil)
	assert.Equal(t, chat.KindInvalidRequest, chat.KindOf(err))

	convs, err := h.store.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, convs, "rejected requests create nothing")
}

func TestService_ModelResolution(t *testing.T) {
	h := newHarness(t, store.NewMemStore(), nil)
	ctx := context.Background()

	assert.Equal(t, []string{"m1"}, h.svc.resolveModels(ctx, "alice", DispatchRequest{}))
	assert.Equal(t, []string{"m1", "m2"}, h.svc.resolveModels(ctx, "alice", DispatchRequest{Consensus: true}))
	assert.Equal(t, []string{"x"}, h.svc.resolveModels(ctx, "alice", DispatchRequest{Model: "x"}))
	assert.Equal(t, []string{"y", "z"}, h.svc.resolveModels(ctx, "alice", DispatchRequest{Model: "x", Models: []string{"y", "z"}}))

	require.NoError(t, h.prefs.Save(ctx, "alice", prefs.Preferences{Model: "p1", ConsensusModels: []string{"p2", "p3"}}))
	assert.Equal(t, []string{"p1"}, h.svc.resolveModels(ctx, "alice", DispatchRequest{}))
	assert.Equal(t, []string{"p2", "p3"}, h.svc.resolveModels(ctx, "alice", DispatchRequest{Consensus: true}))
	assert.Equal(t, []string{"m1"}, h.svc.resolveModels(ctx, "bob", DispatchRequest{}))
}

func TestService_RecordsConsensusPreference(t *testing.T) {
	h := newHarness(t, store.NewMemStore(), map[string]invoker.Reply{
		"a": {Fragments: []string{"1"}},
		"b": {Fragments: []string{"2"}},
	})
	ctx := context.Background()

	_, err := h.svc.Dispatch(ctx, "alice", DispatchRequest{Prompt: "q", Models: []string{"a", "b"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, h.svc.resolveModels(ctx, "alice", DispatchRequest{Consensus: true}))
}

func TestService_SecondExchangeUsesHistoryAndKeepsTitle(t *testing.T) {
	h := newHarness(t, store.NewMemStore(), map[string]invoker.Reply{
		"m1":     {Fragments: []string{"first answer"}},
		"titler": {Fragments: []string{"Opening Title"}},
	})
	ctx := context.Background()

	st, err := h.svc.Dispatch(ctx, "alice", DispatchRequest{Prompt: "first"}, nil)
	require.NoError(t, err)
	convID := st.AssistantMessage.ConversationID

	rec := &recorder{}
	_, err = h.svc.Dispatch(ctx, "alice", DispatchRequest{ConversationID: convID, Prompt: "second"}, rec.sink)
	require.NoError(t, err)
	assert.NotContains(t, rec.types(), wire.TypeTitleUpdate)

	var last invoker.Call
	for _, c := range h.script.Calls() {
		if c.Model == "m1" {
			last = c
		}
	}
	assert.Equal(t, "second", last.Prompt)
	assert.Equal(t, []invoker.Turn{
		{Role: chat.RoleUser, Content: "first"},
		{Role: chat.RoleAssistant, Content: "first answer"},
	}, last.History)

	titlerCalls := 0
	for _, c := range h.script.Calls() {
		if c.Model == "titler" {
			titlerCalls++
		}
	}
	assert.Equal(t, 1, titlerCalls)

	msgs, err := h.store.ListMessages(ctx, convID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestService_CancelBeforeContent(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, store.NewMemStore(), map[string]invoker.Reply{
		"m1": {Fragments: []string{"never"}, Gate: gate},
	})
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}

	type outcome struct {
		st  Settlement
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		st, err := h.svc.Dispatch(ctx, "alice", DispatchRequest{Prompt: "q"}, rec.sink)
		done <- outcome{st, err}
	}()

	require.Eventually(t, func() bool { return len(h.script.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.svc.registry.Len())
	cancel()

	var got outcome
	select {
	case got = <-done:
		assert.Equal(t, chat.KindOperationCancelled, chat.KindOf(got.err))
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancel")
	}

	convs, err := h.store.ListConversations(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := h.store.ListMessages(context.Background(), convs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NotNil(t, got.st.View)
	assert.Empty(t, got.st.View.Entries())
	assert.Zero(t, h.svc.registry.Len(), "aborted exchange releases its view")
	assert.Equal(t, []wire.Type{wire.TypeError}, rec.types())
}

func TestService_CancelAfterPartialContent(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, store.NewMemStore(), map[string]invoker.Reply{
		"m1": {Fragments: []string{"par"}},
		"m2": {Fragments: []string{"never"}, Gate: gate},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := func(ev wire.Event) {
		if ev.Type == wire.TypeUpdate && ev.ModelIndex == 0 {
			cancel()
		}
	}
	st, _ := h.svc.Dispatch(ctx, "alice", DispatchRequest{Prompt: "q", Models: []string{"m1", "m2"}}, sink)

	assert.Equal(t, StateSettled, st.State)
	slots := st.Result.Slots()
	assert.Equal(t, "par", slots[0].Content)
	assert.Equal(t, chat.StatusFailed, slots[1].Status)
	assert.Equal(t, chat.KindOperationCancelled, slots[1].Err.Kind)
	assert.Positive(t, slots[1].Elapsed, "cancelled slot is timed")
	require.Len(t, st.AssistantMessage.Consensus, 2)
	assert.Equal(t, "par", st.AssistantMessage.Consensus[0].Content)
	assert.Equal(t, slots[1].Elapsed.Milliseconds(), st.AssistantMessage.Consensus[1].ResponseTime)
}

func TestService_GenerateTitle(t *testing.T) {
	st := store.NewMemStore()
	h := newHarness(t, st, map[string]invoker.Reply{
		"titler": {Fragments: []string{"Manual Title"}},
	})
	conv := newConversation(t, st, "alice")
	ctx := context.Background()

	got, err := h.svc.GenerateTitle(ctx, "alice", conv.ID, "hello", "hi there")
	require.NoError(t, err)
	assert.Equal(t, "Manual Title", got.Title)

	_, err = h.svc.GenerateTitle(ctx, "mallory", conv.ID, "hello", "")
	assert.ErrorIs(t, err, chat.ErrUnauthorized)

	_, err = h.svc.GenerateTitle(ctx, "alice", conv.ID, "", "")
	assert.Equal(t, chat.KindInvalidRequest, chat.KindOf(err))
}

func TestHistory_ConsensusUsesFirstAnswer(t *testing.T) {
	turns := history([]chat.Message{
		{Role: chat.RoleUser, Content: "q"},
		{Role: chat.RoleAssistant, Consensus: []chat.ConsensusResponse{
			{Model: "m1", Error: "timed out"},
			{Model: "m2", Content: "B"},
		}},
		{Role: chat.RoleAssistant, Content: ""},
	})
	assert.Equal(t, []invoker.Turn{
		{Role: chat.RoleUser, Content: "q"},
		{Role: chat.RoleAssistant, Content: "B"},
	}, turns)
}

func TestService_TitleFailureDoesNotAffectDelivery(t *testing.T) {
	tests := []struct {
		name      string
		store     store.Store
		titler    invoker.Reply
		wantTitle string
	}{
		{
			name:   "store rejects title",
			store:  titleFailStore{store.NewMemStore()},
			titler: invoker.Reply{Fragments: []string{"Greeting"}},
		},
		{
			name:      "title model fails",
			store:     store.NewMemStore(),
			titler:    invoker.Reply{Err: chat.E(chat.KindInvocationRejected, "invoke titler", errors.New("no"))},
			wantTitle: HeuristicTitle("Say hello"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.store, map[string]invoker.Reply{
				"m1":     {Fragments: []string{"Hello"}},
				"titler": tt.titler,
			})
			rec := &recorder{}
			ctx := context.Background()

			st, err := h.svc.Dispatch(ctx, "alice", DispatchRequest{Prompt: "Say hello"}, rec.sink)
			require.NoError(t, err)
			assert.Equal(t, StateSettled, st.State)
			assert.Equal(t, "Hello", st.Content)
			assert.Contains(t, rec.types(), wire.TypeFinal)

			convID := st.AssistantMessage.ConversationID
			msgs, err := h.store.ListMessages(ctx, convID)
			require.NoError(t, err)
			assert.Len(t, msgs, 2)

			var titles []string
			for _, ev := range rec.all() {
				if ev.Type == wire.TypeTitleUpdate {
					titles = append(titles, ev.Title)
				}
			}
			if tt.wantTitle == "" {
				assert.Empty(t, titles)
				return
			}
			assert.Equal(t, []string{tt.wantTitle}, titles)
			conv, err := h.store.GetConversation(ctx, "alice", convID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, conv.Title)
		})
	}
}

func TestService_ConcurrentDispatch(t *testing.T) {
	tests := []struct {
		name             string
		sameConversation bool
		wantMessages     []int
	}{
		{name: "different conversations", wantMessages: []int{2, 2}},
		{name: "same conversation", sameConversation: true, wantMessages: []int{4, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemStore()
			h := newHarness(t, st, map[string]invoker.Reply{
				"m1": {Fragments: []string{"Hel", "lo"}, Delay: 10 * time.Millisecond},
				"m2": {Fragments: []string{"Bon", "jour"}, Delay: 10 * time.Millisecond},
			})
			convs := []chat.Conversation{newConversation(t, st, "alice"), newConversation(t, st, "alice")}
			if tt.sameConversation {
				convs[1] = convs[0]
			}
			reqs := []DispatchRequest{
				{ConversationID: convs[0].ID, Prompt: "first", Model: "m1"},
				{ConversationID: convs[1].ID, Prompt: "second", Model: "m2"},
			}
			want := []string{"Hello", "Bonjour"}

			var wg sync.WaitGroup
			recs := make([]*recorder, len(reqs))
			sts := make([]Settlement, len(reqs))
			errs := make([]error, len(reqs))
			for i, req := range reqs {
				recs[i] = &recorder{}
				wg.Add(1)
				go func() {
					defer wg.Done()
					sts[i], errs[i] = h.svc.Dispatch(context.Background(), "alice", req, recs[i].sink)
				}()
			}
			wg.Wait()

			assert.NotEqual(t, sts[0].ExchangeID, sts[1].ExchangeID)
			for i := range reqs {
				require.NoError(t, errs[i])
				assert.Equal(t, StateSettled, sts[i].State)
				assert.Equal(t, want[i], sts[i].Content)
				assert.Equal(t, convs[i].ID, sts[i].AssistantMessage.ConversationID)
				for _, ev := range recs[i].all() {
					assert.Equal(t, convs[i].ID, ev.ConversationID)
					if ev.Type == wire.TypeUpdate || ev.Type == wire.TypeFinal {
						assert.Equal(t, sts[i].ExchangeID, ev.ExchangeID, "events stay with their exchange")
					}
				}

				msgs, err := h.store.ListMessages(context.Background(), convs[i].ID)
				require.NoError(t, err)
				assert.Len(t, msgs, tt.wantMessages[i])
				contents := make([]string, len(msgs))
				for j, m := range msgs {
					contents[j] = m.Content
				}
				assert.Contains(t, contents, want[i])
			}
			assert.Zero(t, h.svc.registry.Len())
		})
	}
}
