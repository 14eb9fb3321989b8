package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/store"
	"github.com/dusk-indust/consensus/internal/wire"
	"github.com/stretchr/testify/require"
)

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []wire.Event
}

func (r *recorder) sink(ev wire.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []wire.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Event(nil), r.events...)
}

func (r *recorder) types() []wire.Type {
	var out []wire.Type
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() wire.Event {
	evs := r.all()
	if len(evs) == 0 {
		return wire.Event{}
	}
	return evs[len(evs)-1]
}

// failingStore accepts the first okWrites messages and fails the rest.
type failingStore struct {
	*store.MemStore
	mu       sync.Mutex
	okWrites int
	writes   int
}

func newFailingStore(okWrites int) *failingStore {
	return &failingStore{MemStore: store.NewMemStore(), okWrites: okWrites}
}

func (f *failingStore) CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	f.mu.Lock()
	if f.writes >= f.okWrites {
		f.mu.Unlock()
		return chat.Message{}, chat.E(chat.KindPersistenceFailure, "create message", errors.New("disk full"))
	}
	f.writes++
	f.mu.Unlock()
	return f.MemStore.CreateMessage(ctx, msg)
}

// titleFailStore rejects every title update.
type titleFailStore struct {
	*store.MemStore
}

func (titleFailStore) UpdateConversationTitle(context.Context, string, string, string) (chat.Conversation, error) {
	return chat.Conversation{}, chat.E(chat.KindPersistenceFailure, "update title", errors.New("read-only"))
}

// events returns a buffered channel holding evs. It is left open.
func events(evs ...chat.Event) chan chat.Event {
	ch := make(chan chat.Event, len(evs)+8)
	for _, ev := range evs {
		ch <- ev
	}
	return ch
}

func newConversation(t *testing.T, st store.Store, owner string) chat.Conversation {
	t.Helper()
	conv, err := st.CreateConversation(context.Background(), chat.Conversation{UserID: owner})
	require.NoError(t, err)
	return conv
}
