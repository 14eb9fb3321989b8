package exchange

import (
	"sync"

	"github.com/dusk-indust/consensus/internal/chat"
)

// Registry holds one View per conversation while exchanges use it.
// Exchanges in different conversations share nothing but the registry
// lookup. A view is dropped when its last exchange releases it, so the next
// exchange loads it fresh from the store.
type Registry struct {
	mu    sync.Mutex
	views map[string]*openView
}

type openView struct {
	view *View
	refs int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{views: make(map[string]*openView)}
}

// Open returns the view of conv, creating it from msgs when no exchange has
// it open. Every Open must be paired with a Release.
func (r *Registry) Open(conv chat.Conversation, msgs []chat.Message) *View {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.views[conv.ID]; ok {
		o.refs++
		return o.view
	}
	v := NewView(conv.ID, conv.Title)
	v.Load(msgs)
	r.views[conv.ID] = &openView{view: v, refs: 1}
	return v
}

// Release gives back a view obtained from Open. A view that was forgotten
// or replaced in the meantime is ignored.
func (r *Registry) Release(v *View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := v.ConversationID()
	o, ok := r.views[id]
	if !ok || o.view != v {
		return
	}
	if o.refs--; o.refs <= 0 {
		delete(r.views, id)
	}
}

// Get returns the view of a conversation, if one is open.
func (r *Registry) Get(conversationID string) (*View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.views[conversationID]
	if !ok {
		return nil, false
	}
	return o.view, true
}

// Forget drops the view of a conversation regardless of open exchanges.
func (r *Registry) Forget(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.views, conversationID)
}

// Len returns the number of open views.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}
