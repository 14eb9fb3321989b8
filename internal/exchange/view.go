// Package exchange runs one prompt through the multiplexer and aggregator,
// keeps the consumer-facing view of the conversation current, and persists
// the outcome.
package exchange

import (
	"slices"
	"sync"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
)

// Entry is one message as the consumer sees it. An entry is optimistic until
// its durable record replaces it.
type Entry struct {
	// ID is a local id while optimistic and the record id once durable.
	ID        string
	Role      chat.Role
	Content   string
	Slots     []chat.ModelSlot
	Durable   bool
	Streaming bool
	Message   *chat.Message
}

// durableEntry builds the entry that replaces an optimistic one.
func durableEntry(m chat.Message) Entry {
	mc := m
	return Entry{
		ID:      m.ID,
		Role:    m.Role,
		Content: m.Content,
		Durable: true,
		Message: &mc,
	}
}

func (e Entry) clone() Entry {
	e.Slots = slices.Clone(e.Slots)
	if e.Message != nil {
		m := *e.Message
		m.Consensus = slices.Clone(m.Consensus)
		m.Attachments = slices.Clone(m.Attachments)
		e.Message = &m
	}
	return e
}

// Notice is a failure surfaced next to the content rather than in place of
// it.
type Notice struct {
	Kind    chat.Kind
	Message string
	At      time.Time
}

// View is the ordered message list of one conversation plus its title and
// notices. Every mutation is a short critical section; nothing holds the
// lock across I/O.
type View struct {
	mu      sync.Mutex
	convID  string
	title   string
	entries []Entry
	notices []Notice
	version uint64
}

// NewView creates an empty view for a conversation.
func NewView(conversationID, title string) *View {
	return &View{convID: conversationID, title: title}
}

// ConversationID returns the id the view belongs to.
func (v *View) ConversationID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convID
}

// Load replaces the entries with durable messages, oldest first.
func (v *View) Load(msgs []chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = v.entries[:0]
	for _, m := range msgs {
		v.entries = append(v.entries, durableEntry(m))
	}
	v.changed()
}

// Entries returns a copy of the current entries.
func (v *View) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.clone()
	}
	return out
}

// Entry returns a copy of the entry with id.
func (v *View) Entry(id string) (Entry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i := v.index(id); i >= 0 {
		return v.entries[i].clone(), true
	}
	return Entry{}, false
}

// Append adds entries at the end.
func (v *View) Append(entries ...Entry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range entries {
		v.entries = append(v.entries, e.clone())
	}
	v.changed()
}

// Update applies fn to the entry with id. It reports false when the entry is
// gone.
func (v *View) Update(id string, fn func(*Entry)) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(id)
	if i < 0 {
		return false
	}
	fn(&v.entries[i])
	v.changed()
	return true
}

// Replace swaps the entry with id for e in place. Observers see either the
// old entry or the new one, never both or neither.
func (v *View) Replace(id string, e Entry) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(id)
	if i < 0 {
		return false
	}
	v.entries[i] = e.clone()
	v.changed()
	return true
}

// Remove deletes the entries with the given ids.
func (v *View) Remove(ids ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.entries)
	v.entries = slices.DeleteFunc(v.entries, func(e Entry) bool {
		return slices.Contains(ids, e.ID)
	})
	if len(v.entries) != n {
		v.changed()
	}
}

// Title returns the conversation title.
func (v *View) Title() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.title
}

// SetTitle sets the title. Setting the current title again is a no-op and
// reports false.
func (v *View) SetTitle(title string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if title == v.title {
		return false
	}
	v.title = title
	v.changed()
	return true
}

// AddNotice records a notice.
func (v *View) AddNotice(n Notice) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n.At.IsZero() {
		n.At = time.Now()
	}
	v.notices = append(v.notices, n)
	v.changed()
}

// Notices returns a copy of the recorded notices.
func (v *View) Notices() []Notice {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.notices)
}

// Version increases on every change.
func (v *View) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

// changed must be called with v.mu held.
func (v *View) changed() {
	v.version++
}

// index must be called with v.mu held.
func (v *View) index(id string) int {
	return slices.IndexFunc(v.entries, func(e Entry) bool { return e.ID == id })
}
