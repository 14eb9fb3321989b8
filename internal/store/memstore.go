package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dusk-indust/consensus/internal/chat"
)

// Compile-time check that MemStore satisfies Store.
var _ Store = (*MemStore)(nil)

// MemStore is a concurrency-safe in-memory Store. Conversations are kept in
// a map keyed by id; messages per conversation are kept in insertion order.
// Every read returns a deep copy that is safe to mutate.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*chat.Conversation
	messages      map[string][]chat.Message // conversation id -> messages
}

// NewMemStore returns an initialized MemStore ready for use.
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[string]*chat.Conversation),
		messages:      make(map[string][]chat.Message),
	}
}

// InitSchema is a no-op for the in-memory store.
func (s *MemStore) InitSchema(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }

// CreateConversation stores a new conversation. It fails if the id is taken.
func (s *MemStore) CreateConversation(_ context.Context, conv chat.Conversation) (chat.Conversation, error) {
	conv, err := prepareConversation(conv)
	if err != nil {
		return chat.Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return chat.Conversation{}, persistErr("create conversation", errExists("conversation", conv.ID))
	}
	stored := conv
	s.conversations[conv.ID] = &stored
	return conv, nil
}

// GetConversation returns a copy of the conversation after checking owner.
func (s *MemStore) GetConversation(_ context.Context, owner, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owned(owner, id, "get conversation")
}

// owned must be called with s.mu held.
func (s *MemStore) owned(owner, id, op string) (chat.Conversation, error) {
	c, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, notFound(op, "conversation", id)
	}
	if err := checkOwner(*c, owner, op); err != nil {
		return chat.Conversation{}, err
	}
	return *c, nil
}

// ListConversations returns the owner's conversations, newest activity first.
func (s *MemStore) ListConversations(_ context.Context, owner string) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []chat.Conversation{}
	for _, c := range s.conversations {
		if c.UserID == owner {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// UpdateConversationTitle sets the title after checking owner.
func (s *MemStore) UpdateConversationTitle(_ context.Context, owner, id, title string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.owned(owner, id, "update conversation title"); err != nil {
		return chat.Conversation{}, err
	}
	c := s.conversations[id]
	c.Title = title
	c.UpdatedAt = stamp()
	return *c, nil
}

// DeleteConversation removes the conversation and its messages.
func (s *MemStore) DeleteConversation(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.owned(owner, id, "delete conversation"); err != nil {
		return err
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

// CreateMessage appends a message to an existing conversation.
func (s *MemStore) CreateMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	msg, err := prepareMessage(msg)
	if err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return chat.Message{}, notFound("create message", "conversation", msg.ConversationID)
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], deepCopyMessage(msg))
	c.UpdatedAt = msg.CreatedAt
	return msg, nil
}

// ListMessages returns copies of the conversation's messages in insertion
// order.
func (s *MemStore) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, notFound("list messages", "conversation", conversationID)
	}
	src := s.messages[conversationID]
	out := make([]chat.Message, len(src))
	for i, m := range src {
		out[i] = deepCopyMessage(m)
	}
	return out, nil
}

// deepCopyMessage returns a copy of src whose slices are independent.
func deepCopyMessage(src chat.Message) chat.Message {
	dst := src
	if src.Consensus != nil {
		dst.Consensus = make([]chat.ConsensusResponse, len(src.Consensus))
		copy(dst.Consensus, src.Consensus)
	}
	if src.Attachments != nil {
		dst.Attachments = make([]chat.Attachment, len(src.Attachments))
		copy(dst.Attachments, src.Attachments)
	}
	return dst
}
