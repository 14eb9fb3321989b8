// Package store persists conversations and messages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/google/uuid"
)

// Store is the persistence backend for conversations and messages.
// Implementations: MemStore (testing, local mode), GormStore (SQLite/MySQL)
// and KuzuStore (graph, cgo only).
//
// Methods taking an owner verify that the conversation belongs to that user
// and fail with a chat.KindUnauthorized error otherwise. Missing records fail
// with chat.KindNotFound. Storage failures carry chat.KindPersistenceFailure.
type Store interface {
	io.Closer

	// InitSchema creates tables if they do not exist. Safe to call twice.
	InitSchema(ctx context.Context) error

	// CreateConversation stores conv, assigning an id, timestamps and the
	// default title when they are empty.
	CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error)
	GetConversation(ctx context.Context, owner, id string) (chat.Conversation, error)
	// ListConversations returns the owner's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, owner string) ([]chat.Conversation, error)
	UpdateConversationTitle(ctx context.Context, owner, id, title string) (chat.Conversation, error)
	// DeleteConversation removes the conversation and its messages.
	DeleteConversation(ctx context.Context, owner, id string) error

	// CreateMessage appends msg to its conversation and bumps the
	// conversation's UpdatedAt.
	CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	// ListMessages returns the conversation's messages, oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

var (
	clockMu   sync.Mutex
	lastStamp time.Time
)

// stamp returns the current UTC time at microsecond precision, strictly
// after any previous stamp, so records created in sequence sort in
// sequence on every backend.
func stamp() time.Time {
	clockMu.Lock()
	defer clockMu.Unlock()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(lastStamp) {
		now = lastStamp.Add(time.Microsecond)
	}
	lastStamp = now
	return now
}

func prepareConversation(conv chat.Conversation) (chat.Conversation, error) {
	if conv.UserID == "" {
		return conv, chat.E(chat.KindInvalidRequest, "create conversation", errors.New("user id is required"))
	}
	if conv.ID == "" {
		conv.ID = NewID()
	}
	if strings.TrimSpace(conv.Title) == "" {
		conv.Title = chat.DefaultTitle
	}
	now := stamp()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	return conv, nil
}

func prepareMessage(msg chat.Message) (chat.Message, error) {
	if msg.ConversationID == "" {
		return msg, chat.E(chat.KindInvalidRequest, "create message", errors.New("conversation id is required"))
	}
	if !msg.Role.Valid() {
		return msg, chat.E(chat.KindInvalidRequest, "create message", fmt.Errorf("invalid role %q", msg.Role))
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	now := stamp()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	return msg, nil
}

// checkOwner maps an ownership mismatch to Unauthorized.
func checkOwner(conv chat.Conversation, owner, op string) error {
	if conv.UserID != owner {
		return chat.E(chat.KindUnauthorized, op, fmt.Errorf("conversation %s does not belong to the requesting user", conv.ID))
	}
	return nil
}

func notFound(op, what, id string) error {
	return chat.E(chat.KindNotFound, op, fmt.Errorf("%s %q not found", what, id))
}

func persistErr(op string, err error) error {
	return chat.E(chat.KindPersistenceFailure, op, err)
}

// encodeJSON marshals v for a text column; nil and empty slices encode as "".
func encodeJSON[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON[T any](s string) ([]T, error) {
	if s == "" {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func errExists(what, id string) error {
	return fmt.Errorf("%s %q already exists", what, id)
}
