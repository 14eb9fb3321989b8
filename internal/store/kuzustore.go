//go:build cgo

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	kuzu "github.com/kuzudb/go-kuzu"
)

// KuzuStore implements Store on KuzuDB. Conversations and messages are node
// tables joined by HAS_MESSAGE edges. It requires CGO because the go-kuzu
// driver wraps KuzuDB's C library.
//
// A Kuzu connection is not safe for concurrent use, so every call holds sem.
type KuzuStore struct {
	sem  chan struct{}
	db   *kuzu.Database
	conn *kuzu.Connection
}

// Compile-time check that KuzuStore satisfies Store.
var _ Store = (*KuzuStore)(nil)

// NewKuzuStore creates a KuzuStore backed by an in-memory KuzuDB instance.
func NewKuzuStore() (*KuzuStore, error) {
	return openKuzu(":memory:")
}

// NewKuzuFileStore creates a KuzuStore backed by a KuzuDB directory at
// dbPath. KuzuDB creates the leaf directory itself.
func NewKuzuFileStore(dbPath string) (*KuzuStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("kuzu: create parent directory: %w", err)
	}
	return openKuzu(dbPath)
}

func openKuzu(path string) (*KuzuStore, error) {
	cfg := kuzu.DefaultSystemConfig()
	db, err := kuzu.OpenDatabase(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("kuzu: open database: %w", err)
	}
	conn, err := kuzu.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kuzu: open connection: %w", err)
	}
	return &KuzuStore{sem: make(chan struct{}, 1), db: db, conn: conn}, nil
}

// lock acquires the connection or gives up when ctx is done.
func (s *KuzuStore) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *KuzuStore) unlock() { <-s.sem }

// Close releases the KuzuDB connection and database.
func (s *KuzuStore) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// ---------- Schema setup ----------

// ddlStatements defines the Cypher DDL executed by InitSchema.
// Timestamps are stored as Unix microseconds.
var ddlStatements = []string{
	`CREATE NODE TABLE IF NOT EXISTS Conversation(
		id STRING,
		user_id STRING,
		title STRING,
		model STRING,
		created_at INT64,
		updated_at INT64,
		PRIMARY KEY(id)
	)`,
	`CREATE NODE TABLE IF NOT EXISTS Message(
		id STRING,
		conversation_id STRING,
		role STRING,
		content STRING,
		consensus STRING,
		attachments STRING,
		created_at INT64,
		updated_at INT64,
		PRIMARY KEY(id)
	)`,
	`CREATE REL TABLE IF NOT EXISTS HAS_MESSAGE(FROM Conversation TO Message)`,
}

// InitSchema creates the node and relationship tables if they do not exist.
func (s *KuzuStore) InitSchema(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return persistErr("init schema", err)
	}
	defer s.unlock()

	for _, stmt := range ddlStatements {
		res, err := s.conn.Query(stmt)
		if err != nil {
			return persistErr("init schema", fmt.Errorf("kuzu: %w", err))
		}
		res.Close()
	}
	return nil
}

// ---------- Conversations ----------

const conversationColumns = "c.id, c.user_id, c.title, c.model, c.created_at, c.updated_at"

func (s *KuzuStore) CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error) {
	conv, err := prepareConversation(conv)
	if err != nil {
		return chat.Conversation{}, err
	}
	if err := s.lock(ctx); err != nil {
		return chat.Conversation{}, persistErr("create conversation", err)
	}
	defer s.unlock()

	err = s.exec(
		`CREATE (c:Conversation {
			id: $id, user_id: $user, title: $title, model: $model,
			created_at: $created, updated_at: $updated
		})`,
		map[string]any{
			"id":      conv.ID,
			"user":    conv.UserID,
			"title":   conv.Title,
			"model":   conv.Model,
			"created": conv.CreatedAt.UnixMicro(),
			"updated": conv.UpdatedAt.UnixMicro(),
		},
	)
	if err != nil {
		return chat.Conversation{}, persistErr("create conversation", err)
	}
	return conv, nil
}

func (s *KuzuStore) GetConversation(ctx context.Context, owner, id string) (chat.Conversation, error) {
	if err := s.lock(ctx); err != nil {
		return chat.Conversation{}, persistErr("get conversation", err)
	}
	defer s.unlock()
	return s.owned(owner, id, "get conversation")
}

// owned must be called with the lock held.
func (s *KuzuStore) owned(owner, id, op string) (chat.Conversation, error) {
	conv, ok, err := s.conversation(id)
	if err != nil {
		return chat.Conversation{}, persistErr(op, err)
	}
	if !ok {
		return chat.Conversation{}, notFound(op, "conversation", id)
	}
	if err := checkOwner(conv, owner, op); err != nil {
		return chat.Conversation{}, err
	}
	return conv, nil
}

func (s *KuzuStore) conversation(id string) (chat.Conversation, bool, error) {
	rows, err := s.query(
		"MATCH (c:Conversation {id: $id}) RETURN "+conversationColumns,
		map[string]any{"id": id},
	)
	if err != nil || len(rows) == 0 {
		return chat.Conversation{}, false, err
	}
	return rowToConversation(rows[0]), true, nil
}

func (s *KuzuStore) ListConversations(ctx context.Context, owner string) ([]chat.Conversation, error) {
	if err := s.lock(ctx); err != nil {
		return nil, persistErr("list conversations", err)
	}
	defer s.unlock()

	rows, err := s.query(
		"MATCH (c:Conversation) WHERE c.user_id = $user RETURN "+conversationColumns+" ORDER BY c.updated_at DESC",
		map[string]any{"user": owner},
	)
	if err != nil {
		return nil, persistErr("list conversations", err)
	}
	out := make([]chat.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToConversation(r))
	}
	return out, nil
}

func (s *KuzuStore) UpdateConversationTitle(ctx context.Context, owner, id, title string) (chat.Conversation, error) {
	const op = "update conversation title"
	if err := s.lock(ctx); err != nil {
		return chat.Conversation{}, persistErr(op, err)
	}
	defer s.unlock()

	conv, err := s.owned(owner, id, op)
	if err != nil {
		return chat.Conversation{}, err
	}
	conv.Title = title
	conv.UpdatedAt = stamp()
	err = s.exec(
		"MATCH (c:Conversation {id: $id}) SET c.title = $title, c.updated_at = $updated",
		map[string]any{"id": id, "title": title, "updated": conv.UpdatedAt.UnixMicro()},
	)
	if err != nil {
		return chat.Conversation{}, persistErr(op, err)
	}
	return conv, nil
}

func (s *KuzuStore) DeleteConversation(ctx context.Context, owner, id string) error {
	const op = "delete conversation"
	if err := s.lock(ctx); err != nil {
		return persistErr(op, err)
	}
	defer s.unlock()

	if _, err := s.owned(owner, id, op); err != nil {
		return err
	}
	if err := s.exec(
		"MATCH (c:Conversation {id: $id})-[:HAS_MESSAGE]->(m:Message) DETACH DELETE m",
		map[string]any{"id": id},
	); err != nil {
		return persistErr(op, err)
	}
	if err := s.exec(
		"MATCH (c:Conversation {id: $id}) DETACH DELETE c",
		map[string]any{"id": id},
	); err != nil {
		return persistErr(op, err)
	}
	return nil
}

// ---------- Messages ----------

func (s *KuzuStore) CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	const op = "create message"
	msg, err := prepareMessage(msg)
	if err != nil {
		return chat.Message{}, err
	}
	consensus, err := encodeJSON(msg.Consensus)
	if err != nil {
		return chat.Message{}, persistErr(op, err)
	}
	attachments, err := encodeJSON(msg.Attachments)
	if err != nil {
		return chat.Message{}, persistErr(op, err)
	}

	if err := s.lock(ctx); err != nil {
		return chat.Message{}, persistErr(op, err)
	}
	defer s.unlock()

	if _, ok, err := s.conversation(msg.ConversationID); err != nil {
		return chat.Message{}, persistErr(op, err)
	} else if !ok {
		return chat.Message{}, notFound(op, "conversation", msg.ConversationID)
	}

	if err := s.exec(
		"MATCH (c:Conversation {id: $cid}) SET c.updated_at = $created",
		map[string]any{"cid": msg.ConversationID, "created": msg.CreatedAt.UnixMicro()},
	); err != nil {
		return chat.Message{}, persistErr(op, err)
	}
	err = s.exec(
		`MATCH (c:Conversation {id: $cid})
		 CREATE (c)-[:HAS_MESSAGE]->(m:Message {
			id: $id, conversation_id: $cid, role: $role, content: $content,
			consensus: $consensus, attachments: $attachments,
			created_at: $created, updated_at: $updated
		 })`,
		map[string]any{
			"cid":         msg.ConversationID,
			"id":          msg.ID,
			"role":        string(msg.Role),
			"content":     msg.Content,
			"consensus":   consensus,
			"attachments": attachments,
			"created":     msg.CreatedAt.UnixMicro(),
			"updated":     msg.UpdatedAt.UnixMicro(),
		},
	)
	if err != nil {
		return chat.Message{}, persistErr(op, err)
	}
	return msg, nil
}

func (s *KuzuStore) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	const op = "list messages"
	if err := s.lock(ctx); err != nil {
		return nil, persistErr(op, err)
	}
	defer s.unlock()

	if _, ok, err := s.conversation(conversationID); err != nil {
		return nil, persistErr(op, err)
	} else if !ok {
		return nil, notFound(op, "conversation", conversationID)
	}

	rows, err := s.query(
		`MATCH (c:Conversation {id: $cid})-[:HAS_MESSAGE]->(m:Message)
		 RETURN m.id, m.conversation_id, m.role, m.content, m.consensus, m.attachments, m.created_at, m.updated_at
		 ORDER BY m.created_at ASC`,
		map[string]any{"cid": conversationID},
	)
	if err != nil {
		return nil, persistErr(op, err)
	}
	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		m, err := rowToMessage(r)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// ---------- Internal helpers ----------

// exec runs a parameterized Cypher statement that produces no result rows.
func (s *KuzuStore) exec(cypher string, params map[string]any) error {
	stmt, err := s.conn.Prepare(cypher)
	if err != nil {
		return fmt.Errorf("kuzu: prepare: %w", err)
	}
	defer stmt.Close()

	res, err := s.conn.Execute(stmt, params)
	if err != nil {
		return fmt.Errorf("kuzu: execute: %w", err)
	}
	res.Close()
	return nil
}

// query runs a parameterized Cypher statement and collects all result rows.
// Each row is a []any slice with values in column order.
func (s *KuzuStore) query(cypher string, params map[string]any) ([][]any, error) {
	stmt, err := s.conn.Prepare(cypher)
	if err != nil {
		return nil, fmt.Errorf("kuzu: prepare: %w", err)
	}
	defer stmt.Close()

	res, err := s.conn.Execute(stmt, params)
	if err != nil {
		return nil, fmt.Errorf("kuzu: query: %w", err)
	}
	defer res.Close()

	var rows [][]any
	for res.HasNext() {
		tuple, err := res.Next()
		if err != nil {
			return nil, fmt.Errorf("kuzu: next: %w", err)
		}
		vals, err := tuple.GetAsSlice()
		if err != nil {
			return nil, fmt.Errorf("kuzu: row values: %w", err)
		}
		rows = append(rows, vals)
	}
	return rows, nil
}

// rowToConversation converts a row selected with conversationColumns.
func rowToConversation(r []any) chat.Conversation {
	return chat.Conversation{
		ID:        toString(r[0]),
		UserID:    toString(r[1]),
		Title:     toString(r[2]),
		Model:     toString(r[3]),
		CreatedAt: fromMicros(r[4]),
		UpdatedAt: fromMicros(r[5]),
	}
}

// rowToMessage converts an 8-column message row.
func rowToMessage(r []any) (chat.Message, error) {
	consensus, err := decodeJSON[chat.ConsensusResponse](toString(r[4]))
	if err != nil {
		return chat.Message{}, fmt.Errorf("decode consensus: %w", err)
	}
	attachments, err := decodeJSON[chat.Attachment](toString(r[5]))
	if err != nil {
		return chat.Message{}, fmt.Errorf("decode attachments: %w", err)
	}
	return chat.Message{
		ID:             toString(r[0]),
		ConversationID: toString(r[1]),
		Role:           chat.Role(toString(r[2])),
		Content:        toString(r[3]),
		Consensus:      consensus,
		Attachments:    attachments,
		CreatedAt:      fromMicros(r[6]),
		UpdatedAt:      fromMicros(r[7]),
	}, nil
}

// ---------- Type coercion helpers ----------
// KuzuDB returns typed Go values (int64, string). These helpers safely
// coerce any -> concrete type.

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func fromMicros(v any) time.Time {
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int32:
		n = int64(x)
	case int:
		n = int64(x)
	}
	return time.UnixMicro(n).UTC()
}
