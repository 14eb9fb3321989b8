package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Compile-time check that GormStore satisfies Store.
var _ Store = (*GormStore)(nil)

// conversationRow is the relational form of chat.Conversation.
type conversationRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"size:191;not null;index"`
	Title     string    `gorm:"size:255;not null"`
	Model     string    `gorm:"size:1024"`
	CreatedAt time.Time `gorm:"precision:6"`
	UpdatedAt time.Time `gorm:"precision:6;index"`
}

func (conversationRow) TableName() string { return "conversations" }

// messageRow is the relational form of chat.Message. Consensus and
// Attachments hold JSON arrays, empty when absent.
type messageRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	ConversationID string `gorm:"size:36;not null;index"`
	Role           string `gorm:"size:16;not null"`
	Content        string
	Consensus      string
	Attachments    string
	CreatedAt      time.Time `gorm:"precision:6;index"`
	UpdatedAt      time.Time `gorm:"precision:6"`
}

func (messageRow) TableName() string { return "messages" }

// GormStore implements Store on a relational database through GORM.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens a GormStore on a SQLite file. ":memory:" gives a private
// in-memory database.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return NewGormStore(db), nil
}

// OpenMySQL opens a GormStore on a MySQL-compatible server. The DSN should
// set parseTime=true.
func OpenMySQL(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	return NewGormStore(db), nil
}

// NewGormStore wraps an existing connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// InitSchema migrates the conversation and message tables.
func (s *GormStore) InitSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&conversationRow{}, &messageRow{}); err != nil {
		return persistErr("init schema", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error) {
	conv, err := prepareConversation(conv)
	if err != nil {
		return chat.Conversation{}, err
	}
	row := toConversationRow(conv)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return chat.Conversation{}, persistErr("create conversation", err)
	}
	return conv, nil
}

func (s *GormStore) GetConversation(ctx context.Context, owner, id string) (chat.Conversation, error) {
	row, err := s.ownedRow(ctx, owner, id, "get conversation")
	if err != nil {
		return chat.Conversation{}, err
	}
	return row.toConversation(), nil
}

func (s *GormStore) ownedRow(ctx context.Context, owner, id, op string) (conversationRow, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, notFound(op, "conversation", id)
	}
	if err != nil {
		return row, persistErr(op, err)
	}
	if err := checkOwner(row.toConversation(), owner, op); err != nil {
		return row, err
	}
	return row, nil
}

func (s *GormStore) ListConversations(ctx context.Context, owner string) ([]chat.Conversation, error) {
	var rows []conversationRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", owner).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, persistErr("list conversations", err)
	}
	out := make([]chat.Conversation, len(rows))
	for i, r := range rows {
		out[i] = r.toConversation()
	}
	return out, nil
}

func (s *GormStore) UpdateConversationTitle(ctx context.Context, owner, id, title string) (chat.Conversation, error) {
	row, err := s.ownedRow(ctx, owner, id, "update conversation title")
	if err != nil {
		return chat.Conversation{}, err
	}
	row.Title = title
	row.UpdatedAt = stamp()
	err = s.db.WithContext(ctx).Model(&conversationRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": row.Title, "updated_at": row.UpdatedAt}).Error
	if err != nil {
		return chat.Conversation{}, persistErr("update conversation title", err)
	}
	return row.toConversation(), nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, owner, id string) error {
	if _, err := s.ownedRow(ctx, owner, id, "delete conversation"); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&conversationRow{}).Error
	})
	if err != nil {
		return persistErr("delete conversation", err)
	}
	return nil
}

func (s *GormStore) CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	msg, err := prepareMessage(msg)
	if err != nil {
		return chat.Message{}, err
	}
	row, err := toMessageRow(msg)
	if err != nil {
		return chat.Message{}, persistErr("create message", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&conversationRow{}).
			Where("id = ?", msg.ConversationID).
			Update("updated_at", msg.CreatedAt)
		if res.Error != nil {
			return persistErr("create message", res.Error)
		}
		if res.RowsAffected == 0 {
			return notFound("create message", "conversation", msg.ConversationID)
		}
		if err := tx.Create(&row).Error; err != nil {
			return persistErr("create message", err)
		}
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", conversationID).Count(&count).Error; err != nil {
		return nil, persistErr("list messages", err)
	}
	if count == 0 {
		return nil, notFound("list messages", "conversation", conversationID)
	}

	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, persistErr("list messages", err)
	}
	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, persistErr("list messages", fmt.Errorf("decode message %s: %w", r.ID, err))
		}
		out = append(out, m)
	}
	return out, nil
}

func toConversationRow(c chat.Conversation) conversationRow {
	return conversationRow{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		Model:     c.Model,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (r conversationRow) toConversation() chat.Conversation {
	return chat.Conversation{
		ID:        r.ID,
		UserID:    r.UserID,
		Title:     r.Title,
		Model:     r.Model,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func toMessageRow(m chat.Message) (messageRow, error) {
	consensus, err := encodeJSON(m.Consensus)
	if err != nil {
		return messageRow{}, fmt.Errorf("encode consensus: %w", err)
	}
	attachments, err := encodeJSON(m.Attachments)
	if err != nil {
		return messageRow{}, fmt.Errorf("encode attachments: %w", err)
	}
	return messageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		Consensus:      consensus,
		Attachments:    attachments,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}

func (r messageRow) toMessage() (chat.Message, error) {
	consensus, err := decodeJSON[chat.ConsensusResponse](r.Consensus)
	if err != nil {
		return chat.Message{}, err
	}
	attachments, err := decodeJSON[chat.Attachment](r.Attachments)
	if err != nil {
		return chat.Message{}, err
	}
	return chat.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           chat.Role(r.Role),
		Content:        r.Content,
		Consensus:      consensus,
		Attachments:    attachments,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}, nil
}
