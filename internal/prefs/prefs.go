// Package prefs persists per-user model preferences: the model or model set
// a user dispatched with last.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/dusk-indust/consensus/internal/chat"
)

// Preferences are the remembered model choices of one user.
type Preferences struct {
	Model           string   `json:"model,omitempty"`
	ConsensusModels []string `json:"consensus_models,omitempty"`
}

// IsZero reports whether nothing has been recorded.
func (p Preferences) IsZero() bool {
	return p.Model == "" && len(p.ConsensusModels) == 0
}

// Record returns p updated with the models used by one dispatch.
func (p Preferences) Record(models []string) Preferences {
	switch len(models) {
	case 0:
	case 1:
		p.Model = models[0]
	default:
		p.ConsensusModels = slices.Clone(models)
	}
	return p
}

// Store loads and saves preferences by user id. Load of an unknown user
// returns zero Preferences and no error.
type Store interface {
	io.Closer
	Load(ctx context.Context, userID string) (Preferences, error)
	Save(ctx context.Context, userID string, p Preferences) error
}

// BadgerStore keeps preferences in BadgerDB under "prefs:<user>" keys.
type BadgerStore struct {
	db *badger.DB
}

// Compile-time check that BadgerStore satisfies Store.
var _ Store = (*BadgerStore)(nil)

// Option configures a BadgerStore.
type Option func(*badger.Options)

// WithLogger routes badger's internal logging to l.
func WithLogger(l *slog.Logger) Option {
	return func(o *badger.Options) {
		*o = o.WithLogger(badgerLogger{l: l})
	}
}

// Open opens a BadgerStore in dir. An empty dir opens an in-memory database
// that is lost on Close.
func Open(dir string, opts ...Option) (*BadgerStore, error) {
	o := badger.DefaultOptions(dir)
	if dir == "" {
		o = o.WithInMemory(true)
	}
	o = o.WithLogger(badgerLogger{l: slog.New(slog.DiscardHandler)})
	for _, opt := range opts {
		opt(&o)
	}
	db, err := badger.Open(o)
	if err != nil {
		return nil, fmt.Errorf("prefs: open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func key(userID string) []byte {
	return []byte("prefs:" + userID)
}

// Load returns the user's preferences.
func (s *BadgerStore) Load(_ context.Context, userID string) (Preferences, error) {
	var p Preferences
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Preferences{}, nil
	}
	if err != nil {
		return Preferences{}, chat.E(chat.KindPersistenceFailure, "prefs: load", err)
	}
	return p, nil
}

// Save overwrites the user's preferences.
func (s *BadgerStore) Save(_ context.Context, userID string, p Preferences) error {
	if userID == "" {
		return chat.E(chat.KindInvalidRequest, "prefs: save", errors.New("user id is required"))
	}
	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("prefs: encode: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(userID), val)
	})
	if err != nil {
		return chat.E(chat.KindPersistenceFailure, "prefs: save", err)
	}
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger adapts slog to badger.Logger. Badger's info chatter is
// demoted to debug.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, args ...any) {
	b.l.Error(trim(f, args), "component", "badger")
}

func (b badgerLogger) Warningf(f string, args ...any) {
	b.l.Warn(trim(f, args), "component", "badger")
}

func (b badgerLogger) Infof(f string, args ...any) {
	b.l.Debug(trim(f, args), "component", "badger")
}

func (b badgerLogger) Debugf(f string, args ...any) {
	b.l.Debug(trim(f, args), "component", "badger")
}

func trim(f string, args []any) string {
	return strings.TrimSpace(fmt.Sprintf(f, args...))
}
