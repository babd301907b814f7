// Package store persists subscription checkpoints and moderator sessions in badger.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/models"
)

// ErrStore wraps every read or write failure from the underlying database.
var ErrStore = errors.New("store error")

const (
	checkpointPrefix = "sub_state:"
	sessionPrefix    = "session:"
)

// CheckpointStore is the read/write contract the subscription manager needs.
type CheckpointStore interface {
	Get(ctx context.Context, subscriptionID string) (position int64, ok bool, err error)
	Put(ctx context.Context, subscriptionID string, position int64) error
}

// SessionStore persists one session per moderator identifier.
type SessionStore interface {
	LoadSession(ctx context.Context, identifier string) (*models.Session, error)
	SaveSession(ctx context.Context, identifier string, session *models.Session) error
	DeleteSession(ctx context.Context, identifier string) error
}

type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database at path. An empty path with inMemory set
// keeps everything in RAM, which is what the tests use.
func Open(path string, inMemory bool) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	logging.Info().Str("path", path).Bool("in_memory", inMemory).Msg("store opened")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored position for subscriptionID. ok is false when no
// checkpoint was ever written.
func (s *Store) Get(_ context.Context, subscriptionID string) (int64, bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(checkpointPrefix + subscriptionID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: read checkpoint %s: %v", ErrStore, subscriptionID, err)
	}

	position, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: corrupt checkpoint %s: %v", ErrStore, subscriptionID, err)
	}
	return position, true, nil
}

// Put upserts the checkpoint for subscriptionID.
func (s *Store) Put(_ context.Context, subscriptionID string, position int64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(checkpointPrefix+subscriptionID), []byte(strconv.FormatInt(position, 10)))
	})
	if err != nil {
		return fmt.Errorf("%w: write checkpoint %s: %v", ErrStore, subscriptionID, err)
	}
	return nil
}

// LoadSession returns nil without error when nothing is stored.
func (s *Store) LoadSession(_ context.Context, identifier string) (*models.Session, error) {
	var session *models.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + identifier))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			session = &models.Session{}
			return json.Unmarshal(val, session)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read session: %v", ErrStore, err)
	}
	return session, nil
}

func (s *Store) SaveSession(_ context.Context, identifier string, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(sessionPrefix+identifier), data))
	})
	if err != nil {
		return fmt.Errorf("%w: write session: %v", ErrStore, err)
	}
	return nil
}

func (s *Store) DeleteSession(_ context.Context, identifier string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(sessionPrefix + identifier))
	})
	if err != nil {
		return fmt.Errorf("%w: delete session: %v", ErrStore, err)
	}
	return nil
}
