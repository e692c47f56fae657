// Package sessions persists per-actor, in-progress review state in a local
// badger key-value store keyed by actor id. Session state is explicit context
// handed to each handler call, never ambient globals, and holds no lock on the
// loan store: the gap between opening a review and deciding is closed by
// re-validation, not by locking.
package sessions

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoSession is returned when the actor has no review in progress.
var ErrNoSession = errors.New("no session for actor")

// Review is one approver's in-progress "list pending → pick one → act"
// interaction. PendingIDs snapshots the loan ids surfaced to the approver;
// SelectedID is zero until a loan is picked.
type Review struct {
	PendingIDs []uint    `json:"pending_ids"`
	SelectedID uint      `json:"selected_id"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Contains reports whether the loan id was in the surfaced snapshot.
func (r *Review) Contains(loanID uint) bool {
	for _, id := range r.PendingIDs {
		if id == loanID {
			return true
		}
	}
	return false
}

// Store is a badger-backed session store.
type Store struct {
	db *badger.DB
}

// Open opens the store at dir. An empty dir opens an in-memory store, used by
// tests and by deployments that do not need sessions to survive restarts.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func sessionKey(actorID int64) []byte {
	return []byte("review/" + strconv.FormatInt(actorID, 10))
}

func (s *Store) Put(actorID int64, review *Review) error {
	val, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("encode session for actor %d: %w", actorID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(actorID), val)
	})
}

func (s *Store) Get(actorID int64) (*Review, error) {
	var review Review
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(actorID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &review)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	return &review, nil
}

// Delete discards the actor's session. Deleting an absent session is a no-op.
func (s *Store) Delete(actorID int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(actorID))
	})
}
