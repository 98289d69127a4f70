// Package demo implements the try-before-signup chat flow: a local
// session record, a pure state machine over the demo endpoint's
// responses, and the signup handoff once the free questions run out.
package demo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rezzyhealth/rezzy/internal/log"
)

const (
	sessionBucket = "rezzy_demo_session"
	sessionKey    = "session"
)

// Session is the locally persisted demo identity. Remaining is a cached
// server figure, never computed locally.
type Session struct {
	Email     string `json:"email"`
	Remaining int    `json:"remaining"`
}

// SessionStore persists the demo session in a single-file bolt database
// so a returning visitor skips the email prompt.
type SessionStore struct {
	db     *bolt.DB
	logger log.Logger
}

// OpenSessionStore opens (creating if needed) the session database at path.
func OpenSessionStore(path string, logger log.Logger) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &SessionStore{db: db, logger: logger}, nil
}

// Close releases the database file.
func (s *SessionStore) Close() error { return s.db.Close() }

// Load returns the stored session. A missing or corrupted record yields
// the zero session: a damaged local file must degrade to the first-visit
// experience, never to a crash. Corrupted records are cleared on sight so
// the next Load is clean.
func (s *SessionStore) Load() Session {
	var session Session
	corrupted := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(sessionKey))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &session); err != nil {
			corrupted = true
			session = Session{}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("read demo session", "error", err)
		return Session{}
	}
	if corrupted {
		s.logger.Warn("demo session record corrupted, clearing")
		if err := s.Clear(); err != nil {
			s.logger.Warn("clear corrupted demo session", "error", err)
		}
	}
	return session
}

// Save writes the session, replacing any prior record.
func (s *SessionStore) Save(session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(sessionBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionKey), raw)
	})
}

// Clear removes the stored session.
func (s *SessionStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(sessionKey))
	})
}
