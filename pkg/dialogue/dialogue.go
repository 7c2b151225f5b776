// Package dialogue tracks the per-chat /subscribe conversation
package dialogue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

type State string

const (
	Idle          State = "idle"
	AwaitingToken State = "awaiting_token"
	Confirming    State = "confirming"
)

var ErrUnexpectedState = errors.New("unexpected dialogue state")

// Session is the dialogue position of one chat
type Session struct {
	State State  `json:"state"`
	Token string `json:"token,omitempty"`
}

// Store keeps sessions in an in-memory BuntDB. Sessions expire after the
// configured timeout, which returns the chat to Idle.
type Store struct {
	db  *buntdb.DB
	ttl time.Duration
}

func New(ttl time.Duration) (*Store, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open dialogue store: %w", err)
	}

	return &Store{db: db, ttl: ttl}, nil
}

func key(chatID string) string {
	return "dialogue:" + chatID
}

// Current returns the chat's session, Idle when none is active
func (s *Store) Current(chatID string) (Session, error) {
	session := Session{State: Idle}

	err := s.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(key(chatID))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		return json.Unmarshal([]byte(value), &session)
	})
	if err != nil {
		return Session{State: Idle}, fmt.Errorf("failed to read dialogue: %w", err)
	}

	return session, nil
}

// Begin starts a new dialogue, discarding any previous one
func (s *Store) Begin(chatID string) error {
	return s.save(chatID, Session{State: AwaitingToken})
}

// Propose records the token the user typed and asks for confirmation
func (s *Store) Propose(chatID, token string) error {
	return s.transition(chatID, AwaitingToken, func(Session) (Session, bool) {
		return Session{State: Confirming, Token: token}, true
	})
}

// Confirm ends the dialogue and returns the proposed token
func (s *Store) Confirm(chatID string) (string, error) {
	var token string
	err := s.transition(chatID, Confirming, func(current Session) (Session, bool) {
		token = current.Token
		return Session{}, false
	})

	return token, err
}

// Cancel drops the chat's dialogue. It reports whether one was active.
func (s *Store) Cancel(chatID string) (bool, error) {
	var active bool
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key(chatID))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		active = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to cancel dialogue: %w", err)
	}

	return active, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// transition moves from the expected state to the session returned by next.
// When next reports false the session is removed instead.
func (s *Store) transition(chatID string, expected State, next func(Session) (Session, bool)) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		current := Session{State: Idle}

		value, err := tx.Get(key(chatID))
		switch {
		case errors.Is(err, buntdb.ErrNotFound):
		case err != nil:
			return fmt.Errorf("failed to read dialogue: %w", err)
		default:
			if err := json.Unmarshal([]byte(value), &current); err != nil {
				return fmt.Errorf("failed to decode dialogue: %w", err)
			}
		}

		if current.State != expected {
			return fmt.Errorf("%w: %s, want %s", ErrUnexpectedState, current.State, expected)
		}

		session, keep := next(current)
		if !keep {
			_, err = tx.Delete(key(chatID))
			return err
		}

		return s.set(tx, chatID, session)
	})
}

func (s *Store) save(chatID string, session Session) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return s.set(tx, chatID, session)
	})
}

func (s *Store) set(tx *buntdb.Tx, chatID string, session Session) error {
	content, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode dialogue: %w", err)
	}

	var options *buntdb.SetOptions
	if s.ttl > 0 {
		options = &buntdb.SetOptions{Expires: true, TTL: s.ttl}
	}

	if _, _, err = tx.Set(key(chatID), string(content), options); err != nil {
		return fmt.Errorf("failed to store dialogue: %w", err)
	}

	return nil
}
