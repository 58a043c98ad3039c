// Package history persists per-user conversation logs. Each user owns one
// JSON file that is read at the start of a turn and rewritten in full at the
// end. The stored log never contains the system prompt; it is re-derived
// every turn and prepended only in memory.
//
// History grows without bound across turns. That is a deliberate, documented
// contract of the current design, not an oversight; truncation or
// summarization would change observable model behavior.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Message is one role-tagged conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store reads and writes per-user history files. Turns for the same user are
// serialized through a per-user mutex so a concurrent read-modify-write
// cannot lose entries; turns for different users never contend.
type Store struct {
	dir   string
	log   *slog.Logger
	locks sync.Map // userID -> *sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history dir %s: %w", dir, err)
	}
	return &Store{
		dir: dir,
		log: slog.With("component", "history"),
	}, nil
}

func (s *Store) userLock(userID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Lock acquires the per-user turn lock. The caller must invoke the returned
// function when the turn is done.
func (s *Store) Lock(userID string) func() {
	mu := s.userLock(userID)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) path(userID string) string {
	return filepath.Join(s.dir, userID+"_history.json")
}

// Load returns the stored conversation for userID. A missing file is an
// empty history; a corrupt file is logged and treated as empty rather than
// failing the turn.
func (s *Store) Load(userID string) []Message {
	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("could not read history file", "user_id", userID, "error", err)
		}
		return nil
	}

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.log.Warn("corrupt history file, starting empty", "user_id", userID, "error", err)
		return nil
	}
	s.log.Debug("history loaded", "user_id", userID, "messages", len(msgs))
	return msgs
}

// Save rewrites the user's full history file.
func (s *Store) Save(userID string, msgs []Message) error {
	data, err := json.MarshalIndent(msgs, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal history for %s: %w", userID, err)
	}
	if err := os.WriteFile(s.path(userID), data, 0644); err != nil {
		return fmt.Errorf("write history for %s: %w", userID, err)
	}
	s.log.Debug("history saved", "user_id", userID, "messages", len(msgs))
	return nil
}
