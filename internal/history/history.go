// Package history records the steps each session executed as facts in a
// Mangle store.
package history

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/mangle"
)

// stepPredicate is history_step(Session, Seq, Method, Instruction, ActionJSON, TimestampMs).
const (
	stepPredicate = "history_step"
	stepArity     = 6
)

// Store is the process-wide history of every session.
type Store struct {
	facts *mangle.Store
	mu    sync.Mutex
	seq   map[string]int64
}

func NewStore() *Store {
	return &Store{
		facts: mangle.NewStore(),
		seq:   make(map[string]int64),
	}
}

// Append records entry as the next step of sessionID.
func (s *Store) Append(sessionID string, entry automation.HistoryEntry) error {
	actionJSON := ""
	if entry.Action != nil {
		raw, err := json.Marshal(entry.Action)
		if err != nil {
			return fmt.Errorf("encode action: %w", err)
		}
		actionJSON = string(raw)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.seq[sessionID]++
	seq := s.seq[sessionID]
	s.mu.Unlock()

	_, err := s.facts.Add(mangle.Fact{
		Predicate: stepPredicate,
		Args: []interface{}{
			sessionID,
			seq,
			entry.Method,
			entry.Instruction,
			actionJSON,
			entry.Timestamp.UnixMilli(),
		},
	})
	return err
}

// Entries returns the steps of sessionID in execution order.
func (s *Store) Entries(sessionID string) []automation.HistoryEntry {
	facts, err := s.facts.Select(stepPredicate, stepArity, map[int]interface{}{0: sessionID})
	if err != nil {
		log.Printf("history: select %s: %v", sessionID, err)
		return nil
	}

	sort.Slice(facts, func(i, j int) bool {
		return asInt64(facts[i].Args[1]) < asInt64(facts[j].Args[1])
	})

	entries := make([]automation.HistoryEntry, 0, len(facts))
	for _, f := range facts {
		entry := automation.HistoryEntry{
			Method:      asString(f.Args[2]),
			Instruction: asString(f.Args[3]),
			Timestamp:   time.UnixMilli(asInt64(f.Args[5])),
		}
		if raw := asString(f.Args[4]); raw != "" {
			var action map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &action); err == nil {
				entry.Action = action
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// Forget drops every step recorded for sessionID.
func (s *Store) Forget(sessionID string) int {
	s.mu.Lock()
	delete(s.seq, sessionID)
	s.mu.Unlock()

	return s.facts.Retract(func(f mangle.Fact) bool {
		return f.Predicate == stepPredicate && len(f.Args) > 0 && f.Args[0] == sessionID
	})
}

// Log binds the store to one session.
func (s *Store) Log(sessionID string) *Log {
	return &Log{store: s, sessionID: sessionID}
}

// Log is a session-scoped view over a Store.
type Log struct {
	store     *Store
	sessionID string
}

func (l *Log) Append(entry automation.HistoryEntry) {
	if err := l.store.Append(l.sessionID, entry); err != nil {
		log.Printf("history: append %s for %s: %v", entry.Method, l.sessionID, err)
	}
}

func (l *Log) Entries() []automation.HistoryEntry {
	return l.store.Entries(l.sessionID)
}

func (l *Log) Forget() {
	l.store.Forget(l.sessionID)
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
