// Package convctx implements the conversation-context store: an
// append-only, size-bounded message log fed to every LLM call. It has
// exactly one writer (the Turn Controller); all other access is
// read-only via Snapshot.
package convctx

import (
	"sync"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

// Store holds a system-pinned, size-bounded conversation history.
// The zero value is not usable; construct with New.
type Store struct {
	mu     sync.Mutex
	system frame.Message
	turns  []frame.Message // strictly alternating user, assistant
	maxN   int             // max non-system messages retained
}

// New creates a Store with the given system prompt and message-count
// bound (N). N must be even (user/assistant pairs); an odd N is rounded
// down to the nearest even number.
func New(systemPrompt string, maxNonSystem int) *Store {
	if maxNonSystem%2 != 0 {
		maxNonSystem--
	}
	if maxNonSystem < 0 {
		maxNonSystem = 0
	}
	return &Store{
		system: frame.Message{Role: "system", Text: systemPrompt},
		maxN:   maxNonSystem,
	}
}

// AppendUser appends a user message. Called by the Turn Controller once
// a transcript is final.
func (s *Store) AppendUser(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, frame.Message{Role: "user", Text: text})
	s.evictLocked()
}

// AppendAssistant appends an assistant message. Called on TTS stop or on
// interruption commit (with text truncated to what was actually spoken).
// An empty string is still appended (it pairs with the preceding user
// turn) but never displaces eviction budget beyond its own pair.
func (s *Store) AppendAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, frame.Message{Role: "assistant", Text: text})
	s.evictLocked()
}

// evictLocked drops the oldest non-system user/assistant pair while the
// log exceeds maxN entries. Must be called with mu held.
func (s *Store) evictLocked() {
	for len(s.turns) > s.maxN {
		drop := 2
		if len(s.turns) < drop {
			drop = len(s.turns)
		}
		s.turns = s.turns[drop:]
	}
}

// Snapshot returns a read-only copy of the full message sequence
// (system message first, then history) for prompt assembly.
func (s *Store) Snapshot() []frame.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame.Message, 0, len(s.turns)+1)
	out = append(out, s.system)
	out = append(out, s.turns...)
	return out
}

// Reset clears history, retaining the system message.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

// Len returns the number of non-system messages currently retained.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}
