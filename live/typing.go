package live

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

type typingKey struct {
	userID   string
	memoryID string
}

// TypingEntry is one user actively typing on one target memory.
type TypingEntry struct {
	UserID    string
	MemoryID  string
	CapsuleID string
	Metadata  map[string]string
}

// TypingTracker tracks active typing sessions keyed by (user, memory).
// Repeated keystroke-driven start events for the same pair collapse into one
// entry; stopping an absent pair is a no-op. The session clears the whole
// tracker on disconnect, since a stop event lost with the connection would
// otherwise leave an indicator stuck forever.
type TypingTracker struct {
	entries map[typingKey]TypingEntry
	mu      *sync.RWMutex
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		entries: make(map[typingKey]TypingEntry),
		mu:      &sync.RWMutex{},
	}
}

// SetTyping inserts the (userID, memoryID) entry. Returns true if the entry
// was newly inserted, false if the pair was already typing.
func (t *TypingTracker) SetTyping(userID, memoryID, capsuleID string, metadata map[string]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{userID: userID, memoryID: memoryID}
	if _, exists := t.entries[key]; exists {
		return false
	}
	t.entries[key] = TypingEntry{
		UserID:    userID,
		MemoryID:  memoryID,
		CapsuleID: capsuleID,
		Metadata:  metadata,
	}
	return true
}

// ClearTyping removes the (userID, memoryID) entry. Returns true if an entry
// was removed.
func (t *TypingTracker) ClearTyping(userID, memoryID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{userID: userID, memoryID: memoryID}
	if _, exists := t.entries[key]; !exists {
		return false
	}
	delete(t.entries, key)
	return true
}

// Snapshot returns everyone currently typing on the given memory, sorted by
// user ID, for display as "X is typing".
func (t *TypingTracker) Snapshot(memoryID string) []TypingEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var result []TypingEntry
	for key, entry := range t.entries {
		if key.memoryID == memoryID {
			result = append(result, entry)
		}
	}
	slices.SortFunc(result, func(a, b TypingEntry) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return result
}

func (t *TypingTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *TypingTracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[typingKey]TypingEntry)
}
