package live

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// PresenceEntry is one online user plus whatever display metadata the server
// sent with the online event.
type PresenceEntry struct {
	UserID   string
	Metadata map[string]string
}

// PresenceRegistry tracks which users currently have an active realtime
// connection. Set semantics: a userID appears at most once regardless of how
// many online events arrive for it. The registry holds no authority while the
// session is disconnected, so the session clears it on every disconnect.
type PresenceRegistry struct {
	users map[string]map[string]string
	mu    *sync.RWMutex
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		users: make(map[string]map[string]string),
		mu:    &sync.RWMutex{},
	}
}

// MarkOnline records the user as online. Returns true if the user was not
// already present; repeated online events for the same user are no-ops and
// do not overwrite the original metadata.
func (r *PresenceRegistry) MarkOnline(userID string, metadata map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[userID]; exists {
		return false
	}
	r.users[userID] = metadata
	return true
}

// MarkOffline removes the user. Returns true if the user was present.
func (r *PresenceRegistry) MarkOffline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[userID]; !exists {
		return false
	}
	delete(r.users, userID)
	return true
}

func (r *PresenceRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.users[userID]
	return exists
}

// Snapshot returns the current online users, sorted by user ID for stable
// single reads.
func (r *PresenceRegistry) Snapshot() []PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.users) == 0 {
		return nil
	}
	result := make([]PresenceEntry, 0, len(r.users))
	for userID, metadata := range r.users {
		result = append(result, PresenceEntry{
			UserID:   userID,
			Metadata: metadata,
		})
	}
	slices.SortFunc(result, func(a, b PresenceEntry) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return result
}

func (r *PresenceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *PresenceRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[string]map[string]string)
}
