package live

import (
	"sync"

	"golang.org/x/exp/slices"
)

type set map[string]struct{}

// RoomTracker records which capsule rooms the view layer wants to be joined
// to. The desired set survives disconnects: the session replays it in full
// after every successful reconnect. Joining an already-desired room is a
// no-op, so a replay never produces duplicate join messages.
type RoomTracker struct {
	rooms set
	mu    *sync.RWMutex
}

func NewRoomTracker() *RoomTracker {
	return &RoomTracker{
		rooms: make(set),
		mu:    &sync.RWMutex{},
	}
}

// Add marks the room as desired. Returns true if the room was not already
// in the set, and false otherwise.
func (t *RoomTracker) Add(capsuleID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.rooms[capsuleID]; exists {
		return false
	}
	t.rooms[capsuleID] = struct{}{}
	return true
}

// Remove drops the room from the desired set. Returns true if it was present.
func (t *RoomTracker) Remove(capsuleID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.rooms[capsuleID]; !exists {
		return false
	}
	delete(t.rooms, capsuleID)
	return true
}

// Snapshot returns the desired rooms in sorted order. Sorting keeps the
// resubscription replay deterministic; the replay ordering itself carries no
// contract.
func (t *RoomTracker) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.rooms) == 0 {
		return nil
	}
	result := make([]string, 0, len(t.rooms))
	for roomID := range t.rooms {
		result = append(result, roomID)
	}
	slices.Sort(result)
	return result
}

func (t *RoomTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

func (t *RoomTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms = make(set)
}
