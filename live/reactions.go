package live

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/exp/slices"
)

// ReactionWindow is how long a live reaction stays visible. Matches the
// upstream server's broadcast window.
const ReactionWindow = 3 * time.Second

// Reaction is one ephemeral reaction broadcast, used for transient on-screen
// celebration effects. It is distinct from the durable reaction persisted
// against a memory via the REST API.
type Reaction struct {
	ID        string
	Emoji     string
	UserID    string
	MemoryID  string
	CapsuleID string
	Metadata  map[string]string
}

// ReactionQueue holds live reactions for a bounded lifetime and removes each
// entry once its window elapses. Expiry is owned by the cache's own ticking
// loop rather than computed lazily by readers, so a snapshot is always
// consistent with "age < window". Removal is idempotent by key: an entry
// already gone via Remove cannot be double-removed by the expiry loop.
type ReactionQueue struct {
	cache    *ttlcache.Cache[string, Reaction]
	window   time.Duration
	stopOnce sync.Once
}

// NewReactionQueue creates a queue with the given expiry window. A zero
// window means ReactionWindow. Tests pass a short window to observe expiry.
func NewReactionQueue(window time.Duration) *ReactionQueue {
	if window == 0 {
		window = ReactionWindow
	}
	cache := ttlcache.New[string, Reaction](
		ttlcache.WithTTL[string, Reaction](window),
		// reads must not extend an entry's lifetime
		ttlcache.WithDisableTouchOnHit[string, Reaction](),
	)
	go cache.Start()
	return &ReactionQueue{
		cache:  cache,
		window: window,
	}
}

// Push assigns the reaction a unique ID, inserts it with
// expiresAt = now + window, and returns the stored copy.
func (q *ReactionQueue) Push(r Reaction) Reaction {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	q.cache.Set(r.ID, r, ttlcache.DefaultTTL)
	return r
}

// Remove deletes the reaction if present. Safe to call multiple times and
// safe to race with the expiry loop.
func (q *ReactionQueue) Remove(id string) {
	q.cache.Delete(id)
}

// OnExpired registers fn to run when an entry's window elapses. Entries
// removed via Remove or Clear do not fire. Returns an unsubscribe func.
func (q *ReactionQueue) OnExpired(fn func(r Reaction)) func() {
	return q.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Reaction]) {
		if reason == ttlcache.EvictionReasonExpired {
			fn(item.Value())
		}
	})
}

// Snapshot returns the current unexpired reactions, sorted by ID for stable
// single reads.
func (q *ReactionQueue) Snapshot() []Reaction {
	var result []Reaction
	for _, item := range q.cache.Items() {
		if item.IsExpired() {
			continue
		}
		result = append(result, item.Value())
	}
	slices.SortFunc(result, func(a, b Reaction) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result
}

func (q *ReactionQueue) Len() int {
	return len(q.Snapshot())
}

// Clear drops all entries without firing expiry callbacks as "expired".
func (q *ReactionQueue) Clear() {
	q.cache.DeleteAll()
}

// Stop shuts down the expiry loop. The queue must not be used afterwards.
func (q *ReactionQueue) Stop() {
	q.stopOnce.Do(q.cache.Stop)
}
