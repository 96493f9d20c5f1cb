package rules

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/voicewarden/telemetry"
)

type cacheKey struct {
	community string
	channel   string
}

// cacheEntry holds a looked-up rule, or its absence when found is false.
type cacheEntry struct {
	rule     Rule
	found    bool
	storedAt time.Time
	element  *list.Element
}

// Store is a bounded, TTL-based read-through cache over a Source. Absence is
// cached like presence; source errors are never cached. The least recently
// used entry is evicted when the cache is full.
type Store struct {
	src     Source
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	order   *list.List // cacheKey, least recently used at front
	gen     uint64     // bumped on every invalidation
}

// NewStore creates a cache in front of src.
func NewStore(src Source, ttl time.Duration, maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Store{
		src:     src,
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		entries: make(map[cacheKey]*cacheEntry),
		order:   list.New(),
	}
}

// RulesFor returns the override for a channel. found=false means the channel
// has no override and presence there is pass-through. Errors wrap ErrUnavailable.
func (s *Store) RulesFor(ctx context.Context, communityID, channelID string) (Rule, bool, error) {
	k := cacheKey{communityID, channelID}

	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		if s.ttl <= 0 || s.now().Sub(e.storedAt) < s.ttl {
			s.order.MoveToBack(e.element)
			r, found := e.rule, e.found
			s.mu.Unlock()
			telemetry.Init()
			telemetry.RuleCacheHits.Inc()
			return r, found, nil
		}
		s.removeLocked(k, e)
	}
	gen := s.gen
	s.mu.Unlock()

	telemetry.Init()
	telemetry.RuleCacheMisses.Inc()

	r, found, err := s.src.Lookup(ctx, communityID, channelID)
	if err != nil {
		return Rule{}, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.mu.Lock()
	// an invalidation raced with this fetch; the result may be stale
	if s.gen == gen {
		s.putLocked(k, r, found)
	}
	s.mu.Unlock()
	return r, found, nil
}

// Invalidate drops the cached entry for one channel.
func (s *Store) Invalidate(communityID, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	k := cacheKey{communityID, channelID}
	if e, ok := s.entries[k]; ok {
		s.removeLocked(k, e)
	}
}

// InvalidateCommunity drops every cached entry of a community.
func (s *Store) InvalidateCommunity(communityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	for k, e := range s.entries {
		if k.community == communityID {
			s.removeLocked(k, e)
		}
	}
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) putLocked(k cacheKey, r Rule, found bool) {
	if e, ok := s.entries[k]; ok {
		e.rule, e.found, e.storedAt = r, found, s.now()
		s.order.MoveToBack(e.element)
		return
	}
	if len(s.entries) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			old, _ := front.Value.(cacheKey)
			s.removeLocked(old, s.entries[old])
		}
	}
	s.entries[k] = &cacheEntry{rule: r, found: found, storedAt: s.now(), element: s.order.PushBack(k)}
}

// removeLocked must be called with mu held.
func (s *Store) removeLocked(k cacheKey, e *cacheEntry) {
	if e != nil {
		s.order.Remove(e.element)
	}
	delete(s.entries, k)
}
