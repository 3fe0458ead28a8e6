package speech

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AudioCache holds synthesized audio until the telephony provider fetches
// it for playback. Entries expire after the TTL so a failed call cannot
// leak audio buffers.
type AudioCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	audio     []byte
	expiresAt time.Time
}

// NewAudioCache creates a cache with the given entry TTL.
func NewAudioCache(ttl time.Duration) *AudioCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AudioCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// Put stores audio under a fresh id and returns the id.
func (c *AudioCache) Put(audio []byte) string {
	id := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	c.entries[id] = cacheEntry{audio: audio, expiresAt: time.Now().Add(c.ttl)}
	return id
}

// Get returns the audio for id, or false if missing or expired.
func (c *AudioCache) Get(id string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.audio, true
}

// prune drops expired entries. Caller holds the lock.
func (c *AudioCache) prune() {
	now := time.Now()
	for id, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, id)
		}
	}
}
