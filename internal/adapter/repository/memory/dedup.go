package memory

import (
	"sync"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
)

// putsPerSweep bounds how often Put scans the cache for expired entries.
const putsPerSweep = 256

type cachedEvent struct {
	event     domain.ProcessedEvent
	expiresAt time.Time
}

// EventCache is the TTL deduplication cache for processed events, keyed
// by message ID. A repeated message inside the window returns the cached
// event instead of re-running the pipeline.
type EventCache struct {
	mu      sync.RWMutex
	entries map[string]cachedEvent
	ttl     time.Duration
	puts    int
	now     func() time.Time
}

// NewEventCache creates a cache whose entries expire after ttl.
func NewEventCache(ttl time.Duration) *EventCache {
	return &EventCache{
		entries: make(map[string]cachedEvent),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached event for messageID if the entry is still live.
func (c *EventCache) Get(messageID string) (domain.ProcessedEvent, bool) {
	c.mu.RLock()
	entry, found := c.entries[messageID]
	c.mu.RUnlock()

	if !found {
		return domain.ProcessedEvent{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		// Expired. Drop it under the write lock, re-checking in case a
		// fresh Put landed while we waited.
		c.mu.Lock()
		if cur, ok := c.entries[messageID]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, messageID)
		}
		c.mu.Unlock()
		return domain.ProcessedEvent{}, false
	}
	return entry.event, true
}

// Put stores the event under its message ID, refreshing the TTL.
func (c *EventCache) Put(event domain.ProcessedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[event.MessageID] = cachedEvent{
		event:     event,
		expiresAt: c.now().Add(c.ttl),
	}

	c.puts++
	if c.puts%putsPerSweep == 0 {
		now := c.now()
		for id, entry := range c.entries {
			if !now.Before(entry.expiresAt) {
				delete(c.entries, id)
			}
		}
	}
}

// Len reports the number of live plus not-yet-swept entries.
func (c *EventCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
