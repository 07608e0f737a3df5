package transport

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultDedupWindow = 2 * time.Second
	// hashPrefixLimit caps how much of a large payload is hashed.
	hashPrefixLimit = 1024
)

// contentHash keys a message by kind, length and content. Payloads larger
// than hashPrefixLimit only contribute their first hashPrefixLimit bytes.
func contentHash(msg Message) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(string(msg.Kind))
	var n [9]byte
	binary.BigEndian.PutUint64(n[1:], uint64(len(msg.Payload)))
	_, _ = d.Write(n[:])
	body := msg.Payload
	if len(body) > hashPrefixLimit {
		body = body[:hashPrefixLimit]
	}
	_, _ = d.Write(body)
	return d.Sum64()
}

type dedupEntry struct {
	hash       uint64
	insertedAt time.Time
}

// dedupCache remembers recently sent message hashes for a fixed window.
type dedupCache struct {
	mu      sync.Mutex
	window  time.Duration
	seen    map[uint64]time.Time
	entries []dedupEntry
}

func newDedupCache(window time.Duration) *dedupCache {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &dedupCache{window: window, seen: make(map[uint64]time.Time)}
}

// duplicate reports whether msg was recorded no more than the window ago.
// Otherwise it records msg at now.
func (c *dedupCache) duplicate(msg Message, now time.Time) bool {
	h := contentHash(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.seen[h]; ok && now.Sub(at) <= c.window {
		return true
	}
	c.seen[h] = now
	c.entries = append(c.entries, dedupEntry{hash: h, insertedAt: now})
	return false
}

// purge drops entries recorded more than the window ago.
func (c *dedupCache) purge(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := 0
	for ; i < len(c.entries); i++ {
		e := c.entries[i]
		if now.Sub(e.insertedAt) <= c.window {
			break
		}
		if at, ok := c.seen[e.hash]; ok && at.Equal(e.insertedAt) {
			delete(c.seen, e.hash)
		}
	}
	if i > 0 {
		c.entries = append(c.entries[:0], c.entries[i:]...)
	}
}

func (c *dedupCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
