// Package convcache holds the console's in-memory view of every conversation
// on the line, keyed by phone number. It is refreshed wholesale on a
// conversation-list fetch and incrementally on single-conversation updates
// and push events. Entries are never evicted automatically.
package convcache

import (
	"sort"
	"sync"
	"time"

	"github.com/bslsalud/opchat/internal/chat"
)

// Conversation is one cache entry. MessageCount must equal the length of the
// merged, deduplicated message list at last observation; the detector diffs
// against it.
type Conversation struct {
	Key           string
	DisplayName   string
	LastMessage   string
	LastMessageAt time.Time
	MessageCount  int
	Source        chat.Source
	AvatarURL     string
}

// Cache is the conversation store. All operations are synchronous against
// the in-memory map.
type Cache struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{convs: make(map[string]*Conversation)}
}

// Upsert merges fields into the entry for key under the cache lock, creating
// the entry if absent. The callback sees the current entry and mutates only
// the fields it knows about.
func (c *Cache) Upsert(key string, apply func(*Conversation)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.convs[key]
	if !ok {
		conv = &Conversation{Key: key}
		c.convs[key] = conv
	}
	apply(conv)
	conv.Key = key
}

// ApplyMessages records the merged message list for a conversation: count,
// last-message preview and timestamp.
func (c *Cache) ApplyMessages(key string, msgs []chat.Message) {
	c.Upsert(key, func(conv *Conversation) {
		conv.MessageCount = len(msgs)
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		conv.LastMessage = chat.Truncate(last.Preview(), 50)
		if last.HasTimestamp() {
			conv.LastMessageAt = last.Timestamp
		}
		conv.Source = last.Source
	})
}

// Get returns a copy of the entry for key, or false if absent.
func (c *Cache) Get(key string) (Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.convs[key]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// List returns copies of all entries ordered by last message timestamp
// descending; entries without a timestamp sort last.
func (c *Cache) List() []Conversation {
	c.mu.RLock()
	out := make([]Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, *conv)
	}
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LastMessageAt.IsZero() {
			return false
		}
		if b.LastMessageAt.IsZero() {
			return true
		}
		return a.LastMessageAt.After(b.LastMessageAt)
	})
	return out
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.convs)
}

// Replace swaps the whole cache for a freshly fetched conversation list.
// Counts reset to the fetched values (the explicit full-reload exception to
// the monotonic message count).
func (c *Cache) Replace(convs []Conversation) {
	next := make(map[string]*Conversation, len(convs))
	for i := range convs {
		conv := convs[i]
		next[conv.Key] = &conv
	}
	c.mu.Lock()
	c.convs = next
	c.mu.Unlock()
}
