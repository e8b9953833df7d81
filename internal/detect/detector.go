// Package detect decides when a freshly merged message list actually contains
// a new message, so notification side effects fire exactly once per arrival
// and never for the operator's own sends.
package detect

import (
	"sync"

	"github.com/bslsalud/opchat/internal/chat"
)

// seenCap bounds the per-conversation LRU of observed message IDs. The
// gateway delivers at-least-once; without this, a duplicate push of an
// already-counted message would be mistaken for a new one.
const seenCap = 512

// Result describes the outcome of one detection pass.
type Result struct {
	IsNew    bool
	NewCount int
	Last     *chat.Message
}

// ShouldNotify reports whether the presenter should fire: only genuinely new
// messages whose last entry is inbound produce sound, badge, or blink.
func (r Result) ShouldNotify() bool {
	return r.IsNew && r.Last != nil && r.Last.Direction == chat.Inbound
}

// Detector keeps a per-conversation count baseline and a bounded set of seen
// message IDs. It is owned by the console session; there is no package state.
type Detector struct {
	mu        sync.Mutex
	baselines map[string]int
	seen      map[string]*lruSet
}

// New creates an empty detector.
func New() *Detector {
	return &Detector{
		baselines: make(map[string]int),
		seen:      make(map[string]*lruSet),
	}
}

// Detect compares the merged message list against the conversation's
// baseline. A longer list moves the baseline up and reports IsNew; a shorter
// list (backend correction) resynchronizes the baseline down silently.
// Repeated calls with an unchanged list report IsNew=false.
func (d *Detector) Detect(key string, merged []chat.Message) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.baselines[key]
	n := len(merged)

	res := Result{NewCount: n}
	if n > 0 {
		last := merged[n-1]
		res.Last = &last
	}

	switch {
	case n > prev:
		res.IsNew = true
		d.baselines[key] = n
		// The sort can place a late arrival before already-counted messages,
		// so every ID in the list is recorded, not just the grown tail.
		seen := d.seenFor(key)
		for _, m := range merged {
			if m.ID != "" {
				seen.add(m.ID)
			}
		}
	case n < prev:
		// Never fire on a negative delta.
		d.baselines[key] = n
	}

	return res
}

// ObservePush records a push-delivered message ID. It returns false when the
// ID was already counted, in which case the event must be dropped before it
// reaches the message list.
func (d *Detector) ObservePush(key, msgID string) bool {
	if msgID == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seenFor(key).add(msgID)
}

// Baseline returns the current count baseline for a conversation.
func (d *Detector) Baseline(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baselines[key]
}

// Resync sets the baseline without firing, used after an explicit full
// reload of a conversation.
func (d *Detector) Resync(key string, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baselines[key] = count
}

func (d *Detector) seenFor(key string) *lruSet {
	s, ok := d.seen[key]
	if !ok {
		s = newLRUSet(seenCap)
		d.seen[key] = s
	}
	return s
}

// lruSet is a fixed-capacity set evicting its oldest entry on overflow.
type lruSet struct {
	cap   int
	order []string
	set   map[string]struct{}
}

func newLRUSet(cap int) *lruSet {
	return &lruSet{cap: cap, set: make(map[string]struct{}, cap)}
}

// add inserts id and returns true, or returns false if already present.
func (s *lruSet) add(id string) bool {
	if _, ok := s.set[id]; ok {
		return false
	}
	s.set[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
	return true
}
