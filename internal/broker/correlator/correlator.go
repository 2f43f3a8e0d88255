// Package correlator re-homes the request/response bookkeeping that the
// reference implementation keeps as module-level globals (next_tag,
// outstanding_tags, tracker) onto a single broker-owned struct, safe
// under the single-threaded reactor invariant but still guarded by a
// mutex so callers on other goroutines (e.g. tests) can call in
// concurrently.
package correlator

import (
	"sync"
	"time"
)

// Outstanding is what's remembered about a tagged request until its
// acknowledgment arrives.
type Outstanding struct {
	OriginSID     int
	OriginCID     int
	OriginalPayload string
	AfterACK      string // payload to send once this tag is acknowledged
	createdAt     time.Time
}

// Correlator owns next_tag, the outstanding-tag map, and the
// diagnostic-only tracker counter.
type Correlator struct {
	mu      sync.Mutex
	nextTag uint32
	tracker uint64
	tags    map[uint32]Outstanding
	ttl     time.Duration
}

// DefaultTTL bounds how long an outstanding tag survives without an
// acknowledgment before it is swept and logged as expired, closing the
// "tags leak forever" gap the reference implementation leaves open.
const DefaultTTL = 30 * time.Second

// New creates a Correlator with the given tag TTL. A zero ttl disables
// expiry (matching the reference implementation's literal behavior).
func New(ttl time.Duration) *Correlator {
	return &Correlator{
		nextTag: 1,
		tags:    make(map[uint32]Outstanding),
		ttl:     ttl,
	}
}

// NextTracker returns the next tracker value for the diagnostic !FZT=
// token. Purely informational; never used for correlation.
func (c *Correlator) NextTracker() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker++
	return c.tracker
}

// Tag records a new outstanding request and returns its tag id.
func (c *Correlator) Tag(o Outstanding) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag := c.nextTag
	c.nextTag++
	o.createdAt = time.Now()
	c.tags[tag] = o
	return tag
}

// Resolve removes and returns the outstanding entry for tag, if present.
func (c *Correlator) Resolve(tag uint32) (Outstanding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.tags[tag]
	if ok {
		delete(c.tags, tag)
	}
	return o, ok
}

// Sweep drops tags older than the configured TTL, invoking onExpire for
// each (e.g. to log it). Returns the number of entries swept. A zero
// TTL is a no-op, matching "no timeout" mode.
func (c *Correlator) Sweep(onExpire func(tag uint32, o Outstanding)) int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	cutoff := time.Now().Add(-c.ttl)
	var expired []uint32
	for tag, o := range c.tags {
		if o.createdAt.Before(cutoff) {
			expired = append(expired, tag)
		}
	}
	removed := make(map[uint32]Outstanding, len(expired))
	for _, tag := range expired {
		removed[tag] = c.tags[tag]
		delete(c.tags, tag)
	}
	c.mu.Unlock()

	for _, tag := range expired {
		if onExpire != nil {
			onExpire(tag, removed[tag])
		}
	}
	return len(expired)
}

// Len returns the number of currently outstanding tags.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tags)
}
