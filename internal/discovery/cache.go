package discovery

import "time"

// negativeEntry records that port, while owned by pid, did not answer the
// probe as an agent server.
type negativeEntry struct {
	pid        int
	recordedAt time.Time
}

// negativeCache is keyed by port. An entry only suppresses a probe while the
// port is still owned by the same pid and the entry is younger than ttl.
type negativeCache struct {
	ttl     time.Duration
	entries map[int]negativeEntry
}

func newNegativeCache(ttl time.Duration) *negativeCache {
	return &negativeCache{ttl: ttl, entries: make(map[int]negativeEntry)}
}

func (c *negativeCache) clone() *negativeCache {
	cp := newNegativeCache(c.ttl)
	for port, e := range c.entries {
		cp.entries[port] = e
	}
	return cp
}

// prune drops entries older than the TTL.
func (c *negativeCache) prune(now time.Time) int {
	removed := 0
	for port, e := range c.entries {
		if now.Sub(e.recordedAt) > c.ttl {
			delete(c.entries, port)
			removed++
		}
	}
	return removed
}

// suppresses reports whether probing (port, pid) can be skipped.
func (c *negativeCache) suppresses(port, pid int, now time.Time) bool {
	e, ok := c.entries[port]
	if !ok || e.pid != pid {
		return false
	}
	return now.Sub(e.recordedAt) <= c.ttl
}

func (c *negativeCache) record(port, pid int, now time.Time) {
	c.entries[port] = negativeEntry{pid: pid, recordedAt: now}
}

func (c *negativeCache) forget(port int) {
	delete(c.entries, port)
}

func (c *negativeCache) len() int {
	return len(c.entries)
}
