package main

import (
	"sync"
	"time"
)

// streamEntry holds per-identity counters
type streamEntry struct {
	Identity  string
	Queries   uint64
	Responses uint64
	FirstSeen time.Time
	LastSeen  time.Time
}

// streamTracker keeps a streamEntry for every dnstap identity seen recently.
// Entries idle for longer than ttl are expired and handed to the callback.
type streamTracker struct {
	m   map[string]*streamEntry
	ttl time.Duration
	cb  func(*streamEntry)
	sync.RWMutex

	shutdown chan struct{}
	once     sync.Once
}

func (c *streamTracker) cleanup() {
	if c.ttl <= 0 {
		return
	}

	now := time.Now()
	expired := []*streamEntry{}

	c.Lock()
	for k, v := range c.m {
		if now.Sub(v.LastSeen) >= c.ttl {
			delete(c.m, k)
			expired = append(expired, v)
		}
	}
	c.Unlock()

	if c.cb != nil {
		for _, e := range expired {
			c.cb(e)
		}
	}
}

func (c *streamTracker) cleanupLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.cleanup()

		case <-c.shutdown:
			return
		}
	}
}

func (c *streamTracker) touch(r *record, now time.Time) {
	c.Lock()
	e, ok := c.m[r.Identity]
	if !ok {
		e = &streamEntry{
			Identity:  r.Identity,
			FirstSeen: now,
		}
		c.m[r.Identity] = e
	}

	if r.isQuery() {
		e.Queries++
	} else {
		e.Responses++
	}

	e.LastSeen = now
	c.Unlock()
}

// add restores an entry, e.g. from a snapshot
func (c *streamTracker) add(e *streamEntry) {
	c.Lock()
	c.m[e.Identity] = e
	c.Unlock()
}

// getAll returns copies safe to use without the lock
func (c *streamTracker) getAll() (es []streamEntry) {
	c.RLock()
	for _, e := range c.m {
		es = append(es, *e)
	}
	c.RUnlock()
	return
}

func (c *streamTracker) count() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.m)
}

func (c *streamTracker) close() {
	c.once.Do(func() { close(c.shutdown) })
}

func newStreamTracker(ttl time.Duration, callback func(*streamEntry)) (c *streamTracker) {
	c = &streamTracker{
		m:        map[string]*streamEntry{},
		cb:       callback,
		ttl:      ttl,
		shutdown: make(chan struct{}),
	}

	if ttl > 0 {
		interval := time.Minute
		if ttl < interval {
			interval = ttl
		}

		go c.cleanupLoop(interval)
	}

	return
}
