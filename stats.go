package main

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type sinkStats struct {
	delivered atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// stats is shared by all sessions, decode workers and sinks
type stats struct {
	frames         atomic.Uint64
	records        atomic.Uint64
	decodeErrors   atomic.Uint64
	filtered       atomic.Uint64
	queueFull      atomic.Uint64
	accessDenied   atomic.Uint64
	protocolErrors atomic.Uint64
	sessionsTotal  atomic.Uint64
	sessionsActive atomic.Int64

	streams *streamTracker

	sinksMtx sync.RWMutex
	sinks    map[string]*sinkStats
}

type sinkSnapshot struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

type statsSnapshot struct {
	Frames         uint64                  `json:"frames"`
	Records        uint64                  `json:"records"`
	DecodeErrors   uint64                  `json:"decode-errors"`
	Filtered       uint64                  `json:"filtered"`
	QueueFull      uint64                  `json:"queue-full"`
	AccessDenied   uint64                  `json:"access-denied"`
	ProtocolErrors uint64                  `json:"protocol-errors"`
	SessionsTotal  uint64                  `json:"sessions-total"`
	SessionsActive int64                   `json:"sessions-active"`
	Streams        int                     `json:"streams"`
	Sinks          map[string]sinkSnapshot `json:"sinks"`
}

func newStats(streams *streamTracker) *stats {
	return &stats{
		streams: streams,
		sinks:   map[string]*sinkStats{},
	}
}

// sink returns the counters of the named sink, creating them on first use
func (s *stats) sink(name string) *sinkStats {
	s.sinksMtx.RLock()
	ss, ok := s.sinks[name]
	s.sinksMtx.RUnlock()
	if ok {
		return ss
	}

	s.sinksMtx.Lock()
	defer s.sinksMtx.Unlock()

	if ss, ok = s.sinks[name]; !ok {
		ss = &sinkStats{}
		s.sinks[name] = ss
	}

	return ss
}

func (s *stats) sinkNames() (names []string) {
	s.sinksMtx.RLock()
	for n := range s.sinks {
		names = append(names, n)
	}
	s.sinksMtx.RUnlock()

	sort.Strings(names)
	return
}

// recordDnstap accounts a successfully decoded record
func (s *stats) recordDnstap(r *record) {
	s.records.Add(1)

	if s.streams != nil {
		s.streams.touch(r, time.Now())
	}
}

func (s *stats) snapshot() (ss statsSnapshot) {
	ss = statsSnapshot{
		Frames:         s.frames.Load(),
		Records:        s.records.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		Filtered:       s.filtered.Load(),
		QueueFull:      s.queueFull.Load(),
		AccessDenied:   s.accessDenied.Load(),
		ProtocolErrors: s.protocolErrors.Load(),
		SessionsTotal:  s.sessionsTotal.Load(),
		SessionsActive: s.sessionsActive.Load(),
		Sinks:          map[string]sinkSnapshot{},
	}

	if s.streams != nil {
		ss.Streams = s.streams.count()
	}

	s.sinksMtx.RLock()
	for n, k := range s.sinks {
		ss.Sinks[n] = sinkSnapshot{
			Delivered: k.delivered.Load(),
			Dropped:   k.dropped.Load(),
			Errors:    k.errors.Load(),
		}
	}
	s.sinksMtx.RUnlock()

	return
}
