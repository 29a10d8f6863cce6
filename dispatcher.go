package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type output struct {
	s  sink
	q  chan record
	st *sinkStats
}

// dispatcher fans records out to every sink through a bounded queue per sink
type dispatcher struct {
	outs         []*output
	st           *stats
	queueSize    int
	restartDelay time.Duration

	mtx    sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatcher(st *stats, queueSize int, restartDelay time.Duration) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &dispatcher{
		st:           st,
		queueSize:    queueSize,
		restartDelay: restartDelay,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// addSink must be called before start
func (d *dispatcher) addSink(s sink) {
	d.outs = append(d.outs, &output{
		s:  s,
		q:  make(chan record, d.queueSize),
		st: d.st.sink(s.name()),
	})
}

func (d *dispatcher) start() {
	for _, o := range d.outs {
		d.wg.Add(1)
		go d.runSink(o)
	}
}

// put never blocks. It returns false if the record was dropped for at least one sink.
func (d *dispatcher) put(r record) (ok bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	if d.closed {
		return false
	}

	ok = true
	for _, o := range d.outs {
		select {
		case o.q <- r:
		default:
			o.st.dropped.Add(1)
			d.st.queueFull.Add(1)
			ok = false
		}
	}

	return
}

func (d *dispatcher) runOnce(o *output) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	return o.s.run(d.ctx, o.q, o.st)
}

func (d *dispatcher) runSink(o *output) {
	defer d.wg.Done()

	for {
		err := d.runOnce(o)
		if err == nil || d.ctx.Err() != nil {
			return
		}

		o.st.errors.Add(1)
		log.WithError(err).Errorf("Sink %s failed, restarting in %s", o.s.name(), d.restartDelay)

		select {
		case <-time.After(d.restartDelay):
		case <-d.ctx.Done():
			return
		}
	}
}

// stop closes the queues and lets the sinks drain them for up to grace,
// then cancels whatever is still running
func (d *dispatcher) stop(grace time.Duration) {
	d.mtx.Lock()
	if d.closed {
		d.mtx.Unlock()
		return
	}

	d.closed = true
	for _, o := range d.outs {
		close(o.q)
	}
	d.mtx.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warnf("Sinks did not drain within %s, discarding the rest", grace)
	}

	d.cancel()

	for _, o := range d.outs {
		if err := o.s.close(); err != nil {
			log.WithError(err).Warnf("Unable to close sink %s", o.s.name())
		}
	}
}
