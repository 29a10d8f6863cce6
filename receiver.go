package main

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// receiver wires listeners, the pipeline, the dispatcher and the sinks together
type receiver struct {
	cfg *config

	st      *stats
	streams *streamTracker
	db      *streamDB
	domains *domainList
	disp    *dispatcher
	p       *pipeline

	listeners []*listener
	wg        sync.WaitGroup
	shutdown  chan struct{}
}

func newReceiver(cfg *config) (_ *receiver, err error) {
	r := &receiver{
		cfg:      cfg,
		shutdown: make(chan struct{}),
	}

	defer func() {
		if err != nil {
			r.cleanup()
		}
	}()

	if cfg.Stats.DBPath != "" {
		if r.db, err = newStreamDB(cfg.Stats.DBPath); err != nil {
			return nil, fmt.Errorf("unable to open stats db: %w", err)
		}
	}

	r.streams = newStreamTracker(cfg.Stats.StreamTTL.Duration, r.streamExpired)

	if r.db != nil {
		es, ferr := r.db.fetchAll()
		if ferr != nil {
			return nil, fmt.Errorf("unable to load stream stats: %w", ferr)
		}

		for _, e := range es {
			r.streams.add(e)
		}

		log.Infof("Streams restored: %d", len(es))
	}

	r.st = newStats(r.streams)

	if cfg.Filter.QnameList != "" {
		r.domains = newDomainList()
		if err = r.reloadDomains(); err != nil {
			return nil, err
		}
	}

	r.disp = newDispatcher(r.st, cfg.Dispatcher.QueueSize, cfg.Dispatcher.RestartDelay.Duration)

	for _, name := range cfg.enabledSinks() {
		s, serr := createSink(name, cfg, r.st)
		if serr != nil {
			return nil, fmt.Errorf("unable to create sink %s: %w", name, serr)
		}

		r.disp.addSink(s)
		log.Infof("Sink enabled: %s", name)
	}

	if len(r.disp.outs) == 0 {
		log.Warn("No sinks enabled, records will only be counted")
	}

	r.p = newPipeline(newFilter(&cfg.Filter, r.domains), r.disp, r.st)

	if cfg.Input.TCP.Enable {
		l, lerr := newTCPListener(&cfg.Input, r.p, r.st)
		if lerr != nil {
			return nil, lerr
		}

		r.listeners = append(r.listeners, l)
	}

	if cfg.Input.Unix.Enable {
		l, lerr := newUnixListener(&cfg.Input, r.p, r.st)
		if lerr != nil {
			return nil, lerr
		}

		r.listeners = append(r.listeners, l)
	}

	return r, nil
}

func (r *receiver) streamExpired(e *streamEntry) {
	log.Infof("Stream %s expired (queries %d, responses %d)", e.Identity, e.Queries, e.Responses)

	if r.db != nil {
		if err := r.db.del(e.Identity); err != nil {
			log.WithError(err).Warn("Unable to delete stream from stats db")
		}
	}
}

func (r *receiver) reloadDomains() error {
	i, s, err := r.domains.loadFile(r.cfg.Filter.QnameList)
	if err != nil {
		return fmt.Errorf("unable to load qname list: %w", err)
	}

	log.Infof("Domains loaded: %d, skipped: %d, total: %d", i, s, r.domains.count())
	return nil
}

func (r *receiver) saveStreams() {
	if r.db == nil {
		return
	}

	if err := r.db.saveAll(r.streams.getAll()); err != nil {
		log.WithError(err).Warn("Unable to save stream stats")
	}
}

func (r *receiver) flushLoop(interval time.Duration) {
	defer r.wg.Done()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			r.saveStreams()

		case <-r.shutdown:
			return
		}
	}
}

func (r *receiver) start() {
	r.disp.start()

	if r.db != nil && r.cfg.Stats.FlushInterval.Duration > 0 {
		r.wg.Add(1)
		go r.flushLoop(r.cfg.Stats.FlushInterval.Duration)
	}

	for _, l := range r.listeners {
		go l.serve()
	}
}

func (r *receiver) logStats() {
	ss := r.st.snapshot()

	f := log.Fields{
		"frames":          ss.Frames,
		"records":         ss.Records,
		"decode_errors":   ss.DecodeErrors,
		"filtered":        ss.Filtered,
		"queue_full":      ss.QueueFull,
		"access_denied":   ss.AccessDenied,
		"protocol_errors": ss.ProtocolErrors,
		"sessions_active": ss.SessionsActive,
		"sessions_total":  ss.SessionsTotal,
		"streams":         ss.Streams,
	}

	for _, n := range r.st.sinkNames() {
		s := ss.Sinks[n]
		f["sink_"+n] = fmt.Sprintf("delivered=%d dropped=%d errors=%d", s.Delivered, s.Dropped, s.Errors)
	}

	log.WithFields(f).Info("Stats")
}

// cleanup releases whatever newReceiver managed to set up before failing
func (r *receiver) cleanup() {
	for _, l := range r.listeners {
		l.close()
	}

	if r.disp != nil {
		r.disp.stop(time.Second)
	}

	if r.streams != nil {
		r.streams.close()
	}

	if r.db != nil {
		r.db.close()
	}
}

// stop closes the inputs first so nothing is put after the sink queues are closed
func (r *receiver) stop() {
	for _, l := range r.listeners {
		if err := l.close(); err != nil {
			log.WithError(err).Warn("Unable to close listener")
		}
	}

	r.disp.stop(r.cfg.Dispatcher.ShutdownGrace.Duration)

	close(r.shutdown)
	r.wg.Wait()

	r.streams.close()
	r.saveStreams()

	if r.db != nil {
		if err := r.db.close(); err != nil {
			log.WithError(err).Warn("Unable to close stats db")
		}
	}
}
