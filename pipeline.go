package main

import (
	"fmt"
	"time"
)

// pipeline runs decode -> filter -> dispatch for one DATA frame payload
type pipeline struct {
	f  *filter
	d  *dispatcher
	st *stats
}

func newPipeline(f *filter, d *dispatcher, st *stats) *pipeline {
	return &pipeline{
		f:  f,
		d:  d,
		st: st,
	}
}

// handle never fails the session: decode errors and drops are counted and returned for logging
func (p *pipeline) handle(payload []byte) error {
	r, err := decodeEnvelope(payload, time.Now().UTC())
	if err != nil {
		p.st.decodeErrors.Add(1)
		return err
	}

	p.st.recordDnstap(&r)

	if !p.f.match(&r) {
		p.st.filtered.Add(1)
		return nil
	}

	if !p.d.put(r) {
		return fmt.Errorf("%w: %s %s dropped for at least one sink", errQueueFull, r.Identity, r.QueryName)
	}

	return nil
}
