package main

import (
	"context"
	"fmt"
	"log/syslog"
)

func init() {
	register("syslog", newSyslogSink)
}

type syslogSink struct {
	w      *syslog.Writer
	format formatFunc
}

func newSyslogSink(c *config, _ *stats) (sink, error) {
	sc := &c.Output.Syslog

	w, err := syslog.Dial(sc.Network, sc.Address, syslog.Priority(sc.Priority), sc.Tag)
	if err != nil {
		return nil, fmt.Errorf("unable to open syslog writer: %w", err)
	}

	return &syslogSink{
		w:      w,
		format: formatter(sc.Format),
	}, nil
}

func (s *syslogSink) name() string {
	return "syslog"
}

func (s *syslogSink) run(ctx context.Context, q <-chan record, st *sinkStats) error {
	for {
		select {
		case r, ok := <-q:
			if !ok {
				return nil
			}

			b, err := s.format(&r)
			if err == nil {
				_, err = s.w.Write(b)
			}

			if err != nil {
				st.errors.Add(1)
				continue
			}

			st.delivered.Add(1)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *syslogSink) close() error {
	return s.w.Close()
}
