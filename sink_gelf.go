package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/Graylog2/go-gelf.v2/gelf"
)

func init() {
	register("gelf", newGelfSink)
}

// syslog "informational"
const gelfLevelInfo = 6

type gelfSink struct {
	w    gelf.Writer
	host string
}

func newGelfSink(c *config, _ *stats) (sink, error) {
	gc := &c.Output.Gelf

	var (
		w   gelf.Writer
		err error
	)

	switch gc.Network {
	case "tcp":
		w, err = gelf.NewTCPWriter(gc.Address)
	default:
		w, err = gelf.NewUDPWriter(gc.Address)
	}

	if err != nil {
		return nil, fmt.Errorf("unable to create gelf writer: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "dnstap-receiver"
	}

	return &gelfSink{
		w:    w,
		host: host,
	}, nil
}

func (s *gelfSink) name() string {
	return "gelf"
}

func (s *gelfSink) message(r *record) *gelf.Message {
	short, _ := formatRecordText(r)

	m := &gelf.Message{
		Version:  "1.1",
		Host:     s.host,
		Short:    string(short),
		TimeUnix: float64(r.Timestamp.UnixNano()) / 1e9,
		Level:    gelfLevelInfo,
		Facility: "dnstap",
		Extra: map[string]interface{}{
			"_identity":    r.Identity,
			"_message":     r.Message,
			"_family":      r.Family,
			"_protocol":    r.Protocol,
			"_source_ip":   r.SourceIP,
			"_qname":       r.QueryName,
			"_qtype":       r.QueryType,
			"_rcode":       r.ResponseCode,
			"_length":      r.Length,
		},
	}

	if r.SourcePort > 0 {
		m.Extra["_source_port"] = r.SourcePort
	}

	if r.Latency > 0 {
		m.Extra["_latency"] = r.Latency.Seconds()
	}

	return m
}

func (s *gelfSink) run(ctx context.Context, q <-chan record, st *sinkStats) error {
	for {
		select {
		case r, ok := <-q:
			if !ok {
				return nil
			}

			if err := s.w.WriteMessage(s.message(&r)); err != nil {
				st.errors.Add(1)
				continue
			}

			st.delivered.Add(1)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *gelfSink) close() error {
	return s.w.Close()
}
