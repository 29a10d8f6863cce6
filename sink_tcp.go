package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

func init() {
	register("tcp", newTCPSink)
}

var errNotConnected = errors.New("not connected")

// tcpSink streams one line per record to a remote collector.
// While the collector is unreachable records are dropped and counted as errors.
type tcpSink struct {
	addr         string
	format       formatFunc
	retryDelay   time.Duration
	writeTimeout time.Duration

	mtx      sync.Mutex
	conn     net.Conn
	lastDial time.Time
}

func newTCPSink(c *config, _ *stats) (sink, error) {
	tc := &c.Output.TCP

	return &tcpSink{
		addr:         tc.Address,
		format:       formatter(tc.Format),
		retryDelay:   tc.RetryDelay.Duration,
		writeTimeout: tc.WriteTimeout.Duration,
	}, nil
}

func (s *tcpSink) name() string {
	return "tcp"
}

func (s *tcpSink) connect(ctx context.Context) (net.Conn, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}

	if !s.lastDial.IsZero() && time.Since(s.lastDial) < s.retryDelay {
		return nil, errNotConnected
	}

	s.lastDial = time.Now()

	d := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		log.WithError(err).Warnf("TCP sink: unable to connect to %s, retrying in %s", s.addr, s.retryDelay)
		return nil, err
	}

	log.Infof("TCP sink: connected to %s", s.addr)
	s.conn = conn
	return conn, nil
}

func (s *tcpSink) disconnect() {
	s.mtx.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mtx.Unlock()
}

func (s *tcpSink) send(ctx context.Context, r *record) error {
	b, err := s.format(r)
	if err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}

	if s.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}

	if _, err = conn.Write(append(b, '\n')); err != nil {
		log.WithError(err).Warnf("TCP sink: write to %s failed", s.addr)
		s.disconnect()
		return fmt.Errorf("write failed: %w", err)
	}

	return nil
}

func (s *tcpSink) run(ctx context.Context, q <-chan record, st *sinkStats) error {
	for {
		select {
		case r, ok := <-q:
			if !ok {
				return nil
			}

			if err := s.send(ctx, &r); err != nil {
				st.errors.Add(1)
				continue
			}

			st.delivered.Add(1)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *tcpSink) close() error {
	s.disconnect()
	return nil
}
