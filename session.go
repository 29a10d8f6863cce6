package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type connState int

const (
	stateAwaitReady connState = iota
	stateReadySent
	stateStarted
	stateStopped
)

func (s connState) String() string {
	switch s {
	case stateAwaitReady:
		return "AWAIT_READY"
	case stateReadySent:
		return "READY_SENT"
	case stateStarted:
		return "STARTED"
	case stateStopped:
		return "STOPPED"
	}

	return "INVALID"
}

type sessionCfg struct {
	acl          []netip.Prefix
	workers      int
	queue        int
	maxFrameSize int
	readTimeout  time.Duration
}

// session owns one accepted connection
type session struct {
	conn  net.Conn
	cfg   *sessionCfg
	p     *pipeline
	st    *stats
	dec   *frameDecoder
	state connState
	log   *log.Entry

	// called on every state change, if set
	onTransition func(from, to connState)
}

func newSession(conn net.Conn, cfg *sessionCfg, p *pipeline, st *stats) *session {
	return &session{
		conn:  conn,
		cfg:   cfg,
		p:     p,
		st:    st,
		state: stateAwaitReady,
		log:   log.WithField("peer", peerName(conn)),
	}
}

func peerName(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil && a.String() != "" {
		return a.String()
	}

	return "unix"
}

func (s *session) setState(to connState) {
	from := s.state
	s.state = to
	s.log.Debugf("Session %s -> %s", from, to)

	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// allowed checks TCP peers against the ACL, other transports are always allowed
func (s *session) allowed() bool {
	ta, ok := s.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return true
	}

	addr, ok := netip.AddrFromSlice(ta.IP)
	if !ok {
		return false
	}

	addr = addr.Unmap()
	for _, p := range s.cfg.acl {
		if p.Contains(addr) {
			return true
		}
	}

	return false
}

// run serves the connection until the peer stops, the stream breaks or ctx is done.
// The connection is always closed on return.
func (s *session) run(ctx context.Context) (err error) {
	defer s.conn.Close()

	if !s.allowed() {
		s.st.accessDenied.Add(1)
		s.log.Warn("Connection rejected by access control list")
		return fmt.Errorf("%w: %s", errAccessDenied, peerName(s.conn))
	}

	s.st.sessionsTotal.Add(1)
	s.st.sessionsActive.Add(1)
	defer s.st.sessionsActive.Add(-1)

	s.dec = newFrameDecoder(s.cfg.maxFrameSize)
	defer func() { s.dec = nil }()

	// workers outlive ctx so that a clean STOP is always drained
	wctx, wcancel := context.WithCancel(context.Background())
	defer wcancel()

	frames := make(chan []byte, s.cfg.queue)
	wg := &sync.WaitGroup{}
	for i := 0; i < s.cfg.workers; i++ {
		wg.Add(1)
		go s.decodeWorker(wctx, frames, wg)
	}

	// unblock the read on cancellation
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-stopWatch:
		}
	}()

	err = s.readLoop(ctx, frames)
	if err != nil {
		// pending frames of a broken or cancelled session are discarded
		wcancel()
	}

	close(frames)
	wg.Wait()

	if errors.Is(err, errProtocol) {
		s.st.protocolErrors.Add(1)
	}

	return
}

func (s *session) decodeWorker(ctx context.Context, frames <-chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}

			if err := s.p.handle(f); err != nil {
				s.log.WithError(err).Debug("Record dropped")
			}

		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context, frames chan<- []byte) error {
	buf := make([]byte, 4096)

	for {
		n := s.dec.pendingBytes()
		if n > len(buf) {
			buf = make([]byte, n)
		}

		if s.cfg.readTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.readTimeout))
		}

		if _, err := io.ReadFull(s.conn, buf[:n]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if err == io.EOF && s.dec.idle() {
				s.log.Debugf("Connection closed by peer in state %s", s.state)
				return nil
			}

			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return fmt.Errorf("%w: stream truncated mid-frame", errProtocol)
			}

			return fmt.Errorf("read failed: %w", err)
		}

		s.dec.append(buf[:n])

		for {
			ok, err := s.dec.process()
			if err != nil {
				return err
			}

			if !ok {
				break
			}

			kind, payload, err := s.dec.decode()
			if err != nil {
				return err
			}

			if err = s.handleFrame(ctx, kind, payload, frames); err != nil {
				return err
			}

			if s.state == stateStopped {
				return nil
			}
		}
	}
}

func (s *session) handleFrame(ctx context.Context, kind frameKind, payload []byte, frames chan<- []byte) error {
	switch kind {
	case frameData:
		if s.state != stateStarted {
			return fmt.Errorf("%w: data frame in state %s", errProtocol, s.state)
		}

		s.st.frames.Add(1)

		select {
		case frames <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}

	case frameReady:
		if s.state != stateAwaitReady {
			return fmt.Errorf("%w: READY in state %s", errProtocol, s.state)
		}

		cts, err := parseContentTypes(payload)
		if err != nil {
			return err
		}

		if !hasContentType(cts, dnstapContentType) {
			return fmt.Errorf("%w: peer offers no supported content type", errProtocol)
		}

		if _, err = s.conn.Write(encodeControl(controlAccept, dnstapContentType)); err != nil {
			return fmt.Errorf("unable to send ACCEPT: %w", err)
		}

		s.setState(stateReadySent)

	case frameStart:
		if s.state != stateReadySent {
			return fmt.Errorf("%w: START in state %s", errProtocol, s.state)
		}

		cts, err := parseContentTypes(payload)
		if err != nil {
			return err
		}

		if len(cts) > 0 && !hasContentType(cts, dnstapContentType) {
			return fmt.Errorf("%w: START with unsupported content type '%s'", errProtocol, cts[0])
		}

		s.setState(stateStarted)

	case frameStop:
		if s.state != stateStarted {
			return fmt.Errorf("%w: STOP in state %s", errProtocol, s.state)
		}

		s.setState(stateStopped)

	case frameAccept:
		return fmt.Errorf("%w: unexpected ACCEPT from peer", errProtocol)

	default:
		s.log.Warnf("Ignoring %s control frame in state %s", kind, s.state)
	}

	return nil
}
