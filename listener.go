package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// listener accepts Frame Streams connections and runs a session for each
type listener struct {
	l    net.Listener
	name string
	cfg  *sessionCfg
	p    *pipeline
	st   *stats

	ctx    context.Context
	cancel context.CancelFunc
	mtx    sync.Mutex
	wg     sync.WaitGroup
}

func newListener(l net.Listener, name string, cfg *sessionCfg, p *pipeline, st *stats) *listener {
	ctx, cancel := context.WithCancel(context.Background())

	return &listener{
		l:      l,
		name:   name,
		cfg:    cfg,
		p:      p,
		st:     st,
		ctx:    ctx,
		cancel: cancel,
	}
}

func newSessionCfg(c *inputCfg, acl bool) *sessionCfg {
	sc := &sessionCfg{
		workers:      c.DecodeWorkers,
		queue:        c.DecodeQueue,
		maxFrameSize: c.MaxFrameSize,
		readTimeout:  c.ReadTimeout.Duration,
	}

	if acl {
		sc.acl = c.TCP.acl
	}

	return sc
}

func newTCPListener(c *inputCfg, p *pipeline, st *stats) (*listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.TCP.Listen)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve '%s': %w", c.TCP.Listen, err)
	}

	var l net.Listener
	if l, err = net.ListenTCP("tcp", addr); err != nil {
		return nil, fmt.Errorf("unable to listen on '%s': %w", c.TCP.Listen, err)
	}

	name := "tcp"
	if c.TCP.TLS {
		cert, err := tls.LoadX509KeyPair(c.TCP.TLSCert, c.TCP.TLSKey)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("unable to load TLS key pair: %w", err)
		}

		l = tls.NewListener(l, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		name = "tls"
	}

	return newListener(l, name, newSessionCfg(c, true), p, st), nil
}

func newUnixListener(c *inputCfg, p *pipeline, st *stats) (*listener, error) {
	os.Remove(c.Unix.Path)

	l, err := net.Listen("unix", c.Unix.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to listen on '%s': %w", c.Unix.Path, err)
	}

	if c.Unix.perm != 0 {
		if err = os.Chmod(c.Unix.Path, os.FileMode(c.Unix.perm)); err != nil {
			l.Close()
			return nil, fmt.Errorf("unable to chmod '%s': %w", c.Unix.Path, err)
		}
	}

	return newListener(l, "unix", newSessionCfg(c, false), p, st), nil
}

func (l *listener) addr() net.Addr {
	return l.l.Addr()
}

// serve accepts connections until close is called
func (l *listener) serve() {
	log.Infof("Listening for dnstap on %s (%s)", l.l.Addr(), l.name)

	var delay time.Duration
	for {
		conn, err := l.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.ctx.Err() != nil {
				return
			}

			// back off on transient errors like EMFILE
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}

			log.WithError(err).Warnf("Accept failed on %s, retrying in %s", l.l.Addr(), delay)
			time.Sleep(delay)
			continue
		}

		delay = 0

		l.mtx.Lock()
		if l.ctx.Err() != nil {
			l.mtx.Unlock()
			conn.Close()
			return
		}
		l.wg.Add(1)
		l.mtx.Unlock()

		go l.handle(conn)
	}
}

func (l *listener) handle(conn net.Conn) {
	defer l.wg.Done()

	s := newSession(conn, l.cfg, l.p, l.st)
	s.log.Debug("Session started")

	err := s.run(l.ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		s.log.Debug("Session finished")
	case errors.Is(err, errAccessDenied):
		// already logged by the session
	default:
		s.log.WithError(err).Warn("Session terminated")
	}
}

// close stops accepting, cancels live sessions and waits for them
func (l *listener) close() error {
	l.mtx.Lock()
	l.cancel()
	l.mtx.Unlock()

	err := l.l.Close()
	l.wg.Wait()

	if _, ok := l.l.Addr().(*net.UnixAddr); ok {
		os.Remove(l.l.Addr().String())
	}

	return err
}
