package main

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"

	dnstap "github.com/dnstap/golang-dnstap"
	"github.com/miekg/dns"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeData(payload []byte) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
	return append(b, payload...)
}

func packQuestion(t *testing.T, qname string, qtype uint16, rcode int) []byte {
	m := new(dns.Msg)
	m.SetQuestion(qname, qtype)
	m.Rcode = rcode
	m.Response = rcode != dns.RcodeSuccess

	b, err := m.Pack()
	require.Nil(t, err)
	return b
}

// newTap builds a dnstap message of the given type carrying wire as the query or response
func newTap(identity string, mt dnstap.Message_Type, wire []byte) *dnstap.Dnstap {
	typ := dnstap.Dnstap_MESSAGE
	fam := dnstap.SocketFamily_INET
	prot := dnstap.SocketProtocol_UDP
	port := uint32(53000)

	m := &dnstap.Message{
		Type:           &mt,
		SocketFamily:   &fam,
		SocketProtocol: &prot,
		QueryAddress:   net.ParseIP("192.0.2.1").To4(),
		QueryPort:      &port,
	}

	if int32(mt)%2 == 1 {
		m.QueryMessage = wire
	} else {
		m.ResponseMessage = wire
	}

	return &dnstap.Dnstap{
		Type:     &typ,
		Identity: []byte(identity),
		Message:  m,
	}
}

func marshalTap(t *testing.T, dt *dnstap.Dnstap) []byte {
	b, err := proto.Marshal(dt)
	require.Nil(t, err)
	return b
}

func queryPayload(t *testing.T, identity, qname string) []byte {
	return marshalTap(t, newTap(identity, dnstap.Message_CLIENT_QUERY, packQuestion(t, qname, dns.TypeA, dns.RcodeSuccess)))
}

// testSink collects records. It may block until released or panic on its first run.
type testSink struct {
	n       string
	out     chan record
	block   chan struct{}
	panicky atomic.Bool
	closed  atomic.Bool
}

func newTestSink(name string, size int) *testSink {
	return &testSink{
		n:   name,
		out: make(chan record, size),
	}
}

func (s *testSink) name() string {
	return s.n
}

func (s *testSink) run(ctx context.Context, q <-chan record, st *sinkStats) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.panicky.CompareAndSwap(true, false) {
		panic("boom")
	}

	for {
		select {
		case r, ok := <-q:
			if !ok {
				return nil
			}

			s.out <- r
			st.delivered.Add(1)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *testSink) close() error {
	s.closed.Store(true)
	return nil
}

func (s *testSink) drain() (rs []record) {
	for {
		select {
		case r := <-s.out:
			rs = append(rs, r)
		default:
			return
		}
	}
}

func newTestPipeline(fc *filterCfg, sinks ...sink) (*pipeline, *dispatcher, *stats) {
	st := newStats(newStreamTracker(0, nil))
	d := newDispatcher(st, 4096, 10*time.Millisecond)

	for _, s := range sinks {
		d.addSink(s)
	}

	d.start()

	if fc == nil {
		fc = &filterCfg{}
	}

	return newPipeline(newFilter(fc, nil), d, st), d, st
}

// clientHandshake plays the sender side of the bidirectional handshake
func clientHandshake(t *testing.T, conn net.Conn) {
	_, err := conn.Write(encodeControl(controlReady, dnstapContentType))
	require.Nil(t, err)

	exp := encodeControl(controlAccept, dnstapContentType)
	b := make([]byte, len(exp))
	_, err = io.ReadFull(conn, b)
	require.Nil(t, err)
	assert.Equal(t, exp, b)

	_, err = conn.Write(encodeControl(controlStart, dnstapContentType))
	require.Nil(t, err)
}

func clientSend(t *testing.T, conn net.Conn, payloads ...[]byte) {
	for _, p := range payloads {
		_, err := conn.Write(encodeData(p))
		require.Nil(t, err)
	}
}

func clientStop(t *testing.T, conn net.Conn) {
	_, err := conn.Write(encodeControl(controlStop))
	require.Nil(t, err)
}

func (c *streamTracker) get(identity string) (e streamEntry, ok bool) {
	c.RLock()
	defer c.RUnlock()

	if p, ok := c.m[identity]; ok {
		return *p, true
	}

	return
}
