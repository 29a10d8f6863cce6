package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	dnstap "github.com/dnstap/golang-dnstap"
	"github.com/miekg/dns"
	"google.golang.org/protobuf/proto"
)

// unknown marks a record field that could not be resolved
const unknown = "-"

const dnsHeaderLen = 12

// record is the normalized form of one dnstap message
type record struct {
	Identity     string        `json:"identity"`
	Message      string        `json:"message"`
	Family       string        `json:"family"`
	Protocol     string        `json:"protocol"`
	SourceIP     string        `json:"source-ip"`
	SourcePort   int           `json:"source-port,omitempty"` // 0 if unknown
	QueryName    string        `json:"qname"`
	QueryType    string        `json:"rrtype"`
	ResponseCode string        `json:"rcode"`
	Length       int           `json:"length"`
	Timestamp    time.Time     `json:"timestamp"`
	Latency      time.Duration `json:"latency,omitempty"`
}

func (r *record) isQuery() bool {
	return strings.HasSuffix(r.Message, "_QUERY")
}

func dnstapTime(sec *uint64, nsec *uint32) (t time.Time, ok bool) {
	if sec == nil {
		return
	}

	var ns int64
	if nsec != nil {
		ns = int64(*nsec)
	}

	return time.Unix(int64(*sec), ns).UTC(), true
}

func socketFamily(m *dnstap.Message) string {
	switch m.GetSocketFamily() {
	case dnstap.SocketFamily_INET:
		return "IPv4"
	case dnstap.SocketFamily_INET6:
		return "IPv6"
	}

	return unknown
}

func socketProtocol(m *dnstap.Message) string {
	if m.SocketProtocol == nil {
		return unknown
	}

	return m.GetSocketProtocol().String()
}

// dnsQuestion holds what is read from a DNS message: the header and the first question only
type dnsQuestion struct {
	rcode int
	qname string
	qtype uint16
	hasQ  bool
}

func parseDNSQuestion(wire []byte) (q dnsQuestion, err error) {
	if len(wire) < dnsHeaderLen {
		return q, fmt.Errorf("%w: dns message of %d bytes is shorter than header", errDecode, len(wire))
	}

	flags := binary.BigEndian.Uint16(wire[2:4])
	q.rcode = int(flags & 0xf)

	if binary.BigEndian.Uint16(wire[4:6]) == 0 {
		return
	}

	name, off, err := dns.UnpackDomainName(wire, dnsHeaderLen)
	if err != nil {
		return q, fmt.Errorf("%w: bad qname: %s", errDecode, err)
	}

	if off+4 > len(wire) {
		return q, fmt.Errorf("%w: truncated question", errDecode)
	}

	q.qname = name
	q.qtype = binary.BigEndian.Uint16(wire[off : off+2])
	q.hasQ = true
	return
}

func rcodeString(rc int) string {
	if s, ok := dns.RcodeToString[rc]; ok {
		return s
	}

	return "RCODE" + strconv.Itoa(rc)
}

// decodeEnvelope turns one DATA frame payload into a record
func decodeEnvelope(payload []byte, now time.Time) (r record, err error) {
	dt := &dnstap.Dnstap{}
	if err = proto.Unmarshal(payload, dt); err != nil {
		return r, fmt.Errorf("%w: unmarshal failed: %s", errDecode, err)
	}

	m := dt.GetMessage()
	if dt.GetType() != dnstap.Dnstap_MESSAGE || m == nil {
		return r, fmt.Errorf("%w: envelope carries no message", errDecode)
	}

	if m.Type == nil {
		return r, fmt.Errorf("%w: message type is not set", errDecode)
	}

	r = record{
		Identity:     unknown,
		Message:      m.GetType().String(),
		Family:       socketFamily(m),
		Protocol:     socketProtocol(m),
		SourceIP:     unknown,
		SourcePort:   int(m.GetQueryPort()),
		QueryName:    unknown,
		QueryType:    unknown,
		ResponseCode: unknown,
	}

	if id := dt.GetIdentity(); len(id) > 0 {
		r.Identity = string(id)
	}

	if a := m.GetQueryAddress(); len(a) == net.IPv4len || len(a) == net.IPv6len {
		r.SourceIP = net.IP(a).String()
	}

	qt, hasQT := dnstapTime(m.QueryTimeSec, m.QueryTimeNsec)

	var wire []byte
	var ts time.Time
	var hasTS bool

	// odd message types are queries, even ones are responses
	if int32(m.GetType())%2 == 1 {
		wire, ts, hasTS = m.GetQueryMessage(), qt, hasQT
	} else {
		wire = m.GetResponseMessage()
		ts, hasTS = dnstapTime(m.ResponseTimeSec, m.ResponseTimeNsec)
		if hasTS && hasQT && !ts.Before(qt) {
			r.Latency = ts.Sub(qt)
		}
	}

	if !hasTS {
		ts = now
	}

	r.Timestamp = ts

	if len(wire) == 0 {
		return r, fmt.Errorf("%w: %s without dns message", errDecode, r.Message)
	}

	q, err := parseDNSQuestion(wire)
	if err != nil {
		return r, err
	}

	r.Length = len(wire)
	r.ResponseCode = rcodeString(q.rcode)

	if q.hasQ {
		r.QueryName = q.qname
		r.QueryType = dns.Type(q.qtype).String()
	}

	return r, nil
}
