package main

import (
	"bytes"
	"encoding/binary"
	"fmt"

	dnstap "github.com/dnstap/golang-dnstap"
)

// Frame Streams control frame types
const (
	controlAccept uint32 = 0x01
	controlStart  uint32 = 0x02
	controlStop   uint32 = 0x03
	controlReady  uint32 = 0x04
	controlFinish uint32 = 0x05

	controlFieldContentType uint32 = 0x01

	maxControlFrameSize = 512
	maxContentTypeSize  = 256

	// EDNS0 and DNS over TCP cap a DNS message at 65535 octets, dnstap metadata
	// adds well under 1KB, the rest is headroom for extra fields.
	defaultMaxFrameSize = 96 * 1024
)

var dnstapContentType = dnstap.FSContentType

type frameKind int

const (
	frameData frameKind = iota
	frameAccept
	frameStart
	frameStop
	frameReady
	frameFinish
	frameUnknown
)

func (k frameKind) String() string {
	switch k {
	case frameData:
		return "DATA"
	case frameAccept:
		return "ACCEPT"
	case frameStart:
		return "START"
	case frameStop:
		return "STOP"
	case frameReady:
		return "READY"
	case frameFinish:
		return "FINISH"
	}

	return "UNKNOWN"
}

func controlKind(ctype uint32) frameKind {
	switch ctype {
	case controlAccept:
		return frameAccept
	case controlStart:
		return frameStart
	case controlStop:
		return frameStop
	case controlReady:
		return frameReady
	case controlFinish:
		return frameFinish
	}

	return frameUnknown
}

type decodeStage int

const (
	stageLength decodeStage = iota
	stageControlLength
	stageControlBody
	stageData
)

// frameDecoder turns a byte stream into Frame Streams frames.
// It performs no I/O: the caller appends what it read and asks for frames.
type frameDecoder struct {
	buf []byte
	off int

	stage decodeStage
	need  int

	maxFrameSize int

	ready   bool
	kind    frameKind
	payload []byte
}

func newFrameDecoder(maxFrameSize int) *frameDecoder {
	if maxFrameSize <= 0 {
		maxFrameSize = defaultMaxFrameSize
	}

	return &frameDecoder{
		stage:        stageLength,
		need:         4,
		maxFrameSize: maxFrameSize,
	}
}

func (d *frameDecoder) buffered() int {
	return len(d.buf) - d.off
}

// pendingBytes returns how many more octets are needed before process can advance.
func (d *frameDecoder) pendingBytes() int {
	if d.ready {
		return 0
	}

	if n := d.need - d.buffered(); n > 0 {
		return n
	}

	return 0
}

// idle is true between frames: nothing buffered and no frame half read
func (d *frameDecoder) idle() bool {
	return !d.ready && d.stage == stageLength && d.buffered() == 0
}

func (d *frameDecoder) append(b []byte) {
	d.buf = append(d.buf, b...)
}

func (d *frameDecoder) take(n int) []byte {
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

// process extracts at most one frame from the buffer.
// It returns true once a frame is ready to be taken with decode.
func (d *frameDecoder) process() (bool, error) {
	for !d.ready && d.buffered() >= d.need {
		switch d.stage {
		case stageLength:
			l := binary.BigEndian.Uint32(d.take(4))
			if l == 0 {
				d.stage, d.need = stageControlLength, 4
				continue
			}

			if l > uint32(d.maxFrameSize) {
				return false, fmt.Errorf("%w: data frame of %d bytes exceeds limit %d", errProtocol, l, d.maxFrameSize)
			}

			d.stage, d.need = stageData, int(l)

		case stageControlLength:
			l := binary.BigEndian.Uint32(d.take(4))
			if l < 4 || l > maxControlFrameSize {
				return false, fmt.Errorf("%w: bad control frame length %d", errProtocol, l)
			}

			d.stage, d.need = stageControlBody, int(l)

		case stageControlBody:
			body := d.take(d.need)
			fields := body[4:]
			if _, err := parseContentTypes(fields); err != nil {
				return false, err
			}

			d.finish(controlKind(binary.BigEndian.Uint32(body[:4])), fields)

		case stageData:
			d.finish(frameData, d.take(d.need))
		}
	}

	return d.ready, nil
}

func (d *frameDecoder) finish(kind frameKind, payload []byte) {
	d.ready = true
	d.kind = kind
	d.payload = append([]byte(nil), payload...)
	d.stage, d.need = stageLength, 4
}

// decode removes the completed frame. The payload is owned by the caller.
func (d *frameDecoder) decode() (frameKind, []byte, error) {
	if !d.ready {
		return 0, nil, fmt.Errorf("%w: no complete frame", errProtocol)
	}

	kind, payload := d.kind, d.payload
	d.ready, d.payload = false, nil

	// compact once everything buffered was consumed, or the dead prefix dominates
	if d.off == len(d.buf) {
		d.buf, d.off = d.buf[:0], 0
	} else if d.off > len(d.buf)/2 {
		d.buf = append(d.buf[:0], d.buf[d.off:]...)
		d.off = 0
	}

	return kind, payload, nil
}

// parseContentTypes decodes the fields of a control frame.
// Fields other than content type are skipped.
func parseContentTypes(fields []byte) (cts [][]byte, err error) {
	for len(fields) > 0 {
		if len(fields) < 8 {
			return nil, fmt.Errorf("%w: truncated control field header", errProtocol)
		}

		ft := binary.BigEndian.Uint32(fields[:4])
		fl := binary.BigEndian.Uint32(fields[4:8])
		fields = fields[8:]

		if fl > uint32(len(fields)) {
			return nil, fmt.Errorf("%w: truncated control field (%d > %d)", errProtocol, fl, len(fields))
		}

		if ft == controlFieldContentType {
			if fl > maxContentTypeSize {
				return nil, fmt.Errorf("%w: content type of %d bytes too long", errProtocol, fl)
			}

			cts = append(cts, fields[:fl])
		}

		fields = fields[fl:]
	}

	return
}

func hasContentType(cts [][]byte, ct []byte) bool {
	for _, c := range cts {
		if bytes.Equal(c, ct) {
			return true
		}
	}

	return false
}

// encodeControl serializes an escaped control frame with the given content types.
func encodeControl(ctype uint32, contentTypes ...[]byte) []byte {
	l := 4
	for _, ct := range contentTypes {
		l += 8 + len(ct)
	}

	b := make([]byte, 0, 8+l)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = binary.BigEndian.AppendUint32(b, uint32(l))
	b = binary.BigEndian.AppendUint32(b, ctype)

	for _, ct := range contentTypes {
		b = binary.BigEndian.AppendUint32(b, controlFieldContentType)
		b = binary.BigEndian.AppendUint32(b, uint32(len(ct)))
		b = append(b, ct...)
	}

	return b
}
