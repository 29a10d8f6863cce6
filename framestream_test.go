package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"testing"

	framestream "github.com/farsightsec/golang-framestream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFrame struct {
	kind    frameKind
	payload []byte
}

// feed pushes stream into d in chunks of the given size and collects every frame
func feed(d *frameDecoder, stream []byte, chunk int) (frames []testFrame, err error) {
	for off := 0; off < len(stream); off += chunk {
		end := off + chunk
		if end > len(stream) {
			end = len(stream)
		}

		d.append(stream[off:end])

		for {
			ok, err := d.process()
			if err != nil {
				return frames, err
			}

			if !ok {
				break
			}

			k, p, err := d.decode()
			if err != nil {
				return frames, err
			}

			frames = append(frames, testFrame{k, p})
		}
	}

	return
}

func testStream() (stream []byte, exp []testFrame) {
	stream = append(stream, encodeControl(controlReady, dnstapContentType)...)
	exp = append(exp, testFrame{frameReady, nil})

	stream = append(stream, encodeControl(controlStart, dnstapContentType)...)
	exp = append(exp, testFrame{frameStart, nil})

	for i := 0; i < 5; i++ {
		p := []byte(fmt.Sprintf("payload-%d", i))
		stream = append(stream, encodeData(p)...)
		exp = append(exp, testFrame{frameData, p})
	}

	stream = append(stream, encodeControl(controlStop)...)
	exp = append(exp, testFrame{frameStop, nil})
	return
}

func Test_frameDecoderChunks(t *testing.T) {
	stream, exp := testStream()

	for chunk := 1; chunk <= len(stream); chunk++ {
		frames, err := feed(newFrameDecoder(0), stream, chunk)
		require.Nil(t, err, "chunk %d", chunk)
		require.Len(t, frames, len(exp), "chunk %d", chunk)

		for i := range exp {
			assert.Equal(t, exp[i].kind, frames[i].kind, "chunk %d frame %d", chunk, i)
			if exp[i].kind == frameData {
				assert.Equal(t, exp[i].payload, frames[i].payload, "chunk %d frame %d", chunk, i)
			}
		}
	}
}

func Test_frameDecoderPendingBytes(t *testing.T) {
	d := newFrameDecoder(0)
	assert.Equal(t, 4, d.pendingBytes())

	d.append([]byte{0, 0})
	assert.Equal(t, 2, d.pendingBytes())

	d.append([]byte{0, 10})
	ok, err := d.process()
	assert.Nil(t, err)
	assert.False(t, ok)
	assert.Equal(t, 10, d.pendingBytes())

	d.append(make([]byte, 10))
	ok, err = d.process()
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, d.pendingBytes())

	k, p, err := d.decode()
	assert.Nil(t, err)
	assert.Equal(t, frameData, k)
	assert.Len(t, p, 10)
	assert.Equal(t, 4, d.pendingBytes())
}

func Test_frameDecoderIdle(t *testing.T) {
	d := newFrameDecoder(0)
	assert.True(t, d.idle())

	d.append([]byte{0, 0, 0, 100})
	_, err := d.process()
	assert.Nil(t, err)
	assert.False(t, d.idle())

	d.append(make([]byte, 100))
	ok, err := d.process()
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.False(t, d.idle())

	_, _, err = d.decode()
	assert.Nil(t, err)
	assert.True(t, d.idle())

	// escape marker of a control frame
	d.append([]byte{0, 0, 0, 0})
	_, err = d.process()
	assert.Nil(t, err)
	assert.False(t, d.idle())

	d = newFrameDecoder(0)
	d.append([]byte{0, 0})
	assert.False(t, d.idle())
}

func Test_frameDecoderPayloadOwned(t *testing.T) {
	d := newFrameDecoder(0)
	d.append(encodeData([]byte("first")))
	d.append(encodeData([]byte("second")))

	ok, err := d.process()
	require.Nil(t, err)
	require.True(t, ok)

	_, p1, err := d.decode()
	require.Nil(t, err)

	ok, err = d.process()
	require.Nil(t, err)
	require.True(t, ok)

	_, p2, err := d.decode()
	require.Nil(t, err)

	d.append(bytes.Repeat([]byte{0xff}, 64))

	assert.Equal(t, []byte("first"), p1)
	assert.Equal(t, []byte("second"), p2)
}

func Test_frameDecoderErrors(t *testing.T) {
	_, _, err := newFrameDecoder(0).decode()
	assert.ErrorIs(t, err, errProtocol)

	_, err = feed(newFrameDecoder(0), []byte{0, 0, 0, 0, 0, 0, 0, 2}, 8)
	assert.ErrorIs(t, err, errProtocol)

	_, err = feed(newFrameDecoder(0), []byte{0, 0, 0, 0, 0, 0, 0x10, 0}, 8)
	assert.ErrorIs(t, err, errProtocol)

	_, err = feed(newFrameDecoder(16), encodeData(make([]byte, 17)), 64)
	assert.ErrorIs(t, err, errProtocol)

	frames, err := feed(newFrameDecoder(16), encodeData(make([]byte, 16)), 64)
	assert.Nil(t, err)
	assert.Len(t, frames, 1)

	// content type field claims more bytes than the control frame has
	b := binary.BigEndian.AppendUint32(nil, 0)
	b = binary.BigEndian.AppendUint32(b, 12)
	b = binary.BigEndian.AppendUint32(b, controlReady)
	b = binary.BigEndian.AppendUint32(b, controlFieldContentType)
	b = binary.BigEndian.AppendUint32(b, 100)
	_, err = feed(newFrameDecoder(0), b, len(b))
	assert.ErrorIs(t, err, errProtocol)
}

func Test_frameDecoderUnknownControl(t *testing.T) {
	frames, err := feed(newFrameDecoder(0), encodeControl(0x77), 3)
	assert.Nil(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, frameUnknown, frames[0].kind)
}

func Test_contentTypes(t *testing.T) {
	b := encodeControl(controlReady, []byte("foo"), dnstapContentType)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(b[:4]))
	assert.Equal(t, uint32(len(b)-8), binary.BigEndian.Uint32(b[4:8]))

	cts, err := parseContentTypes(b[12:])
	assert.Nil(t, err)
	assert.Equal(t, [][]byte{[]byte("foo"), dnstapContentType}, cts)
	assert.True(t, hasContentType(cts, dnstapContentType))
	assert.False(t, hasContentType(cts, []byte("bar")))

	cts, err = parseContentTypes(nil)
	assert.Nil(t, err)
	assert.Empty(t, cts)

	_, err = parseContentTypes([]byte{0, 0, 0, 1})
	assert.ErrorIs(t, err, errProtocol)

	long := encodeControl(controlReady, make([]byte, maxContentTypeSize+1))
	_, err = parseContentTypes(long[12:])
	assert.ErrorIs(t, err, errProtocol)
}

// frames written by the reference encoder must decode
func Test_frameDecoderInterop(t *testing.T) {
	buf := &bytes.Buffer{}

	enc, err := framestream.NewEncoder(buf, &framestream.EncoderOptions{
		ContentType: dnstapContentType,
	})
	require.Nil(t, err)

	exp := [][]byte{}
	for i := 0; i < 10; i++ {
		p := bytes.Repeat([]byte{byte(i)}, i*100+1)
		exp = append(exp, p)

		_, err = enc.Write(p)
		require.Nil(t, err)
	}

	require.Nil(t, enc.Flush())
	require.Nil(t, enc.Close())

	frames, err := feed(newFrameDecoder(0), buf.Bytes(), 7)
	require.Nil(t, err)

	data := [][]byte{}
	for _, f := range frames {
		if f.kind == frameData {
			data = append(data, f.payload)
		}
	}

	assert.Equal(t, frameStart, frames[0].kind)
	assert.Equal(t, frameStop, frames[len(frames)-1].kind)
	assert.Equal(t, exp, data)
}

// and control frames we write must be understood by the reference decoder
func Test_encodeControlInterop(t *testing.T) {
	var stream []byte
	stream = append(stream, encodeControl(controlStart, dnstapContentType)...)
	stream = append(stream, encodeData([]byte("hello"))...)
	stream = append(stream, encodeControl(controlStop)...)

	dec, err := framestream.NewDecoder(bytes.NewReader(stream), &framestream.DecoderOptions{
		ContentType: dnstapContentType,
	})
	require.Nil(t, err)

	f, err := dec.Decode()
	require.Nil(t, err)
	assert.Equal(t, []byte("hello"), f)

	_, err = dec.Decode()
	assert.Equal(t, io.EOF, err)
}
