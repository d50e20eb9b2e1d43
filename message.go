// Package wire is the transport layer of a distributed actor platform.
// It moves opaque byte messages between cluster nodes over TCP, frames them
// with a fixed length-prefixed header, and carries them in pooled buffers.
//
// Inbound traffic is driven by probes: InboundReader and Processor do all of
// their I/O from ProbeChannel, which is safe to call repeatedly from a timer.
// Outbound traffic goes through lazily (re)connecting channels and the
// Outbound broadcaster.
package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the frame header: a 4 byte id followed by a 4 byte
// payload length, both big-endian.
const HeaderSize = 8

// Message is the interface for messages transmitted over a connection.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

// RawMessage is an immutable framed unit: a sender-assigned id and an opaque payload.
type RawMessage struct {
	id      int32
	payload []byte
}

// NewRawMessage returns a message carrying a copy of payload.
func NewRawMessage(id int32, payload []byte) RawMessage {
	p := make([]byte, len(payload))
	copy(p, payload)
	return RawMessage{id: id, payload: p}
}

// RawMessageFromString returns a message whose payload is the UTF-8 encoding of text.
func RawMessageFromString(id int32, text string) RawMessage {
	return RawMessage{id: id, payload: []byte(text)}
}

// ID returns the stream or connection identifier assigned by the sender.
func (m RawMessage) ID() int32 { return m.id }

// Length returns the payload size in bytes.
func (m RawMessage) Length() int { return len(m.payload) }

// Body returns the payload. Callers must not modify it.
func (m RawMessage) Body() []byte { return m.payload }

// String returns the payload as text.
func (m RawMessage) String() string { return string(m.payload) }

// FrameSize returns the number of bytes the framed message occupies on the wire.
func (m RawMessage) FrameSize() int { return HeaderSize + len(m.payload) }

// AppendTo appends the framed message to dst and returns the extended slice.
func (m RawMessage) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.id))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.payload)))
	return append(dst, m.payload...)
}

// PutTo writes the framed message into buf. Nothing is written when the
// frame does not fit in the remaining space.
func (m RawMessage) PutTo(buf *ConsumerByteBuffer) error {
	if buf.Remaining() < m.FrameSize() {
		return errors.Wrapf(ErrBufferOverflow, "frame of %d bytes into buffer %d with %d remaining",
			m.FrameSize(), buf.ID(), buf.Remaining())
	}
	var header [HeaderSize]byte
	putHeader(header[:], m.id, len(m.payload))
	if err := buf.Put(header[:]); err != nil {
		return err
	}
	return buf.Put(m.payload)
}

// Encode returns the header and payload of a message as one byte slice.
func Encode(id int32, payload []byte) []byte {
	return RawMessage{id: id, payload: payload}.AppendTo(make([]byte, 0, HeaderSize+len(payload)))
}

func putHeader(dst []byte, id int32, length int) {
	binary.BigEndian.PutUint32(dst[0:4], uint32(id))
	binary.BigEndian.PutUint32(dst[4:8], uint32(length))
}

// parseHeader reads a header and validates the declared length against maxLength.
func parseHeader(src []byte, maxLength int) (int32, int, error) {
	id := int32(binary.BigEndian.Uint32(src[0:4]))
	length := int32(binary.BigEndian.Uint32(src[4:8]))
	if length < 0 {
		return 0, 0, errors.Wrapf(ErrCorruptFrame, "negative payload length %d", length)
	}
	if int(length) > maxLength {
		return 0, 0, errors.Wrapf(ErrCorruptFrame, "payload length %d exceeds %d", length, maxLength)
	}
	return id, int(length), nil
}

// Codec is the interface for message encoding and decoding on a streaming Conn.
//
// The Decode method reads from an io.Reader, which allows the codec to handle
// TCP stream reassembly by reading exactly the number of bytes needed for
// a complete message.
type Codec interface {
	// Decode reads and decodes a complete message from the reader.
	Decode(r io.Reader) (Message, error)
	// Encode encodes a Message into raw bytes for transmission.
	Encode(Message) ([]byte, error)
}

// RawMessageCodec is the Codec for the length-prefixed wire format.
type RawMessageCodec struct {
	// MaxLength bounds the payload size; zero means math.MaxInt32.
	MaxLength int
}

func (c RawMessageCodec) maxLength() int {
	if c.MaxLength <= 0 {
		return math.MaxInt32
	}
	return c.MaxLength
}

// Decode reads one framed message from r.
func (c RawMessageCodec) Decode(r io.Reader) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	id, length, err := parseHeader(header[:], c.maxLength())
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return RawMessage{id: id, payload: payload}, nil
}

// Encode frames m. Messages that are not a RawMessage are sent with id 0.
func (c RawMessageCodec) Encode(m Message) ([]byte, error) {
	if m.Length() > c.maxLength() {
		return nil, errors.Wrapf(ErrMessageTooLarge, "payload of %d bytes", m.Length())
	}
	if raw, ok := m.(RawMessage); ok {
		return raw.AppendTo(make([]byte, 0, raw.FrameSize())), nil
	}
	return Encode(0, m.Body()), nil
}
