package wire

import "github.com/pkg/errors"

// Framing errors.
var (
	// ErrCorruptFrame is returned when a header declares a length that cannot be
	// reconciled with the stream. The connection carrying it must be closed.
	ErrCorruptFrame = errors.New("corrupt frame")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
)

// Buffer and pool errors.
var (
	// ErrBufferOverflow is returned when a Put would write past a buffer's capacity.
	ErrBufferOverflow = errors.New("buffer overflow")
	// ErrBufferReleased is returned when a released buffer is used.
	ErrBufferReleased = errors.New("buffer released")
	// ErrPoolExhausted is returned by a pool using FailWhenExhausted when no buffer is free.
	ErrPoolExhausted = errors.New("buffer pool exhausted")
)

// Channel errors.
var (
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrReaderClosed is returned when probing or opening a closed reader.
	ErrReaderClosed = errors.New("reader closed")
	// ErrUnknownNode is returned when no outbound channel exists for a node.
	ErrUnknownNode = errors.New("unknown node")
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrBufferFull is returned when the send buffer of a Conn is full.
	// This indicates backpressure: the peer is not consuming fast enough.
	ErrBufferFull = errors.New("send buffer full")
)
