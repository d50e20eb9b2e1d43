package wire

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ConsumerByteBuffer is a pooled byte buffer with a write cursor.
//
// A buffer starts in write mode: Put and Fill append at the position.
// Flip switches to read mode without copying, after which Bytes returns
// the written region. Release hands the buffer back to its pool; a
// released buffer must not be used until it is acquired again.
type ConsumerByteBuffer struct {
	id       int64
	data     []byte
	position int
	limit    int
	reading  bool
	overflow bool
	released atomic.Bool
	pool     *ByteBufferPool
}

func newConsumerByteBuffer(id int64, capacity int, pool *ByteBufferPool, overflow bool) *ConsumerByteBuffer {
	b := &ConsumerByteBuffer{
		id:       id,
		data:     make([]byte, capacity),
		limit:    capacity,
		overflow: overflow,
		pool:     pool,
	}
	b.released.Store(true)
	return b
}

// ID returns the buffer identity, unique within its pool.
func (b *ConsumerByteBuffer) ID() int64 { return b.id }

// Capacity returns the fixed size of the buffer.
func (b *ConsumerByteBuffer) Capacity() int { return len(b.data) }

// Position returns the current cursor.
func (b *ConsumerByteBuffer) Position() int { return b.position }

// Limit returns the end of the readable region in read mode, or the capacity in write mode.
func (b *ConsumerByteBuffer) Limit() int { return b.limit }

// Remaining returns the bytes left between position and limit.
func (b *ConsumerByteBuffer) Remaining() int { return b.limit - b.position }

// HasRemaining reports whether Remaining is positive.
func (b *ConsumerByteBuffer) HasRemaining() bool { return b.position < b.limit }

// IsOverflow reports whether the buffer was allocated outside its pool.
func (b *ConsumerByteBuffer) IsOverflow() bool { return b.overflow }

// IsReleased reports whether the buffer is currently not leased.
func (b *ConsumerByteBuffer) IsReleased() bool { return b.released.Load() }

// Put copies p at the position. It never writes past capacity: when p does
// not fit nothing is written and ErrBufferOverflow is returned.
func (b *ConsumerByteBuffer) Put(p []byte) error {
	if b.released.Load() {
		return ErrBufferReleased
	}
	if len(p) > b.Remaining() {
		return errors.Wrapf(ErrBufferOverflow, "put %d bytes into buffer %d with %d remaining",
			len(p), b.id, b.Remaining())
	}
	b.position += copy(b.data[b.position:], p)
	return nil
}

// PutString copies the bytes of s at the position.
func (b *ConsumerByteBuffer) PutString(s string) error {
	return b.Put([]byte(s))
}

// Fill performs a single Read from r into the remaining space and advances
// the position by the number of bytes read.
func (b *ConsumerByteBuffer) Fill(r io.Reader) (int, error) {
	if b.released.Load() {
		return 0, ErrBufferReleased
	}
	if !b.HasRemaining() {
		return 0, errors.Wrapf(ErrBufferOverflow, "buffer %d is full", b.id)
	}
	n, err := r.Read(b.data[b.position:b.limit])
	b.position += n
	return n, err
}

// Flip sets the limit to the position and rewinds the position to zero.
func (b *ConsumerByteBuffer) Flip() *ConsumerByteBuffer {
	b.limit = b.position
	b.position = 0
	b.reading = true
	return b
}

// Clear rewinds the buffer into write mode. Content is not zeroed.
func (b *ConsumerByteBuffer) Clear() *ConsumerByteBuffer {
	b.position = 0
	b.limit = len(b.data)
	b.reading = false
	return b
}

// Bytes returns the readable region: [position, limit) in read mode or
// [0, position) in write mode. The slice aliases the buffer and is only
// valid until Release.
func (b *ConsumerByteBuffer) Bytes() []byte {
	if b.reading {
		return b.data[b.position:b.limit]
	}
	return b.data[:b.position]
}

// String returns the readable region as text.
func (b *ConsumerByteBuffer) String() string {
	return string(b.Bytes())
}

// Release returns the buffer to its pool. Releasing twice is a no-op.
func (b *ConsumerByteBuffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.Clear()
	if b.pool != nil {
		b.pool.put(b)
	}
}

func (b *ConsumerByteBuffer) lease() *ConsumerByteBuffer {
	b.Clear()
	b.released.Store(false)
	return b
}
