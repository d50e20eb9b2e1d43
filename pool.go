package wire

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// PoolPolicy selects what Acquire does when every pooled buffer is leased.
type PoolPolicy int

const (
	// OverflowWhenExhausted allocates a buffer outside the pool. Overflow
	// buffers are dropped on release rather than joining the free list.
	OverflowWhenExhausted PoolPolicy = iota
	// BlockWhenExhausted waits for a release or for the context to end.
	BlockWhenExhausted
	// FailWhenExhausted returns ErrPoolExhausted.
	FailWhenExhausted
)

func (p PoolPolicy) String() string {
	switch p {
	case OverflowWhenExhausted:
		return "overflow"
	case BlockWhenExhausted:
		return "block"
	case FailWhenExhausted:
		return "fail"
	default:
		return "unknown"
	}
}

// PoolStats is a snapshot of pool accounting.
type PoolStats struct {
	Size       int   // buffers owned by the pool
	Available  int   // pooled buffers free for lease
	Leased     int64 // buffers currently leased, overflow included
	Overflowed int64 // overflow buffers allocated since creation
}

// ByteBufferPool is a bounded set of ConsumerByteBuffers of one size class.
// The free list is a buffered channel, so a buffer sits either in the
// channel or with exactly one owner.
type ByteBufferPool struct {
	bufferSize int
	policy     PoolPolicy
	free       chan *ConsumerByteBuffer

	nextID     atomic.Int64
	leased     atomic.Int64
	overflowed atomic.Int64
}

// PoolOption configures a ByteBufferPool.
type PoolOption func(*ByteBufferPool)

// PoolPolicyOption sets the exhaustion policy.
func PoolPolicyOption(policy PoolPolicy) PoolOption {
	return func(p *ByteBufferPool) {
		p.policy = policy
	}
}

// NewByteBufferPool allocates size buffers of bufferSize bytes each.
func NewByteBufferPool(size, bufferSize int, opts ...PoolOption) *ByteBufferPool {
	if size <= 0 {
		size = defaultPoolSize
	}
	if bufferSize <= 0 {
		bufferSize = defaultMessageBufferSize
	}

	p := &ByteBufferPool{
		bufferSize: bufferSize,
		free:       make(chan *ConsumerByteBuffer, size),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < size; i++ {
		p.free <- newConsumerByteBuffer(p.nextID.Add(1), bufferSize, p, false)
	}
	return p
}

// Acquire leases a buffer in write mode. When the pool is empty the
// configured policy decides between waiting, failing and overflow allocation.
func (p *ByteBufferPool) Acquire(ctx context.Context) (*ConsumerByteBuffer, error) {
	select {
	case b := <-p.free:
		return p.leaseFrom(b), nil
	default:
	}

	switch p.policy {
	case FailWhenExhausted:
		return nil, errors.Wrapf(ErrPoolExhausted, "all %d buffers leased", cap(p.free))
	case BlockWhenExhausted:
		select {
		case b := <-p.free:
			return p.leaseFrom(b), nil
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "waiting for buffer")
		}
	default:
		p.overflowed.Add(1)
		b := newConsumerByteBuffer(p.nextID.Add(1), p.bufferSize, p, true)
		return p.leaseFrom(b), nil
	}
}

// Release returns buf to the pool. It is equivalent to buf.Release().
func (p *ByteBufferPool) Release(buf *ConsumerByteBuffer) {
	if buf != nil {
		buf.Release()
	}
}

func (p *ByteBufferPool) leaseFrom(b *ConsumerByteBuffer) *ConsumerByteBuffer {
	p.leased.Add(1)
	return b.lease()
}

// put is called by a buffer that has just transitioned to released.
func (p *ByteBufferPool) put(b *ConsumerByteBuffer) {
	p.leased.Add(-1)
	if b.overflow {
		return
	}
	p.free <- b
}

// Size returns the number of pooled buffers.
func (p *ByteBufferPool) Size() int { return cap(p.free) }

// BufferSize returns the capacity of each buffer.
func (p *ByteBufferPool) BufferSize() int { return p.bufferSize }

// Available returns the number of pooled buffers free for lease.
func (p *ByteBufferPool) Available() int { return len(p.free) }

// Policy returns the exhaustion policy.
func (p *ByteBufferPool) Policy() PoolPolicy { return p.policy }

// Stats returns a snapshot of the pool accounting.
func (p *ByteBufferPool) Stats() PoolStats {
	return PoolStats{
		Size:       cap(p.free),
		Available:  len(p.free),
		Leased:     p.leased.Load(),
		Overflowed: p.overflowed.Load(),
	}
}
