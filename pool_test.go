package wire

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AcquireRelease(t *testing.T) {
	pool := NewByteBufferPool(2, 32)
	ctx := context.Background()

	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 0, pool.Available())
	assert.Equal(t, int64(2), pool.Stats().Leased)

	require.NoError(t, a.PutString("dirty"))
	a.Release()
	assert.Equal(t, 1, pool.Available())

	c, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), c.ID())
	assert.Zero(t, c.Position(), "released buffer must come back cleared")

	pool.Release(b)
	c.Release()
	assert.Equal(t, PoolStats{Size: 2, Available: 2}, pool.Stats())
}

func TestPool_DoubleReleaseIsNoop(t *testing.T) {
	pool := NewByteBufferPool(1, 8)

	buf, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	buf.Release()
	buf.Release()

	assert.Equal(t, 1, pool.Available())
	assert.Equal(t, int64(0), pool.Stats().Leased)
}

func TestPool_FailWhenExhausted(t *testing.T) {
	pool := NewByteBufferPool(1, 8, PoolPolicyOption(FailWhenExhausted))

	buf, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer buf.Release()

	_, err = pool.Acquire(context.Background())
	assert.True(t, errors.Is(err, ErrPoolExhausted))
}

func TestPool_OverflowWhenExhausted(t *testing.T) {
	pool := NewByteBufferPool(1, 8)

	pooled, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	extra, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	assert.False(t, pooled.IsOverflow())
	assert.True(t, extra.IsOverflow())
	assert.Equal(t, 8, extra.Capacity())
	assert.Equal(t, int64(1), pool.Stats().Overflowed)

	extra.Release()
	pooled.Release()
	assert.Equal(t, 1, pool.Available(), "overflow buffers are not returned to the pool")
	assert.Equal(t, int64(0), pool.Stats().Leased)
}

func TestPool_BlockWhenExhausted(t *testing.T) {
	pool := NewByteBufferPool(1, 8, PoolPolicyOption(BlockWhenExhausted))

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	got, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, held.ID(), got.ID())
	got.Release()
}

func TestPool_BlockWhenExhausted_ContextDone(t *testing.T) {
	pool := NewByteBufferPool(1, 8, PoolPolicyOption(BlockWhenExhausted))

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPool_ConcurrentExclusivity(t *testing.T) {
	for _, policy := range []PoolPolicy{BlockWhenExhausted, OverflowWhenExhausted} {
		t.Run(policy.String(), func(t *testing.T) {
			pool := NewByteBufferPool(4, 16, PoolPolicyOption(policy))
			var holders sync.Map
			var wg sync.WaitGroup
			violations := make(chan int64, 64)

			for worker := 0; worker < 16; worker++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 200; i++ {
						buf, err := pool.Acquire(context.Background())
						if err != nil {
							t.Error(err)
							return
						}
						if _, taken := holders.LoadOrStore(buf.ID(), worker); taken {
							violations <- buf.ID()
						}
						_ = buf.PutString("x")
						holders.Delete(buf.ID())
						buf.Release()
					}
				}()
			}
			wg.Wait()
			close(violations)

			for id := range violations {
				t.Errorf("buffer %d leased to two owners", id)
			}
			assert.Equal(t, 4, pool.Available())
			assert.Equal(t, int64(0), pool.Stats().Leased)
		})
	}
}
