package wire

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T, opts ...Option) *InboundReader {
	t.Helper()
	opts = append([]Option{LoggerOption(quietLogger()), MessageBufferSizeOption(1024)}, opts...)
	reader, err := NewInboundReader("127.0.0.1:0", "test-reader", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	return reader
}

func TestChannelWriterToReader(t *testing.T) {
	reader := newTestReader(t)
	consumer := &recordingReaderConsumer{}
	require.NoError(t, reader.OpenFor(consumer))

	writer := NewOutboundChannel(reader.Addr().String(), LoggerOption(quietLogger()))
	defer writer.Close()

	require.NoError(t, writer.WriteMessage(RawMessageFromString(0, "TEST 1")))
	probeUntil(t, reader.ProbeChannel, func() bool { return consumer.count() >= 1 })
	assert.Equal(t, "TEST 1", consumer.payloads()[0])

	require.NoError(t, writer.WriteMessage(RawMessageFromString(0, "TEST 2")))
	probeUntil(t, reader.ProbeChannel, func() bool { return consumer.count() >= 2 })

	assert.Equal(t, []string{"TEST 1", "TEST 2"}, consumer.payloads())
}

func TestReader_OrderAndIntegrity(t *testing.T) {
	reader := newTestReader(t)
	consumer := &recordingReaderConsumer{}
	require.NoError(t, reader.OpenFor(consumer))

	writer := NewOutboundChannel(reader.Addr().String(), LoggerOption(quietLogger()))
	defer writer.Close()

	var want []string
	for i := 0; i < 200; i++ {
		payload := fmt.Sprintf("message-%03d-%s", i, string(make([]byte, i%17)))
		want = append(want, payload)
		require.NoError(t, writer.WriteMessage(RawMessageFromString(int32(i), payload)))
	}

	probeUntil(t, reader.ProbeChannel, func() bool { return consumer.count() >= len(want) })
	assert.Equal(t, want, consumer.payloads())

	consumer.mu.Lock()
	for i, m := range consumer.messages {
		assert.Equal(t, int32(i), m.ID())
	}
	consumer.mu.Unlock()
}

func TestReader_FragmentedFrame(t *testing.T) {
	reader := newTestReader(t)
	consumer := &recordingReaderConsumer{}
	require.NoError(t, reader.OpenFor(consumer))

	conn, err := net.Dial("tcp", reader.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	frame := Encode(9, []byte("fragmented payload"))
	for i := range frame {
		_, err := conn.Write(frame[i : i+1])
		require.NoError(t, err)
		reader.ProbeChannel()
		time.Sleep(time.Millisecond)
	}

	probeUntil(t, reader.ProbeChannel, func() bool { return consumer.count() >= 1 })
	reader.ProbeChannel()
	assert.Equal(t, []string{"fragmented payload"}, consumer.payloads())
}

func TestReader_IdleProbeIsNoop(t *testing.T) {
	reader := newTestReader(t)
	consumer := &recordingReaderConsumer{}

	// not opened yet: nothing is accepted
	reader.ProbeChannel()
	require.NoError(t, reader.OpenFor(consumer))
	for i := 0; i < 5; i++ {
		reader.ProbeChannel()
	}

	assert.Zero(t, consumer.count())
	assert.Zero(t, reader.ConnectionCount())
}

func TestReader_PeerDisconnectReleasesBuffer(t *testing.T) {
	pool := NewByteBufferPool(4, 256)
	reader := newTestReader(t, SharedPoolOption(pool))
	require.NoError(t, reader.OpenFor(&recordingReaderConsumer{}))

	conn, err := net.Dial("tcp", reader.Addr().String())
	require.NoError(t, err)

	probeUntil(t, reader.ProbeChannel, func() bool { return reader.ConnectionCount() == 1 })
	assert.Equal(t, 3, pool.Available())

	conn.Close()
	probeUntil(t, reader.ProbeChannel, func() bool { return reader.ConnectionCount() == 0 })
	assert.Equal(t, 4, pool.Available())
}

func TestReader_FramingViolationClosesConnection(t *testing.T) {
	reader := newTestReader(t, MessageMaxSize(64))
	consumer := &recordingReaderConsumer{}
	require.NoError(t, reader.OpenFor(consumer))

	conn, err := net.Dial("tcp", reader.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	probeUntil(t, reader.ProbeChannel, func() bool { return reader.ConnectionCount() == 1 })

	// declares a payload above the maximum
	_, err = conn.Write([]byte{0, 0, 0, 1, 0, 0, 1, 0})
	require.NoError(t, err)

	probeUntil(t, reader.ProbeChannel, func() bool { return reader.ConnectionCount() == 0 })
	assert.Zero(t, consumer.count())
}

func TestReader_ConsumerPanicDoesNotStopProbing(t *testing.T) {
	reader := newTestReader(t)
	consumer := &recordingReaderConsumer{}
	require.NoError(t, reader.OpenFor(ChannelReaderConsumerFunc(func(m RawMessage) {
		consumer.Consume(m)
		if m.String() == "bad" {
			panic("consumer failure")
		}
	})))

	writer := NewOutboundChannel(reader.Addr().String(), LoggerOption(quietLogger()))
	defer writer.Close()

	require.NoError(t, writer.WriteMessage(RawMessageFromString(1, "bad")))
	require.NoError(t, writer.WriteMessage(RawMessageFromString(2, "good")))

	probeUntil(t, reader.ProbeChannel, func() bool { return consumer.count() >= 2 })
	assert.Equal(t, []string{"bad", "good"}, consumer.payloads())
}

func TestReader_BindFailure(t *testing.T) {
	reader := newTestReader(t)

	_, err := NewInboundReader(reader.Addr().String(), "second", LoggerOption(quietLogger()))
	assert.Error(t, err)
}

func TestReader_Close(t *testing.T) {
	pool := NewByteBufferPool(2, 64)
	reader, err := NewInboundReader("127.0.0.1:0", "closing", LoggerOption(quietLogger()), SharedPoolOption(pool))
	require.NoError(t, err)
	require.NoError(t, reader.OpenFor(&recordingReaderConsumer{}))

	conn, err := net.Dial("tcp", reader.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	probeUntil(t, reader.ProbeChannel, func() bool { return reader.ConnectionCount() == 1 })

	require.NoError(t, reader.Close())
	assert.NoError(t, reader.Close())
	assert.Equal(t, 2, pool.Available())
	assert.Equal(t, ErrReaderClosed, reader.OpenFor(&recordingReaderConsumer{}))
	reader.ProbeChannel()
}

func TestReader_StartSchedulesProbes(t *testing.T) {
	scheduler := &manualScheduler{}
	reader := newTestReader(t, SchedulerOption(scheduler), ProbeIntervalOption(time.Second, time.Millisecond))
	consumer := &recordingReaderConsumer{}
	require.NoError(t, reader.OpenFor(consumer))
	require.NoError(t, reader.Start())
	require.NoError(t, reader.Start())

	tasks := scheduler.tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, time.Second, tasks[0].delay)
	assert.Equal(t, time.Millisecond, tasks[0].interval)

	writer := NewOutboundChannel(reader.Addr().String(), LoggerOption(quietLogger()))
	defer writer.Close()
	require.NoError(t, writer.WriteMessage(RawMessageFromString(1, "scheduled")))
	probeUntil(t, tasks[0].fn, func() bool { return consumer.count() == 1 })

	require.NoError(t, reader.Close())
	assert.True(t, tasks[0].cancelled)
}

func TestReader_CloseUnblocksWaitingProbe(t *testing.T) {
	pool := NewByteBufferPool(1, 64, PoolPolicyOption(BlockWhenExhausted))
	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	reader := newTestReader(t, SharedPoolOption(pool))
	require.NoError(t, reader.OpenFor(&recordingReaderConsumer{}))

	conn, err := net.Dial("tcp", reader.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	probed := make(chan struct{})
	go func() {
		reader.ProbeChannel()
		close(probed)
	}()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- reader.Close() }()

	select {
	case <-probed:
	case <-time.After(5 * time.Second):
		t.Fatal("probe still waiting for a buffer after Close")
	}
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Zero(t, reader.ConnectionCount())
}
