package wire

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InboundReader owns a listening socket and reads framed messages from
// every connection accepted on it. All I/O happens in ProbeChannel.
type InboundReader struct {
	name     string
	listener *net.TCPListener
	pool     *ByteBufferPool
	logger   Logger
	opts     options

	// bounds pool waits under BlockWhenExhausted
	ctx    context.Context
	cancel context.CancelFunc

	probeMu sync.Mutex

	mu          sync.Mutex
	consumer    ChannelReaderConsumer
	conns       []*inboundConn
	nextID      int64
	closed      bool
	cancellable Cancellable
}

// inboundConn is the per-connection state of an InboundReader.
type inboundConn struct {
	id      int64
	conn    *net.TCPConn
	buffer  *ConsumerByteBuffer
	builder *RawMessageBuilder
}

// NewInboundReader binds address. A bind failure is returned to the caller
// and never retried.
func NewInboundReader(address, name string, opt ...Option) (*InboundReader, error) {
	opts := newOptions(opt...)

	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", address)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", address)
	}

	opts.logger.Info("reader listening", "reader", name, "addr", listener.Addr())
	ctx, cancel := context.WithCancel(context.Background())
	return &InboundReader{
		name:     name,
		listener: listener,
		pool:     opts.bufferPool(),
		logger:   opts.logger,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Name returns the reader name used in logs.
func (r *InboundReader) Name() string { return r.name }

// Addr returns the listener's network address.
func (r *InboundReader) Addr() net.Addr { return r.listener.Addr() }

// ConnectionCount returns the number of open connections.
func (r *InboundReader) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// OpenFor binds consumer to the reader. Messages are only read once a consumer is bound.
func (r *InboundReader) OpenFor(consumer ChannelReaderConsumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrReaderClosed
	}
	r.consumer = consumer
	return nil
}

// Start schedules ProbeChannel on the reader's scheduler until Close.
func (r *InboundReader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrReaderClosed
	}
	if r.cancellable == nil {
		r.cancellable = r.opts.scheduler.Schedule(func() {
			safely(r.logger, "probe", r.ProbeChannel, "reader", r.name)
		}, r.opts.probeDelay, r.opts.probeInterval)
	}
	return nil
}

// ProbeChannel accepts at most one pending connection, then reads once from
// every readable connection and delivers each message it completes. It is
// a no-op when idle, closed or not yet opened for a consumer.
func (r *InboundReader) ProbeChannel() {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()

	r.mu.Lock()
	if r.closed || r.consumer == nil {
		r.mu.Unlock()
		return
	}
	consumer := r.consumer
	conns := append([]*inboundConn(nil), r.conns...)
	r.mu.Unlock()

	r.accept()
	for _, c := range conns {
		r.probeConnection(consumer, c)
	}
}

// Close shuts the listener and every open connection, waiting for an
// in-flight probe to finish. A probe waiting for a buffer gives up. It must
// not be called from a consumer.
func (r *InboundReader) Close() error {
	r.cancel()
	r.probeMu.Lock()
	defer r.probeMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := r.conns
	r.conns = nil
	cancellable := r.cancellable
	r.mu.Unlock()

	if cancellable != nil {
		cancellable.Cancel()
	}
	err := r.listener.Close()
	for _, c := range conns {
		r.release(c)
	}
	r.logger.Info("reader closed", "reader", r.name)
	return err
}

func (r *InboundReader) accept() {
	ready, err := readable(r.listener)
	if err != nil {
		r.logger.Warn("listener readiness check failed", "reader", r.name, "error", err)
		return
	}
	if !ready {
		return
	}

	_ = r.listener.SetDeadline(time.Now().Add(r.opts.probeTimeout))
	conn, err := r.listener.AcceptTCP()
	if err != nil {
		if !isTimeout(err) && !isClosedErr(err) {
			r.logger.Warn("accept failed", "reader", r.name, "error", err)
		}
		return
	}
	_ = conn.SetNoDelay(true)

	buffer, err := r.pool.Acquire(r.ctx)
	if err != nil {
		r.logger.Warn("no buffer for connection, closing", "reader", r.name, "remote_addr", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		buffer.Release()
		conn.Close()
		return
	}
	r.nextID++
	c := &inboundConn{
		id:      r.nextID,
		conn:    conn,
		buffer:  buffer,
		builder: NewRawMessageBuilder(r.opts.maxReadLength),
	}
	r.conns = append(r.conns, c)
	r.mu.Unlock()

	r.logger.Debug("accepted connection", "reader", r.name, "conn", c.id, "remote_addr", conn.RemoteAddr())
}

func (r *InboundReader) probeConnection(consumer ChannelReaderConsumer, c *inboundConn) {
	ready, err := readable(c.conn)
	if err != nil {
		r.drop(c, "readiness check failed", err)
		return
	}
	if !ready {
		return
	}

	n, readErr := readOnce(c.conn, c.buffer.Clear(), r.opts.probeTimeout)
	if n > 0 {
		messages, err := c.builder.Feed(c.buffer.Bytes())
		for _, m := range messages {
			safely(r.logger, "consumer", func() {
				consumer.Consume(m)
			}, "reader", r.name, "conn", c.id)
		}
		if err != nil {
			r.drop(c, "framing violation", err)
			return
		}
	}

	switch {
	case readErr == io.EOF:
		r.logger.Debug("peer closed connection", "reader", r.name, "conn", c.id)
		r.drop(c, "", nil)
	case readErr != nil:
		r.drop(c, "read failed", readErr)
	}
}

// drop removes c from the reader and releases it.
func (r *InboundReader) drop(c *inboundConn, msg string, err error) {
	r.mu.Lock()
	found := false
	for i, other := range r.conns {
		if other == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			found = true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return
	}
	if err != nil {
		r.logger.Warn(msg, "reader", r.name, "conn", c.id, "remote_addr", c.conn.RemoteAddr(), "error", err)
	}
	r.release(c)
}

func (r *InboundReader) release(c *inboundConn) {
	_ = c.conn.Close()
	c.buffer.Release()
}
