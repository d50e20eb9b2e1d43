package wire

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// ClientChannel is the client side of a request/response channel. Requests
// go out through a lazily connecting OutboundChannel; ProbeChannel reads
// whatever the server has sent back and hands it to the consumer.
type ClientChannel struct {
	channel  *OutboundChannel
	consumer ResponseChannelConsumer
	pool     *ByteBufferPool
	logger   Logger
	opts     options

	// bounds pool waits under BlockWhenExhausted
	ctx    context.Context
	cancel context.CancelFunc

	probeMu sync.Mutex
	closed  atomic.Bool
}

// NewClientChannel returns a channel to address. No socket is opened until
// the first request.
func NewClientChannel(address string, consumer ResponseChannelConsumer, opt ...Option) *ClientChannel {
	opts := newOptions(opt...)
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientChannel{
		channel:  NewOutboundChannel(address, LoggerOption(opts.logger), DialTimeoutOption(opts.dialTimeout), WriteTimeoutOption(opts.writeTimeout)),
		consumer: consumer,
		pool:     opts.bufferPool(),
		logger:   opts.logger,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RequestWith sends p to the server.
func (c *ClientChannel) RequestWith(p []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.channel.Write(p)
}

// ProbeChannel drains the bytes available on the socket into one pooled
// buffer and delivers it. It is a no-op when nothing is connected or readable.
func (c *ClientChannel) ProbeChannel() {
	if c.closed.Load() {
		return
	}
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	conn := c.channel.current()
	if conn == nil {
		return
	}
	ready, err := readable(conn)
	if err != nil || !ready {
		return
	}

	buffer, err := c.pool.Acquire(c.ctx)
	if err != nil {
		c.logger.Warn("no response buffer", "channel", c.channel.Address(), "error", err)
		return
	}

	for buffer.HasRemaining() {
		n, err := readOnce(conn, buffer, c.opts.probeTimeout)
		if err != nil {
			if err != io.EOF {
				c.logger.Warn("read failed, closing channel", "channel", c.channel.Address(), "error", err)
			}
			c.channel.drop(conn)
			break
		}
		if n == 0 {
			break
		}
		if more, err := readable(conn); err != nil || !more {
			break
		}
	}

	if buffer.Position() == 0 {
		buffer.Release()
		return
	}
	buffer.Flip()
	safely(c.logger, "response consumer", func() {
		c.consumer.Consume(buffer)
	}, "channel", c.channel.Address())
}

// Close closes the socket. The channel cannot be used afterwards.
func (c *ClientChannel) Close() error {
	c.closed.Store(true)
	c.cancel()
	return c.channel.Close()
}
