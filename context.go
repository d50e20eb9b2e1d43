package wire

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// RequestContext is the server-side state of one accepted connection: its
// socket, the consumer bound to it, and the FIFO queue of responses
// waiting to be written. A context owns its socket exclusively.
type RequestContext struct {
	id        int64
	processor *Processor
	conn      *net.TCPConn
	consumer  RequestChannelConsumer

	mu           sync.Mutex
	writables    *queue.Queue
	closingData  any
	consumerData any

	closed atomic.Bool
}

func newRequestContext(id int64, p *Processor, conn *net.TCPConn, consumer RequestChannelConsumer) *RequestContext {
	return &RequestContext{
		id:        id,
		processor: p,
		conn:      conn,
		consumer:  consumer,
		writables: queue.New(),
	}
}

// ID returns the context id, unique within its processor.
func (c *RequestContext) ID() int64 { return c.id }

// Sender returns the responder for this context.
func (c *RequestContext) Sender() ResponseSender { return c.processor }

// RespondWith queues buffer as a response on this connection.
func (c *RequestContext) RespondWith(buffer *ConsumerByteBuffer) {
	c.processor.RespondWith(c, buffer)
}

// RemoteAddr returns the peer address.
func (c *RequestContext) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// IsClosed reports whether the connection has been closed.
func (c *RequestContext) IsClosed() bool { return c.closed.Load() }

// WhenClosing stores a token passed to the consumer's CloseWith.
func (c *RequestContext) WhenClosing(data any) {
	c.mu.Lock()
	c.closingData = data
	c.mu.Unlock()
}

// ConsumerData returns the working data the consumer attached to this context.
func (c *RequestContext) ConsumerData() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumerData
}

// SetConsumerData attaches working data to this context and returns it.
func (c *RequestContext) SetConsumerData(data any) any {
	c.mu.Lock()
	c.consumerData = data
	c.mu.Unlock()
	return data
}

// HasConsumerData reports whether working data is attached.
func (c *RequestContext) HasConsumerData() bool {
	return c.ConsumerData() != nil
}

// queueWritable appends buffer to the write queue. Buffers queued on a
// closed context are released at once.
func (c *RequestContext) queueWritable(buffer *ConsumerByteBuffer) {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		buffer.Release()
		return
	}
	c.writables.Add(buffer)
	c.mu.Unlock()
}

func (c *RequestContext) nextWritable() *ConsumerByteBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writables.Length() == 0 {
		return nil
	}
	return c.writables.Remove().(*ConsumerByteBuffer)
}

func (c *RequestContext) pendingWritables() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writables.Length()
}

// close notifies the consumer, closes the socket and releases queued
// responses. Only the first call has any effect.
func (c *RequestContext) close() {
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return
	}
	data := c.closingData
	var dropped []*ConsumerByteBuffer
	for c.writables.Length() > 0 {
		dropped = append(dropped, c.writables.Remove().(*ConsumerByteBuffer))
	}
	c.mu.Unlock()

	for _, buffer := range dropped {
		buffer.Release()
	}

	logger := c.processor.logger
	safely(logger, "consumer close", func() {
		c.consumer.CloseWith(c, data)
	}, "processor", c.processor.name, "context", c.id)

	if err := c.conn.Close(); err != nil && !isClosedErr(err) {
		logger.Warn("failed to close client channel",
			"processor", c.processor.name, "context", c.id, "error", err)
	}
}
