package wire

import (
	"context"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
)

// Processor multiplexes server-side connections. Each accepted socket gets a
// RequestContext and its own consumer; ProbeChannel reads requests into
// pooled buffers and writes queued responses.
//
// ProbeChannel runs on the scheduler's goroutine and may also be called
// directly. Probes are serialized; RespondWith, Abandon and Close may be
// called from any goroutine.
type Processor struct {
	name     string
	provider RequestChannelConsumerProvider
	pool     *ByteBufferPool
	logger   Logger
	opts     options

	// bounds pool waits under BlockWhenExhausted
	ctx    context.Context
	cancel context.CancelFunc

	probeMu  sync.Mutex
	mu       sync.Mutex
	contexts map[int64]*RequestContext
	nextID   int64

	cancellable Cancellable
	stopped     atomic.Bool
}

// NewProcessor creates a processor and schedules its periodic probe.
func NewProcessor(name string, provider RequestChannelConsumerProvider, opt ...Option) *Processor {
	opts := newOptions(opt...)
	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor{
		name:     name,
		provider: provider,
		pool:     opts.bufferPool(),
		logger:   opts.logger,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		contexts: make(map[int64]*RequestContext),
	}
	p.cancellable = opts.scheduler.Schedule(p.intervalSignal, opts.probeDelay, opts.probeInterval)
	return p
}

// Name returns the processor name used in logs.
func (p *Processor) Name() string { return p.name }

// Pool returns the pool request buffers are leased from. Consumers may
// lease response buffers from it too.
func (p *Processor) Pool() *ByteBufferPool { return p.pool }

// ContextCount returns the number of open connections.
func (p *Processor) ContextCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// Process takes ownership of an accepted connection.
func (p *Processor) Process(conn *net.TCPConn) (*RequestContext, error) {
	if p.stopped.Load() {
		conn.Close()
		return nil, ErrConnectionClosed
	}
	_ = conn.SetNoDelay(true)

	var consumer RequestChannelConsumer
	safely(p.logger, "consumer provider", func() {
		consumer = p.provider.RequestChannelConsumer()
	}, "processor", p.name)
	if consumer == nil {
		conn.Close()
		p.logger.Error("no consumer for accepted connection", "processor", p.name, "addr", conn.RemoteAddr())
		return nil, ErrConnectionClosed
	}

	p.mu.Lock()
	p.nextID++
	c := newRequestContext(p.nextID, p, conn, consumer)
	p.contexts[c.id] = c
	p.mu.Unlock()

	// Close may have run between the stopped check and registration
	if p.stopped.Load() {
		p.closeContext(c)
		return nil, ErrConnectionClosed
	}

	p.logger.Debug("context opened", "processor", p.name, "context", c.id, "addr", conn.RemoteAddr())
	return c, nil
}

// ProbeChannel performs one probe over every open connection: a readable
// connection is drained and its bytes delivered, otherwise its queued
// responses are written. It is a no-op when idle or stopped.
func (p *Processor) ProbeChannel() {
	if p.stopped.Load() {
		return
	}

	p.probeMu.Lock()
	defer p.probeMu.Unlock()

	for _, c := range p.snapshot() {
		if p.stopped.Load() {
			return
		}
		p.probeContext(c)
	}
}

// RespondWith queues buffer on ctx's write queue. The buffer is written on a
// later probe and released after its send attempt.
func (p *Processor) RespondWith(ctx *RequestContext, buffer *ConsumerByteBuffer) {
	if buffer == nil {
		return
	}
	if ctx == nil {
		buffer.Release()
		return
	}
	ctx.queueWritable(buffer)
}

// Abandon closes ctx's connection.
func (p *Processor) Abandon(ctx *RequestContext) {
	if ctx != nil {
		p.closeContext(ctx)
	}
}

// Close cancels the periodic probe and closes every open connection.
func (p *Processor) Close() {
	if p.stopped.Swap(true) {
		return
	}
	p.cancellable.Cancel()
	p.cancel()

	for _, c := range p.snapshot() {
		p.closeContext(c)
	}
	p.logger.Debug("processor closed", "processor", p.name)
}

func (p *Processor) intervalSignal() {
	safely(p.logger, "probe", p.ProbeChannel, "processor", p.name)
}

// snapshot returns the open contexts in accept order.
func (p *Processor) snapshot() []*RequestContext {
	p.mu.Lock()
	out := make([]*RequestContext, 0, len(p.contexts))
	for _, c := range p.contexts {
		out = append(out, c)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (p *Processor) probeContext(c *RequestContext) {
	if c.IsClosed() {
		p.closeContext(c)
		return
	}

	safely(p.logger, "context probe", func() {
		ready, err := readable(c.conn)
		if err != nil {
			p.fail(c, "readiness check failed", err)
			return
		}
		if ready {
			p.read(c)
		} else {
			p.write(c)
		}
	}, "processor", p.name, "context", c.id)
}

// read drains the socket into request buffers and delivers them. A buffer
// that fills up is delivered and replaced so large requests keep flowing.
func (p *Processor) read(c *RequestContext) {
	buffer, err := p.pool.Acquire(p.ctx)
	if err != nil {
		p.noBuffer(c, err)
		return
	}

	for {
		n, err := readOnce(c.conn, buffer, p.opts.probeTimeout)
		if err != nil {
			p.deliver(c, buffer)
			if err == io.EOF {
				p.logger.Debug("peer closed connection", "processor", p.name, "context", c.id)
				p.closeContext(c)
			} else {
				p.fail(c, "read failed", err)
			}
			return
		}
		if n == 0 {
			break
		}

		if !buffer.HasRemaining() {
			p.deliver(c, buffer)
			if buffer, err = p.pool.Acquire(p.ctx); err != nil {
				p.noBuffer(c, err)
				return
			}
		}

		more, err := readable(c.conn)
		if err != nil || !more {
			break
		}
	}

	p.deliver(c, buffer)
}

// noBuffer defers the read of a readable context until a buffer is free.
// A hangup is still noticed so the consumer learns of it.
func (p *Processor) noBuffer(c *RequestContext, err error) {
	if closed, _ := peerClosed(c.conn); closed {
		p.logger.Debug("peer closed connection", "processor", p.name, "context", c.id)
		p.closeContext(c)
		return
	}
	p.logger.Warn("no request buffer, read deferred", "processor", p.name, "context", c.id, "error", err)
}

// deliver hands a non-empty buffer to the consumer and releases an empty one.
func (p *Processor) deliver(c *RequestContext, buffer *ConsumerByteBuffer) {
	if buffer.Position() == 0 {
		buffer.Release()
		return
	}
	buffer.Flip()
	safely(p.logger, "consumer", func() {
		c.consumer.Consume(c, buffer)
	}, "processor", p.name, "context", c.id)
}

// write sends queued responses in FIFO order. Each buffer is released after
// its send attempt; a failed send closes the connection.
func (p *Processor) write(c *RequestContext) {
	for buffer := c.nextWritable(); buffer != nil; buffer = c.nextWritable() {
		err := writeAll(c.conn, buffer.Bytes(), p.opts.writeTimeout)
		buffer.Release()
		if err != nil {
			p.fail(c, "write failed", err)
			return
		}
	}
}

func (p *Processor) fail(c *RequestContext, msg string, err error) {
	if !c.IsClosed() {
		p.logger.Warn(msg, "processor", p.name, "context", c.id, "addr", c.RemoteAddr(), "error", err)
	}
	p.closeContext(c)
}

func (p *Processor) closeContext(c *RequestContext) {
	p.mu.Lock()
	delete(p.contexts, c.id)
	p.mu.Unlock()
	c.close()
}
