package wire

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Conn is a streaming, goroutine-driven framed connection.
//
// Where InboundReader and Processor are driven by probes, a Conn runs its
// own read and write loops: reads block in the Codec until a whole frame
// has arrived and writes drain a bounded send queue in FIFO order.
type Conn struct {
	rawConn *net.TCPConn
	reader  *bufio.Reader
	logger  Logger

	opts options

	sendMsg chan []byte
	closed  atomic.Bool

	// done ends when Close is called; Run stops with it
	done   context.Context
	cancel context.CancelFunc
}

// NewConn wraps an established TCP connection.
// Returns ErrInvalidOnMessage if no message handler is configured.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	opts := newOptions(opt...)
	if opts.onMessage == nil {
		return nil, ErrInvalidOnMessage
	}

	done, cancel := context.WithCancel(context.Background())
	return &Conn{
		rawConn: conn,
		reader:  bufio.NewReaderSize(conn, opts.messageBufferSize),
		logger:  opts.logger,
		opts:    opts,
		sendMsg: make(chan []byte, opts.bufferSize),
		done:    done,
		cancel:  cancel,
	}, nil
}

// Dial opens a TCP connection to address and wraps it in a Conn.
func Dial(ctx context.Context, address string, opt ...Option) (*Conn, error) {
	opts := newOptions(opt...)
	d := net.Dialer{Timeout: opts.dialTimeout}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	tcp := c.(*net.TCPConn)
	_ = tcp.SetNoDelay(true)

	conn, err := NewConn(tcp, opt...)
	if err != nil {
		tcp.Close()
		return nil, err
	}
	return conn, nil
}

// Run starts the connection's read and write loops and blocks until one of
// them fails or ctx is canceled. The connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"heartbeat", c.opts.heartbeat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.done, cancel)
	defer stop()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// unblock a read parked in the codec once either loop exits
	go func() {
		<-child.Done()
		_ = c.rawConn.SetReadDeadline(time.Now())
	}()

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write queues a message without blocking.
// Returns ErrBufferFull when the send queue is full, in which case the message is not queued.
func (c *Conn) Write(message Message) error {
	bytes, err := c.encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- bytes:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a message, blocking until there is room or ctx ends.
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	bytes, err := c.encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- bytes:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues a message, waiting at most timeout for room.
// Returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	bytes, err := c.encode(message)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- bytes:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

func (c *Conn) encode(message Message) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	return c.opts.codec.Encode(message)
}

// readLoop decodes frames and hands each one to the message handler.
// onError may only suppress errors raised between frames: once part of a
// frame has been consumed the stream cannot be resynchronized.
func (c *Conn) readLoop(ctx context.Context) error {
	counter := &countingReader{r: c.reader}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))

			counter.n = 0
			message, err := c.opts.codec.Decode(counter)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Debug("read error", "addr", c.Addr(), "error", err)
				if errors.Is(err, ErrCorruptFrame) {
					return err
				}
				if counter.n > 0 {
					return errors.Wrapf(err, "frame interrupted after %d bytes", counter.n)
				}
				if c.opts.onError(err) == Disconnect {
					return err
				}
				continue
			}

			if err = c.opts.onMessage(message); err != nil {
				return err
			}
		}
	}
}

// writeLoop sends queued frames in order.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	err := writeAll(c.rawConn, data, c.opts.heartbeat*2)
	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
