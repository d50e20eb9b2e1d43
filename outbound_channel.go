package wire

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// ManagedOutboundChannel writes framed bytes to one destination.
type ManagedOutboundChannel interface {
	Write(p []byte) error
	Close() error
}

// OutboundChannel is a lazily (re)connecting client socket bound to one address.
//
// The socket opens on the first write or after a failure. A failed write
// closes the socket and the next write reopens it; there is no retry
// counter or backoff.
type OutboundChannel struct {
	address string
	logger  Logger
	opts    options

	mu     sync.Mutex
	conn   *net.TCPConn
	buffer []byte
}

var _ ManagedOutboundChannel = (*OutboundChannel)(nil)

// NewOutboundChannel returns a channel to address. No socket is opened yet.
func NewOutboundChannel(address string, opt ...Option) *OutboundChannel {
	opts := newOptions(opt...)
	return &OutboundChannel{
		address: address,
		logger:  opts.logger,
		opts:    opts,
	}
}

// Address returns the destination address.
func (c *OutboundChannel) Address() string { return c.address }

// Write sends p, opening the socket first if needed. A dial failure is
// logged and returned with nothing written.
func (c *OutboundChannel) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(p)
}

// WriteMessage frames m into the channel's own buffer and sends it.
func (c *OutboundChannel) WriteMessage(m RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = m.AppendTo(c.buffer[:0])
	return c.writeLocked(c.buffer)
}

// Close closes the socket if one is open. A later write reopens it.
func (c *OutboundChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// IsOpen reports whether a socket is currently open.
func (c *OutboundChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *OutboundChannel) writeLocked(p []byte) error {
	conn, err := c.prepareLocked()
	if err != nil {
		c.logger.Warn("cannot open channel", "channel", c.address, "error", err)
		return err
	}

	if err := writeAll(conn, p, c.opts.writeTimeout); err != nil {
		c.logger.Warn("write failed, closing channel", "channel", c.address, "error", err)
		_ = c.closeLocked()
		return errors.Wrapf(err, "write to %s", c.address)
	}
	return nil
}

func (c *OutboundChannel) prepareLocked() (*net.TCPConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.DialTimeout("tcp", c.address, c.opts.dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.address)
	}
	tcp := conn.(*net.TCPConn)
	_ = tcp.SetNoDelay(true)
	c.conn = tcp
	c.logger.Debug("channel opened", "channel", c.address, "local_addr", tcp.LocalAddr())
	return tcp, nil
}

func (c *OutboundChannel) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}

// current returns the open socket, if any.
func (c *OutboundChannel) current() *net.TCPConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// drop closes conn if it is still the channel's socket.
func (c *OutboundChannel) drop(conn *net.TCPConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.closeLocked()
	}
}
