package wire

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// readOnce performs one bounded read from conn into buf.
// A timeout is not an error: it returns the bytes read so far and nil.
// A peer disconnect returns io.EOF.
func readOnce(conn net.Conn, buf *ConsumerByteBuffer, timeout time.Duration) (int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := buf.Fill(conn)
	if err == nil {
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

// writeAll writes p with a deadline.
func writeAll(conn net.Conn, p []byte, timeout time.Duration) error {
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := conn.Write(p)
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isClosedErr reports whether err comes from a socket that was closed locally.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
