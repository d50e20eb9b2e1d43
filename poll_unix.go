//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package wire

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// readable reports without blocking whether c has bytes, a pending
// connection, or a hangup waiting to be read.
func readable(c syscall.Conn) (bool, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return false, err
	}

	var ready bool
	var pollErr error
	err = raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, err := unix.Poll(fds, 0)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				pollErr = errors.Wrap(err, "poll")
				return
			}
			ready = n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
			return
		}
	})
	if err != nil {
		return false, err
	}
	return ready, pollErr
}

// peerClosed reports without consuming data whether the peer of c has shut
// down its side. Pending bytes mean the peer is still there.
func peerClosed(c syscall.Conn) (bool, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return false, err
	}

	var closed bool
	err = raw.Control(func(fd uintptr) {
		var b [1]byte
		for {
			n, _, err := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
			switch {
			case err == unix.EINTR:
				continue
			case err == unix.EAGAIN:
			case err != nil:
				closed = true
			default:
				closed = n == 0
			}
			return
		}
	})
	return closed, err
}
