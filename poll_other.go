//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package wire

import "syscall"

// readable always reports true where poll(2) is unavailable; the probe
// timeout on the following read or accept keeps idle probes bounded.
func readable(c syscall.Conn) (bool, error) {
	return true, nil
}

// peerClosed cannot peek without poll(2) support and reports false.
func peerClosed(c syscall.Conn) (bool, error) {
	return false, nil
}
