package wire

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

// quietLogger discards everything; safe for concurrent use.
func quietLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// unreachableAddr returns a loopback address nothing listens on.
func unreachableAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()
	return addr
}

// probeUntil calls probe until done reports true or five seconds pass.
func probeUntil(t *testing.T, probe func(), done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for probe condition")
		}
		probe()
		time.Sleep(time.Millisecond)
	}
}

// manualScheduler never fires on its own; tests drive probes directly.
type manualScheduler struct {
	mu        sync.Mutex
	scheduled []*manualTask
}

type manualTask struct {
	fn              func()
	delay, interval time.Duration
	cancelled       bool
}

func (s *manualScheduler) Schedule(fn func(), delay, interval time.Duration) Cancellable {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &manualTask{fn: fn, delay: delay, interval: interval}
	s.scheduled = append(s.scheduled, task)
	return &manualCancel{s: s, task: task}
}

func (s *manualScheduler) tasks() []*manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*manualTask(nil), s.scheduled...)
}

type manualCancel struct {
	s    *manualScheduler
	task *manualTask
}

func (c *manualCancel) Cancel() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.task.cancelled {
		return false
	}
	c.task.cancelled = true
	return true
}

// recordingReaderConsumer records the payloads an InboundReader delivers.
type recordingReaderConsumer struct {
	mu       sync.Mutex
	messages []RawMessage
}

func (c *recordingReaderConsumer) Consume(m RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

func (c *recordingReaderConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *recordingReaderConsumer) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m.String())
	}
	return out
}
