package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Server is the server side of a request/response channel. It accepts
// connections and spreads them round robin over a small pool of processors.
type Server struct {
	name       string
	listener   *net.TCPListener
	logger     Logger
	poolSize   int
	procOpts   []Option
	processors []*Processor
	next       atomic.Uint64

	mu       sync.Mutex
	shutdown bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and its processors.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerNameOption sets the name used in logs and processor names.
func ServerNameOption(name string) ServerOption {
	return func(s *Server) {
		s.name = name
	}
}

// ProcessorPoolSizeOption sets how many processors share the connections.
func ProcessorPoolSizeOption(size int) ServerOption {
	return func(s *Server) {
		s.poolSize = size
	}
}

// ProcessorOptions passes options to every processor, such as pool sizing
// and probe interval.
func ProcessorOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.procOpts = append(s.procOpts, opts...)
	}
}

// New binds addr and starts the processors. A bind failure is returned to
// the caller and never retried.
func New(addr *net.TCPAddr, provider RequestChannelConsumerProvider, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", addr)
	}

	s := &Server{
		name:     "server",
		listener: listener,
		logger:   defaultLogger(),
		poolSize: 1,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.poolSize <= 0 {
		s.poolSize = 1
	}

	procOpts := append([]Option{LoggerOption(s.logger)}, s.procOpts...)
	for i := 0; i < s.poolSize; i++ {
		name := fmt.Sprintf("%s-processor-%d", s.name, i)
		s.processors = append(s.processors, NewProcessor(name, provider, procOpts...))
	}

	return s, nil
}

// Serve accepts connections until ctx is canceled or Close is called.
// Processors are closed when Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "server", s.name, "addr", s.listener.Addr(), "processors", len(s.processors))
	defer s.closeProcessors()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "server", s.name, "addr", s.listener.Addr())
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}

			if isTimeout(err) {
				continue
			}
			s.logger.Error("accept error", "server", s.name, "error", err)
			return errors.Wrap(err, "accept")
		}

		s.logger.Debug("accepted connection", "server", s.name, "remote_addr", conn.RemoteAddr())
		if _, err := s.nextProcessor().Process(conn); err != nil {
			s.logger.Warn("connection rejected", "server", s.name, "remote_addr", conn.RemoteAddr(), "error", err)
		}
	}
}

// Close stops accepting, closes the listener and every processor.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.closeProcessors()
	return err
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Processors returns the processors connections are spread over.
func (s *Server) Processors() []*Processor {
	return s.processors
}

func (s *Server) nextProcessor() *Processor {
	n := s.next.Add(1) - 1
	return s.processors[n%uint64(len(s.processors))]
}

func (s *Server) closeProcessors() {
	for _, p := range s.processors {
		p.Close()
	}
}
