package msgbus

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/openfleet/telemetryd/internal/onoff"
)

// maxClients bounds concurrent producer connections.
const maxClients = 30

// Handler receives messages of a subscribed type. The returned bytes
// are sent back to the sender when the message requires a reply; for
// types with multiple subscribers the first non-nil reply wins.
type Handler interface {
	HandleMessage(m *Message) []byte
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(m *Message) []byte

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(m *Message) []byte { return f(m) }

// Server owns the control socket. Subscribers register per message
// type; each inbound message is delivered to every matching handler in
// registration order.
type Server struct {
	network string
	addr    string
	logger  *slog.Logger
	monitor *onoff.Monitor

	mu       sync.Mutex
	subs     map[Type][]Handler
	listener net.Listener
	conns    map[net.Conn]struct{}
	shutdown chan struct{}
	done     chan struct{}
	sem      chan struct{}
	started  bool
}

// NewServer creates a bus server for the given address. network is
// "unix" or "tcp". The monitor may be nil in tests.
func NewServer(network, addr string, monitor *onoff.Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		network:  network,
		addr:     addr,
		logger:   logger.With("component", "msgbus"),
		monitor:  monitor,
		subs:     make(map[Type][]Handler),
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		sem:      make(chan struct{}, maxClients),
	}
}

// Subscribe registers a handler for a message type. Handlers must be
// registered before Start; later registrations still work but have no
// ordering guarantee relative to in-flight messages.
func (s *Server) Subscribe(t Type, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[t] = append(s.subs[t], h)
}

// Start binds the socket and begins accepting connections. It returns
// once the listener is live; connection service runs on background
// goroutines until shutdown.
func (s *Server) Start() error {
	if s.network == "unix" {
		// A stale socket file from an unclean exit blocks the bind.
		_ = os.Remove(s.addr)
	}
	ln, err := net.Listen(s.network, s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.started = true
	s.mu.Unlock()

	if s.monitor != nil {
		s.monitor.Register(s, onoff.CodeMessageQueue, "")
	}

	go s.acceptLoop(ln)
	s.logger.Info("control socket listening", "network", s.network, "addr", s.addr)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			// At the client cap; shed the newcomer.
			s.logger.Warn("connection limit reached, rejecting client")
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		<-s.sem
	}()

	for {
		m, err := ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, ErrFrameTooLarge):
				s.logger.Warn("oversized frame, closing client")
			case errors.Is(err, net.ErrClosed):
			default:
				// Partial reads during shutdown land here; the frame is
				// discarded with the connection.
				s.logger.Debug("frame read failed", "error", err)
			}
			return
		}

		reply := s.dispatch(m)
		if m.ReplyRequired {
			resp := &Message{Type: m.Type, Seq: m.Seq, Payload: reply}
			if err := WriteFrame(conn, resp); err != nil {
				s.logger.Warn("reply write failed", "seq", m.Seq, "error", err)
				return
			}
		}
	}
}

// dispatch delivers m to every subscriber of its type in registration
// order and returns the first non-nil reply (nil when no handler
// produced one — the caller still sends an empty reply frame if the
// message required one).
func (s *Server) dispatch(m *Message) []byte {
	s.mu.Lock()
	handlers := make([]Handler, len(s.subs[m.Type]))
	copy(handlers, s.subs[m.Type])
	s.mu.Unlock()

	var reply []byte
	for _, h := range handlers {
		if r := h.HandleMessage(m); r != nil && reply == nil {
			reply = r
		}
	}
	return reply
}

// NotifyShutdown closes the listener and every live connection; the
// accept loop returns on next wake and partially read messages are
// discarded with their sockets.
func (s *Server) NotifyShutdown() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.shutdown:
		s.mu.Unlock()
		return
	default:
	}
	close(s.shutdown)
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}

	go func() {
		<-s.done
		if s.network == "unix" {
			_ = os.Remove(s.addr)
		}
		if s.monitor != nil {
			s.monitor.ReadyForShutdown(onoff.CodeMessageQueue, "")
			s.monitor.Unregister(onoff.CodeMessageQueue, "")
		}
	}()
}
