package msgbus

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Sender is the producer-side client for the control socket. It keeps
// one connection open and reconnects lazily on failure. Safe for
// concurrent use; sends are serialized on the connection.
type Sender struct {
	network string
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	seq  uint32
}

// NewSender creates a sender for the given bus address.
func NewSender(network, addr string) *Sender {
	return &Sender{network: network, addr: addr, timeout: 5 * time.Second}
}

// SendEvent transmits a serialized event with no reply expected.
func (s *Sender) SendEvent(serialized string) error {
	_, err := s.send(&Message{Type: TypeEvent, Payload: []byte(serialized)})
	return err
}

// Request transmits a message of type t and waits for the reply
// payload.
func (s *Sender) Request(t Type, payload []byte) ([]byte, error) {
	return s.send(&Message{Type: t, ReplyRequired: true, Payload: payload})
}

// Close tears down the connection. Subsequent sends reconnect.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Sender) send(m *Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, err := net.DialTimeout(s.network, s.addr, s.timeout)
		if err != nil {
			return nil, fmt.Errorf("dial control socket: %w", err)
		}
		s.conn = conn
	}

	s.seq++
	m.Seq = s.seq

	if err := WriteFrame(s.conn, m); err != nil {
		s.conn.Close()
		s.conn = nil
		return nil, err
	}
	if !m.ReplyRequired {
		return nil, nil
	}

	s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	defer s.conn.SetReadDeadline(time.Time{})
	reply, err := ReadFrame(s.conn)
	if err != nil {
		s.conn.Close()
		s.conn = nil
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if reply.Seq != m.Seq {
		s.conn.Close()
		s.conn = nil
		return nil, fmt.Errorf("reply sequence mismatch: sent %d, got %d", m.Seq, reply.Seq)
	}
	return reply.Payload, nil
}
