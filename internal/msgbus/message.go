// Package msgbus implements the local control socket shared by the
// client and its co-resident event producers. Messages are framed with
// a fixed binary header and routed to subscribers by message type; a
// sender side is provided for producers. The transport is a unix-domain
// socket by default, TCP when configured.
package msgbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type identifies the payload carried by a message. The set is closed;
// unknown types are delivered to no subscriber (and receive an empty
// reply when one is required).
type Type uint32

const (
	// TypeEvent carries a serialized JSON event.
	TypeEvent Type = iota + 1
	// TypeGetConfig requests a config value by dotted key; the reply is
	// the string value.
	TypeGetConfig
	// TypeGetDeviceID requests the device identifier; the payload is
	// empty.
	TypeGetDeviceID
)

// MaxPayloadLength caps a message payload at 2 MiB. Frames declaring a
// larger payload are dropped and the connection closed.
const MaxPayloadLength = 2 * 1024 * 1024

// headerLen is the fixed wire size of the frame header: five u32
// fields (type, reply-required, seqnum, reply-to, payload length).
const headerLen = 20

// Message is one framed unit on the control socket. A zero-length
// payload is valid.
type Message struct {
	Type          Type
	ReplyRequired bool
	Seq           uint32
	ReplyTo       uint32
	Payload       []byte
}

// ErrFrameTooLarge is returned when a header declares a payload over
// MaxPayloadLength.
var ErrFrameTooLarge = fmt.Errorf("msgbus: payload exceeds %d bytes", MaxPayloadLength)

// WriteFrame encodes m to w in wire order.
func WriteFrame(w io.Writer, m *Message) error {
	if len(m.Payload) > MaxPayloadLength {
		return ErrFrameTooLarge
	}
	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(m.Type))
	var reply uint32
	if m.ReplyRequired {
		reply = 1
	}
	binary.BigEndian.PutUint32(hdr[4:8], reply)
	binary.BigEndian.PutUint32(hdr[8:12], m.Seq)
	binary.BigEndian.PutUint32(hdr[12:16], m.ReplyTo)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(m.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame decodes one message from r. It returns ErrFrameTooLarge
// when the declared payload length exceeds the cap; the caller must
// close the connection since the stream position is unrecoverable.
func ReadFrame(r io.Reader) (*Message, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	m := &Message{
		Type:          Type(binary.BigEndian.Uint32(hdr[0:4])),
		ReplyRequired: binary.BigEndian.Uint32(hdr[4:8]) != 0,
		Seq:           binary.BigEndian.Uint32(hdr[8:12]),
		ReplyTo:       binary.BigEndian.Uint32(hdr[12:16]),
	}
	payloadLen := binary.BigEndian.Uint32(hdr[16:20])
	if payloadLen > MaxPayloadLength {
		return nil, ErrFrameTooLarge
	}
	if payloadLen > 0 {
		m.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return m, nil
}
