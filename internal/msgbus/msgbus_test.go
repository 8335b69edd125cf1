package msgbus

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"event with payload", Message{Type: TypeEvent, Seq: 7, Payload: []byte(`{"EventID":"Speed"}`)}},
		{"empty payload", Message{Type: TypeGetDeviceID, ReplyRequired: true, Seq: 1}},
		{"reply-to set", Message{Type: TypeGetConfig, ReplyRequired: true, Seq: 3, ReplyTo: 9, Payload: []byte("MQTT.broker")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, &tt.msg); err != nil {
				t.Fatalf("WriteFrame() error: %v", err)
			}
			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame() error: %v", err)
			}
			if got.Type != tt.msg.Type || got.ReplyRequired != tt.msg.ReplyRequired ||
				got.Seq != tt.msg.Seq || got.ReplyTo != tt.msg.ReplyTo {
				t.Errorf("header round trip: got %+v, want %+v", got, tt.msg)
			}
			if !bytes.Equal(got.Payload, tt.msg.Payload) {
				t.Errorf("payload round trip: got %q, want %q", got.Payload, tt.msg.Payload)
			}
		})
	}
}

func TestFrameTooLarge(t *testing.T) {
	m := &Message{Type: TypeEvent, Payload: make([]byte, MaxPayloadLength+1)}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, m); err != ErrFrameTooLarge {
		t.Errorf("WriteFrame() = %v, want ErrFrameTooLarge", err)
	}

	// A hand-built header declaring an oversized payload is rejected on read.
	var hdr bytes.Buffer
	WriteFrame(&hdr, &Message{Type: TypeEvent})
	raw := hdr.Bytes()
	raw[16], raw[17], raw[18], raw[19] = 0xFF, 0xFF, 0xFF, 0xFF
	if _, err := ReadFrame(bytes.NewReader(raw)); err != ErrFrameTooLarge {
		t.Errorf("ReadFrame() = %v, want ErrFrameTooLarge", err)
	}
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	addr := filepath.Join(t.TempDir(), "bus.sock")
	srv := NewServer("unix", addr, nil, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(srv.NotifyShutdown)
	return srv, addr
}

func TestServerDeliversToSubscribers(t *testing.T) {
	srv, addr := startTestServer(t)

	got := make(chan string, 2)
	srv.Subscribe(TypeEvent, HandlerFunc(func(m *Message) []byte {
		got <- "first:" + string(m.Payload)
		return nil
	}))
	srv.Subscribe(TypeEvent, HandlerFunc(func(m *Message) []byte {
		got <- "second:" + string(m.Payload)
		return nil
	}))

	snd := NewSender("unix", addr)
	defer snd.Close()
	if err := snd.SendEvent(`{"EventID":"Speed"}`); err != nil {
		t.Fatalf("SendEvent() error: %v", err)
	}

	for _, want := range []string{`first:{"EventID":"Speed"}`, `second:{"EventID":"Speed"}`} {
		select {
		case g := <-got:
			if g != want {
				t.Errorf("handler saw %q, want %q", g, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler delivery")
		}
	}
}

func TestServerRequestReply(t *testing.T) {
	srv, addr := startTestServer(t)
	srv.Subscribe(TypeGetDeviceID, HandlerFunc(func(m *Message) []byte {
		return []byte("DEV42")
	}))

	snd := NewSender("unix", addr)
	defer snd.Close()
	reply, err := snd.Request(TypeGetDeviceID, nil)
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if string(reply) != "DEV42" {
		t.Errorf("reply = %q, want DEV42", reply)
	}
}

func TestServerEmptyReplyWhenNoHandler(t *testing.T) {
	_, addr := startTestServer(t)

	snd := NewSender("unix", addr)
	defer snd.Close()
	reply, err := snd.Request(TypeGetConfig, []byte("MQTT.broker"))
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if len(reply) != 0 {
		t.Errorf("reply = %q, want empty", reply)
	}
}

func TestServerConcurrentSenders(t *testing.T) {
	srv, addr := startTestServer(t)

	var mu sync.Mutex
	seen := 0
	srv.Subscribe(TypeEvent, HandlerFunc(func(m *Message) []byte {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	}))

	const senders, perSender = 8, 10
	var wg sync.WaitGroup
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snd := NewSender("unix", addr)
			defer snd.Close()
			for range perSender {
				if err := snd.SendEvent(`{"EventID":"Odometer"}`); err != nil {
					t.Errorf("SendEvent() error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := seen
		mu.Unlock()
		if n == senders*perSender {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d events, want %d", n, senders*perSender)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerShutdownClosesClients(t *testing.T) {
	srv, addr := startTestServer(t)

	snd := NewSender("unix", addr)
	defer snd.Close()
	if err := snd.SendEvent(`{"EventID":"Speed"}`); err != nil {
		t.Fatalf("SendEvent() error: %v", err)
	}

	srv.NotifyShutdown()
	// Double notify is a no-op.
	srv.NotifyShutdown()

	// After shutdown the socket is gone; a fresh send must fail.
	fresh := NewSender("unix", addr)
	defer fresh.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := fresh.SendEvent("x"); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("send still succeeding after shutdown")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
