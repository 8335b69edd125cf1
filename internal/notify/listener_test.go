package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/openfleet/telemetryd/internal/event"
)

type recordedHandler struct {
	mu       sync.Mutex
	payloads []string
}

func (h *recordedHandler) HandleRequest(payload string) {
	h.mu.Lock()
	h.payloads = append(h.payloads, payload)
	h.mu.Unlock()
}

func (h *recordedHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.payloads...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRouteToRegisteredHandler(t *testing.T) {
	l := NewListener(nil, nil, nil)
	h := &recordedHandler{}
	if !l.RegisterRequest("MQTT_CONFIG_REQUEST", h) {
		t.Fatal("RegisterRequest failed")
	}
	l.Start()
	defer l.NotifyShutdown()

	payload := `{"type":"MQTT_CONFIG_REQUEST","message":{"interval":30},"topic":"t/2d/config"}`
	l.PushNotification(payload)

	waitFor(t, func() bool { return len(h.seen()) == 1 }, "handler never invoked")
	if got := h.seen()[0]; got != payload {
		t.Errorf("handler saw %q, want %q", got, payload)
	}
}

func TestDuplicateRegistrationKeepsFirst(t *testing.T) {
	l := NewListener(nil, nil, nil)
	first := &recordedHandler{}
	second := &recordedHandler{}

	if !l.RegisterRequest("REMOTE_OP", first) {
		t.Fatal("first RegisterRequest failed")
	}
	if l.RegisterRequest("REMOTE_OP", second) {
		t.Error("duplicate RegisterRequest accepted")
	}
	l.Start()
	defer l.NotifyShutdown()

	l.PushNotification(`{"type":"REMOTE_OP"}`)
	waitFor(t, func() bool { return len(first.seen()) == 1 }, "first handler never invoked")
	if len(second.seen()) != 0 {
		t.Error("second handler invoked despite rejected registration")
	}
}

func TestUnknownTypeEmitsFailure(t *testing.T) {
	var mu sync.Mutex
	var emitted []string
	l := NewListener(func(serialized string) {
		mu.Lock()
		emitted = append(emitted, serialized)
		mu.Unlock()
	}, nil, nil)
	l.Start()
	defer l.NotifyShutdown()

	l.PushNotification(`{"type":"NO_SUCH_TYPE"}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(emitted) == 1
	}, "failure event never emitted")

	mu.Lock()
	defer mu.Unlock()
	ev, err := event.Parse(emitted[0])
	if err != nil {
		t.Fatalf("failure event unparseable: %v", err)
	}
	if ev.EventID != event.IDNotificationFailure {
		t.Errorf("failure event id = %q, want %q", ev.EventID, event.IDNotificationFailure)
	}
}

func TestMalformedNotificationEmitsFailure(t *testing.T) {
	var mu sync.Mutex
	count := 0
	l := NewListener(func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil, nil)
	l.Start()
	defer l.NotifyShutdown()

	l.PushNotification(`{not json`)
	l.PushNotification(`{"message":"no type field"}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, "failure events never emitted")
}

func TestShutdownDiscardsRemainder(t *testing.T) {
	l := NewListener(nil, nil, nil)
	h := &recordedHandler{}
	l.RegisterRequest("X", h)
	l.Start()

	l.NotifyShutdown()
	// Double notify is harmless.
	l.NotifyShutdown()

	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never exited after shutdown")
	}
}
