package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/openfleet/telemetryd/internal/config"
	"github.com/openfleet/telemetryd/internal/event"
	"github.com/openfleet/telemetryd/internal/pipeline"
)

type fakeHandler struct {
	name    string
	domains []string
	extraID []string

	mu     sync.Mutex
	events []string
	notifs []string
	panics bool
}

func (h *fakeHandler) Name() string                { return h.name }
func (h *fakeHandler) SubscribedDomains() []string { return h.domains }
func (h *fakeHandler) SubscribedEvents() []string  { return h.extraID }

func (h *fakeHandler) HandleEvent(ev *event.Event) {
	if h.panics {
		panic("boom")
	}
	h.mu.Lock()
	h.events = append(h.events, ev.EventID)
	h.mu.Unlock()
}

func (h *fakeHandler) HandleNotification(domain, payload string) {
	if h.panics {
		panic("boom")
	}
	h.mu.Lock()
	h.notifs = append(h.notifs, domain+":"+payload)
	h.mu.Unlock()
}

func (h *fakeHandler) seenEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *fakeHandler) seenNotifs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notifs...)
}

type recordSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordSink) HandleEvent(ev *event.Event, _ string) error {
	s.mu.Lock()
	s.ids = append(s.ids, ev.EventID)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

type recordTrigger struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordTrigger) TriggerAlertUpload(serialized string) {
	r.mu.Lock()
	r.calls = append(r.calls, serialized)
	r.mu.Unlock()
}

func (r *recordTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func dispatchConfig() *config.Config {
	return &config.Config{
		Whitelist: config.WhitelistConfig{
			Domains:      map[string][]string{"powertrain": {"Speed", "RPM"}},
			DirectAlerts: []string{"CrashAlert"},
		},
	}
}

func mustSerialize(t *testing.T, ev *event.Event) string {
	t.Helper()
	s, err := ev.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return s
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

func TestEventFansOutAndForwards(t *testing.T) {
	sink := &recordSink{}
	c := New(dispatchConfig(), sink, nil, nil)
	h := &fakeHandler{name: "pt", domains: []string{"powertrain"}}
	c.Register(h)
	c.Start()
	defer c.NotifyShutdown()

	ev := event.New("Speed", "1.0")
	if err := c.HandleEvent(ev, mustSerialize(t, ev)); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}

	// Forwarding to the store link is synchronous.
	if sink.count() != 1 {
		t.Errorf("next sink saw %d events, want 1", sink.count())
	}
	// Handler fan-out runs on the worker.
	waitFor(t, func() bool { return len(h.seenEvents()) == 1 }, "handler never saw the event")
}

func TestEventOutsideSubscribedDomainSkipsHandler(t *testing.T) {
	sink := &recordSink{}
	c := New(dispatchConfig(), sink, nil, nil)
	h := &fakeHandler{name: "pt", domains: []string{"powertrain"}}
	c.Register(h)
	c.Start()
	defer c.NotifyShutdown()

	ev := event.New("CabinTemp", "1.0")
	c.HandleEvent(ev, mustSerialize(t, ev))

	if sink.count() != 1 {
		t.Errorf("next sink saw %d events, want 1", sink.count())
	}
	time.Sleep(50 * time.Millisecond)
	if len(h.seenEvents()) != 0 {
		t.Errorf("handler saw %v for an unsubscribed domain", h.seenEvents())
	}
}

func TestDirectAlertTriggersFastPath(t *testing.T) {
	sink := &recordSink{}
	trigger := &recordTrigger{}
	c := New(dispatchConfig(), sink, nil, nil)
	c.SetAlertTrigger(trigger)
	c.Start()
	defer c.NotifyShutdown()

	ev := event.New("CrashAlert", "1.0")
	c.HandleEvent(ev, mustSerialize(t, ev))

	if trigger.count() != 1 {
		t.Errorf("alert trigger fired %d times, want 1", trigger.count())
	}
	// The event still flows to the store link.
	if sink.count() != 1 {
		t.Errorf("next sink saw %d events, want 1", sink.count())
	}
}

func TestNotificationOrderAndPanicIsolation(t *testing.T) {
	c := New(dispatchConfig(), &recordSink{}, nil, nil)
	first := &fakeHandler{name: "first", domains: []string{"ro"}}
	bad := &fakeHandler{name: "bad", domains: []string{"ro"}, panics: true}
	last := &fakeHandler{name: "last", domains: []string{"ro"}}
	c.Register(first)
	c.Register(bad)
	c.Register(last)

	c.HandleNotification("ro", `{"cmd":"reboot"}`)

	// The panicking handler must not abort fan-out.
	if got := first.seenNotifs(); len(got) != 1 || got[0] != `ro:{"cmd":"reboot"}` {
		t.Errorf("first handler saw %v", got)
	}
	if got := last.seenNotifs(); len(got) != 1 {
		t.Errorf("last handler saw %v, want one notification", got)
	}
}

func TestSupplementaryWhitelistDeduplicates(t *testing.T) {
	c := New(dispatchConfig(), &recordSink{}, nil, nil)
	c.Register(&fakeHandler{name: "a", extraID: []string{"Gear", "Brake"}})
	c.Register(&fakeHandler{name: "b", extraID: []string{"Brake", "Steer"}})

	got := c.SupplementaryWhitelist()
	want := map[string]bool{"Gear": true, "Brake": true, "Steer": true}
	if len(got) != len(want) {
		t.Fatalf("SupplementaryWhitelist() = %v, want 3 unique ids", got)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected id %q", id)
		}
	}
}

func TestHandlerPanicOnEventIsolated(t *testing.T) {
	sink := &recordSink{}
	c := New(dispatchConfig(), sink, nil, nil)
	bad := &fakeHandler{name: "bad", domains: []string{"powertrain"}, panics: true}
	good := &fakeHandler{name: "good", domains: []string{"powertrain"}}
	c.Register(bad)
	c.Register(good)
	c.Start()
	defer c.NotifyShutdown()

	ev := event.New("Speed", "1.0")
	c.HandleEvent(ev, mustSerialize(t, ev))

	waitFor(t, func() bool { return len(good.seenEvents()) == 1 },
		"panicking sibling aborted the fan-out")
}

var _ pipeline.Sink = (*Controller)(nil)
