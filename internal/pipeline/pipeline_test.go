package pipeline

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfleet/telemetryd/internal/config"
	"github.com/openfleet/telemetryd/internal/event"
)

func testConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Whitelist: config.WhitelistConfig{Events: []string{"Speed"}},
		LogSampling: config.LogSamplingConfig{
			DefaultMax: 10,
			Reset:      "ign_cycle",
		},
		Filters: config.FiltersConfig{
			MinValidTimestampMs:   1,
			MaxClockSkewSec:       300,
			MinUploadDelaySec:     5,
			SessionUploadDelaySec: 30,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

// collectSink records events delivered to the chain's terminal link.
type collectSink struct {
	mu     sync.Mutex
	events []string
}

func (s *collectSink) HandleEvent(_ *event.Event, serialized string) error {
	s.mu.Lock()
	s.events = append(s.events, serialized)
	s.mu.Unlock()
	return nil
}

func (s *collectSink) ids(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, raw := range s.events {
		ev, err := event.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ev.EventID)
	}
	return ids
}

// collectStore records non-ignite insertions.
type collectStore struct {
	mu     sync.Mutex
	events []string
}

func (s *collectStore) HandleNonIgnite(ev *event.Event, _ string) error {
	s.mu.Lock()
	s.events = append(s.events, ev.EventID)
	s.mu.Unlock()
	return nil
}

func (s *collectStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func serialize(t *testing.T, id string, ts int64) string {
	t.Helper()
	ev := event.New(id, "1.0")
	ev.Timestamp = ts
	s, err := ev.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func startTransport(t *testing.T, cfg *config.Config) (*CacheTransport, *collectSink, *collectStore) {
	t.Helper()
	sink := &collectSink{}
	st := &collectStore{}
	c := New(Options{Config: cfg, Sink: sink, NonIgnite: st})
	c.Start(nil, nil)
	t.Cleanup(c.NotifyShutdown)
	return c, sink, st
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

func TestWhitelistedEventReachesSink(t *testing.T) {
	c, sink, st := startTransport(t, testConfig(t, nil))

	if err := c.Send(serialize(t, "Speed", time.Now().UnixMilli())); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	waitFor(t, func() bool { return len(sink.ids(t)) == 1 }, "whitelisted event never reached sink")
	if ids := sink.ids(t); ids[0] != "Speed" {
		t.Errorf("sink saw %v, want [Speed]", ids)
	}
	if st.count() != 0 {
		t.Error("whitelisted event leaked to the non-ignite path")
	}
}

func TestNonWhitelistedEventInsertsDirectly(t *testing.T) {
	c, sink, st := startTransport(t, testConfig(t, nil))

	if err := c.Send(serialize(t, "Odometer", time.Now().UnixMilli())); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	waitFor(t, func() bool { return st.count() == 1 }, "non-ignite event never persisted")
	if len(sink.ids(t)) != 0 {
		t.Error("non-whitelisted event leaked to the filter chain")
	}
	if c.NonIgniteCount() != 1 {
		t.Errorf("NonIgniteCount() = %d, want 1", c.NonIgniteCount())
	}
}

func TestInvalidTimestampDropped(t *testing.T) {
	c, _, st := startTransport(t, testConfig(t, nil))

	// Far-future timestamp, beyond the skew allowance.
	future := time.Now().Add(24 * time.Hour).UnixMilli()
	if err := c.Send(serialize(t, "Odometer", future)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	// Stale-RTC timestamp below the floor.
	if err := c.Send(serialize(t, "Odometer", 0)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	waitFor(t, func() bool { return c.NonIgniteCount() == 2 }, "events never processed")
	if st.count() != 0 {
		t.Errorf("store received %d events with invalid timestamps", st.count())
	}
}

func TestDomainMapJoinsWhitelist(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.Whitelist.Domains = map[string][]string{"powertrain": {"RPM"}}
	})
	c, sink, _ := startTransport(t, cfg)

	if err := c.Send(serialize(t, "RPM", time.Now().UnixMilli())); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(sink.ids(t)) == 1 }, "domain-mapped event never reached sink")
}

func TestQueueOverflowCountsDrops(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) { c.Pipeline.QueueBytes = 1024 })
	sink := &collectSink{}
	st := &collectStore{}
	// Worker deliberately not started: the queue can only fill.
	c := New(Options{Config: cfg, Sink: sink, NonIgnite: st})

	payload := serialize(t, "Speed", 1)
	if len(payload) < 20 {
		payload = payload + strings.Repeat(" ", 20-len(payload))
	}

	accepted, dropped := 0, 0
	for range 100 {
		switch err := c.Send(payload); err {
		case nil:
			accepted++
		case ErrOverflow:
			dropped++
		default:
			t.Fatalf("Send() unexpected error: %v", err)
		}
	}

	if accepted == 0 || dropped == 0 {
		t.Fatalf("accepted=%d dropped=%d, want both non-zero", accepted, dropped)
	}
	if accepted+dropped != 100 {
		t.Errorf("accepted+dropped = %d, want 100", accepted+dropped)
	}
	if got := c.OverflowCount(); got != uint64(dropped) {
		t.Errorf("OverflowCount() = %d, want %d", got, dropped)
	}
}

func TestSendAfterShutdownRefused(t *testing.T) {
	c, _, _ := startTransport(t, testConfig(t, nil))
	c.NotifyShutdown()

	waitFor(t, func() bool {
		return c.Send(serialize(t, "Speed", 1)) == ErrShutdown
	}, "Send still accepted after shutdown")
}

func TestSessionTrackerFollowsSessionStatus(t *testing.T) {
	c, _, _ := startTransport(t, testConfig(t, func(cfg *config.Config) {
		cfg.Whitelist.Events = append(cfg.Whitelist.Events, event.IDSessionStatus)
	}))

	if c.IsSessionInProgress() {
		t.Fatal("session in progress before any SessionStatus event")
	}

	start := event.New(event.IDSessionStatus, "1.0").AddField("status", "startup")
	start.Timestamp = time.Now().UnixMilli()
	raw, _ := start.Serialize()
	c.Send(raw)
	waitFor(t, c.IsSessionInProgress, "session never marked in progress")

	if got := c.GetUploadDeferTime(); got != 30 {
		t.Errorf("GetUploadDeferTime() during session = %d, want 30", got)
	}

	end := event.New(event.IDSessionStatus, "1.0").AddField("status", "shutdown")
	end.Timestamp = time.Now().UnixMilli()
	raw, _ = end.Serialize()
	c.Send(raw)
	waitFor(t, func() bool { return !c.IsSessionInProgress() }, "session never marked ended")

	if got := c.GetUploadDeferTime(); got != 5 {
		t.Errorf("GetUploadDeferTime() idle = %d, want 5", got)
	}
}

func TestLogSamplerLimits(t *testing.T) {
	s := newLogSampler(config.LogSamplingConfig{
		DefaultMax: 2,
		PerEvent:   map[string]int{"Chatty": 1, "Silent": 0, "Verbose": -1},
	}, []string{"CrashAlert"})

	tests := []struct {
		id   string
		want []bool
	}{
		{"Chatty", []bool{true, false, false}},
		{"Silent", []bool{false, false}},
		{"Speed", []bool{true, true, false}},              // default max 2
		{"Verbose", []bool{true, true, true, true}},       // unlimited
		{"CrashAlert", []bool{true, true, true, true}},    // alert bypass
	}
	for _, tt := range tests {
		for i, want := range tt.want {
			if got := s.allow(tt.id); got != want {
				t.Errorf("allow(%s) call %d = %v, want %v", tt.id, i+1, got, want)
			}
		}
	}

	s.reset()
	if !s.allow("Chatty") {
		t.Error("allow(Chatty) after reset = false, want true")
	}
}

func TestSamplerClamp(t *testing.T) {
	if got := clampSampleMax(500); got != 100 {
		t.Errorf("clampSampleMax(500) = %d, want 100", got)
	}
	if got := clampSampleMax(-5); got != -1 {
		t.Errorf("clampSampleMax(-5) = %d, want -1", got)
	}
}

func TestTimestampValidatorBounds(t *testing.T) {
	v := NewTimestampValidator(config.FiltersConfig{
		MinValidTimestampMs: 1000,
		MaxClockSkewSec:     60,
	})
	fixed := time.UnixMilli(100_000)
	v.now = func() time.Time { return fixed }

	tests := []struct {
		ts   int64
		want bool
	}{
		{999, false},
		{1000, true},
		{100_000, true},
		{100_000 + 60_000, true},
		{100_000 + 60_001, false},
	}
	for _, tt := range tests {
		if got := v.Valid(tt.ts); got != tt.want {
			t.Errorf("Valid(%d) = %v, want %v", tt.ts, got, tt.want)
		}
	}
}
