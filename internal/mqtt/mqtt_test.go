package mqtt

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/autopaho"

	"github.com/openfleet/telemetryd/internal/events"
)

func TestStateMachineMonotonicPerAttempt(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	sm := newStateMachine(bus)
	sm.newAttempt()

	if !sm.transition(StateSubsPending) {
		t.Error("forward transition rejected")
	}
	if sm.transition(StateSubsPending) {
		t.Error("repeat transition accepted")
	}
	if !sm.transition(StateComplete) {
		t.Error("forward transition rejected")
	}
	// Backward moves never broadcast.
	if sm.transition(StateSubsPending) {
		t.Error("backward transition accepted")
	}
	if !sm.transition(StateTearingDown) {
		t.Error("teardown transition rejected")
	}

	var seen []string
	timeout := time.After(time.Second)
	for len(seen) < 4 {
		select {
		case n := <-ch:
			seen = append(seen, n.Data["state"].(string))
		case <-timeout:
			t.Fatalf("broadcasts = %v, want 4", seen)
		}
	}
	want := []string{"not_connected", "connected_but_subs_pending", "connection_complete", "connection_tearing_down"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("broadcast[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestStateMachineNewAttemptResets(t *testing.T) {
	sm := newStateMachine(nil)
	sm.newAttempt()
	sm.transition(StateComplete)

	sm.newAttempt()
	s, attempt := sm.current()
	if s != StateNotConnected || attempt != 2 {
		t.Errorf("after new attempt: state=%v attempt=%d, want not_connected/2", s, attempt)
	}
	// The fresh attempt can walk forward again.
	if !sm.transition(StateSubsPending) {
		t.Error("fresh attempt rejected a forward transition")
	}
}

func TestStaticToken(t *testing.T) {
	tok := StaticToken("hunter2")
	got, err := tok.Token(context.Background())
	if err != nil || got != "hunter2" {
		t.Errorf("Token() = %q, %v", got, err)
	}
	tok.Invalidate() // no-op
	got, _ = tok.Token(context.Background())
	if got != "hunter2" {
		t.Error("static token changed after Invalidate")
	}
}

func TestBackoffTokenSourceCachesAndInvalidates(t *testing.T) {
	calls := 0
	src := NewBackoffTokenSource(func(ctx context.Context) (string, error) {
		calls++
		return fmt.Sprintf("token-%d", calls), nil
	}, nil)

	ctx := context.Background()
	first, err := src.Token(ctx)
	if err != nil || first != "token-1" {
		t.Fatalf("Token() = %q, %v", first, err)
	}
	// Cached: no second fetch.
	again, _ := src.Token(ctx)
	if again != first || calls != 1 {
		t.Errorf("Token() = %q after %d calls, want cached token-1", again, calls)
	}

	src.Invalidate()
	fresh, _ := src.Token(ctx)
	if fresh != "token-2" {
		t.Errorf("Token() after Invalidate = %q, want token-2", fresh)
	}
}

func TestBackoffTokenSourceRetries(t *testing.T) {
	calls := 0
	src := NewBackoffTokenSource(func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("manager unavailable")
		}
		return "token", nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := src.Token(ctx)
	if err != nil || got != "token" {
		t.Fatalf("Token() = %q, %v after retry", got, err)
	}
	if calls != 2 {
		t.Errorf("fetch called %d times, want 2", calls)
	}
}

func TestBackoffTokenSourceHonorsCancellation(t *testing.T) {
	src := NewBackoffTokenSource(func(ctx context.Context) (string, error) {
		return "", errors.New("always failing")
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := src.Token(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Token() returned nil error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Token() ignored context cancellation")
	}
}

func TestIsAuthRejection(t *testing.T) {
	tests := []struct {
		code byte
		want bool
	}{
		{2, true}, {4, true}, {5, true},
		{0x85, true}, {0x86, true}, {0x87, true},
		{0, false}, {3, false}, {0x80, false},
	}
	for _, tt := range tests {
		err := &autopaho.ConnackError{ReasonCode: tt.code}
		if got := isAuthRejection(err); got != tt.want {
			t.Errorf("isAuthRejection(rc=%#x) = %v, want %v", tt.code, got, tt.want)
		}
	}
	if isAuthRejection(errors.New("network down")) {
		t.Error("isAuthRejection matched a plain error")
	}
}

func TestNextMIDMonotonic(t *testing.T) {
	c := &Client{}
	prev := c.NextMID()
	for range 100 {
		next := c.NextMID()
		if next <= prev {
			t.Fatalf("NextMID() = %d after %d, want strictly increasing", next, prev)
		}
		prev = next
	}
}
