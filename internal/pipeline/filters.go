// Package pipeline is the event ingestion path: a byte-bounded staging
// queue drained by a single worker that classifies each event against
// the whitelist and hands it down a chain of filters — timestamp
// validation, activity-based upload deferral, session tracking — ending
// at the persistence (or dispatch) sink.
package pipeline

import (
	"sync"
	"time"

	"github.com/openfleet/telemetryd/internal/config"
	"github.com/openfleet/telemetryd/internal/event"
)

// Sink is the terminal link of the filter chain. In stream mode this
// is the dispatcher (which forwards to the store in parallel with the
// handler fan-out); in store-and-forward mode it is the store adapter
// directly.
type Sink interface {
	HandleEvent(ev *event.Event, serialized string) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev *event.Event, serialized string) error

// HandleEvent calls f.
func (f SinkFunc) HandleEvent(ev *event.Event, serialized string) error {
	return f(ev, serialized)
}

// TimestampValidator accepts events whose timestamp is inside
// [minValid, now+skew]. The predicate is pure and shared with the
// non-ignite path.
type TimestampValidator struct {
	minValidMs int64
	skew       time.Duration
	now        func() time.Time
}

// NewTimestampValidator builds a validator from the filter config.
func NewTimestampValidator(cfg config.FiltersConfig) *TimestampValidator {
	return &TimestampValidator{
		minValidMs: cfg.MinValidTimestampMs,
		skew:       time.Duration(cfg.MaxClockSkewSec) * time.Second,
		now:        time.Now,
	}
}

// Valid reports whether a producer timestamp (ms since epoch) is
// plausible: not before the configured floor, not further ahead of our
// clock than the allowed skew.
func (v *TimestampValidator) Valid(timestampMs int64) bool {
	if timestampMs < v.minValidMs {
		return false
	}
	return timestampMs <= v.now().Add(v.skew).UnixMilli()
}

// SessionTracker observes SessionStatus events and answers whether a
// session is currently in progress.
type SessionTracker struct {
	mu         sync.RWMutex
	inProgress bool
}

// Observe updates the session flag from a SessionStatus event. Any
// status other than "shutdown"/"off" marks the session as running.
func (s *SessionTracker) Observe(ev *event.Event) {
	if ev.EventID != event.IDSessionStatus {
		return
	}
	status, _ := ev.Data["status"].(string)
	s.mu.Lock()
	s.inProgress = status != "shutdown" && status != "off"
	s.mu.Unlock()
}

// IsSessionInProgress reports the tracked state.
func (s *SessionTracker) IsSessionInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inProgress
}

// ActivityDelay computes the per-upload defer time from current
// activity: while a session runs, uploads wait the session delay;
// otherwise the configured minimum applies.
type ActivityDelay struct {
	minDelaySec     int
	sessionDelaySec int
	session         *SessionTracker
}

// NewActivityDelay builds the governor over the shared session tracker.
func NewActivityDelay(cfg config.FiltersConfig, session *SessionTracker) *ActivityDelay {
	return &ActivityDelay{
		minDelaySec:     cfg.MinUploadDelaySec,
		sessionDelaySec: cfg.SessionUploadDelaySec,
		session:         session,
	}
}

// ComputeDeferUpload returns the number of seconds the uploader should
// defer its next cycle.
func (a *ActivityDelay) ComputeDeferUpload() int {
	if a.session.IsSessionInProgress() {
		return a.sessionDelaySec
	}
	return a.minDelaySec
}
