package pipeline

import (
	"sync"

	"github.com/openfleet/telemetryd/internal/config"
)

// logSampler bounds how many times each event id is logged at critical
// level. Each id increments a counter until its configured max;
// overflow logging drops to debug. The max is clamped to [-1, 100]
// where -1 means unlimited and 0 suppresses critical logging entirely.
// Event ids in the alert set bypass sampling.
type logSampler struct {
	mu         sync.Mutex
	defaultMax int
	perEvent   map[string]int
	alerts     map[string]struct{}
	counts     map[string]int
}

func clampSampleMax(n int) int {
	if n < -1 {
		return -1
	}
	if n > 100 {
		return 100
	}
	return n
}

func newLogSampler(cfg config.LogSamplingConfig, alerts []string) *logSampler {
	s := &logSampler{counts: make(map[string]int)}
	s.configure(cfg, alerts)
	return s
}

// configure replaces the limits. Counters survive a reconfigure; they
// reset only on an ignition or power cycle.
func (s *logSampler) configure(cfg config.LogSamplingConfig, alerts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultMax = clampSampleMax(cfg.DefaultMax)
	s.perEvent = make(map[string]int, len(cfg.PerEvent))
	for id, max := range cfg.PerEvent {
		s.perEvent[id] = clampSampleMax(max)
	}
	s.alerts = make(map[string]struct{}, len(alerts))
	for _, id := range alerts {
		s.alerts[id] = struct{}{}
	}
}

// allow reports whether this occurrence of eventID may log at critical
// level, incrementing the id's counter.
func (s *logSampler) allow(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, isAlert := s.alerts[eventID]; isAlert {
		return true
	}
	max, ok := s.perEvent[eventID]
	if !ok {
		max = s.defaultMax
	}
	if max == -1 {
		return true
	}
	if s.counts[eventID] >= max {
		return false
	}
	s.counts[eventID]++
	return true
}

// reset zeroes all counters (ignition/power cycle).
func (s *logSampler) reset() {
	s.mu.Lock()
	s.counts = make(map[string]int)
	s.mu.Unlock()
}
