// Package onoff is the process-wide lifecycle authority. Components
// register a shutdown receiver at startup; BeginShutdown walks the
// notification order in priority buckets, notifying each receiver and
// waiting for its two-phase acknowledgement before advancing. A
// receiver that never acks is bypassed when the deadline expires.
package onoff

import (
	"log/slog"
	"sync"
	"time"
)

// ReceiverCode enumerates the pre-defined shutdown receivers. Ad-hoc
// receivers register under CodeOther with a distinct name.
type ReceiverCode int

const (
	CodeCacheTransport ReceiverCode = iota
	CodeDBTransport
	CodeMessageQueue
	CodeMessageController
	CodeMQTTClient
	CodeMQTTUploader
	CodeMidHandler
	CodeNotificationListener
	CodeUploadController
	CodeOther
)

// String returns the receiver name used in logs.
func (c ReceiverCode) String() string {
	switch c {
	case CodeCacheTransport:
		return "CacheTransport"
	case CodeDBTransport:
		return "DBTransport"
	case CodeMessageQueue:
		return "MessageQueue"
	case CodeMessageController:
		return "MessageController"
	case CodeMQTTClient:
		return "MQTTClient"
	case CodeMQTTUploader:
		return "MQTTUploader"
	case CodeMidHandler:
		return "MidHandler"
	case CodeNotificationListener:
		return "NotificationListener"
	case CodeUploadController:
		return "UploadController"
	case CodeOther:
		return "Other"
	}
	return "Unknown"
}

// Receiver is implemented by components that need orderly shutdown.
// NotifyShutdown must return promptly; the component finishes its
// in-flight unit of work on its own goroutine and then calls
// ReadyForShutdown. NotifyShutdown is idempotent.
type Receiver interface {
	NotifyShutdown()
}

type subscribeStatus int

const (
	statusSubscribed subscribeStatus = iota
	statusNotified
	statusShutdownCompleted
)

type receiverDetail struct {
	ref    Receiver
	status subscribeStatus
}

// Monitor tracks shutdown receivers and drives the shutdown sequence.
type Monitor struct {
	logger *slog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	receivers   map[ReceiverCode]*receiverDetail
	adHoc       map[string]*receiverDetail
	notifOrder  map[int][]ReceiverCode
	shuttingDwn bool
}

// NewMonitor creates a monitor with the default notification order:
// ingestion-side components drain first, then the upload side, then
// the transports that everything else depends on.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		logger:    logger.With("component", "onoff"),
		receivers: make(map[ReceiverCode]*receiverDetail),
		adHoc:     make(map[string]*receiverDetail),
		notifOrder: map[int][]ReceiverCode{
			1: {CodeMessageQueue, CodeCacheTransport},
			2: {CodeUploadController, CodeMQTTUploader, CodeNotificationListener},
			3: {CodeMQTTClient, CodeMessageController},
			4: {CodeMidHandler, CodeDBTransport},
		},
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Register subscribes a receiver for shutdown notification. For
// CodeOther the name distinguishes ad-hoc receivers; for pre-defined
// codes the name is ignored. Duplicate registrations and registrations
// after BeginShutdown are rejected.
func (m *Monitor) Register(r Receiver, code ReceiverCode, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDwn {
		m.logger.Warn("registration rejected, shutdown in progress",
			"receiver", code.String(), "name", name)
		return false
	}

	if code == CodeOther {
		if name == "" {
			return false
		}
		if _, dup := m.adHoc[name]; dup {
			return false
		}
		m.adHoc[name] = &receiverDetail{ref: r, status: statusSubscribed}
		return true
	}

	if _, dup := m.receivers[code]; dup {
		return false
	}
	m.receivers[code] = &receiverDetail{ref: r, status: statusSubscribed}
	return true
}

// Unregister removes a receiver. Returns false if it was not registered.
func (m *Monitor) Unregister(code ReceiverCode, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if code == CodeOther {
		if _, ok := m.adHoc[name]; !ok {
			return false
		}
		delete(m.adHoc, name)
		m.cond.Broadcast()
		return true
	}
	if _, ok := m.receivers[code]; !ok {
		return false
	}
	delete(m.receivers, code)
	m.cond.Broadcast()
	return true
}

// ReadyForShutdown transitions a receiver to shutdown-completed and
// wakes BeginShutdown. Returns false if the receiver is not registered.
func (m *Monitor) ReadyForShutdown(code ReceiverCode, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var d *receiverDetail
	if code == CodeOther {
		d = m.adHoc[name]
	} else {
		d = m.receivers[code]
	}
	if d == nil {
		return false
	}
	d.status = statusShutdownCompleted
	m.cond.Broadcast()
	return true
}

// ShutdownInitiated reports whether BeginShutdown has been called.
func (m *Monitor) ShutdownInitiated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDwn
}

// BeginShutdown drives the notification order. For each priority bucket
// in ascending order it notifies every registered receiver in the
// bucket, then waits until each reaches shutdown-completed before
// advancing. Ad-hoc receivers form a final bucket. The deadline is a
// hard cap across the whole sequence; on expiry remaining receivers
// are logged and bypassed. Idempotent: a second call returns at once.
func (m *Monitor) BeginShutdown(deadline time.Duration) {
	m.mu.Lock()
	if m.shuttingDwn {
		m.mu.Unlock()
		return
	}
	m.shuttingDwn = true
	m.mu.Unlock()

	var expired bool
	var timerMu sync.Mutex
	timer := time.AfterFunc(deadline, func() {
		timerMu.Lock()
		expired = true
		timerMu.Unlock()
		m.cond.Broadcast()
	})
	defer timer.Stop()

	deadlineHit := func() bool {
		timerMu.Lock()
		defer timerMu.Unlock()
		return expired
	}

	priorities := make([]int, 0, len(m.notifOrder))
	for p := range m.notifOrder {
		priorities = append(priorities, p)
	}
	// The order map is small; insertion sort keeps it dependency-free.
	for i := 1; i < len(priorities); i++ {
		for j := i; j > 0 && priorities[j] < priorities[j-1]; j-- {
			priorities[j], priorities[j-1] = priorities[j-1], priorities[j]
		}
	}

	for _, p := range priorities {
		if deadlineHit() {
			break
		}
		m.notifyBucket(m.notifOrder[p], deadlineHit)
	}
	if !deadlineHit() {
		m.notifyAdHoc(deadlineHit)
	}

	m.logStragglers()
}

func (m *Monitor) notifyBucket(codes []ReceiverCode, deadlineHit func() bool) {
	m.mu.Lock()
	var pending []ReceiverCode
	for _, code := range codes {
		d, ok := m.receivers[code]
		if !ok {
			continue
		}
		d.status = statusNotified
		pending = append(pending, code)
		go d.ref.NotifyShutdown()
	}

	for !m.bucketDone(pending) && !deadlineHit() {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

// bucketDone reports whether every still-registered receiver in codes
// has completed. Must be called with m.mu held.
func (m *Monitor) bucketDone(codes []ReceiverCode) bool {
	for _, code := range codes {
		d, ok := m.receivers[code]
		if ok && d.status != statusShutdownCompleted {
			return false
		}
	}
	return true
}

func (m *Monitor) notifyAdHoc(deadlineHit func() bool) {
	m.mu.Lock()
	for _, d := range m.adHoc {
		d.status = statusNotified
		go d.ref.NotifyShutdown()
	}

	done := func() bool {
		for _, d := range m.adHoc {
			if d.status != statusShutdownCompleted {
				return false
			}
		}
		return true
	}
	for !done() && !deadlineHit() {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

func (m *Monitor) logStragglers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, d := range m.receivers {
		if d.status == statusNotified {
			m.logger.Warn("receiver bypassed at shutdown deadline", "receiver", code.String())
		}
	}
	for name, d := range m.adHoc {
		if d.status == statusNotified {
			m.logger.Warn("receiver bypassed at shutdown deadline", "receiver", name)
		}
	}
}
