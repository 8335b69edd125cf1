// Package notify routes cloud-originated notifications (config pushes,
// remote-operation commands, alerts to device) to registered request
// handlers by type. A single worker drains the queue; unknown types
// are answered with a NotificationFailure event so the backend can see
// the miss.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/openfleet/telemetryd/internal/event"
	"github.com/openfleet/telemetryd/internal/onoff"
)

// queueSlots bounds pending notifications.
const queueSlots = 256

// RequestHandler processes one notification type.
type RequestHandler interface {
	HandleRequest(payload string)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(payload string)

// HandleRequest calls f.
func (f RequestHandlerFunc) HandleRequest(payload string) { f(payload) }

// EmitFunc feeds a failure event back into the producer pipeline.
type EmitFunc func(serialized string)

// Listener is the notification router.
type Listener struct {
	logger  *slog.Logger
	emit    EmitFunc
	monitor *onoff.Monitor

	mu       sync.Mutex
	handlers map[string]RequestHandler

	queueMu sync.RWMutex
	closed  bool
	queue   chan string
	done    chan struct{}
}

// NewListener builds the router. emit may be nil when failure events
// are not wanted (tests).
func NewListener(emit EmitFunc, monitor *onoff.Monitor, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		logger:   logger.With("component", "notify"),
		emit:     emit,
		monitor:  monitor,
		handlers: make(map[string]RequestHandler),
		queue:    make(chan string, queueSlots),
		done:     make(chan struct{}),
	}
}

// RegisterRequest binds a handler to a notification type. At most one
// handler per type; a duplicate registration is rejected with a log
// and the first handler remains.
func (l *Listener) RegisterRequest(requestType string, h RequestHandler) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.handlers[requestType]; dup {
		l.logger.Warn("duplicate request handler rejected", "type", requestType)
		return false
	}
	l.handlers[requestType] = h
	return true
}

// PushNotification enqueues a raw notification JSON for routing. Full
// queues drop the notification with a log; a dropped notification is
// not re-delivered.
func (l *Listener) PushNotification(payload string) {
	l.queueMu.RLock()
	defer l.queueMu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- payload:
	default:
		l.logger.Error("notification queue full, dropping", "bytes", len(payload))
	}
}

// Start launches the router worker and registers for shutdown.
func (l *Listener) Start() {
	if l.monitor != nil {
		l.monitor.Register(l, onoff.CodeNotificationListener, "")
	}
	go l.run()
}

// NotifyShutdown stops the worker; notifications still queued are
// discarded.
func (l *Listener) NotifyShutdown() {
	l.queueMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.queueMu.Unlock()
	go func() {
		<-l.done
		if l.monitor != nil {
			l.monitor.ReadyForShutdown(onoff.CodeNotificationListener, "")
		}
	}()
}

func (l *Listener) run() {
	defer close(l.done)
	for payload := range l.queue {
		l.route(payload)
	}
}

func (l *Listener) route(payload string) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil || head.Type == "" {
		l.failure(payload, "unparseable notification")
		return
	}

	l.mu.Lock()
	h, ok := l.handlers[head.Type]
	l.mu.Unlock()
	if !ok {
		l.failure(payload, "no handler for type "+head.Type)
		return
	}
	h.HandleRequest(payload)
}

func (l *Listener) failure(payload, reason string) {
	l.logger.Warn("notification rejected", "reason", reason)
	if l.emit == nil {
		return
	}
	ev := event.New(event.IDNotificationFailure, "1.0").
		AddField("reason", reason).
		AddField("bytes", len(payload))
	if serialized, err := ev.Serialize(); err == nil {
		l.emit(serialized)
	}
}
