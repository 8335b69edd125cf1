// Package dispatch fans events and notifications out to in-process
// handler plugins in parallel with persistence. Handlers are registered
// at bootstrap, before any worker starts; the fan-out worker drains a
// slot-bounded queue so the ingestion path never blocks on a handler.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/openfleet/telemetryd/internal/config"
	"github.com/openfleet/telemetryd/internal/event"
	"github.com/openfleet/telemetryd/internal/onoff"
	"github.com/openfleet/telemetryd/internal/pipeline"
)

// DefaultQueueBytes bounds the fan-out queue when config does not
// override it.
const DefaultQueueBytes = 1024 * 1024

// Handler is an in-process plugin. Implementations declare the domains
// they observe and any extra event ids they need whitelisted; both are
// read once at bootstrap.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string
	// SubscribedDomains lists the event domains this handler observes.
	SubscribedDomains() []string
	// SubscribedEvents lists extra event ids the handler needs on the
	// whitelist (merged by the pipeline at init).
	SubscribedEvents() []string
	// HandleEvent is invoked from the fan-out worker for each event in
	// a subscribed domain.
	HandleEvent(ev *event.Event)
	// HandleNotification is invoked synchronously for cloud
	// notifications addressed to a subscribed domain.
	HandleNotification(domain string, payload string)
}

// AlertTrigger is the uploader surface used for the direct-alert fast
// path.
type AlertTrigger interface {
	TriggerAlertUpload(serialized string)
}

// Controller receives events from the filter chain, queues them for
// handler fan-out, and forwards them to the next link (the store).
type Controller struct {
	logger  *slog.Logger
	next    pipeline.Sink
	alerts  AlertTrigger
	monitor *onoff.Monitor

	mu           sync.RWMutex
	handlers     []Handler
	byDomain     map[string][]Handler
	eventDomains map[string]string
	directAlerts map[string]struct{}

	queueMu sync.RWMutex
	closed  bool
	queue   chan queued
	done    chan struct{}
}

type queued struct {
	ev         *event.Event
	serialized string
}

// New builds a controller. next is the store-facing link; alerts may be
// nil until SetAlertTrigger wires the uploader (constructed later in
// bootstrap).
func New(cfg *config.Config, next pipeline.Sink, monitor *onoff.Monitor, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		logger:  logger.With("component", "dispatch"),
		next:    next,
		monitor: monitor,
		queue:   make(chan queued, queueSlots(cfg)),
		done:    make(chan struct{}),
	}
	c.ApplyConfig(cfg)
	return c
}

// queueSlots sizes the channel from the byte budget assuming the
// average serialized event is ~512 bytes. The budget is advisory; the
// hard bound is the slot count.
func queueSlots(cfg *config.Config) int {
	bytes := cfg.Pipeline.DispatchQueueBytes
	if bytes <= 0 {
		bytes = DefaultQueueBytes
	}
	slots := bytes / 512
	if slots < 16 {
		slots = 16
	}
	return slots
}

// ApplyConfig recomputes the event→domain map and the direct-alert set.
func (c *Controller) ApplyConfig(cfg *config.Config) {
	eventDomains := make(map[string]string)
	for domain, ids := range cfg.Whitelist.Domains {
		for _, id := range ids {
			eventDomains[id] = domain
		}
	}
	direct := make(map[string]struct{}, len(cfg.Whitelist.DirectAlerts))
	for _, id := range cfg.Whitelist.DirectAlerts {
		direct[id] = struct{}{}
	}

	c.mu.Lock()
	c.eventDomains = eventDomains
	c.directAlerts = direct
	c.mu.Unlock()
}

// Register adds a handler. Must be called before Start.
func (c *Controller) Register(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	if c.byDomain == nil {
		c.byDomain = make(map[string][]Handler)
	}
	for _, d := range h.SubscribedDomains() {
		c.byDomain[d] = append(c.byDomain[d], h)
	}
}

// SetAlertTrigger wires the uploader's alert fast path.
func (c *Controller) SetAlertTrigger(t AlertTrigger) {
	c.mu.Lock()
	c.alerts = t
	c.mu.Unlock()
}

// SupplementaryWhitelist returns the union of event ids the registered
// handlers declare; the pipeline merges these into the whitelist.
func (c *Controller) SupplementaryWhitelist() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, h := range c.handlers {
		for _, id := range h.SubscribedEvents() {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Start launches the fan-out worker and registers for shutdown.
func (c *Controller) Start() {
	if c.monitor != nil {
		c.monitor.Register(c, onoff.CodeMessageController, "")
	}
	go c.run()
}

// HandleEvent implements pipeline.Sink. The event is queued for
// handler fan-out and forwarded to the next link; a direct-alert id
// additionally triggers the uploader's alert fast path.
func (c *Controller) HandleEvent(ev *event.Event, serialized string) error {
	c.mu.RLock()
	_, isDirectAlert := c.directAlerts[ev.EventID]
	alerts := c.alerts
	c.mu.RUnlock()

	if isDirectAlert && alerts != nil {
		alerts.TriggerAlertUpload(serialized)
	}

	c.queueMu.RLock()
	if !c.closed {
		select {
		case c.queue <- queued{ev: ev, serialized: serialized}:
		default:
			c.logger.Error("fan-out queue full, dropping handler delivery",
				"event_id", ev.EventID)
		}
	}
	c.queueMu.RUnlock()

	return c.next.HandleEvent(ev, serialized)
}

// HandleNotification synchronously notifies every handler subscribed
// to the domain, in registration order.
func (c *Controller) HandleNotification(domain, payload string) {
	c.mu.RLock()
	handlers := make([]Handler, len(c.byDomain[domain]))
	copy(handlers, c.byDomain[domain])
	c.mu.RUnlock()

	for _, h := range handlers {
		c.invokeNotification(h, domain, payload)
	}
}

func (c *Controller) invokeNotification(h Handler, domain, payload string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked on notification",
				"handler", h.Name(), "domain", domain, "panic", r)
		}
	}()
	h.HandleNotification(domain, payload)
}

// NotifyShutdown stops the fan-out worker after the queued events are
// delivered.
func (c *Controller) NotifyShutdown() {
	c.queueMu.Lock()
	if c.closed {
		c.queueMu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.queueMu.Unlock()
	go func() {
		<-c.done
		if c.monitor != nil {
			c.monitor.ReadyForShutdown(onoff.CodeMessageController, "")
		}
	}()
}

func (c *Controller) run() {
	defer close(c.done)
	for q := range c.queue {
		c.mu.RLock()
		domain := c.eventDomains[q.ev.EventID]
		handlers := make([]Handler, len(c.byDomain[domain]))
		copy(handlers, c.byDomain[domain])
		c.mu.RUnlock()

		for _, h := range handlers {
			c.invokeEvent(h, q.ev)
		}
	}
}

func (c *Controller) invokeEvent(h Handler, ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked on event",
				"handler", h.Name(), "event_id", ev.EventID, "panic", r)
		}
	}()
	h.HandleEvent(ev)
}
