package pipeline

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openfleet/telemetryd/internal/config"
	"github.com/openfleet/telemetryd/internal/event"
	"github.com/openfleet/telemetryd/internal/events"
	"github.com/openfleet/telemetryd/internal/onoff"
	"github.com/openfleet/telemetryd/internal/store"
)

// DefaultQueueBytes is the staging queue byte cap when the config does
// not override it.
const DefaultQueueBytes = 2 * 1024 * 1024

// overflowSummaryEvery controls how often queue-overflow drops produce
// a summary log line.
const overflowSummaryEvery = 10

// Send errors.
var (
	// ErrOverflow is returned when the staging queue is at capacity.
	ErrOverflow = errors.New("pipeline: staging queue overflow")
	// ErrShutdown is returned once shutdown has been initiated.
	ErrShutdown = errors.New("pipeline: shutting down")
)

// NonIgniteStore is the store surface the worker needs for
// non-whitelisted events.
type NonIgniteStore interface {
	HandleNonIgnite(ev *event.Event, serialized string) error
}

// CacheTransport is the staging queue and its drain worker. Producers
// call Send from any goroutine; a single worker classifies and routes.
type CacheTransport struct {
	logger    *slog.Logger
	validator *TimestampValidator
	session   *SessionTracker
	activity  *ActivityDelay
	sink      Sink
	nonIgnite NonIgniteStore
	monitor   *onoff.Monitor

	queue *byteQueue
	done  chan struct{}

	// classification state, replaced atomically on config update
	classMu   sync.RWMutex
	whitelist map[string]struct{}
	sampler   *logSampler
	resetMode string

	overflowCount   atomic.Uint64
	nonIgniteCount  atomic.Uint64
	supplementalIDs []string
}

// Options bundles the constructor dependencies.
type Options struct {
	Config    *config.Config
	Sink      Sink
	NonIgnite NonIgniteStore
	Monitor   *onoff.Monitor
	Logger    *slog.Logger
	// SupplementalIDs are extra whitelist entries declared by dispatch
	// handlers, merged on every recompute.
	SupplementalIDs []string
}

// New builds the cache transport. Call Start to launch the worker.
func New(opts Options) *CacheTransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	session := &SessionTracker{}
	c := &CacheTransport{
		logger:          logger.With("component", "pipeline"),
		validator:       NewTimestampValidator(opts.Config.Filters),
		session:         session,
		activity:        NewActivityDelay(opts.Config.Filters, session),
		sink:            opts.Sink,
		nonIgnite:       opts.NonIgnite,
		monitor:         opts.Monitor,
		queue:           newByteQueue(queueBytes(opts.Config)),
		done:            make(chan struct{}),
		supplementalIDs: opts.SupplementalIDs,
	}
	c.applyConfig(opts.Config)
	return c
}

func queueBytes(cfg *config.Config) int {
	if cfg.Pipeline.QueueBytes > 0 {
		return cfg.Pipeline.QueueBytes
	}
	return DefaultQueueBytes
}

// applyConfig recomputes the whitelist set and sampling limits. The
// whitelist is the union of the explicit list, the image of the
// domain→events map, and the handler supplements.
func (c *CacheTransport) applyConfig(cfg *config.Config) {
	wl := make(map[string]struct{})
	for _, id := range cfg.Whitelist.Events {
		wl[id] = struct{}{}
	}
	for _, ids := range cfg.Whitelist.Domains {
		for _, id := range ids {
			wl[id] = struct{}{}
		}
	}
	for _, id := range c.supplementalIDs {
		wl[id] = struct{}{}
	}

	c.classMu.Lock()
	c.whitelist = wl
	if c.sampler == nil {
		c.sampler = newLogSampler(cfg.LogSampling, cfg.Whitelist.Alerts)
	} else {
		c.sampler.configure(cfg.LogSampling, cfg.Whitelist.Alerts)
	}
	c.resetMode = cfg.LogSampling.Reset
	c.classMu.Unlock()
}

// Start launches the drain worker, registers for shutdown and
// subscribes to config updates.
func (c *CacheTransport) Start(watcher *config.Watcher, bus *events.Bus) {
	if c.monitor != nil {
		c.monitor.Register(c, onoff.CodeCacheTransport, "")
	}

	if bus != nil && watcher != nil {
		ch := bus.Subscribe(8)
		go func() {
			for n := range ch {
				if n.Source == events.SourceConfig && n.Kind == events.KindConfigUpdated {
					c.applyConfig(watcher.Current())
					c.logger.Info("classification state recomputed")
				}
			}
		}()
	}

	go c.run()
}

// Send enqueues a serialized event. Returns ErrShutdown after shutdown
// begins and ErrOverflow when the byte cap is hit; every
// overflowSummaryEvery'th drop logs a summary at error level.
func (c *CacheTransport) Send(serialized string) error {
	err := c.queue.push(serialized)
	switch err {
	case nil:
		return nil
	case errQueueClosed:
		return ErrShutdown
	case errQueueFull:
		n := c.overflowCount.Add(1)
		if n%overflowSummaryEvery == 0 {
			c.logger.Error("staging queue overflow", "dropped_total", n)
		}
		return ErrOverflow
	default:
		return err
	}
}

// OverflowCount returns the number of events dropped to overflow.
func (c *CacheTransport) OverflowCount() uint64 { return c.overflowCount.Load() }

// NonIgniteCount returns the number of events routed to the non-ignite
// path.
func (c *CacheTransport) NonIgniteCount() uint64 { return c.nonIgniteCount.Load() }

// GetUploadDeferTime exposes the activity governor's computed defer
// seconds for the uploader.
func (c *CacheTransport) GetUploadDeferTime() int { return c.activity.ComputeDeferUpload() }

// IsSessionInProgress exposes the session tracker state.
func (c *CacheTransport) IsSessionInProgress() bool { return c.session.IsSessionInProgress() }

// ValidTimestamp exposes the validator predicate.
func (c *CacheTransport) ValidTimestamp(timestampMs int64) bool {
	return c.validator.Valid(timestampMs)
}

// NotifyShutdown refuses further sends and lets the worker drain what
// is already queued before acking.
func (c *CacheTransport) NotifyShutdown() {
	c.queue.close()
	go func() {
		<-c.done
		if c.monitor != nil {
			c.monitor.ReadyForShutdown(onoff.CodeCacheTransport, "")
		}
	}()
}

func (c *CacheTransport) run() {
	defer close(c.done)
	for {
		serialized, ok := c.queue.take()
		if !ok {
			return
		}
		c.process(serialized)
	}
}

func (c *CacheTransport) process(serialized string) {
	ev, err := event.Parse(serialized)
	if err != nil {
		c.logger.Debug("dropping unparseable event", "error", err)
		return
	}

	// An ignition-off edge resets the sampling counters when the reset
	// policy is per ignition cycle.
	if ev.EventID == event.IDIgnStatus {
		if status, _ := ev.Data["status"].(string); status == "off" {
			c.classMu.RLock()
			mode := c.resetMode
			sampler := c.sampler
			c.classMu.RUnlock()
			if mode == "ign_cycle" {
				sampler.reset()
			}
		}
	}

	c.session.Observe(ev)

	c.classMu.RLock()
	_, whitelisted := c.whitelist[ev.EventID]
	sampler := c.sampler
	c.classMu.RUnlock()

	if whitelisted {
		if !c.validator.Valid(ev.Timestamp) {
			c.logger.Debug("dropping ignite event with implausible timestamp",
				"event_id", ev.EventID, "timestamp", ev.Timestamp)
			return
		}
		if sampler.allow(ev.EventID) {
			c.logger.Info("ignite event", "event_id", ev.EventID, "timestamp", ev.Timestamp)
		} else {
			c.logger.Debug("ignite event (sampled)", "event_id", ev.EventID)
		}
		if err := c.sink.HandleEvent(ev, serialized); err != nil {
			c.logger.Warn("filter chain rejected event", "event_id", ev.EventID, "error", err)
		}
		return
	}

	c.nonIgniteCount.Add(1)
	if !c.validator.Valid(ev.Timestamp) {
		c.logger.Debug("dropping event with implausible timestamp",
			"event_id", ev.EventID, "timestamp", ev.Timestamp)
		return
	}
	if err := c.nonIgnite.HandleNonIgnite(ev, serialized); err != nil {
		if errors.Is(err, store.ErrAwaitActivation) {
			c.logger.Debug("event held for activation", "event_id", ev.EventID)
			return
		}
		c.logger.Warn("non-ignite insert failed", "event_id", ev.EventID, "error", err)
	}
}

// --- byte-bounded FIFO ---

var (
	errQueueFull   = errors.New("queue full")
	errQueueClosed = errors.New("queue closed")
)

type byteQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []string
	bytes    int
	capBytes int
	closed   bool
}

func newByteQueue(capBytes int) *byteQueue {
	q := &byteQueue{capBytes: capBytes}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *byteQueue) push(s string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if q.bytes+len(s) > q.capBytes {
		return errQueueFull
	}
	q.items = append(q.items, s)
	q.bytes += len(s)
	q.cond.Signal()
	return nil
}

// take blocks until an item is available or the queue is closed and
// drained; the bool is false only in the latter case.
func (q *byteQueue) take() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return "", false
	}
	s := q.items[0]
	q.items = q.items[1:]
	q.bytes -= len(s)
	return s, true
}

func (q *byteQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
