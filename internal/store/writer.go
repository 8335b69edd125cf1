package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/openfleet/telemetryd/internal/event"
	"github.com/openfleet/telemetryd/internal/events"
	"github.com/openfleet/telemetryd/internal/onoff"
)

// InsertOpts direct where and how a row is persisted.
type InsertOpts struct {
	Table         string
	StreamSupport bool
	BatchSupport  bool
	Topic         string
}

type pendingInsert struct {
	opts        InsertOpts
	eventID     string
	payload     string
	timestampMs int64
}

// insertQueue is the byte-bounded staging queue drained by the worker.
type insertQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []pendingInsert
	bytes    int
	capBytes int
	closed   bool
}

func newInsertQueue(capBytes int) *insertQueue {
	q := &insertQueue{capBytes: capBytes}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *insertQueue) push(p pendingInsert) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrShutdown
	}
	if q.bytes+len(p.payload) > q.capBytes {
		return ErrQueueFull
	}
	q.items = append(q.items, p)
	q.bytes += len(p.payload)
	q.cond.Signal()
	return nil
}

// take removes up to n items; blocks until items arrive or the queue
// closes. Returns nil once closed and drained.
func (q *insertQueue) take(n int) []pendingInsert {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := q.items[:n]
	q.items = q.items[n:]
	for _, p := range batch {
		q.bytes -= len(p.payload)
	}
	return batch
}

func (q *insertQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *insertQueue) snapshot() (items, bytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.bytes
}

// activationGate refuses persistence of non-exception events until the
// device has activated with the backend.
type activationGate struct {
	mu         sync.RWMutex
	gated      bool
	activated  bool
	exceptions map[string]struct{}
}

func newActivationGate(gated bool, exceptions []string) *activationGate {
	g := &activationGate{gated: gated, exceptions: make(map[string]struct{}, len(exceptions))}
	for _, id := range exceptions {
		g.exceptions[id] = struct{}{}
	}
	return g
}

func (g *activationGate) set(active bool) {
	g.mu.Lock()
	g.activated = active
	g.mu.Unlock()
}

func (g *activationGate) active() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.activated
}

// admit reports whether an event id may be persisted now. The
// exception set always passes, regardless of the gating flag.
func (g *activationGate) admit(eventID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.exceptions[eventID]; ok {
		return true
	}
	if !g.gated {
		return true
	}
	return g.activated
}

// Start launches the insert worker and registers with the lifecycle
// monitor. The monitor may be nil in tests.
func (s *Store) Start(monitor *onoff.Monitor) {
	if monitor != nil {
		monitor.Register(&storeReceiver{s: s, monitor: monitor}, onoff.CodeDBTransport, "")
	}
	go s.run()
}

// storeReceiver decouples the onoff registration from the Store's own
// method set so NotifyShutdown is not part of the public store API.
type storeReceiver struct {
	s       *Store
	monitor *onoff.Monitor
}

func (r *storeReceiver) NotifyShutdown() {
	r.s.queue.close()
	// The worker drains, writes the session-end marker, then acks.
	go func() {
		<-r.s.done
		r.monitor.ReadyForShutdown(onoff.CodeDBTransport, "")
	}()
}

// HandleEvent stages an event for batched insertion. When the queue is
// over its byte cap the caller gets ErrQueueFull and a purge cycle is
// requested. Activation-gated events are refused with
// ErrAwaitActivation.
func (s *Store) HandleEvent(ev *event.Event, serialized string, opts InsertOpts) error {
	if !s.activation.admit(ev.EventID) {
		return ErrAwaitActivation
	}
	if opts.Table == "" {
		opts.Table = TableEvents
	}
	err := s.queue.push(pendingInsert{
		opts: opts, eventID: ev.EventID, payload: serialized, timestampMs: ev.Timestamp,
	})
	if err == ErrQueueFull {
		go s.purgeIfOversized()
	}
	return err
}

// HandleNonIgnite persists a non-whitelisted event directly: no stream
// upload, eligible for the batch path.
func (s *Store) HandleNonIgnite(ev *event.Event, serialized string) error {
	if !s.activation.admit(ev.EventID) {
		return ErrAwaitActivation
	}
	return s.insertRows([]pendingInsert{{
		opts:        InsertOpts{Table: TableEvents, StreamSupport: false, BatchSupport: true},
		eventID:     ev.EventID,
		payload:     serialized,
		timestampMs: ev.Timestamp,
	}})
}

// InsertEvent is the synchronous insertion path for low-rate
// out-of-band control events (e.g. the session-end marker written
// during shutdown).
func (s *Store) InsertEvent(serialized string) error {
	ev, err := event.Parse(serialized)
	if err != nil {
		return err
	}
	return s.insertRows([]pendingInsert{{
		opts:        InsertOpts{Table: TableEvents, StreamSupport: true},
		eventID:     ev.EventID,
		payload:     serialized,
		timestampMs: ev.Timestamp,
	}})
}

// InsertAlert persists an alert row eligible for immediate publish.
func (s *Store) InsertAlert(ev *event.Event, serialized string, topic string) error {
	if !s.activation.admit(ev.EventID) {
		return ErrAwaitActivation
	}
	return s.insertRows([]pendingInsert{{
		opts:        InsertOpts{Table: TableAlerts, StreamSupport: true, Topic: topic},
		eventID:     ev.EventID,
		payload:     serialized,
		timestampMs: ev.Timestamp,
	}})
}

func (s *Store) run() {
	defer close(s.done)

	backoff := time.Second
	batchCap := s.cfg.MaxBatch

	for {
		n := s.batchSize(batchCap)
		batch := s.queue.take(n)
		if batch == nil {
			break
		}

		if err := s.insertRows(batch); err != nil {
			s.logger.Warn("insert batch failed, backing off",
				"batch", len(batch), "backoff", backoff.String(), "error", err)
			// Failed batches halve until single-row inserts; the rows
			// themselves were returned to nobody, so retry them inline.
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			if batchCap > 1 {
				batchCap /= 2
			}
			s.retryInserts(batch)
			continue
		}
		backoff = time.Second
		batchCap = s.cfg.MaxBatch

		if s.SizeBytes() > s.cfg.SizeLimitBytes {
			s.purgeIfOversized()
		}
	}

	s.finishShutdown()
}

// batchSize derives events-per-transaction from queue pressure:
// clamp(queueBytes / avgRecordSize, 1, limit).
func (s *Store) batchSize(limit int) int {
	items, bytes := s.queue.snapshot()
	if items == 0 {
		return limit
	}
	avg := bytes / items
	if avg == 0 {
		avg = 1
	}
	n := bytes / avg
	if n < 1 {
		n = 1
	}
	if n > limit {
		n = limit
	}
	return n
}

func (s *Store) retryInserts(batch []pendingInsert) {
	for _, p := range batch {
		if err := s.insertRows([]pendingInsert{p}); err != nil {
			s.logger.Error("dropping event after failed retry",
				"event_id", p.eventID, "error", err)
		}
	}
}

func (s *Store) insertRows(batch []pendingInsert) error {
	if len(batch) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	for _, p := range batch {
		stream, b := 0, 0
		if p.opts.StreamSupport {
			stream = 1
		}
		if p.opts.BatchSupport {
			b = 1
		}
		_, err := tx.Exec(fmt.Sprintf(
			`INSERT INTO %s (event_id, payload, timestamp, mid, stream_support, batch_support, topic)
			 VALUES (?, ?, ?, 0, ?, ?, ?)`, p.opts.Table),
			p.eventID, p.payload, p.timestampMs, stream, b, p.opts.Topic)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", p.eventID, err)
		}
	}
	return tx.Commit()
}

// purgeIfOversized runs the purge cycle when the database file exceeds
// its configured ceiling: a granularity-reduction pass first (keep the
// newest rows per event id), then VACUUM. Holds the write lock for the
// whole cycle so purge never interleaves with an insert transaction.
func (s *Store) purgeIfOversized() {
	if s.SizeBytes() <= s.cfg.SizeLimitBytes {
		return
	}

	s.writeMu.Lock()
	res, err := s.db.Exec(`
		DELETE FROM event_store WHERE row_id IN (
			SELECT row_id FROM (
				SELECT row_id,
				       ROW_NUMBER() OVER (PARTITION BY event_id ORDER BY row_id DESC) AS rn
				FROM event_store WHERE mid = 0
			) WHERE rn > 100
		)`)
	if err != nil {
		s.writeMu.Unlock()
		s.logger.Error("purge pass failed", "error", err)
		return
	}
	removed, _ := res.RowsAffected()
	_, err = s.db.Exec(`VACUUM`)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Warn("vacuum failed", "error", err)
	}

	s.logger.Info("purge cycle complete", "rows_removed", removed, "size_bytes", s.SizeBytes())
	s.bus.Publish(events.Notice{
		Source: events.SourceStore,
		Kind:   events.KindPurge,
		Data:   map[string]any{"rows_removed": removed},
	})
}

// finishShutdown writes the session-end marker and closes the DB.
func (s *Store) finishShutdown() {
	marker := event.New(event.IDSessionStatus, "1.0").AddField("status", "shutdown")
	if serialized, err := marker.Serialize(); err == nil {
		if err := s.insertRows([]pendingInsert{{
			opts:        InsertOpts{Table: TableEvents, StreamSupport: true},
			eventID:     marker.EventID,
			payload:     serialized,
			timestampMs: marker.Timestamp,
		}}); err != nil {
			s.logger.Warn("session-end marker insert failed", "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("database close failed", "error", err)
	}
	s.logger.Info("event store shut down")
}
