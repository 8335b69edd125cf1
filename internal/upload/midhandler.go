// Package upload owns publish-side bookkeeping: the MID handler maps
// in-flight publish ids to the table rows they claim and reconciles
// PUBACKs into durable deletes, and the uploader drives the periodic
// events path and the alert fast path.
package upload

import (
	"log/slog"
	"sync"

	"github.com/openfleet/telemetryd/internal/onoff"
)

// MidStore is the store surface the MID handler needs.
type MidStore interface {
	DeleteByMID(table string, mid int64) error
	ClearAllMIDs() error
}

// deleteQueueSlots bounds pending reconciliation deletes. The publish
// callback must never block on store I/O; at the bound the delete is
// dropped and the row waits for the next reconnect's InitMID.
const deleteQueueSlots = 4096

type midDelete struct {
	mid   int64
	table string
}

// MidHandler tracks in-flight publish ids. SetMidTable (ingress side)
// and ProcessPublishedMid (PUBACK side) race freely: a PUBACK that
// arrives before its mapping is parked in the published set, and the
// two operations commute.
type MidHandler struct {
	logger  *slog.Logger
	store   MidStore
	monitor *onoff.Monitor

	mu        sync.Mutex
	midTable  map[int64]string
	published map[int64]struct{}
	closed    bool

	deletes chan midDelete
	done    chan struct{}
}

// NewMidHandler creates the handler and starts its deleter worker.
func NewMidHandler(st MidStore, monitor *onoff.Monitor, logger *slog.Logger) *MidHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &MidHandler{
		logger:    logger.With("component", "mid"),
		store:     st,
		monitor:   monitor,
		midTable:  make(map[int64]string),
		published: make(map[int64]struct{}),
		deletes:   make(chan midDelete, deleteQueueSlots),
		done:      make(chan struct{}),
	}
	if monitor != nil {
		monitor.Register(h, onoff.CodeMidHandler, "")
	}
	go h.run()
	return h
}

// InitMID resets publish-id state for a fresh connection: any parked
// PUBACKs with a known mapping are flushed to the deleter, both maps
// are cleared, and every row's mid column is zeroed so previously
// claimed rows become eligible for re-publish.
func (h *MidHandler) InitMID() error {
	h.mu.Lock()
	for mid := range h.published {
		if table, ok := h.midTable[mid]; ok {
			h.scheduleDelete(mid, table)
		}
	}
	h.published = make(map[int64]struct{})
	h.midTable = make(map[int64]string)
	h.mu.Unlock()

	return h.store.ClearAllMIDs()
}

// SetMidTable records that publish mid refers to rows in table. If the
// PUBACK already arrived (mid parked in the published set) the delete
// is scheduled immediately and no mapping is kept.
func (h *MidHandler) SetMidTable(mid int64, table string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, acked := h.published[mid]; acked {
		delete(h.published, mid)
		h.scheduleDelete(mid, table)
		return
	}
	h.midTable[mid] = table
}

// ProcessPublishedMid reconciles a PUBACK. With a known mapping the
// delete is scheduled and the mapping erased; otherwise the mid is
// parked until SetMidTable claims it.
func (h *MidHandler) ProcessPublishedMid(mid int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if table, ok := h.midTable[mid]; ok {
		delete(h.midTable, mid)
		h.scheduleDelete(mid, table)
		return
	}
	h.published[mid] = struct{}{}
}

// TableOfPublishedMid returns the table a mapped mid refers to, or ""
// when unmapped.
func (h *MidHandler) TableOfPublishedMid(mid int64) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.midTable[mid]
}

// scheduleDelete hands a reconciliation to the deleter worker. Must be
// called with h.mu held.
func (h *MidHandler) scheduleDelete(mid int64, table string) {
	if h.closed {
		return
	}
	select {
	case h.deletes <- midDelete{mid: mid, table: table}:
	default:
		h.logger.Error("delete queue full, deferring to next reconnect",
			"mid", mid, "table", table)
	}
}

// NotifyShutdown drains pending deletes then acks.
func (h *MidHandler) NotifyShutdown() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.deletes)
	}
	h.mu.Unlock()
	go func() {
		<-h.done
		if h.monitor != nil {
			h.monitor.ReadyForShutdown(onoff.CodeMidHandler, "")
		}
	}()
}

func (h *MidHandler) run() {
	defer close(h.done)
	for d := range h.deletes {
		if err := h.store.DeleteByMID(d.table, d.mid); err != nil {
			h.logger.Warn("reconciliation delete failed",
				"mid", d.mid, "table", d.table, "error", err)
		} else {
			h.logger.Debug("rows reconciled", "mid", d.mid, "table", d.table)
		}
	}
}
