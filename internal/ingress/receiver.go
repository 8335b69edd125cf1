// Package ingress bridges the local control socket to the processing
// pipeline: it subscribes to event messages on the bus and forwards
// each serialized event into the staging queue. While ingestion is
// suspended (bootstrap, teardown) events are dropped and any staged
// attachments they reference are removed so the staging area cannot
// leak rejected files.
package ingress

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/openfleet/telemetryd/internal/event"
	"github.com/openfleet/telemetryd/internal/msgbus"
)

// Pipeline is the staging-queue surface the receiver forwards into.
type Pipeline interface {
	Send(serialized string) error
}

// Receiver is the bus subscriber for event messages.
type Receiver struct {
	logger     *slog.Logger
	pipeline   Pipeline
	stagingDir string
	suspended  atomic.Bool
}

// NewReceiver builds the receiver and subscribes it on the bus server.
func NewReceiver(srv *msgbus.Server, pipeline Pipeline, stagingDir string, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{
		logger:     logger.With("component", "ingress"),
		pipeline:   pipeline,
		stagingDir: stagingDir,
	}
	if srv != nil {
		srv.Subscribe(msgbus.TypeEvent, r)
	}
	return r
}

// Suspend gates ingestion; events arriving while suspended are dropped
// after their attachments are cleaned up.
func (r *Receiver) Suspend() { r.suspended.Store(true) }

// Resume lifts the gate.
func (r *Receiver) Resume() { r.suspended.Store(false) }

// Suspended reports the gate state.
func (r *Receiver) Suspended() bool { return r.suspended.Load() }

// HandleMessage implements msgbus.Handler for event messages.
func (r *Receiver) HandleMessage(m *msgbus.Message) []byte {
	serialized := string(m.Payload)

	if r.suspended.Load() {
		r.dropWithAttachments(serialized)
		return nil
	}

	if err := r.pipeline.Send(serialized); err != nil {
		r.logger.Debug("event refused by pipeline", "error", err)
		r.dropWithAttachments(serialized)
	}
	return nil
}

// dropWithAttachments deletes each staged file the rejected event
// references. Filenames are validated against the staging directory so
// a hostile payload cannot reach outside it.
func (r *Receiver) dropWithAttachments(serialized string) {
	if r.stagingDir == "" {
		return
	}
	ev, err := event.Parse(serialized)
	if err != nil || len(ev.Attachments) == 0 {
		return
	}
	for _, name := range ev.Attachments {
		if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
			continue
		}
		path := filepath.Join(r.stagingDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("attachment cleanup failed", "path", path, "error", err)
		} else {
			r.logger.Debug("attachment removed for rejected event", "path", path)
		}
	}
}
