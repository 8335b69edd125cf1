// Package schedule hosts the client's own event producers: one-shot
// initial events emitted at startup and periodic events emitted on
// cron schedules. Both feed the same ingestion pipeline as external
// producers, so they get classification, sampling and persistence for
// free.
package schedule

import (
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/openfleet/telemetryd/internal/config"
	"github.com/openfleet/telemetryd/internal/event"
)

// Pipeline is the staging-queue surface producers emit into.
type Pipeline interface {
	Send(serialized string) error
}

// Producers owns the cron runner and the initial-event emission.
type Producers struct {
	logger   *slog.Logger
	pipeline Pipeline
	cfg      config.ProducersConfig
	runner   *cron.Cron
}

// New builds the producers from config.
func New(cfg config.ProducersConfig, pipeline Pipeline, logger *slog.Logger) *Producers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producers{
		logger:   logger.With("component", "producers"),
		pipeline: pipeline,
		cfg:      cfg,
		runner:   cron.New(),
	}
}

// Start emits the initial events and schedules the periodic ones.
// Invalid cron specs are logged and skipped; the rest still run.
func (p *Producers) Start() {
	for _, id := range p.cfg.Initial {
		p.emit(id)
	}

	for _, pe := range p.cfg.Periodic {
		id := pe.EventID
		if _, err := p.runner.AddFunc(pe.Spec, func() { p.emit(id) }); err != nil {
			p.logger.Warn("invalid periodic event spec, skipping",
				"event_id", id, "spec", pe.Spec, "error", err)
		}
	}
	p.runner.Start()
}

// Stop halts the cron runner; a job already running completes.
func (p *Producers) Stop() {
	ctx := p.runner.Stop()
	<-ctx.Done()
}

func (p *Producers) emit(eventID string) {
	ev := event.New(eventID, "1.0").WithMessageID()
	serialized, err := ev.Serialize()
	if err != nil {
		p.logger.Warn("producer event serialization failed", "event_id", eventID, "error", err)
		return
	}
	if err := p.pipeline.Send(serialized); err != nil {
		p.logger.Debug("producer event refused", "event_id", eventID, "error", err)
	}
}
