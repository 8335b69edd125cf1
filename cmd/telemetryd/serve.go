package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openfleet/telemetryd/internal/config"
	"github.com/openfleet/telemetryd/internal/device"
	"github.com/openfleet/telemetryd/internal/dispatch"
	"github.com/openfleet/telemetryd/internal/event"
	"github.com/openfleet/telemetryd/internal/events"
	"github.com/openfleet/telemetryd/internal/ingress"
	"github.com/openfleet/telemetryd/internal/mqtt"
	"github.com/openfleet/telemetryd/internal/msgbus"
	"github.com/openfleet/telemetryd/internal/notify"
	"github.com/openfleet/telemetryd/internal/onoff"
	"github.com/openfleet/telemetryd/internal/pipeline"
	"github.com/openfleet/telemetryd/internal/schedule"
	"github.com/openfleet/telemetryd/internal/store"
	"github.com/openfleet/telemetryd/internal/upload"
)

// shutdownDeadline caps the orderly shutdown sequence.
const shutdownDeadline = 30 * time.Second

// storeSink is the terminal filter-chain link: whitelisted events land
// in the event store through the batched insert queue; alert-classified
// ids are written to the alert store synchronously.
type storeSink struct {
	st       *store.Store
	alertIDs map[string]struct{}
	batch    bool
}

func newStoreSink(cfg *config.Config, st *store.Store) *storeSink {
	alerts := make(map[string]struct{}, len(cfg.Whitelist.Alerts))
	for _, id := range cfg.Whitelist.Alerts {
		alerts[id] = struct{}{}
	}
	return &storeSink{st: st, alertIDs: alerts, batch: cfg.Store.BatchModeSupported}
}

func (s *storeSink) HandleEvent(ev *event.Event, serialized string) error {
	if _, isAlert := s.alertIDs[ev.EventID]; isAlert {
		return s.st.InsertAlert(ev, serialized, "")
	}
	return s.st.HandleEvent(ev, serialized, store.InsertOpts{
		Table:         store.TableEvents,
		StreamSupport: true,
		BatchSupport:  s.batch,
	})
}

func runServe(logger *slog.Logger, configPath string, uploadAndExit bool) int {
	cfg, ok := loadConfig(logger, configPath)
	if !ok {
		return 1
	}

	bus := events.New()

	// Settings overrides must apply before any component reads config.
	st, err := store.Open(cfg.Store, bus, logger)
	if err != nil {
		logger.Error("failed to open event store", "path", cfg.Store.Path, "error", err)
		return 1
	}
	overrides, err := st.Settings()
	if err != nil {
		logger.Error("failed to read settings overrides", "error", err)
		return 1
	}
	if err := cfg.ApplyOverrides(overrides); err != nil {
		logger.Error("settings overrides invalid", "error", err)
		return 1
	}

	logger = newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting", "device_id", cfg.Device.ID, "broker", cfg.MQTT.Broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := onoff.NewMonitor(logger)
	watcher := config.NewWatcher(cfg, bus, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	}

	topics := device.NewTopics(cfg.MQTT.TopicPrefix, cfg.Device.ID)
	dev := device.Info(cfg.Device)

	// Control socket.
	server := msgbus.NewServer(cfg.Bus.Network, cfg.Bus.Address, monitor, logger)
	server.Subscribe(msgbus.TypeGetConfig, msgbus.HandlerFunc(func(m *msgbus.Message) []byte {
		return []byte(watcher.Current().Value(string(m.Payload)))
	}))
	server.Subscribe(msgbus.TypeGetDeviceID, msgbus.HandlerFunc(func(m *msgbus.Message) []byte {
		return []byte(dev.ID)
	}))

	// Persistence.
	st.Start(monitor)

	// Dispatch and pipeline.
	sink := newStoreSink(cfg, st)
	controller := dispatch.New(cfg, sink, monitor, logger)
	cache := pipeline.New(pipeline.Options{
		Config:          cfg,
		Sink:            controller,
		NonIgnite:       st,
		Monitor:         monitor,
		Logger:          logger,
		SupplementalIDs: controller.SupplementaryWhitelist(),
	})

	// Ingress.
	receiver := ingress.NewReceiver(server, cache, cfg.Attachments.StagingDir, logger)
	receiver.Suspend() // gate until the upload side is wired

	// Upload side.
	mids := upload.NewMidHandler(st, monitor, logger)
	listener := notify.NewListener(func(serialized string) { cache.Send(serialized) }, monitor, logger)
	listener.RegisterRequest("MQTT_CONFIG_REQUEST", notify.RequestHandlerFunc(func(payload string) {
		logger.Info("config push received", "bytes", len(payload))
	}))

	var tokens mqtt.TokenSource
	if cfg.MQTT.Password != "" {
		tokens = mqtt.StaticToken(cfg.MQTT.Password)
	} else {
		tokens = mqtt.NewBackoffTokenSource(func(ctx context.Context) (string, error) {
			// Token provisioning is external; the device identity is
			// the interim credential until a manager is configured.
			return dev.ID, nil
		}, logger)
	}

	var uploader *upload.Uploader
	client := mqtt.NewClient(cfg.MQTT, dev, topics, tokens, st, bus, mqtt.Callbacks{
		OnConnect: mids.InitMID,
		OnConnectionComplete: func() {
			st.SetActivated(true)
			uploader.TriggerAlertUpload("")
		},
		OnPublished:      mids.ProcessPublishedMid,
		PushNotification: listener.PushNotification,
		EmitEvent:        func(serialized string) { cache.Send(serialized) },
	}, monitor, logger)

	uploader = upload.NewUploader(cfg.Upload, topics, st, mids, client, cache, monitor, logger)
	controller.SetAlertTrigger(uploader)

	// Config reloads feed the components that cache derived values.
	reloads := bus.Subscribe(8)
	go func() {
		for n := range reloads {
			if n.Source != events.SourceConfig || n.Kind != events.KindConfigUpdated {
				continue
			}
			fresh := watcher.Current()
			controller.ApplyConfig(fresh)
			uploader.ReloadPeriodicity(fresh.Upload.EventPeriodicitySec)
		}
	}()

	// Start order: storage and dispatch first, then transports, then
	// ingestion.
	controller.Start()
	cache.Start(watcher, bus)
	listener.Start()
	uploader.Start()
	if err := server.Start(); err != nil {
		logger.Error("control socket bind failed", "addr", cfg.Bus.Address, "error", err)
		return 1
	}
	if err := client.Start(ctx); err != nil {
		logger.Error("mqtt client start failed", "error", err)
		return 1
	}

	producers := schedule.New(cfg.Producers, cache, logger)

	// Announce the session and open ingestion.
	startup := event.New(event.IDSessionStatus, "1.0").AddField("status", "startup")
	if serialized, err := startup.Serialize(); err == nil {
		cache.Send(serialized)
	}
	receiver.Resume()
	producers.Start()

	if uploadAndExit {
		uploader.ForceUpload(true)
		select {
		case <-uploader.EventsWorkerDone():
		case <-time.After(2 * time.Minute):
			logger.Warn("upload cycle timed out")
		}
		shutdown(logger, monitor, producers, receiver, bus)
		return 0
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", "signal", sig.String())

	shutdown(logger, monitor, producers, receiver, bus)
	return 0
}

// shutdown gates ingestion, stops the producers and drives the
// two-phase lifecycle sequence.
func shutdown(logger *slog.Logger, monitor *onoff.Monitor, producers *schedule.Producers,
	receiver *ingress.Receiver, bus *events.Bus) {
	receiver.Suspend()
	producers.Stop()
	bus.Publish(events.Notice{Source: events.SourceLifecycle, Kind: events.KindShutdown})

	done := make(chan struct{})
	go func() {
		monitor.BeginShutdown(shutdownDeadline)
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownDeadline + 5*time.Second):
		logger.Error("shutdown overran its deadline")
	}
}
