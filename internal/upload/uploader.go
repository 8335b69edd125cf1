package upload

import (
	"bytes"
	"compress/gzip"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfleet/telemetryd/internal/config"
	"github.com/openfleet/telemetryd/internal/device"
	"github.com/openfleet/telemetryd/internal/event"
	"github.com/openfleet/telemetryd/internal/onoff"
	"github.com/openfleet/telemetryd/internal/store"
)

// Publisher is the MQTT surface the uploader needs. NextMID hands out
// the publish id before the publish is launched so the MID mapping can
// be recorded first; Publish completes asynchronously and the client
// reports the PUBACK through the MID handler.
type Publisher interface {
	NextMID() int64
	Publish(mid int64, topic string, payload []byte, qos byte) error
	Connected() bool
}

// UploadStore is the store surface the uploader needs.
type UploadStore interface {
	FetchStreamBatch(table string, limit int) ([]store.Row, error)
	ClaimMIDs(table string, mid int64, rowIDs []int64) error
	InsertAlert(ev *event.Event, serialized string, topic string) error
}

// DeferGovernor supplies the activity-based upload defer time.
type DeferGovernor interface {
	GetUploadDeferTime() int
}

// Uploader runs the two publish paths: the periodic events cycle and
// the alert fast path, each on its own worker.
type Uploader struct {
	logger  *slog.Logger
	st      UploadStore
	mids    *MidHandler
	pub     Publisher
	governor DeferGovernor
	topics  device.Topics
	monitor *onoff.Monitor

	periodicitySec atomic.Int64
	maxUploadCnt   int
	compress       bool
	alertQoS       byte
	eventLogCount  int
	summaryEvery   int

	force      chan bool
	alertKick  chan struct{}
	wake       chan struct{}
	shutdown   chan struct{}
	eventsDone chan struct{}
	resumed   chan struct{}
	suspended atomic.Bool
	stopOnce  sync.Once
	workers   sync.WaitGroup

	cycles        atomic.Uint64
	uploadedTotal atomic.Uint64
}

// NewUploader builds the uploader. Start launches the workers.
func NewUploader(cfg config.UploadConfig, topics device.Topics, st UploadStore,
	mids *MidHandler, pub Publisher, governor DeferGovernor,
	monitor *onoff.Monitor, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Uploader{
		logger:        logger.With("component", "uploader"),
		st:            st,
		mids:          mids,
		pub:           pub,
		governor:      governor,
		topics:        topics,
		monitor:       monitor,
		maxUploadCnt:  cfg.MaxEventUploadCnt,
		compress:      cfg.Compress,
		alertQoS:      cfg.AlertQoS,
		eventLogCount: cfg.UploadEventLogging,
		summaryEvery:  cfg.SummaryLogIterCount,
		force:         make(chan bool, 1),
		alertKick:     make(chan struct{}, 1),
		wake:          make(chan struct{}, 1),
		shutdown:      make(chan struct{}),
		eventsDone:    make(chan struct{}),
		resumed:       make(chan struct{}, 1),
	}
	u.periodicitySec.Store(int64(cfg.EventPeriodicitySec))
	return u
}

// Start launches both workers and registers for shutdown.
func (u *Uploader) Start() {
	if u.monitor != nil {
		u.monitor.Register(u, onoff.CodeMQTTUploader, "")
	}
	u.workers.Add(2)
	go u.eventsLoop()
	go u.alertsLoop()
}

// ForceUpload triggers one immediate events cycle. With exitWhenDone
// the events worker stops after that cycle completes (used by the
// upload-and-exit one-shot).
func (u *Uploader) ForceUpload(exitWhenDone bool) {
	select {
	case u.force <- exitWhenDone:
	default:
	}
}

// TriggerAlertUpload implements the dispatch fast path. A non-empty
// payload is appended to the alert store first; either way a sweep of
// stored alerts is kicked, publishing in row order.
func (u *Uploader) TriggerAlertUpload(serialized string) {
	if serialized != "" {
		ev, err := event.Parse(serialized)
		if err != nil {
			u.logger.Warn("unparseable alert payload", "error", err)
		} else if err := u.st.InsertAlert(ev, serialized, ""); err != nil {
			u.logger.Warn("alert insert failed", "event_id", ev.EventID, "error", err)
		}
	}
	select {
	case u.alertKick <- struct{}{}:
	default:
	}
}

// SuspendUpload parks both workers after their current cycle.
func (u *Uploader) SuspendUpload() {
	u.suspended.Store(true)
}

// ResumeUpload releases suspended workers.
func (u *Uploader) ResumeUpload() {
	u.suspended.Store(false)
	select {
	case u.resumed <- struct{}{}:
	default:
	}
}

// ReloadPeriodicity replaces the events interval and wakes the worker
// so the new value takes effect immediately.
func (u *Uploader) ReloadPeriodicity(seconds int) {
	if seconds <= 0 {
		return
	}
	u.periodicitySec.Store(int64(seconds))
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// NotifyShutdown stops both workers after their in-flight cycle.
func (u *Uploader) NotifyShutdown() {
	u.stopOnce.Do(func() { close(u.shutdown) })
	go func() {
		u.workers.Wait()
		if u.monitor != nil {
			u.monitor.ReadyForShutdown(onoff.CodeMQTTUploader, "")
		}
	}()
}

// EventsWorkerDone is closed when the events worker exits (shutdown or
// a ForceUpload(exitWhenDone) cycle). Used by the upload-and-exit
// one-shot.
func (u *Uploader) EventsWorkerDone() <-chan struct{} { return u.eventsDone }

func (u *Uploader) eventsLoop() {
	defer u.workers.Done()
	defer close(u.eventsDone)
	for {
		period := time.Duration(u.periodicitySec.Load()) * time.Second
		timer := time.NewTimer(period)

		var exitAfter bool
		select {
		case <-u.shutdown:
			timer.Stop()
			return
		case <-u.wake:
			timer.Stop()
			continue
		case exitAfter = <-u.force:
			timer.Stop()
		case <-timer.C:
			// Honor the activity governor before a timed cycle.
			if d := u.governor.GetUploadDeferTime(); d > 0 {
				ok, forcedExit := u.sleepInterruptible(time.Duration(d) * time.Second)
				if !ok {
					return
				}
				exitAfter = forcedExit
			}
		}

		if !u.waitIfSuspended() {
			return
		}

		u.uploadEvents()

		if exitAfter {
			u.logger.Info("events worker exiting after forced upload")
			return
		}
	}
}

// sleepInterruptible waits d unless shutdown or a force request
// arrives; a force request cuts the defer short and its exitWhenDone
// flag is returned as exitAfter. ok is false when the worker should
// exit.
func (u *Uploader) sleepInterruptible(d time.Duration) (ok, exitAfter bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-u.shutdown:
		return false, false
	case exitAfter = <-u.force:
		return true, exitAfter
	case <-t.C:
		return true, false
	}
}

// waitIfSuspended parks until ResumeUpload. Returns false on shutdown.
func (u *Uploader) waitIfSuspended() bool {
	for u.suspended.Load() {
		select {
		case <-u.shutdown:
			return false
		case <-u.resumed:
		}
	}
	return true
}

func (u *Uploader) uploadEvents() {
	if !u.pub.Connected() {
		return
	}

	rows, err := u.st.FetchStreamBatch(store.TableEvents, u.maxUploadCnt)
	if err != nil {
		u.logger.Warn("event fetch failed", "error", err)
		return
	}
	cycle := u.cycles.Add(1)
	if len(rows) == 0 {
		u.maybeLogSummary(cycle)
		return
	}

	// One publish per topic; rows with no topic ride the default
	// events topic. Iterate in first-seen order so row order inside a
	// topic group is preserved.
	groups := map[string][]store.Row{}
	var topicOrder []string
	for _, r := range rows {
		topic := r.Topic
		if topic == "" {
			topic = u.topics.Events()
		}
		if _, seen := groups[topic]; !seen {
			topicOrder = append(topicOrder, topic)
		}
		groups[topic] = append(groups[topic], r)
	}

	for _, topic := range topicOrder {
		group := groups[topic]
		payload := joinPayloads(group)
		if u.compress {
			compressed, err := gzipBytes(payload)
			if err != nil {
				u.logger.Warn("payload compression failed, sending raw", "error", err)
			} else {
				payload = compressed
			}
		}

		ids := make([]int64, len(group))
		for i, r := range group {
			ids[i] = r.RowID
		}

		mid := u.pub.NextMID()
		if err := u.st.ClaimMIDs(store.TableEvents, mid, ids); err != nil {
			u.logger.Warn("mid claim failed, skipping batch", "mid", mid, "error", err)
			continue
		}
		// The mapping must exist before the publish can complete.
		u.mids.SetMidTable(mid, store.TableEvents)

		if err := u.pub.Publish(mid, topic, payload, 1); err != nil {
			// Rows stay claimed; the next reconnect's InitMID frees them.
			u.logger.Warn("event publish failed", "mid", mid, "topic", topic, "error", err)
			continue
		}

		for i, r := range group {
			if i < u.eventLogCount {
				u.logger.Info("event uploaded", "event_id", r.EventID, "row_id", r.RowID, "mid", mid)
			} else {
				u.logger.Debug("event uploaded", "event_id", r.EventID, "row_id", r.RowID, "mid", mid)
			}
		}
		u.uploadedTotal.Add(uint64(len(group)))
	}

	u.maybeLogSummary(cycle)
}

func (u *Uploader) maybeLogSummary(cycle uint64) {
	if u.summaryEvery > 0 && cycle%uint64(u.summaryEvery) == 0 {
		u.logger.Info("upload summary",
			"cycles", cycle, "events_uploaded_total", u.uploadedTotal.Load())
	}
}

func (u *Uploader) alertsLoop() {
	defer u.workers.Done()
	for {
		select {
		case <-u.shutdown:
			return
		case <-u.alertKick:
		}
		if !u.waitIfSuspended() {
			return
		}
		u.sweepAlerts()
	}
}

// sweepAlerts publishes up to maxUploadCnt stored alerts, one publish
// per row, in row order.
func (u *Uploader) sweepAlerts() {
	if !u.pub.Connected() {
		return
	}
	rows, err := u.st.FetchStreamBatch(store.TableAlerts, u.maxUploadCnt)
	if err != nil {
		u.logger.Warn("alert fetch failed", "error", err)
		return
	}

	for _, r := range rows {
		topic := r.Topic
		if topic == "" {
			topic = u.topics.Alerts()
		}
		mid := u.pub.NextMID()
		if err := u.st.ClaimMIDs(store.TableAlerts, mid, []int64{r.RowID}); err != nil {
			u.logger.Warn("alert mid claim failed", "mid", mid, "error", err)
			continue
		}
		u.mids.SetMidTable(mid, store.TableAlerts)

		if err := u.pub.Publish(mid, topic, []byte(r.Payload), u.alertQoS); err != nil {
			u.logger.Warn("alert publish failed", "mid", mid, "error", err)
			continue
		}
		u.logger.Info("alert published", "event_id", r.EventID, "mid", mid, "topic", topic)
	}
}

func joinPayloads(rows []store.Row) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(r.Payload)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
