// Package events provides a publish/subscribe broadcast bus for
// in-process notifications. Components publish typed notices —
// connection-state changes, config reloads, activation, shutdown
// progress — and subscribers (uploader, pipeline, dispatcher) receive
// them on buffered channels. The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published a notice.
const (
	// SourceMQTT identifies notices from the MQTT session wrapper.
	SourceMQTT = "mqtt"
	// SourceConfig identifies notices from the config loader/watcher.
	SourceConfig = "config"
	// SourceStore identifies notices from the event store.
	SourceStore = "store"
	// SourceUploader identifies notices from the upload workers.
	SourceUploader = "uploader"
	// SourceLifecycle identifies notices from the on/off monitor.
	SourceLifecycle = "lifecycle"
)

// Kind constants describe the type of notice within a source.
const (
	// KindConnState signals an MQTT connection-state transition.
	// Data: state (string), attempt (int).
	KindConnState = "conn_state"
	// KindConfigUpdated signals that the configuration was reloaded.
	// Data: path.
	KindConfigUpdated = "config_updated"
	// KindActivation signals the device activation flag flipped.
	// Data: activated (bool).
	KindActivation = "activation"
	// KindPurge signals a store purge cycle completed.
	// Data: rows_removed.
	KindPurge = "purge"
	// KindShutdown signals that orderly shutdown has begun.
	KindShutdown = "shutdown"
)

// Notice is a single notification published by a component.
type Notice struct {
	// Timestamp is when the notice was published.
	Timestamp time.Time `json:"ts"`
	// Source identifies the publishing component.
	Source string `json:"source"`
	// Kind describes the type of notice within the source.
	Kind string `json:"kind"`
	// Data holds notice-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive notices on
// buffered channels; slow subscribers miss notices rather than blocking
// publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Notice]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Notice (the caller's view).
	recvToSend map[<-chan Notice]chan Notice
}

// New creates a bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Notice]struct{}),
		recvToSend: make(map[<-chan Notice]chan Notice),
	}
}

// Publish sends a notice to all subscribers. Non-blocking: if a
// subscriber's channel is full, the notice is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(n Notice) {
	if b == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
			// Subscriber is full — drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published notices. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Notice {
	ch := make(chan Notice, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
