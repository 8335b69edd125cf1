package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/openfleet/telemetryd/internal/config"
	"github.com/openfleet/telemetryd/internal/device"
	"github.com/openfleet/telemetryd/internal/event"
	"github.com/openfleet/telemetryd/internal/events"
	"github.com/openfleet/telemetryd/internal/onoff"
)

// settingDisplayVersion is the settings-store key holding the last
// software version announced to the backend.
const settingDisplayVersion = "device.display_version"

// Callbacks wire the client to the rest of the system without import
// cycles. All fields are optional; nil callbacks are skipped.
type Callbacks struct {
	// OnConnect runs after every CONNACK, before subscriptions (MID
	// state reset).
	OnConnect func() error
	// OnConnectionComplete runs once all SUBACKs are in (alerts sweep).
	OnConnectionComplete func()
	// OnPublished reports a completed publish (PUBACK received).
	OnPublished func(mid int64)
	// PushNotification delivers a wrapped inbound PUBLISH to the
	// notification listener.
	PushNotification func(payload string)
	// EmitEvent feeds a client-generated event into the ingestion
	// pipeline.
	EmitEvent func(serialized string)
}

// SettingsStore is the persisted-settings surface used for the
// firmware version check.
type SettingsStore interface {
	Setting(key string) (string, error)
	SetSetting(key, value string) error
}

// Client is the MQTT session wrapper.
type Client struct {
	cfg      config.MQTTConfig
	devID    string
	swVer    string
	topics   device.Topics
	tokens   TokenSource
	sm       *stateMachine
	cb       Callbacks
	settings SettingsStore
	monitor  *onoff.Monitor
	logger   *slog.Logger

	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc

	midCounter    atomic.Int64
	pubacksLogged atomic.Int64
	stopping      atomic.Bool
	stopOnce      sync.Once
}

// NewClient builds the session wrapper. A nil tokens falls back to the
// configured static password.
func NewClient(cfg config.MQTTConfig, dev device.Info, topics device.Topics,
	tokens TokenSource, settings SettingsStore, bus *events.Bus,
	cb Callbacks, monitor *onoff.Monitor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = StaticToken(cfg.Password)
	}
	return &Client{
		cfg:      cfg,
		devID:    dev.ID,
		swVer:    dev.SWVersion,
		topics:   topics,
		tokens:   tokens,
		sm:       newStateMachine(bus),
		cb:       cb,
		settings: settings,
		monitor:  monitor,
		logger:   logger.With("component", "mqtt"),
	}
}

// NextMID hands out the next client-generated publish id. Ids are
// monotonically increasing for the life of the process; InitMID resets
// row state, not the counter, so ids never collide across reconnects.
func (c *Client) NextMID() int64 { return c.midCounter.Add(1) }

// Connected reports whether the session is fully established (all
// SUBACKs in).
func (c *Client) Connected() bool {
	s, _ := c.sm.current()
	return s == StateComplete
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	s, _ := c.sm.current()
	return s
}

// Start connects to the broker and returns once the connection manager
// is running; autopaho reconnects in the background until Stop.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "telemetryd-" + c.devID
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  c.cfg.KeepAliveSec,
		ConnectPacketBuilder: func(pkt *paho.Connect, _ *url.URL) (*paho.Connect, error) {
			// Runs per attempt: a fresh attempt gets a fresh state and,
			// after an auth rejection, a fresh token.
			c.sm.newAttempt()
			token, err := c.tokens.Token(runCtx)
			if err != nil {
				return nil, fmt.Errorf("obtain broker token: %w", err)
			}
			pkt.Username = c.cfg.Username
			pkt.UsernameFlag = pkt.Username != ""
			pkt.Password = []byte(token)
			pkt.PasswordFlag = len(pkt.Password) > 0
			return pkt, nil
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected", "broker", c.cfg.Broker)
			c.sm.transition(StateSubsPending)
			c.pubacksLogged.Store(0)
			go c.establishSession(runCtx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
			if isAuthRejection(err) {
				// Identifier rejected / bad credentials / not
				// authorized: discard the token so the next attempt
				// fetches a fresh one.
				c.logger.Warn("broker rejected credentials, invalidating token")
				c.tokens.Invalidate()
			}
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		c.handleIncoming(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	if c.monitor != nil {
		c.monitor.Register(c, onoff.CodeMQTTClient, "")
	}

	connCtx, connCancel := context.WithTimeout(runCtx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		c.logger.Warn("mqtt initial connection pending, retrying in background", "error", err)
	}
	return nil
}

// establishSession resets MID state, subscribes to the config topic
// and every configured service topic, and completes the session once
// the SUBACKs are in.
func (c *Client) establishSession(ctx context.Context, cm *autopaho.ConnectionManager) {
	if c.cb.OnConnect != nil {
		if err := c.cb.OnConnect(); err != nil {
			c.logger.Error("connect hook failed", "error", err)
		}
	}

	subs := []paho.SubscribeOptions{{Topic: c.topics.Config(), QoS: 1}}
	for _, svc := range c.cfg.Services {
		subs = append(subs, paho.SubscribeOptions{Topic: c.topics.ServiceSubscribe(svc), QoS: 1})
	}

	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		c.logger.Error("mqtt subscribe failed", "error", err, "topics", len(subs))
		return
	}
	c.logger.Info("mqtt subscriptions established", "topics", len(subs))

	if c.sm.transition(StateComplete) {
		c.checkFirmwareVersion()
		if c.cb.OnConnectionComplete != nil {
			c.cb.OnConnectionComplete()
		}
	}
}

// checkFirmwareVersion compares the persisted display version against
// the running software version and announces a change as a
// FirmwareVersion event.
func (c *Client) checkFirmwareVersion() {
	if c.settings == nil || c.swVer == "" {
		return
	}
	previous, err := c.settings.Setting(settingDisplayVersion)
	if err != nil {
		c.logger.Warn("display version read failed", "error", err)
		return
	}
	if previous == c.swVer {
		return
	}

	if c.cb.EmitEvent != nil {
		ev := event.New(event.IDFirmwareVersion, "1.0").
			AddField("previous", previous).
			AddField("current", c.swVer)
		if serialized, err := ev.Serialize(); err == nil {
			c.cb.EmitEvent(serialized)
		}
	}
	if err := c.settings.SetSetting(settingDisplayVersion, c.swVer); err != nil {
		c.logger.Warn("display version persist failed", "error", err)
	}
}

// Publish launches an at-least-once publish under a previously
// assigned mid. It returns once the publish is handed to the session;
// the PUBACK is reported asynchronously through Callbacks.OnPublished.
// A publish that fails outright is logged and never reported, leaving
// its rows claimed until the next reconnect resets them.
func (c *Client) Publish(mid int64, topic string, payload []byte, qos byte) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	if c.stopping.Load() {
		return fmt.Errorf("mqtt client stopping")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
		}); err != nil {
			c.logger.Warn("publish failed", "mid", mid, "topic", topic, "error", err)
			return
		}
		c.logPuback(mid, topic)
		if c.cb.OnPublished != nil {
			c.cb.OnPublished(mid)
		}
	}()
	return nil
}

// logPuback logs the first PubackLogCount acks per session prominently
// and the rest at debug; alert acks are always prominent.
func (c *Client) logPuback(mid int64, topic string) {
	isAlert := strings.HasSuffix(topic, "alerts")
	n := c.pubacksLogged.Add(1)
	if isAlert || n <= int64(c.cfg.PubackLogCount) {
		c.logger.Info("puback received", "mid", mid, "topic", topic)
	} else {
		c.logger.Debug("puback received", "mid", mid, "topic", topic)
	}
}

// handleIncoming routes an inbound PUBLISH: valid JSON is wrapped for
// the notification listener and mirrored as an MQTTConfig event into
// the producer pipeline; invalid payloads are dropped.
func (c *Client) handleIncoming(topic string, payload []byte) {
	if !json.Valid(payload) {
		c.logger.Warn("dropping non-JSON inbound publish", "topic", topic, "bytes", len(payload))
		return
	}

	if c.cb.PushNotification != nil {
		wrapped, err := json.Marshal(map[string]any{
			"type":    "MQTT_CONFIG_REQUEST",
			"message": json.RawMessage(payload),
			"topic":   topic,
		})
		if err == nil {
			c.cb.PushNotification(string(wrapped))
		}
	}

	if c.cb.EmitEvent != nil {
		ev := event.New(event.IDMQTTConfig, "1.0").AddField("topic", topic)
		if serialized, err := ev.Serialize(); err == nil {
			c.cb.EmitEvent(serialized)
		}
	}
}

// Stop broadcasts the tearing-down state, disconnects and wakes any
// waiters. Idempotent.
func (c *Client) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)
		c.sm.transition(StateTearingDown)
		if c.cm != nil {
			if err := c.cm.Disconnect(ctx); err != nil {
				c.logger.Debug("mqtt disconnect", "error", err)
			}
		}
		if c.cancel != nil {
			c.cancel()
		}
	})
}

// NotifyShutdown implements the lifecycle receiver.
func (c *Client) NotifyShutdown() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Stop(ctx)
		if c.monitor != nil {
			c.monitor.ReadyForShutdown(onoff.CodeMQTTClient, "")
		}
	}()
}

// Auth rejection reason codes: MQTT v3 CONNACK rc 2/4/5 and their v5
// equivalents (client identifier not valid, bad user name or password,
// not authorized).
func isAuthRejection(err error) bool {
	rejected := func(code byte) bool {
		switch code {
		case 2, 4, 5, 0x85, 0x86, 0x87:
			return true
		}
		return false
	}
	var ce *autopaho.ConnackError
	if errors.As(err, &ce) {
		return rejected(ce.ReasonCode)
	}
	return false
}
