// Package config handles telemetryd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/telemetryd/config.yaml,
// /config/config.yaml, /etc/telemetryd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "telemetryd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/telemetryd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all telemetryd configuration.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Device      DeviceConfig      `yaml:"device"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Whitelist   WhitelistConfig   `yaml:"whitelist"`
	LogSampling LogSamplingConfig `yaml:"log_sampling"`
	Filters     FiltersConfig     `yaml:"filters"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Store       StoreConfig       `yaml:"store"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Upload      UploadConfig      `yaml:"upload"`
	Producers   ProducersConfig   `yaml:"producers"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`

	// raw mirrors the YAML document for dotted-path lookup and
	// settings-store overrides.
	raw  map[string]any
	path string
}

// BusConfig defines the local control socket.
type BusConfig struct {
	// Network is "unix" or "tcp".
	Network string `yaml:"network"`
	// Address is the socket path (unix) or host:port (tcp).
	Address string `yaml:"address"`
}

// DeviceConfig defines device identity fields. Provisioning is
// external; these are the provisioned values.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	Serial    string `yaml:"serial"`
	VIN       string `yaml:"vin"`
	SWVersion string `yaml:"sw_version"`
}

// AttachmentsConfig defines the attachment staging policy.
type AttachmentsConfig struct {
	StagingDir     string `yaml:"staging_dir"`
	FileSizeLimit  int64  `yaml:"file_size_limit"`
	TotalSizeLimit int64  `yaml:"total_size_limit"`
}

// WhitelistConfig defines the stream fast-path classification.
type WhitelistConfig struct {
	// Events are event ids routed to the stream fast-path.
	Events []string `yaml:"events"`
	// Domains maps a handler domain to the event ids it owns; the map
	// image joins the whitelist.
	Domains map[string][]string `yaml:"domains"`
	// Alerts are event ids stored in the alert table.
	Alerts []string `yaml:"alerts"`
	// DirectAlerts trigger the alert upload fast-path on receipt.
	DirectAlerts []string `yaml:"direct_alerts"`
}

// LogSamplingConfig bounds per-event-id critical logging.
type LogSamplingConfig struct {
	// DefaultMax applies to event ids absent from PerEvent. Clamped to
	// [-1, 100]; -1 is unlimited, 0 suppresses critical logging.
	DefaultMax int `yaml:"default_max"`
	// PerEvent overrides the max for specific event ids.
	PerEvent map[string]int `yaml:"per_event"`
	// Reset is "ign_cycle" or "power_cycle".
	Reset string `yaml:"reset"`
}

// FiltersConfig parameterizes the processing filter chain.
type FiltersConfig struct {
	// MinValidTimestampMs is the oldest acceptable event timestamp.
	MinValidTimestampMs int64 `yaml:"min_valid_timestamp_ms"`
	// MaxClockSkewSec tolerates producer clocks ahead of ours.
	MaxClockSkewSec int `yaml:"max_clock_skew_sec"`
	// MinUploadDelaySec is the floor for the computed upload defer.
	MinUploadDelaySec int `yaml:"min_upload_delay_sec"`
	// SessionUploadDelaySec applies while a session is in progress.
	SessionUploadDelaySec int `yaml:"session_upload_delay_sec"`
}

// PipelineConfig parameterizes the ingestion staging queue.
type PipelineConfig struct {
	// QueueBytes bounds the staging queue (default 2 MiB).
	QueueBytes int `yaml:"queue_bytes"`
	// DispatchQueueBytes bounds the dispatcher's fan-out queue
	// (default 1 MiB).
	DispatchQueueBytes int `yaml:"dispatch_queue_bytes"`
}

// StoreConfig defines the durable event store.
type StoreConfig struct {
	Path string `yaml:"path"`
	// QueueBytes bounds the insert staging queue.
	QueueBytes int `yaml:"queue_bytes"`
	// MaxBatch caps events per insert transaction (≤ 50).
	MaxBatch int `yaml:"max_batch"`
	// SizeLimitBytes triggers a purge cycle when the DB file grows past it.
	SizeLimitBytes int64 `yaml:"size_limit_bytes"`
	// BatchModeSupported enables the batch upload path semantics in
	// DeleteByMID.
	BatchModeSupported bool `yaml:"batch_mode_supported"`
	// UploadAfterActivation gates persistence until device activation.
	UploadAfterActivation bool `yaml:"upload_after_activation"`
	// ActivationExceptions always persist regardless of activation.
	ActivationExceptions []string `yaml:"activation_exceptions"`
}

// MQTTConfig defines the broker session.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	// Password is used as-is when set; otherwise the token manager is
	// consulted.
	Password     string   `yaml:"password"`
	ClientID     string   `yaml:"client_id"`
	KeepAliveSec uint16   `yaml:"keep_alive_sec"`
	Services     []string `yaml:"services"`
	// PubackLogCount is how many PUBACKs per session log at critical level.
	PubackLogCount int `yaml:"puback_log_count"`
}

// UploadConfig parameterizes the upload workers.
type UploadConfig struct {
	EventPeriodicitySec int  `yaml:"event_periodicity_sec"`
	MaxEventUploadCnt   int  `yaml:"max_event_upload_cnt"`
	Compress            bool `yaml:"compress"`
	AlertQoS            byte `yaml:"alert_qos"`
	// UploadEventLogging is how many events per cycle log at info level.
	UploadEventLogging int `yaml:"upload_event_logging"`
	// SummaryLogIterCount is how many cycles between summary lines.
	SummaryLogIterCount int `yaml:"summary_log_iter_count"`
}

// ProducersConfig defines the built-in event producers.
type ProducersConfig struct {
	// Initial events are emitted once at startup; emission does not wait
	// for device activation.
	Initial []string `yaml:"initial"`
	// Periodic events are emitted on cron schedules.
	Periodic []PeriodicProducer `yaml:"periodic"`
}

// PeriodicProducer is one scheduled event emitter.
type PeriodicProducer struct {
	EventID string `yaml:"event_id"`
	// Spec is a cron expression ("@every 60s", "0 * * * *", ...).
	Spec string `yaml:"spec"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${MQTT_PASSWORD}).
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal([]byte(expanded), &cfg.raw); err != nil {
		return nil, err
	}
	cfg.path = path

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Bus.Network == "" {
		c.Bus.Network = "unix"
	}
	if c.Bus.Address == "" {
		c.Bus.Address = filepath.Join(c.DataDir, "telemetryd.sock")
	}
	if c.Pipeline.QueueBytes <= 0 {
		c.Pipeline.QueueBytes = 2 * 1024 * 1024
	}
	if c.Pipeline.DispatchQueueBytes <= 0 {
		c.Pipeline.DispatchQueueBytes = 1024 * 1024
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "events.db")
	}
	if c.Store.QueueBytes <= 0 {
		c.Store.QueueBytes = 2 * 1024 * 1024
	}
	if c.Store.MaxBatch <= 0 || c.Store.MaxBatch > 50 {
		c.Store.MaxBatch = 50
	}
	if c.Store.SizeLimitBytes <= 0 {
		c.Store.SizeLimitBytes = 50 * 1024 * 1024
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "telemetry"
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.PubackLogCount <= 0 {
		c.MQTT.PubackLogCount = 5
	}
	if c.Upload.EventPeriodicitySec <= 0 {
		c.Upload.EventPeriodicitySec = 60
	}
	if c.Upload.MaxEventUploadCnt < 20 {
		c.Upload.MaxEventUploadCnt = 20
	} else if c.Upload.MaxEventUploadCnt > 175 {
		c.Upload.MaxEventUploadCnt = 175
	}
	if c.Upload.AlertQoS == 0 {
		c.Upload.AlertQoS = 1
	}
	if c.Upload.UploadEventLogging <= 0 {
		c.Upload.UploadEventLogging = 3
	}
	if c.Upload.SummaryLogIterCount <= 0 {
		c.Upload.SummaryLogIterCount = 10
	}
	if c.LogSampling.DefaultMax == 0 {
		// An explicit default_max: 0 is kept (suppress); only an unset
		// value gets the default.
		set := false
		if ls, ok := c.raw["log_sampling"].(map[string]any); ok {
			_, set = ls["default_max"]
		}
		if !set {
			c.LogSampling.DefaultMax = 10
		}
	}
	if c.LogSampling.Reset == "" {
		c.LogSampling.Reset = "ign_cycle"
	}
	if c.Filters.MaxClockSkewSec <= 0 {
		c.Filters.MaxClockSkewSec = 300
	}
	if c.Filters.MinValidTimestampMs <= 0 {
		// 2010-01-01T00:00:00Z — anything earlier is a dead RTC.
		c.Filters.MinValidTimestampMs = 1262304000000
	}
	if c.Filters.MinUploadDelaySec <= 0 {
		c.Filters.MinUploadDelaySec = 5
	}
	if c.Filters.SessionUploadDelaySec <= 0 {
		c.Filters.SessionUploadDelaySec = 30
	}
}

// Validate checks the loaded configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Bus.Network != "unix" && c.Bus.Network != "tcp" {
		return fmt.Errorf("bus.network must be unix or tcp, got %q", c.Bus.Network)
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	switch c.LogSampling.Reset {
	case "ign_cycle", "power_cycle":
	default:
		return fmt.Errorf("log_sampling.reset must be ign_cycle or power_cycle, got %q", c.LogSampling.Reset)
	}
	for _, p := range c.Producers.Periodic {
		if p.EventID == "" || p.Spec == "" {
			return fmt.Errorf("producers.periodic entries need event_id and spec")
		}
	}
	return nil
}

// Value returns the string form of the config value at a dotted key
// ("mqtt.broker", "upload.event_periodicity_sec"), or "" when absent.
// Used to answer GetConfig bus requests.
func (c *Config) Value(dotted string) string {
	var cur any = c.raw
	for _, part := range strings.Split(dotted, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ApplyOverrides layers settings-store overrides (dotted key → string
// value) onto the raw document and re-decodes it, so persisted runtime
// tweaks take effect exactly as if they were in the file. Unknown keys
// create nested maps; scalar values keep their YAML typing.
func (c *Config) ApplyOverrides(overrides map[string]string) error {
	if len(overrides) == 0 {
		return nil
	}
	if c.raw == nil {
		c.raw = map[string]any{}
	}
	for dotted, val := range overrides {
		parts := strings.Split(dotted, ".")
		m := c.raw
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		var typed any
		if err := yaml.Unmarshal([]byte(val), &typed); err != nil {
			typed = val
		}
		m[parts[len(parts)-1]] = typed
	}

	merged, err := yaml.Marshal(c.raw)
	if err != nil {
		return fmt.Errorf("merge overrides: %w", err)
	}
	fresh := Config{raw: c.raw, path: c.path}
	if err := yaml.Unmarshal(merged, &fresh); err != nil {
		return fmt.Errorf("decode overridden config: %w", err)
	}
	fresh.applyDefaults()
	if err := fresh.Validate(); err != nil {
		return fmt.Errorf("overridden config invalid: %w", err)
	}
	*c = fresh
	return nil
}
