// Package device exposes the provisioned device identity and the MQTT
// topic scheme derived from it. Provisioning itself is external; the
// values arrive through config, with the last announced software
// version persisted in the settings store so a firmware change can be
// detected across restarts.
package device

import (
	"fmt"
	"strings"
)

// Info is the provisioned device identity.
type Info struct {
	ID        string
	Serial    string
	VIN       string
	SWVersion string
}

// Topic directions. Device-to-cloud topics carry "2c", cloud-to-device
// topics carry "2d".
const (
	dirToCloud  = "2c"
	dirToDevice = "2d"
)

// Topics builds the topic names for one device under a prefix.
type Topics struct {
	prefix string
	id     string
}

// NewTopics creates the topic scheme for a device.
func NewTopics(prefix, deviceID string) Topics {
	return Topics{prefix: strings.TrimSuffix(prefix, "/"), id: deviceID}
}

// Events is the default device-to-cloud events topic.
func (t Topics) Events() string {
	return fmt.Sprintf("%s/%s/%s/events", t.prefix, t.id, dirToCloud)
}

// Alerts is the default device-to-cloud alerts topic.
func (t Topics) Alerts() string {
	return fmt.Sprintf("%s/%s/%s/alerts", t.prefix, t.id, dirToCloud)
}

// VendorEvents is the per-vendor events topic variant.
func (t Topics) VendorEvents(vendor string) string {
	return fmt.Sprintf("%s/%s/%s/%sevents", t.prefix, t.id, dirToCloud, vendor)
}

// VendorAlerts is the per-vendor alerts topic variant.
func (t Topics) VendorAlerts(vendor string) string {
	return fmt.Sprintf("%s/%s/%s/%salerts", t.prefix, t.id, dirToCloud, vendor)
}

// Config is the cloud-to-device config push topic.
func (t Topics) Config() string {
	return fmt.Sprintf("%s/%s/%s/config", t.prefix, t.id, dirToDevice)
}

// ServicePublish is the device-to-cloud topic for a configured service
// (e.g. "ro" for remote operation).
func (t Topics) ServicePublish(service string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.prefix, t.id, dirToCloud, service)
}

// ServiceSubscribe is the cloud-to-device topic for a configured
// service.
func (t Topics) ServiceSubscribe(service string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.prefix, t.id, dirToDevice, service)
}
