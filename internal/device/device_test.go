package device

import "testing"

func TestTopicScheme(t *testing.T) {
	topics := NewTopics("telemetry/", "DEV123")

	tests := []struct {
		got  string
		want string
	}{
		{topics.Events(), "telemetry/DEV123/2c/events"},
		{topics.Alerts(), "telemetry/DEV123/2c/alerts"},
		{topics.VendorEvents("acme"), "telemetry/DEV123/2c/acmeevents"},
		{topics.VendorAlerts("acme"), "telemetry/DEV123/2c/acmealerts"},
		{topics.Config(), "telemetry/DEV123/2d/config"},
		{topics.ServicePublish("ro"), "telemetry/DEV123/2c/ro"},
		{topics.ServiceSubscribe("ro"), "telemetry/DEV123/2d/ro"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}
