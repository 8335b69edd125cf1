package event

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	e := New("Speed", "1.0")
	e.AddField("v", 70.0)
	e.BizTransactionID = "biz-1"
	e.WithMessageID()

	s, err := e.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error: %v", err)
	}

	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.EventID != e.EventID || got.Version != e.Version {
		t.Errorf("round trip changed identity: got %s/%s", got.EventID, got.Version)
	}
	if got.Timestamp != e.Timestamp || got.Timezone != e.Timezone {
		t.Errorf("round trip changed time fields: got %d/%d", got.Timestamp, got.Timezone)
	}
	if got.MessageID != e.MessageID || got.BizTransactionID != e.BizTransactionID {
		t.Errorf("round trip changed ids: got %q/%q", got.MessageID, got.BizTransactionID)
	}
	if v, ok := got.Data["v"].(float64); !ok || v != 70.0 {
		t.Errorf("round trip changed data: got %v", got.Data["v"])
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", "{nope"},
		{"missing event id", `{"Version":"1.0","Timestamp":1}`},
		{"timezone too low", `{"EventID":"Speed","Timestamp":1,"Timezone":-721}`},
		{"timezone too high", `{"EventID":"Speed","Timestamp":1,"Timezone":841}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.in); err == nil {
				t.Errorf("Parse(%q) accepted invalid input", tt.in)
			}
		})
	}
}

func TestParseAcceptsBoundaryTimezones(t *testing.T) {
	for _, tz := range []int{MinTimezoneOffset, 0, MaxTimezoneOffset} {
		e := New("Odometer", "1.0")
		e.Timezone = tz
		s, err := e.Serialize()
		if err != nil {
			t.Fatalf("Serialize() error: %v", err)
		}
		if _, err := Parse(s); err != nil {
			t.Errorf("Parse rejected timezone %d: %v", tz, err)
		}
	}
}

func TestAttachFile(t *testing.T) {
	staging := t.TempDir()
	src := filepath.Join(t.TempDir(), "trace.log")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := AttachConfig{StagingDir: staging, DeviceID: "DEV123"}

	e := New("DiagSnapshot", "1.0")
	if code := e.AttachFile(cfg, "log", src); code != AttachOK {
		t.Fatalf("AttachFile() = %d, want %d", code, AttachOK)
	}
	if len(e.Attachments) != 1 {
		t.Fatalf("Attachments = %v, want one entry", e.Attachments)
	}
	staged := filepath.Join(staging, e.Attachments[0])
	if _, err := os.Stat(staged); err != nil {
		t.Errorf("staged file missing: %v", err)
	}
	if got := e.AttachStatus(src); got != AttachOK {
		t.Errorf("AttachStatus() = %d, want %d", got, AttachOK)
	}
}

func TestAttachFileErrors(t *testing.T) {
	staging := t.TempDir()
	src := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(src, []byte(strings.Repeat("x", 64)), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		cfg      AttachConfig
		fileType string
		path     string
		want     int
	}{
		{"no staging dir", AttachConfig{DeviceID: "D"}, "log", src, ErrAttachNoConfig},
		{"no device id", AttachConfig{StagingDir: staging}, "log", src, ErrAttachNoDeviceID},
		{"underscore in type", AttachConfig{StagingDir: staging, DeviceID: "D"}, "a_b", src, ErrAttachUnderscore},
		{"missing file", AttachConfig{StagingDir: staging, DeviceID: "D"}, "log", filepath.Join(staging, "absent"), ErrAttachNoFile},
		{"file too large", AttachConfig{StagingDir: staging, DeviceID: "D", FileSizeLimit: 8}, "log", src, ErrAttachFileTooBig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New("DiagSnapshot", "1.0")
			if got := e.AttachFile(tt.cfg, tt.fileType, tt.path); got != tt.want {
				t.Errorf("AttachFile() = %d, want %d", got, tt.want)
			}
			// Failed attach still records a marker in the filename slot.
			if len(e.Attachments) != 1 || !strings.HasPrefix(e.Attachments[0], "attach-error_") {
				t.Errorf("Attachments = %v, want error marker", e.Attachments)
			}
		})
	}
}

func TestAttachTotalLimit(t *testing.T) {
	staging := t.TempDir()
	dir := t.TempDir()
	cfg := AttachConfig{StagingDir: staging, DeviceID: "D", FileSizeLimit: 100, TotalSizeLimit: 100}

	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	os.WriteFile(a, []byte(strings.Repeat("x", 80)), 0o644)
	os.WriteFile(b, []byte(strings.Repeat("y", 80)), 0o644)

	e := New("DiagSnapshot", "1.0")
	if got := e.AttachFile(cfg, "log", a); got != AttachOK {
		t.Fatalf("first AttachFile() = %d, want ok", got)
	}
	if got := e.AttachFile(cfg, "log", b); got != ErrAttachTotalOver {
		t.Errorf("second AttachFile() = %d, want %d", got, ErrAttachTotalOver)
	}
}
