package event

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Attachment status codes. A negative code is embedded in the filename
// slot of the serialized event so the backend can correlate the failed
// attach with the event that carried it.
const (
	AttachOK             = 0  // file accepted for upload
	ErrAttachLimit       = -1 // attachment count limit reached
	ErrAttachNoConfig    = -2 // attachment staging path not configured
	ErrAttachNoDeviceID  = -3 // device id is empty
	ErrAttachFileTooBig  = -4 // individual file size limit exceeded
	ErrAttachTotalOver   = -5 // total attachment size limit exceeded
	ErrAttachUnderscore  = -6 // underscore in file type
	ErrAttachNoFileName  = -7 // file name is empty
	ErrAttachNoFile      = -8 // file does not exist
	ErrAttachNameTooLong = -9 // staged file name exceeds length limit
)

// Attachment limits mirrored from the backend contract.
const (
	maxAttachmentCount   = 99
	maxStagedNameLength  = 87
	defaultFileSizeLimit = 1 << 20 // 1 MiB per file
	defaultTotalLimit    = 5 << 20 // 5 MiB per event
)

// AttachConfig carries the attachment staging policy. StagingDir is
// where accepted files are copied; an empty StagingDir disables
// attachments entirely.
type AttachConfig struct {
	StagingDir     string
	DeviceID       string
	FileSizeLimit  int64
	TotalSizeLimit int64
}

type attachState struct {
	cfg        AttachConfig
	totalBytes int64
	statuses   map[string]int
}

// AttachFile validates the file at path and, on success, stages it for
// upload and appends the staged name to the event's Attachments. On
// failure the returned code is negative and a marker string carrying
// the code is appended instead, so the event still reports the attempt.
// fileType becomes part of the staged name and must not contain an
// underscore (the staged-name field separator).
func (e *Event) AttachFile(cfg AttachConfig, fileType, path string) int {
	if e.attach == nil {
		e.attach = &attachState{cfg: cfg, statuses: map[string]int{}}
		if e.attach.cfg.FileSizeLimit <= 0 {
			e.attach.cfg.FileSizeLimit = defaultFileSizeLimit
		}
		if e.attach.cfg.TotalSizeLimit <= 0 {
			e.attach.cfg.TotalSizeLimit = defaultTotalLimit
		}
	}

	code := e.acceptAttach(fileType, path)
	e.attach.statuses[path] = code
	if code != AttachOK {
		e.Attachments = append(e.Attachments, fmt.Sprintf("attach-error_%d", code))
	}
	return code
}

// AttachStatus returns the status code recorded for a previously
// attached path, or ErrAttachNoFile if the path was never attached.
func (e *Event) AttachStatus(path string) int {
	if e.attach == nil {
		return ErrAttachNoFile
	}
	code, ok := e.attach.statuses[path]
	if !ok {
		return ErrAttachNoFile
	}
	return code
}

func (e *Event) acceptAttach(fileType, path string) int {
	st := e.attach
	if len(e.Attachments) >= maxAttachmentCount {
		return ErrAttachLimit
	}
	if st.cfg.StagingDir == "" {
		return ErrAttachNoConfig
	}
	if st.cfg.DeviceID == "" {
		return ErrAttachNoDeviceID
	}
	if strings.Contains(fileType, "_") {
		return ErrAttachUnderscore
	}
	if path == "" || filepath.Base(path) == "." {
		return ErrAttachNoFileName
	}

	info, err := os.Stat(path)
	if err != nil {
		return ErrAttachNoFile
	}
	if info.Size() > st.cfg.FileSizeLimit {
		return ErrAttachFileTooBig
	}
	if st.totalBytes+info.Size() > st.cfg.TotalSizeLimit {
		return ErrAttachTotalOver
	}

	staged := fmt.Sprintf("%s_%s_%s", st.cfg.DeviceID, fileType, filepath.Base(path))
	if len(staged) > maxStagedNameLength {
		return ErrAttachNameTooLong
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ErrAttachNoFile
	}
	if err := os.WriteFile(filepath.Join(st.cfg.StagingDir, staged), data, 0o644); err != nil {
		return ErrAttachNoConfig
	}

	st.totalBytes += info.Size()
	e.Attachments = append(e.Attachments, staged)
	return AttachOK
}
