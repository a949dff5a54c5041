package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ImageFilename builds the canonical artifact name for a captured frame:
// the device name with spaces collapsed, plus a second-resolution timestamp.
func ImageFilename(deviceName string, at time.Time) string {
	name := strings.TrimSpace(deviceName)
	if name == "" {
		name = "camera"
	}
	name = strings.ReplaceAll(name, " ", "_")
	return fmt.Sprintf("%s_%s.jpg", name, at.Format("20060102_150405"))
}

// Metadata accompanies a stored frame in both sinks: flattened into object
// labels on upload, written verbatim into the local sidecar.
type Metadata struct {
	Device      string    `json:"device"`
	EventID     string    `json:"event_id"`
	CapturedAt  time.Time `json:"captured_at"`
	Suspicious  bool      `json:"is_suspicious"`
	Delivery    bool      `json:"is_delivery"`
	Confidence  string    `json:"confidence"`
	Description string    `json:"description"`
	Reason      string    `json:"reason"`
}

// labels flattens the fields safe to carry as object-store user metadata.
// Free-text fields stay out; header values must be plain ASCII.
func (m Metadata) labels() map[string]string {
	return map[string]string{
		"device":      m.Device,
		"event-id":    m.EventID,
		"captured-at": m.CapturedAt.UTC().Format(time.RFC3339),
		"suspicious":  strconv.FormatBool(m.Suspicious),
		"delivery":    strconv.FormatBool(m.Delivery),
		"confidence":  m.Confidence,
	}
}

// LocalStore writes frames and their metadata sidecars under one directory.
// It is the durable fallback sink, so it touches nothing but the local
// filesystem.
type LocalStore struct {
	dir    string
	logger *zap.Logger
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("storage: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}
	return &LocalStore{
		dir:    dir,
		logger: zap.L().Named("local-store"),
	}, nil
}

// Save writes the image and a sidecar JSON file next to it. Returns the
// image path. A sidecar failure is reported but leaves the image in place.
func (s *LocalStore) Save(image []byte, filename string, meta Metadata) (string, error) {
	imagePath := filepath.Join(s.dir, filename)
	if err := os.WriteFile(imagePath, image, 0o644); err != nil {
		return "", &StorageError{Op: "save", Key: filename, Err: err}
	}

	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return imagePath, &StorageError{Op: "save_sidecar", Key: filename, Err: err}
	}
	if err := os.WriteFile(imagePath+".json", sidecar, 0o644); err != nil {
		return imagePath, &StorageError{Op: "save_sidecar", Key: filename, Err: err}
	}

	s.logger.Info("frame saved locally",
		zap.String("path", imagePath),
		zap.Int("bytes", len(image)))
	return imagePath, nil
}

// Dir returns the directory frames are written to.
func (s *LocalStore) Dir() string { return s.dir }
