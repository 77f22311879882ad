package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// imageTimeLayout is the timestamp part of image file names.
const imageTimeLayout = "20060102_150405"

// ImageStore writes telemetry frames under root/agv_{vehicle}/.
type ImageStore struct {
	root string
}

// NewImageStore creates the root directory if needed.
func NewImageStore(root string) (*ImageStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &ImageStore{root: root}, nil
}

// Root returns the image root directory.
func (s *ImageStore) Root() string { return s.root }

// ImageName builds {vehicle}_{label}_{work}_{YYYYMMDD_HHMMSS}.jpg. label is
// the lifecycle marker or "work" for unmarked ticks.
func ImageName(vehicleID, label string, workID *int64, ts time.Time) string {
	work := "none"
	if workID != nil {
		work = strconv.FormatInt(*workID, 10)
	}
	return fmt.Sprintf("%s_%s_%s_%s.jpg", safe(vehicleID), label, work, ts.Format(imageTimeLayout))
}

// Save writes one frame and returns its path. Frames sharing a name within
// the same second overwrite each other.
func (s *ImageStore) Save(vehicleID, label string, workID *int64, ts time.Time, frame []byte) (string, error) {
	dir := filepath.Join(s.root, "agv_"+safe(vehicleID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ImageName(vehicleID, label, workID, ts))
	if err := os.WriteFile(path, frame, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// safe keeps vehicle IDs from escaping the image root.
func safe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, s)
}
