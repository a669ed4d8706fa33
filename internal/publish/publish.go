// Package publish copies a finished archive and its run manifest to a
// local or object-store destination. Publication is best-effort: a failed
// upload never invalidates the local archive.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Producer identifies the manifest writer.
const Producer = "mosaic"

// Manifest describes one published archive.
type Manifest struct {
	Producer    string    `json:"producer"`
	Version     string    `json:"version"`
	RunID       string    `json:"run_id"`
	Region      string    `json:"region"`
	Collection  string    `json:"collection"`
	GeneratedAt time.Time `json:"generated_at"`

	ItemsProcessed int `json:"items_processed"`
	ItemsSkipped   int `json:"items_skipped"`
	ItemsFailed    int `json:"items_failed"`

	MinZoom    int   `json:"min_zoom"`
	MaxZoom    int   `json:"max_zoom"`
	TotalTiles int64 `json:"total_tiles"`

	ArchiveName   string `json:"archive_name"`
	ArchiveBytes  int64  `json:"archive_bytes"`
	ArchiveSHA256 string `json:"archive_sha256"`
}

// Publisher uploads one archive with its manifest.
type Publisher interface {
	// Publish copies the archive at archivePath and writes the manifest next
	// to it. The manifest's checksum and size fields are filled here. Both
	// artifacts appear atomically or not at all.
	Publish(ctx context.Context, archivePath string, manifest Manifest) error
}

// Config configures the publisher.
type Config struct {
	Backend    string // "local" | "s3" | "gcs"
	Bucket     string
	Prefix     string
	LocalDir   string
	S3Region   string
	S3Endpoint string
}

var ErrInvalidBackend = errors.New("invalid publish backend")

// New constructs a publisher for the configured backend.
func New(cfg Config) (Publisher, error) {
	switch cfg.Backend {
	case "local":
		return newLocalPublisher(cfg.LocalDir, cfg.Prefix), nil
	case "s3", "gcs":
		return newBlobPublisher(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidBackend, cfg.Backend)
	}
}

// digestFile returns the archive's sha256 and size.
func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash archive %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func encodeManifest(m Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return data, nil
}
