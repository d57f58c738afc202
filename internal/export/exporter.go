// Package export serialises monitoring snapshots and ships them to disk or S3.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market-data-collector/internal/logger"
)

// Config picks the destination. A non-empty S3.Bucket wins over Dir.
type Config struct {
	Dir string
	S3  S3Config
}

// Exporter writes JSON snapshots through an Uploader.
type Exporter struct {
	uploader Uploader
	prefix   string
	log      logger.Logger
	now      func() time.Time
}

// New builds an exporter around an uploader.
func New(u Uploader, log logger.Logger) *Exporter {
	return &Exporter{
		uploader: u,
		prefix:   "monitoring",
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FromConfig chooses S3 when a bucket is configured, local disk otherwise.
func FromConfig(ctx context.Context, cfg Config, log logger.Logger) (*Exporter, error) {
	if cfg.S3.Bucket != "" {
		u, err := NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return New(u, log), nil
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "./exports"
	}
	return New(LocalUploader{BaseDir: dir}, log), nil
}

// Export uploads snapshot as indented JSON and returns its location.
func (e *Exporter) Export(ctx context.Context, snapshot any) (string, error) {
	body, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	key := fmt.Sprintf("%s/%s.json", e.prefix, e.now().Format("20060102T150405.000Z"))
	loc, err := e.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	e.log.Info("monitoring snapshot exported", logger.String("location", loc), logger.Int("bytes", len(body)))
	return loc, nil
}
