package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// StoreType selects an artifact backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// GCSConfig configures GCSStore.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Config selects and configures the artifact backend.
type Config struct {
	Type StoreType `yaml:"type"`
	// Dir is the filesystem store root; blobs live under Dir/artifacts.
	Dir string    `yaml:"dir"`
	S3  S3Config  `yaml:"s3"`
	GCS GCSConfig `yaml:"gcs"`
}

// NewStore builds the configured backend. An empty type means "fs".
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "artifacts"))
	case StoreTypeS3:
		return NewS3Store(ctx, cfg.S3)
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}
