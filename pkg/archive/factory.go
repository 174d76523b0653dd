package archive

import (
	"context"
	"fmt"
)

// Type selects the archive backend.
type Type string

const (
	TypeFS  Type = "fs"
	TypeS3  Type = "s3"
	TypeGCS Type = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type Type   `yaml:"type"`
	Dir  string `yaml:"dir"`

	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`

	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

// New builds the configured archive. An empty type means fs.
func New(ctx context.Context, cfg Config) (Archive, error) {
	switch cfg.Type {
	case "", TypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/evidence"
		}
		return NewFileArchive(dir)
	case TypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 archive requires a bucket")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Archive(ctx, S3Config{Bucket: cfg.S3Bucket, Region: region, Endpoint: cfg.S3Endpoint, Prefix: cfg.S3Prefix})
	case TypeGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("gcs archive requires a bucket")
		}
		return newGCSArchive(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
}
