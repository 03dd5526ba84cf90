// Package publish moves datasets into the published area and removes them
// again. Backends never expose a partially written dataset at its
// destination path.
package publish

import (
	"context"
	"fmt"
	"io"

	"dataset-publisher/internal/config"
	"dataset-publisher/internal/models"
)

// Request describes one transfer.
type Request struct {
	JobID string
	// Source is the absolute path of the dataset in its repository.
	Source string
	// Destination is the slash-separated path inside the published area.
	Destination string
	Mode        models.Mode
	// Expected is the snapshot recorded when the job was created; copies
	// must match it.
	Expected Snapshot
}

// Backend is a published area.
type Backend interface {
	Name() string
	// Check rejects modes or dataset shapes the backend cannot publish.
	Check(mode models.Mode, dir bool) error
	// Publish makes the dataset reachable at its destination.
	Publish(ctx context.Context, req Request) error
	// Remove deletes a publication. An absent artifact is not an error.
	Remove(ctx context.Context, destination string, mode models.Mode) error
	Exists(ctx context.Context, destination string) (bool, error)
	// Open streams a single-file publication.
	Open(ctx context.Context, destination string) (io.ReadCloser, int64, error)
}

// FromConfig builds the backend selected by PUBLISH_BACKEND.
func FromConfig(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.PublishBackend {
	case "s3":
		b, err := NewS3(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "local", "":
		b, err := NewLocal(cfg.PublishRoot)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown publish backend %q", cfg.PublishBackend)
	}
}
