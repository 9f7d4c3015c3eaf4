// Package uploader copies training round directories to object storage.
package uploader

import (
	"context"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"hintpilot/internal/config"
)

// Uploader publishes a local round directory and returns its remote location.
type Uploader interface {
	Enabled() bool
	UploadDir(ctx context.Context, dir string) (string, error)
}

// NoopUploader keeps rounds local only.
type NoopUploader struct{}

// Enabled always reports false.
func (NoopUploader) Enabled() bool { return false }

// UploadDir does nothing.
func (NoopUploader) UploadDir(ctx context.Context, dir string) (string, error) { return "", nil }

// New picks the configured backend. GCS wins when both are enabled.
func New(storage config.StorageConfig) (Uploader, error) {
	switch {
	case storage.GCS.Enabled:
		return NewGCS(storage.GCS)
	case storage.S3.Enabled:
		return NewS3(storage.S3)
	default:
		return NoopUploader{}, nil
	}
}

type putFunc func(ctx context.Context, path, key, contentType string) error

// uploadDir sends every regular file directly under dir to
// <prefix>/<base(dir)>/<name> and returns the object key prefix.
func uploadDir(ctx context.Context, dir, prefix string, put putFunc) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	base := filepath.Base(dir)
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name := entry.Name()
		if err := put(ctx, filepath.Join(dir, name), prefix+base+"/"+name, contentType(name)); err != nil {
			return "", err
		}
	}
	return prefix + base + "/", nil
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".zst") {
		return "application/zstd"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
