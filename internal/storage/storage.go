// Package storage publishes finished recordings to a local directory or a
// Google Cloud Storage bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/config"
)

// Object describes one published recording.
type Object struct {
	Name     string    `json:"name"`
	Location string    `json:"location"`
	Size     int64     `json:"size"`
	Updated  time.Time `json:"updated"`
}

// Publisher stores recordings.
type Publisher interface {
	// Backend names the publisher ("local", "gcs").
	Backend() string

	// Publish copies the file at localPath and returns where it landed.
	Publish(ctx context.Context, localPath string) (Object, error)

	// List returns the published recordings, newest first.
	List(ctx context.Context) ([]Object, error)

	Close() error
}

// New builds the publisher selected by cfg, wrapped with retries. It
// returns nil, nil when publication is disabled.
func New(ctx context.Context, cfg config.StorageConfig) (Publisher, error) {
	var (
		p   Publisher
		err error
	)
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "local":
		p, err = NewLocal(cfg.Dir)
	case "gcs":
		p, err = NewGCS(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsFile)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(p, RetryConfig{
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		MaxRetryDelay: cfg.MaxRetryDelay,
	}), nil
}

// Local copies recordings into a directory.
type Local struct {
	dir string
}

// NewLocal creates dir if needed.
func NewLocal(dir string) (*Local, error) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Backend() string { return "local" }

// Publish copies through a temporary file and renames it into place so a
// listed recording is always complete.
func (l *Local) Publish(ctx context.Context, localPath string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return Object{}, fmt.Errorf("storage: open %s: %w", localPath, err)
	}
	defer src.Close()

	name := filepath.Base(localPath)
	dst := filepath.Join(l.dir, name)
	if abs, err := filepath.Abs(localPath); err == nil && abs == dst {
		return l.stat(name)
	}

	tmp, err := os.CreateTemp(l.dir, "."+name+".*")
	if err != nil {
		return Object{}, fmt.Errorf("storage: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src}); err != nil {
		tmp.Close()
		return Object{}, fmt.Errorf("storage: copy %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("storage: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Object{}, fmt.Errorf("storage: rename %s: %w", name, err)
	}

	slog.Info("storage: recording published", "backend", "local", "path", dst)
	return l.stat(name)
}

func (l *Local) stat(name string) (Object, error) {
	full := filepath.Join(l.dir, name)
	fi, err := os.Stat(full)
	if err != nil {
		return Object{}, fmt.Errorf("storage: stat %s: %w", name, err)
	}
	return Object{Name: name, Location: full, Size: fi.Size(), Updated: fi.ModTime()}, nil
}

func (l *Local) List(ctx context.Context) ([]Object, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", l.dir, err)
	}

	var objs []Object
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		obj, err := l.stat(e.Name())
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	sortNewestFirst(objs)
	return objs, nil
}

func (l *Local) Close() error { return nil }

// ContentType maps a recording file name to its MIME type.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".ts":
		return "video/mp2t"
	case ".m4a":
		return "audio/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

func sortNewestFirst(objs []Object) {
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].Updated.Equal(objs[j].Updated) {
			return objs[i].Name < objs[j].Name
		}
		return objs[i].Updated.After(objs[j].Updated)
	})
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
