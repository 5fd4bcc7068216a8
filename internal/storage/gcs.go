package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS uploads recordings to a Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCS creates a client and checks the bucket is reachable. An empty
// credentialsFile uses application default credentials.
func NewGCS(ctx context.Context, bucket, prefix, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: access bucket %s: %w", bucket, err)
	}

	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (g *GCS) Backend() string { return "gcs" }

func (g *GCS) Publish(ctx context.Context, localPath string) (Object, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return Object{}, fmt.Errorf("storage: open %s: %w", localPath, err)
	}
	defer f.Close()

	name := g.objectName(filepath.Base(localPath))
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = ContentType(name)
	w.CacheControl = "private, max-age=0"

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return Object{}, fmt.Errorf("storage: upload %s: %w", name, err)
	}
	// The object only exists once Close succeeds.
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("storage: finalize %s: %w", name, err)
	}

	attrs := w.Attrs()
	slog.Info("storage: recording published",
		"backend", "gcs",
		"bucket", g.bucket,
		"object", name,
		"size", attrs.Size,
	)
	return Object{
		Name:     path.Base(name),
		Location: g.location(name),
		Size:     attrs.Size,
		Updated:  attrs.Updated,
	}, nil
}

func (g *GCS) List(ctx context.Context) ([]Object, error) {
	query := &gcs.Query{}
	if g.prefix != "" {
		query.Prefix = g.prefix + "/"
	}

	var objs []Object
	it := g.client.Bucket(g.bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: list gs://%s: %w", g.bucket, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		objs = append(objs, Object{
			Name:     path.Base(attrs.Name),
			Location: g.location(attrs.Name),
			Size:     attrs.Size,
			Updated:  attrs.Updated,
		})
	}
	sortNewestFirst(objs)
	return objs, nil
}

func (g *GCS) Close() error { return g.client.Close() }

func (g *GCS) objectName(base string) string {
	if g.prefix == "" {
		return base
	}
	return g.prefix + "/" + base
}

func (g *GCS) location(name string) string {
	return "gs://" + g.bucket + "/" + name
}
