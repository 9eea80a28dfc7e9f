package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// Sink stores rendered artifacts under slash-separated keys.
type Sink interface {
	// Put writes data under key and returns where it landed.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	// Exists reports whether key has been written.
	Exists(ctx context.Context, key string) (bool, error)
}

// DirSink writes artifacts below a local directory.
type DirSink struct {
	Root string
}

// Put writes data through a temp file and renames it into place.
func (d DirSink) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	dst := d.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return dst, nil
}

// Exists stats the artifact file.
func (d DirSink) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d DirSink) path(key string) string {
	return filepath.Join(d.Root, filepath.FromSlash(path.Clean("/"+key)))
}

// GCSSink writes artifacts as objects of one bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a sink over an existing client. prefix is prepended
// to every object name.
func NewGCSSink(client *storage.Client, bucket, prefix string) *GCSSink {
	return &GCSSink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Put uploads data and returns its gs:// location.
func (g *GCSSink) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	name := g.object(key)
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, name), nil
}

// Exists checks the object's attributes.
func (g *GCSSink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.client.Bucket(g.bucket).Object(g.object(key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (g *GCSSink) object(key string) string {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if g.prefix == "" {
		return key
	}
	return g.prefix + "/" + key
}
