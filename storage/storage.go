// Package storage abstracts durable object storage for uploaded source
// documents and conversion artifacts. Two implementations exist: a local
// filesystem store for single-node deployments and an S3 store for shared
// deployments where serverless backends fetch inputs by URL.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the contract both stores implement. Keys are
// slash-separated paths; DeletePrefix removes every object under a prefix
// and is idempotent.
type ObjectStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	// URL returns the externally-routable address clients fetch the object
	// from.
	URL(key string) string
	// InternalURL returns the address reachable from the private worker
	// network. Local workers must never be handed external URLs. Stores
	// without a separate internal surface return the external address.
	InternalURL(key string) string
}

// Presigner is implemented by stores that can mint direct-upload URLs so
// large source files bypass the API process.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
}

// UploadImages persists a result's inline base64 images under
// prefix/<filename> and returns the filename-to-URL map that replaces the
// inline payload. A single bad image fails the whole batch so the caller
// never serves a half-uploaded result.
func UploadImages(ctx context.Context, store ObjectStore, prefix string, images map[string]string) (map[string]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	urls := make(map[string]string, len(images))
	for name, b64 := range images {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode image %q: %w", name, err)
		}
		key := path.Join(prefix, name)
		if err := store.Save(ctx, key, raw, contentTypeFor(name)); err != nil {
			return nil, fmt.Errorf("save image %q: %w", name, err)
		}
		urls[name] = store.URL(key)
	}
	return urls, nil
}

func contentTypeFor(name string) string {
	switch path.Ext(name) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	}
	return "application/octet-stream"
}
