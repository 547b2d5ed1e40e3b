package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps objects under a root directory. URL returns paths under a
// configurable base, typically served by the same process.
type FSStore struct {
	root        string
	baseURL     string
	internalURL string
}

// FSOption configures an FSStore.
type FSOption func(*FSStore)

// WithFSInternalBaseURL sets the base workers on the private network fetch
// objects from, when it differs from the client-facing base.
func WithFSInternalBaseURL(base string) FSOption {
	return func(s *FSStore) {
		if base != "" {
			s.internalURL = strings.TrimRight(base, "/")
		}
	}
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root, baseURL string, opts ...FSOption) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	s := &FSStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}
	s.internalURL = s.baseURL
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// resolve maps a key to an on-disk path, refusing anything that would
// escape the root.
func (s *FSStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FSStore) Save(ctx context.Context, key string, data []byte, contentType string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (s *FSStore) Read(ctx context.Context, key string) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FSStore) DeletePrefix(ctx context.Context, prefix string) error {
	p, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func (s *FSStore) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

func (s *FSStore) InternalURL(key string) string {
	return s.internalURL + "/" + strings.TrimLeft(key, "/")
}
