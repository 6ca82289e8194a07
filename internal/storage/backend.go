// Package storage fetches file content from the backend holding a
// store's files, either a local filesystem root or an S3 bucket.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/filegrove/filegrove/internal/catalog"
)

// Backend reads file content for one file store.
type Backend interface {
	// Fetch returns the full content of the file at the given relative
	// path within the store.
	Fetch(ctx context.Context, relativePath string) ([]byte, error)
	Type() string
	Close() error
}

// S3Credentials carries the shared credentials for stores whose base
// URI is s3://.
type S3Credentials struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// Resolver maps a file store to its content backend, caching one
// backend per store.
type Resolver struct {
	creds S3Credentials

	mu       sync.Mutex
	backends map[string]Backend
}

// NewResolver creates a Resolver using the given S3 credentials for
// s3:// stores.
func NewResolver(creds S3Credentials) *Resolver {
	return &Resolver{
		creds:    creds,
		backends: make(map[string]Backend),
	}
}

// For returns the backend for a store. A base URI of the form
// s3://bucket/prefix selects the S3 backend; anything else is treated
// as a local filesystem root, preferring the store's local base URI
// when set.
func (r *Resolver) For(ctx context.Context, store *catalog.FileStore) (Backend, error) {
	if store == nil || store.ID == "" {
		return nil, fmt.Errorf("storage: store ref is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[store.ID]; ok {
		return b, nil
	}

	b, err := r.open(ctx, store)
	if err != nil {
		return nil, err
	}
	r.backends[store.ID] = b
	return b, nil
}

func (r *Resolver) open(ctx context.Context, store *catalog.FileStore) (Backend, error) {
	if strings.HasPrefix(store.BaseURI, "s3://") {
		u, err := url.Parse(store.BaseURI)
		if err != nil {
			return nil, fmt.Errorf("parse store base URI %q: %w", store.BaseURI, err)
		}
		return NewS3(ctx, S3Config{
			Endpoint:  r.creds.Endpoint,
			Region:    r.creds.Region,
			AccessKey: r.creds.AccessKey,
			SecretKey: r.creds.SecretKey,
			Bucket:    u.Host,
			Prefix:    strings.TrimPrefix(u.Path, "/"),
		})
	}

	root := store.LocalBaseURI
	if root == "" {
		root = store.BaseURI
	}
	if root == "" {
		return nil, fmt.Errorf("store %s has no base URI", store.Nickname)
	}
	return NewLocal(root)
}

// Close closes every cached backend, returning the first error.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id, b := range r.backends {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.backends, id)
	}
	return first
}
