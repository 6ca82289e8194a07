// Package catalog defines the persisted entities of the file store catalog
// and the capability interfaces the rest of the service depends on.
//
// All identifiers are server-assigned surrogate UUIDs; an empty ID means
// the record has not been persisted yet. Natural keys (store nickname,
// (store, relative path), (walker token, store)) are enforced by unique
// indexes in the backing store, and a lost race on one of them surfaces
// as ErrConflict so callers can re-read the winning row.
//
// Finder methods return (nil, nil) when no row matches; errors are
// reserved for storage failures.
package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned when a write loses a race on a natural-key
// unique constraint. The caller should re-read by natural key and adopt
// the winning row.
var ErrConflict = errors.New("catalog: natural key conflict")

// FileStore is the root of a named namespace, unique by nickname.
type FileStore struct {
	ID            string    `json:"id,omitempty"`
	Nickname      string    `json:"nickname"`
	BaseURI       string    `json:"baseUri"`
	LocalBaseURI  string    `json:"localBaseUri"`
	LatestRefresh time.Time `json:"latestRefresh,omitempty"`
}

// FilePath is a directory under a store, unique by (store, relative path).
// The empty relative path denotes the store root.
type FilePath struct {
	ID           string `json:"id,omitempty"`
	FileStoreID  string `json:"fileStoreId,omitempty"`
	RelativePath string `json:"relativePath"`
}

// FileItem is one file under a path. The thumbnail is populated by the
// downstream processing stage, not by reconciliation.
type FileItem struct {
	ID               string    `json:"id,omitempty"`
	FileStorePathID  string    `json:"fileStorePathId,omitempty"`
	Filename         string    `json:"filename"`
	FileEntityID     string    `json:"fileEntityId,omitempty"`
	CreatedDate      time.Time `json:"createdDate,omitempty"`
	LastModifiedDate time.Time `json:"lastModifiedDate,omitempty"`
	Thumbnail        []byte    `json:"-"`
}

// FileEntity is a content-identity handle, created lazily the first time
// an item is seen and never re-derived afterward. Keeping it separate
// from FileItem lets content identity survive item moves and renames.
type FileEntity struct {
	ID string `json:"id,omitempty"`
}

// StatusWalker records the liveness of one walker agent for one store,
// unique by (walker instance token, store).
type StatusWalker struct {
	WalkerInstanceToken string    `json:"walkerInstanceToken"`
	FileStoreID         string    `json:"fileStoreId"`
	Ready               bool      `json:"ready"`
	LastActiveDate      time.Time `json:"lastActiveDate"`
}

// FileStores persists FileStore records.
type FileStores interface {
	FindByID(ctx context.Context, id string) (*FileStore, error)
	FindByNickname(ctx context.Context, nickname string) (*FileStore, error)
	// Save upserts by ID, assigning a fresh ID when empty. A nickname
	// collision with another row returns ErrConflict.
	Save(ctx context.Context, store *FileStore) error
}

// FilePaths persists FilePath records.
type FilePaths interface {
	FindByID(ctx context.Context, id string) (*FilePath, error)
	FindByStoreAndPath(ctx context.Context, storeID, relativePath string) (*FilePath, error)
	ListByStore(ctx context.Context, storeID string) ([]*FilePath, error)
	// Save upserts by ID, assigning a fresh ID when empty. A (store,
	// relative path) collision with another row returns ErrConflict.
	Save(ctx context.Context, path *FilePath) error
}

// FileItems persists FileItem records.
type FileItems interface {
	FindByID(ctx context.Context, id string) (*FileItem, error)
	FindByPathAndFilename(ctx context.Context, pathID, filename string) (*FileItem, error)
	ListByPath(ctx context.Context, pathID string) ([]*FileItem, error)
	Save(ctx context.Context, item *FileItem) error
	SaveThumbnail(ctx context.Context, id string, thumbnail []byte) error
	// Delete removes an item; deleting a missing item is not an error.
	Delete(ctx context.Context, id string) error
}

// FileEntities persists FileEntity records.
type FileEntities interface {
	FindByID(ctx context.Context, id string) (*FileEntity, error)
	Save(ctx context.Context, entity *FileEntity) error
	// Delete removes an entity; deleting a missing entity is not an error.
	Delete(ctx context.Context, id string) error
}

// StatusWalkers persists StatusWalker records keyed by (token, store).
type StatusWalkers interface {
	FindByTokenAndStore(ctx context.Context, token, storeID string) (*StatusWalker, error)
	// Save upserts the row for (token, store); last writer wins.
	Save(ctx context.Context, walker *StatusWalker) error
	// FindStale returns all walkers for a store last active before the
	// given instant.
	FindStale(ctx context.Context, storeID string, olderThan time.Time) ([]*StatusWalker, error)
	// DeleteOlderThan removes, in one batch, all walkers for a store last
	// active before the given instant, returning the number removed.
	DeleteOlderThan(ctx context.Context, storeID string, olderThan time.Time) (int64, error)
}

// Catalog bundles the per-entity capabilities. It is wired once at
// process start and passed explicitly to every component.
type Catalog struct {
	Stores   FileStores
	Paths    FilePaths
	Items    FileItems
	Entities FileEntities
	Walkers  StatusWalkers
}
