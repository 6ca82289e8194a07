// Package memory provides an in-memory catalog implementation. It
// enforces the same natural-key constraints as the PostgreSQL catalog
// and is used by tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filegrove/filegrove/internal/catalog"
)

// Store is an in-memory catalog store. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	stores   map[string]*catalog.FileStore
	paths    map[string]*catalog.FilePath
	items    map[string]*catalog.FileItem
	entities map[string]*catalog.FileEntity
	walkers  map[string]*catalog.StatusWalker // keyed by token + "\x00" + storeID
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		stores:   make(map[string]*catalog.FileStore),
		paths:    make(map[string]*catalog.FilePath),
		items:    make(map[string]*catalog.FileItem),
		entities: make(map[string]*catalog.FileEntity),
		walkers:  make(map[string]*catalog.StatusWalker),
	}
}

// Catalog returns the capability bundle backed by this store.
func (s *Store) Catalog() catalog.Catalog {
	return catalog.Catalog{
		Stores:   (*fileStores)(s),
		Paths:    (*filePaths)(s),
		Items:    (*fileItems)(s),
		Entities: (*fileEntities)(s),
		Walkers:  (*statusWalkers)(s),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("generate id: %v", err))
	}
	return id.String()
}

func walkerKey(token, storeID string) string {
	return token + "\x00" + storeID
}

// ─── FileStores ─────────────────────────────────────────────────────────────

type fileStores Store

func (s *fileStores) FindByID(_ context.Context, id string) (*catalog.FileStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fs, ok := s.stores[id]; ok {
		cp := *fs
		return &cp, nil
	}
	return nil, nil
}

func (s *fileStores) FindByNickname(_ context.Context, nickname string) (*catalog.FileStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fs := range s.stores {
		if fs.Nickname == nickname {
			cp := *fs
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fileStores) Save(_ context.Context, store *catalog.FileStore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store.ID == "" {
		store.ID = newID()
	}
	for _, fs := range s.stores {
		if fs.Nickname == store.Nickname && fs.ID != store.ID {
			return catalog.ErrConflict
		}
	}
	cp := *store
	s.stores[store.ID] = &cp
	return nil
}

// ─── FilePaths ──────────────────────────────────────────────────────────────

type filePaths Store

func (s *filePaths) FindByID(_ context.Context, id string) (*catalog.FilePath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fp, ok := s.paths[id]; ok {
		cp := *fp
		return &cp, nil
	}
	return nil, nil
}

func (s *filePaths) FindByStoreAndPath(_ context.Context, storeID, relativePath string) (*catalog.FilePath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fp := range s.paths {
		if fp.FileStoreID == storeID && fp.RelativePath == relativePath {
			cp := *fp
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *filePaths) ListByStore(_ context.Context, storeID string) ([]*catalog.FilePath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []*catalog.FilePath
	for _, fp := range s.paths {
		if fp.FileStoreID == storeID {
			cp := *fp
			paths = append(paths, &cp)
		}
	}
	return paths, nil
}

func (s *filePaths) Save(_ context.Context, path *catalog.FilePath) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path.ID == "" {
		path.ID = newID()
	}
	for _, fp := range s.paths {
		if fp.FileStoreID == path.FileStoreID && fp.RelativePath == path.RelativePath && fp.ID != path.ID {
			return catalog.ErrConflict
		}
	}
	cp := *path
	s.paths[path.ID] = &cp
	return nil
}

// ─── FileItems ──────────────────────────────────────────────────────────────

type fileItems Store

func (s *fileItems) FindByID(_ context.Context, id string) (*catalog.FileItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fi, ok := s.items[id]; ok {
		cp := *fi
		return &cp, nil
	}
	return nil, nil
}

func (s *fileItems) FindByPathAndFilename(_ context.Context, pathID, filename string) (*catalog.FileItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fi := range s.items {
		if fi.FileStorePathID == pathID && fi.Filename == filename {
			cp := *fi
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fileItems) ListByPath(_ context.Context, pathID string) ([]*catalog.FileItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*catalog.FileItem
	for _, fi := range s.items {
		if fi.FileStorePathID == pathID {
			cp := *fi
			items = append(items, &cp)
		}
	}
	return items, nil
}

func (s *fileItems) Save(_ context.Context, item *catalog.FileItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = newID()
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *fileItems) SaveThumbnail(_ context.Context, id string, thumbnail []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fi, ok := s.items[id]
	if !ok {
		return fmt.Errorf("file item %s not found", id)
	}
	fi.Thumbnail = append([]byte(nil), thumbnail...)
	return nil
}

func (s *fileItems) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

// ─── FileEntities ───────────────────────────────────────────────────────────

type fileEntities Store

func (s *fileEntities) FindByID(_ context.Context, id string) (*catalog.FileEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fe, ok := s.entities[id]; ok {
		cp := *fe
		return &cp, nil
	}
	return nil, nil
}

func (s *fileEntities) Save(_ context.Context, entity *catalog.FileEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entity.ID == "" {
		entity.ID = newID()
	}
	cp := *entity
	s.entities[entity.ID] = &cp
	return nil
}

func (s *fileEntities) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
	return nil
}

// ─── StatusWalkers ──────────────────────────────────────────────────────────

type statusWalkers Store

func (s *statusWalkers) FindByTokenAndStore(_ context.Context, token, storeID string) (*catalog.StatusWalker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sw, ok := s.walkers[walkerKey(token, storeID)]; ok {
		cp := *sw
		return &cp, nil
	}
	return nil, nil
}

func (s *statusWalkers) Save(_ context.Context, walker *catalog.StatusWalker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *walker
	s.walkers[walkerKey(walker.WalkerInstanceToken, walker.FileStoreID)] = &cp
	return nil
}

func (s *statusWalkers) FindStale(_ context.Context, storeID string, olderThan time.Time) ([]*catalog.StatusWalker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*catalog.StatusWalker
	for _, sw := range s.walkers {
		if sw.FileStoreID == storeID && sw.LastActiveDate.Before(olderThan) {
			cp := *sw
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

func (s *statusWalkers) DeleteOlderThan(_ context.Context, storeID string, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, sw := range s.walkers {
		if sw.FileStoreID == storeID && sw.LastActiveDate.Before(olderThan) {
			delete(s.walkers, key)
			n++
		}
	}
	return n, nil
}
