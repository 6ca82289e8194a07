package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegrove/filegrove/internal/catalog"
	"github.com/filegrove/filegrove/internal/catalog/memory"
	"github.com/filegrove/filegrove/internal/liveness"
	"github.com/filegrove/filegrove/internal/reconcile"
)

type capturePublisher struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (c *capturePublisher) Publish(_ context.Context, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, append([]byte(nil), body...))
	return nil
}

func (c *capturePublisher) events(t *testing.T) []reconcile.ChangeEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]reconcile.ChangeEvent, len(c.bodies))
	for i, b := range c.bodies {
		require.NoError(t, json.Unmarshal(b, &out[i]))
	}
	return out
}

func newTestAgent(t *testing.T, root string, cat catalog.Catalog) (*Agent, *capturePublisher, *capturePublisher) {
	t.Helper()
	events := &capturePublisher{}
	status := &capturePublisher{}
	a, err := New(Config{StoreNickname: "main", BaseURI: root}, cat, events, status)
	require.NoError(t, err)
	t.Cleanup(func() { a.watcher.Close() })
	return a, events, status
}

func TestScanPublishesInsertsForNewFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "photos"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.jpg"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "photos", "b.jpg"), []byte("b"), 0o644))

	a, events, _ := newTestAgent(t, root, memory.New().Catalog())
	require.NoError(t, a.Scan(context.Background()))

	evs := events.events(t)
	require.Len(t, evs, 2)
	byName := map[string]reconcile.ChangeEvent{}
	for _, ev := range evs {
		assert.Equal(t, reconcile.RequestInsert, ev.RequestType)
		assert.Equal(t, "main", ev.FileStore.Nickname)
		assert.Empty(t, ev.FileStore.ID, "catalog assigns identifiers, not the walker")
		assert.Equal(t, a.Token(), ev.WalkerJob.WalkerInstanceToken)
		byName[ev.FileItem.Filename] = ev
	}
	assert.Equal(t, "", byName["a.jpg"].FilePath.RelativePath)
	assert.Equal(t, "photos", byName["b.jpg"].FilePath.RelativePath)
}

func seedCatalogFile(t *testing.T, cat catalog.Catalog, root, dir, name string) (*catalog.FileStore, *catalog.FilePath, *catalog.FileItem) {
	t.Helper()
	ctx := context.Background()
	store, err := cat.Stores.FindByNickname(ctx, "main")
	require.NoError(t, err)
	if store == nil {
		store = &catalog.FileStore{Nickname: "main", BaseURI: root}
		require.NoError(t, cat.Stores.Save(ctx, store))
	}
	path, err := cat.Paths.FindByStoreAndPath(ctx, store.ID, dir)
	require.NoError(t, err)
	if path == nil {
		path = &catalog.FilePath{FileStoreID: store.ID, RelativePath: dir}
		require.NoError(t, cat.Paths.Save(ctx, path))
	}

	var modTime time.Time
	full := filepath.Join(root, filepath.FromSlash(dir), name)
	if info, err := os.Stat(full); err == nil {
		modTime = info.ModTime()
	}
	item := &catalog.FileItem{
		FileStorePathID: path.ID, Filename: name, FileEntityID: "entity-" + name,
		CreatedDate: modTime, LastModifiedDate: modTime,
	}
	require.NoError(t, cat.Items.Save(ctx, item))
	return store, path, item
}

func TestScanSkipsUnchangedFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.jpg"), []byte("a"), 0o644))

	cat := memory.New().Catalog()
	seedCatalogFile(t, cat, root, "", "a.jpg")

	a, events, _ := newTestAgent(t, root, cat)
	require.NoError(t, a.Scan(context.Background()))
	assert.Empty(t, events.events(t))
}

func TestScanPublishesUpdateForModifiedFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.jpg"), []byte("a"), 0o644))

	cat := memory.New().Catalog()
	_, path, item := seedCatalogFile(t, cat, root, "", "a.jpg")

	// Backdate the catalog record so the on-disk mtime is newer.
	item.LastModifiedDate = item.LastModifiedDate.Add(-time.Hour)
	require.NoError(t, cat.Items.Save(context.Background(), item))

	a, events, _ := newTestAgent(t, root, cat)
	require.NoError(t, a.Scan(context.Background()))

	evs := events.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, reconcile.RequestUpdate, evs[0].RequestType)
	assert.Equal(t, item.ID, evs[0].FileItem.ID)
	assert.Equal(t, path.ID, evs[0].FilePath.ID)
	assert.Equal(t, "entity-a.jpg", evs[0].FileItem.FileEntityID)
}

func TestScanPublishesDeleteForMissingFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.jpg"), []byte("k"), 0o644))

	cat := memory.New().Catalog()
	seedCatalogFile(t, cat, root, "", "keep.jpg")
	_, _, gone := seedCatalogFile(t, cat, root, "", "gone.jpg")

	a, events, _ := newTestAgent(t, root, cat)
	require.NoError(t, a.Scan(context.Background()))

	evs := events.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, reconcile.RequestDelete, evs[0].RequestType)
	assert.Equal(t, gone.ID, evs[0].FileItem.ID)
	assert.Equal(t, gone.FileEntityID, evs[0].FileItem.FileEntityID)
}

func TestStatusReportSkippedUntilStoreExists(t *testing.T) {
	root := t.TempDir()
	cat := memory.New().Catalog()
	a, _, status := newTestAgent(t, root, cat)

	a.reportStatus(context.Background())
	assert.Empty(t, status.bodies)

	store := &catalog.FileStore{Nickname: "main", BaseURI: root}
	require.NoError(t, cat.Stores.Save(context.Background(), store))
	a.ready.Store(true)
	a.reportStatus(context.Background())

	status.mu.Lock()
	defer status.mu.Unlock()
	require.Len(t, status.bodies, 1)
	var report liveness.StatusReport
	require.NoError(t, json.Unmarshal(status.bodies[0], &report))
	assert.Equal(t, a.Token(), report.WalkerInstanceToken)
	assert.Equal(t, store.ID, report.FileStoreID)
	assert.True(t, report.Ready)
}
