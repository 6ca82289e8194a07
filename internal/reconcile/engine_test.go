package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegrove/filegrove/internal/catalog"
	"github.com/filegrove/filegrove/internal/catalog/memory"
)

type capturingForwarder struct {
	mu   sync.Mutex
	jobs []ProcessingJob
}

func (f *capturingForwarder) Forward(_ context.Context, job ProcessingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *capturingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type capturingToucher struct {
	mu      sync.Mutex
	touches []string
}

func (t *capturingToucher) Touch(_ context.Context, token, storeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touches = append(t.touches, token+"/"+storeID)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *capturingForwarder, *capturingToucher) {
	t.Helper()
	store := memory.New()
	fwd := &capturingForwarder{}
	touch := &capturingToucher{}
	eng := New(store.Catalog(), fwd, touch)
	return eng, store, fwd, touch
}

func insertEvent(storeNick, relPath, filename string) *ChangeEvent {
	return &ChangeEvent{
		FileStore:   &catalog.FileStore{Nickname: storeNick, BaseURI: "file:///" + storeNick, LocalBaseURI: "/mnt/" + storeNick},
		FilePath:    &catalog.FilePath{RelativePath: relPath},
		FileItem:    &catalog.FileItem{Filename: filename, LastModifiedDate: time.Now()},
		RequestType: RequestInsert,
		WalkerJob:   WalkerJob{WalkerInstanceToken: "walker-1"},
	}
}

func TestReconcileInsertCreatesAllEntities(t *testing.T) {
	ctx := context.Background()
	eng, store, fwd, touch := newTestEngine(t)
	cat := store.Catalog()

	item, err := eng.Reconcile(ctx, insertEvent("nas1", "/photos", "cat.jpg"))
	require.NoError(t, err)

	require.NotEmpty(t, item.ID)
	require.NotEmpty(t, item.FileEntityID)
	require.NotEmpty(t, item.FileStorePathID)

	fs, err := cat.Stores.FindByNickname(ctx, "nas1")
	require.NoError(t, err)
	require.NotNil(t, fs)
	assert.False(t, fs.LatestRefresh.IsZero(), "latestRefresh stamped at creation")

	fp, err := cat.Paths.FindByStoreAndPath(ctx, fs.ID, "/photos")
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.Equal(t, fp.ID, item.FileStorePathID)

	entity, err := cat.Entities.FindByID(ctx, item.FileEntityID)
	require.NoError(t, err)
	require.NotNil(t, entity)

	require.Equal(t, 1, fwd.count())
	assert.Equal(t, RequestInsert, fwd.jobs[0].RequestType)
	assert.Equal(t, TargetImages, fwd.jobs[0].Config.Target)
	assert.Equal(t, item.ID, fwd.jobs[0].FileItem.ID)

	require.Len(t, touch.touches, 1)
	assert.Equal(t, "walker-1/"+fs.ID, touch.touches[0])
}

func TestReconcileMalformedEvent(t *testing.T) {
	ctx := context.Background()
	eng, store, fwd, _ := newTestEngine(t)

	events := []*ChangeEvent{
		nil,
		{FilePath: &catalog.FilePath{}, FileItem: &catalog.FileItem{}},
		{FileStore: &catalog.FileStore{}, FileItem: &catalog.FileItem{}},
		{FileStore: &catalog.FileStore{}, FilePath: &catalog.FilePath{}},
	}
	for _, ev := range events {
		_, err := eng.Reconcile(ctx, ev)
		assert.ErrorIs(t, err, ErrMalformedEvent)
	}

	// No catalog writes, no forwards.
	fs, err := store.Catalog().Stores.FindByNickname(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, fs)
	assert.Equal(t, 0, fwd.count())
}

func TestPathResolutionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, store, _, _ := newTestEngine(t)
	cat := store.Catalog()

	first, err := eng.Reconcile(ctx, insertEvent("nas1", "/photos", "cat.jpg"))
	require.NoError(t, err)
	second, err := eng.Reconcile(ctx, insertEvent("nas1", "/photos", "dog.jpg"))
	require.NoError(t, err)

	// Both items reference the one path row.
	assert.Equal(t, first.FileStorePathID, second.FileStorePathID)
	assert.NotEqual(t, first.ID, second.ID)

	items, err := cat.Items.ListByPath(ctx, first.FileStorePathID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestEntityIDStableAcrossUpdates(t *testing.T) {
	ctx := context.Background()
	eng, _, _, _ := newTestEngine(t)

	ev := insertEvent("nas1", "/photos", "cat.jpg")
	item, err := eng.Reconcile(ctx, ev)
	require.NoError(t, err)
	entityID := item.FileEntityID
	require.NotEmpty(t, entityID)

	update := insertEvent("nas1", "/photos", "cat.jpg")
	update.RequestType = RequestUpdate
	update.FileItem.ID = item.ID
	update.FileItem.FileEntityID = entityID

	updated, err := eng.Reconcile(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, entityID, updated.FileEntityID)

	again, err := eng.Reconcile(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, entityID, again.FileEntityID)
}

func TestInsertReplayDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	eng, store, _, _ := newTestEngine(t)

	ev := insertEvent("nas1", "/photos", "cat.jpg")
	item, err := eng.Reconcile(ctx, ev)
	require.NoError(t, err)

	// Redelivery echoes back the assigned identifiers.
	replayed, err := eng.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, item.ID, replayed.ID)

	items, err := store.Catalog().Items.ListByPath(ctx, item.FileStorePathID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestDeleteRemovesItemAndEntity(t *testing.T) {
	ctx := context.Background()
	eng, store, fwd, _ := newTestEngine(t)
	cat := store.Catalog()

	item, err := eng.Reconcile(ctx, insertEvent("nas1", "/photos", "cat.jpg"))
	require.NoError(t, err)
	itemID, entityID := item.ID, item.FileEntityID

	del := insertEvent("nas1", "/photos", "cat.jpg")
	del.RequestType = RequestDelete
	del.FileItem.ID = itemID
	del.FileItem.FileEntityID = entityID

	_, err = eng.Reconcile(ctx, del)
	require.NoError(t, err)

	gone, err := cat.Items.FindByID(ctx, itemID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	entity, err := cat.Entities.FindByID(ctx, entityID)
	require.NoError(t, err)
	assert.Nil(t, entity)

	// A delete never produces a processing job.
	assert.Equal(t, 1, fwd.count(), "only the insert forwarded")
}

func TestDeleteToleratesMissingEntity(t *testing.T) {
	ctx := context.Background()
	eng, store, _, _ := newTestEngine(t)
	cat := store.Catalog()

	item, err := eng.Reconcile(ctx, insertEvent("nas1", "/photos", "cat.jpg"))
	require.NoError(t, err)

	// Entity already removed out of band.
	require.NoError(t, cat.Entities.Delete(ctx, item.FileEntityID))

	del := insertEvent("nas1", "/photos", "cat.jpg")
	del.RequestType = RequestDelete
	del.FileItem.ID = item.ID
	del.FileItem.FileEntityID = item.FileEntityID

	_, err = eng.Reconcile(ctx, del)
	assert.NoError(t, err)
}

func TestPreloadReplaysExportedCatalog(t *testing.T) {
	ctx := context.Background()
	eng, store, _, _ := newTestEngine(t)
	cat := store.Catalog()

	ev := &ChangeEvent{
		FileStore:   &catalog.FileStore{ID: "11111111-1111-7111-8111-111111111111", Nickname: "nas1"},
		FilePath:    &catalog.FilePath{ID: "22222222-2222-7222-8222-222222222222", FileStoreID: "11111111-1111-7111-8111-111111111111", RelativePath: "/photos"},
		FileItem:    &catalog.FileItem{ID: "33333333-3333-7333-8333-333333333333", Filename: "cat.jpg", FileEntityID: "44444444-4444-7444-8444-444444444444"},
		RequestType: RequestUpdate,
		WalkerJob:   WalkerJob{WalkerInstanceToken: "walker-1"},
	}

	_, err := eng.Reconcile(ctx, ev)
	require.NoError(t, err)

	// Caller-supplied identifiers are preserved verbatim.
	fs, err := cat.Stores.FindByID(ctx, "11111111-1111-7111-8111-111111111111")
	require.NoError(t, err)
	require.NotNil(t, fs)
	assert.Equal(t, "nas1", fs.Nickname)

	// Re-ingesting the same export is a no-op, not a duplicate-key error.
	_, err = eng.Reconcile(ctx, ev)
	assert.NoError(t, err)
}

func TestUnknownOperationIsNoOp(t *testing.T) {
	ctx := context.Background()
	eng, store, fwd, _ := newTestEngine(t)

	ev := insertEvent("nas1", "/photos", "cat.jpg")
	ev.RequestType = RequestType("TRUNCATE")

	item, err := eng.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, item.ID, "no item persisted for unknown operation")
	assert.Equal(t, 0, fwd.count())

	items, err := store.Catalog().Items.ListByPath(ctx, item.FileStorePathID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestEmptyRelativePathIsStoreRoot(t *testing.T) {
	ctx := context.Background()
	eng, store, _, _ := newTestEngine(t)

	first, err := eng.Reconcile(ctx, insertEvent("nas1", "", "root.jpg"))
	require.NoError(t, err)
	second, err := eng.Reconcile(ctx, insertEvent("nas1", "", "other.jpg"))
	require.NoError(t, err)

	assert.Equal(t, first.FileStorePathID, second.FileStorePathID)

	fp, err := store.Catalog().Paths.FindByID(ctx, first.FileStorePathID)
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.Equal(t, "", fp.RelativePath)
}

// racingPaths simulates losing the path-creation race: the natural-key
// lookup misses, the insert hits the unique index, and the row is
// visible on the re-read.
type racingPaths struct {
	catalog.FilePaths
	winner    *catalog.FilePath
	firstFind bool
}

func (r *racingPaths) FindByStoreAndPath(ctx context.Context, storeID, relativePath string) (*catalog.FilePath, error) {
	if !r.firstFind {
		r.firstFind = true
		return nil, nil
	}
	return r.FilePaths.FindByStoreAndPath(ctx, storeID, relativePath)
}

func (r *racingPaths) Save(ctx context.Context, path *catalog.FilePath) error {
	if err := r.FilePaths.Save(ctx, r.winner); err != nil {
		return err
	}
	return catalog.ErrConflict
}

func TestLostPathRaceAdoptsWinner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cat := store.Catalog()

	fs := &catalog.FileStore{Nickname: "nas1"}
	require.NoError(t, cat.Stores.Save(ctx, fs))

	winner := &catalog.FilePath{FileStoreID: fs.ID, RelativePath: "/photos"}
	cat.Paths = &racingPaths{FilePaths: cat.Paths, winner: winner}

	fwd := &capturingForwarder{}
	eng := New(cat, fwd, &capturingToucher{})

	ev := insertEvent("nas1", "/photos", "cat.jpg")
	ev.FileStore.ID = fs.ID

	item, err := eng.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, item.FileStorePathID, "loser adopts the winning row")
}

func TestStoreNicknameRaceAdoptsWinner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cat := store.Catalog()

	// Winner already holds the nickname under a different ID.
	winner := &catalog.FileStore{Nickname: "nas1", BaseURI: "file:///winner"}
	require.NoError(t, cat.Stores.Save(ctx, winner))

	fwd := &capturingForwarder{}
	eng := New(cat, fwd, &capturingToucher{})

	// The engine only reaches Save for a store with no ID when the
	// natural-key owner is unknown to it; the memory store's unique
	// check then forces the conflict path.
	ev := insertEvent("nas1", "/photos", "cat.jpg")
	item, err := eng.Reconcile(ctx, ev)
	require.NoError(t, err)

	fp, err := cat.Paths.FindByID(ctx, item.FileStorePathID)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, fp.FileStoreID, "path created under the winning store")
}
