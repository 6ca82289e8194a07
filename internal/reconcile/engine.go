// Package reconcile maps incoming change events onto canonical catalog
// records and forwards reconciled items downstream.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/filegrove/filegrove/internal/catalog"
	"github.com/filegrove/filegrove/internal/logging"
	"github.com/filegrove/filegrove/internal/metrics"
)

// ErrMalformedEvent marks an event missing one of its required refs.
// Such events are rejected before any catalog write and must not be
// redelivered, since a retry cannot supply the missing data.
var ErrMalformedEvent = errors.New("reconcile: malformed change event")

// Forwarder emits processing jobs to the downstream stage.
type Forwarder interface {
	Forward(ctx context.Context, job ProcessingJob) error
}

// Toucher refreshes a walker's liveness record after a successful
// reconciliation.
type Toucher interface {
	Touch(ctx context.Context, token, storeID string) error
}

// Engine reconciles change events against the catalog. It performs no
// internal retries; a persistence error propagates so the transport
// layer can redeliver, and every step is idempotent so replays are
// safe.
type Engine struct {
	cat      catalog.Catalog
	forward  Forwarder
	liveness Toucher
	now      func() time.Time
}

// New creates an Engine wired to the catalog, forwarder, and liveness
// tracker.
func New(cat catalog.Catalog, forward Forwarder, liveness Toucher) *Engine {
	return &Engine{
		cat:      cat,
		forward:  forward,
		liveness: liveness,
		now:      time.Now,
	}
}

// WithClock overrides the engine's clock. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Reconcile applies one change event: it resolves the (store, path,
// item) refs onto canonical records, performs the requested mutation,
// and on success forwards a processing job and refreshes the walker's
// liveness record. It returns the resolved item.
//
// The event's refs are mutated in place as identifiers are assigned,
// so a caller that redelivers the same event object echoes the
// assigned identifiers back — which is exactly what makes replays
// idempotent.
func (e *Engine) Reconcile(ctx context.Context, ev *ChangeEvent) (*catalog.FileItem, error) {
	if ev == nil || ev.FileStore == nil || ev.FilePath == nil || ev.FileItem == nil {
		return nil, ErrMalformedEvent
	}
	start := e.now()
	defer func() { metrics.RecordReconcile(time.Since(start)) }()

	store, path, item := ev.FileStore, ev.FilePath, ev.FileItem

	if err := e.preload(ctx, store, path, item); err != nil {
		return nil, err
	}

	// A file entity is bound once per item and never re-derived; it is
	// the permanent content-identity handle across moves and renames.
	if item.FileEntityID == "" {
		entity := &catalog.FileEntity{}
		if err := e.cat.Entities.Save(ctx, entity); err != nil {
			return nil, fmt.Errorf("create file entity: %w", err)
		}
		item.FileEntityID = entity.ID
	}

	if err := e.resolveStore(ctx, store); err != nil {
		return nil, err
	}
	if err := e.resolvePath(ctx, store, path); err != nil {
		return nil, err
	}
	if path.ID != "" {
		item.FileStorePathID = path.ID
	}

	if err := e.dispatch(ctx, ev.RequestType, item); err != nil {
		return nil, err
	}

	if item.ID != "" {
		job := ProcessingJob{
			RequestType: ev.RequestType,
			Config:      ProcessingConfig{Target: TargetImages},
			FileItem:    item,
		}
		if err := e.forward.Forward(ctx, job); err != nil {
			return nil, fmt.Errorf("forward processing job: %w", err)
		}
		metrics.RecordJobForwarded()
		if err := e.liveness.Touch(ctx, ev.WalkerJob.WalkerInstanceToken, store.ID); err != nil {
			return nil, fmt.Errorf("touch walker liveness: %w", err)
		}
	}

	metrics.RecordItemReconciled(string(ev.RequestType))
	return item, nil
}

// preload writes back any ref that carries an identifier the catalog
// does not know, preserving the caller-supplied identifier. This makes
// re-ingesting a previously exported catalog a no-op instead of a
// duplicate-key failure.
func (e *Engine) preload(ctx context.Context, store *catalog.FileStore, path *catalog.FilePath, item *catalog.FileItem) error {
	if store.ID != "" {
		existing, err := e.cat.Stores.FindByID(ctx, store.ID)
		if err != nil {
			return fmt.Errorf("preload store: %w", err)
		}
		if existing == nil {
			if err := e.cat.Stores.Save(ctx, store); err != nil {
				return fmt.Errorf("preload store: %w", err)
			}
		}
	}
	if path.ID != "" {
		existing, err := e.cat.Paths.FindByID(ctx, path.ID)
		if err != nil {
			return fmt.Errorf("preload path: %w", err)
		}
		if existing == nil {
			if err := e.cat.Paths.Save(ctx, path); err != nil {
				return fmt.Errorf("preload path: %w", err)
			}
		}
	}
	if item.ID != "" {
		existing, err := e.cat.Items.FindByID(ctx, item.ID)
		if err != nil {
			return fmt.Errorf("preload item: %w", err)
		}
		if existing == nil {
			if err := e.cat.Items.Save(ctx, item); err != nil {
				return fmt.Errorf("preload item: %w", err)
			}
		}
	}
	return nil
}

// resolveStore persists a store seen for the first time, stamping its
// refresh date, and adopts the winner on a nickname race.
func (e *Engine) resolveStore(ctx context.Context, store *catalog.FileStore) error {
	if store.ID != "" {
		return nil
	}
	store.LatestRefresh = e.now()
	err := e.cat.Stores.Save(ctx, store)
	if err == nil {
		logging.Info("created file store",
			zap.String("store_id", store.ID),
			zap.String("nickname", store.Nickname))
		return nil
	}
	if !errors.Is(err, catalog.ErrConflict) {
		return fmt.Errorf("resolve store: %w", err)
	}
	// Lost the creation race: another handler persisted this nickname
	// first. Re-read and adopt the winning row.
	winner, ferr := e.cat.Stores.FindByNickname(ctx, store.Nickname)
	if ferr != nil {
		return fmt.Errorf("resolve store after conflict: %w", ferr)
	}
	if winner == nil {
		return fmt.Errorf("resolve store: %w", err)
	}
	*store = *winner
	return nil
}

// resolvePath finds or creates the (store, relative path) row. An
// existing row always wins over the caller's proposed attributes. The
// empty relative path is valid and denotes the store root.
func (e *Engine) resolvePath(ctx context.Context, store *catalog.FileStore, path *catalog.FilePath) error {
	if path.ID != "" {
		return nil
	}
	existing, err := e.cat.Paths.FindByStoreAndPath(ctx, store.ID, path.RelativePath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if existing != nil {
		*path = *existing
		return nil
	}

	path.FileStoreID = store.ID
	err = e.cat.Paths.Save(ctx, path)
	if err == nil {
		logging.Info("created file path",
			zap.String("path_id", path.ID),
			zap.String("store_id", store.ID),
			zap.String("relative_path", path.RelativePath))
		return nil
	}
	if !errors.Is(err, catalog.ErrConflict) {
		return fmt.Errorf("resolve path: %w", err)
	}
	winner, ferr := e.cat.Paths.FindByStoreAndPath(ctx, store.ID, path.RelativePath)
	if ferr != nil {
		return fmt.Errorf("resolve path after conflict: %w", ferr)
	}
	if winner == nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	*path = *winner
	return nil
}

// dispatch applies the requested mutation to the item.
func (e *Engine) dispatch(ctx context.Context, op RequestType, item *catalog.FileItem) error {
	switch op {
	case RequestDelete:
		// Both deletes are best effort; a missing entity is not an error.
		if item.FileEntityID != "" {
			if err := e.cat.Entities.Delete(ctx, item.FileEntityID); err != nil {
				return fmt.Errorf("delete file entity: %w", err)
			}
		}
		if item.ID != "" {
			if err := e.cat.Items.Delete(ctx, item.ID); err != nil {
				return fmt.Errorf("delete file item: %w", err)
			}
		}
		// The catalog row is gone; clearing the identifier keeps a
		// delete from being forwarded downstream.
		item.ID = ""
	case RequestInsert:
		// Only persist an item with no identifier yet: a redelivered
		// insert echoing an assigned identifier must not create a
		// second row.
		if item.ID == "" {
			if err := e.cat.Items.Save(ctx, item); err != nil {
				return fmt.Errorf("insert file item: %w", err)
			}
		}
	case RequestUpdate:
		if err := e.cat.Items.Save(ctx, item); err != nil {
			return fmt.Errorf("update file item: %w", err)
		}
	default:
		logging.Warn("unexpected request type, ignoring",
			zap.String("request_type", string(op)),
			zap.String("filename", item.Filename))
	}
	return nil
}
