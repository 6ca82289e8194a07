// Package agent implements the walker: a per-store process that scans
// the store's directory tree, diffs it against the catalog, and
// publishes change events for every difference plus periodic status
// reports.
//
// The agent never writes the catalog. It reads existing identifiers so
// events for known records echo them, and leaves record creation
// entirely to the reconciliation service.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/filegrove/filegrove/internal/catalog"
	"github.com/filegrove/filegrove/internal/liveness"
	"github.com/filegrove/filegrove/internal/logging"
	"github.com/filegrove/filegrove/internal/reconcile"
	"github.com/filegrove/filegrove/internal/transport"
)

// Config describes the store this agent walks.
type Config struct {
	StoreNickname string
	BaseURI       string
	LocalBaseURI  string

	ScanInterval   time.Duration
	StatusInterval time.Duration
}

// Agent walks one file store.
type Agent struct {
	cfg    Config
	root   string
	token  string
	cat    catalog.Catalog
	events transport.Publisher
	status transport.Publisher

	watcher *fsnotify.Watcher
	ready   atomic.Bool
}

// New creates an Agent with a fresh instance token. The scan root is
// the store's local base URI, falling back to the base URI.
func New(cfg Config, cat catalog.Catalog, events, status transport.Publisher) (*Agent, error) {
	if cfg.StoreNickname == "" {
		return nil, fmt.Errorf("agent: store nickname is required")
	}
	root := cfg.LocalBaseURI
	if root == "" {
		root = cfg.BaseURI
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat store root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store root %q is not a directory", root)
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Minute
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 10 * time.Second
	}

	token, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate instance token: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &Agent{
		cfg:     cfg,
		root:    root,
		token:   token.String(),
		cat:     cat,
		events:  events,
		status:  status,
		watcher: watcher,
	}, nil
}

// Token returns the agent's instance token.
func (a *Agent) Token() string { return a.token }

// Run scans once immediately, then rescans on the configured interval
// and on filesystem notifications, reporting status between scans. It
// blocks until the context is done, reporting not-ready on the way out.
func (a *Agent) Run(ctx context.Context) error {
	defer a.watcher.Close()

	logging.Info("walker starting",
		zap.String("store", a.cfg.StoreNickname),
		zap.String("root", a.root),
		zap.String("token", a.token))

	if err := a.Scan(ctx); err != nil {
		logging.Error("initial scan failed", zap.Error(err))
	} else {
		a.ready.Store(true)
	}
	a.reportStatus(ctx)

	scanTicker := time.NewTicker(a.cfg.ScanInterval)
	defer scanTicker.Stop()
	statusTicker := time.NewTicker(a.cfg.StatusInterval)
	defer statusTicker.Stop()

	// Filesystem events arrive in bursts; collapse each burst into one
	// rescan.
	var rescanAt <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			a.ready.Store(false)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.reportStatus(shutdownCtx)
			cancel()
			return nil

		case <-scanTicker.C:
			a.rescan(ctx)

		case <-statusTicker.C:
			a.reportStatus(ctx)

		case ev, ok := <-a.watcher.Events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if rescanAt == nil {
					rescanAt = time.After(500 * time.Millisecond)
				}
			}

		case <-rescanAt:
			rescanAt = nil
			a.rescan(ctx)

		case err, ok := <-a.watcher.Errors:
			if ok && err != nil {
				logging.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (a *Agent) rescan(ctx context.Context) {
	if err := a.Scan(ctx); err != nil {
		logging.Error("scan failed", zap.Error(err))
		a.ready.Store(false)
		return
	}
	a.ready.Store(true)
}

// Scan walks the store root once and publishes one change event per
// difference between the tree and the catalog.
func (a *Agent) Scan(ctx context.Context) error {
	store, err := a.cat.Stores.FindByNickname(ctx, a.cfg.StoreNickname)
	if err != nil {
		return fmt.Errorf("find store: %w", err)
	}

	// seen maps relative path -> filenames present on disk.
	seen := make(map[string]map[string]bool)

	err = filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Warn("walk error, skipping", zap.String("path", p), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			// Watch every directory so changes anywhere in the tree
			// trigger a rescan. Re-adding is a no-op.
			if werr := a.watcher.Add(p); werr != nil {
				logging.Warn("watch failed", zap.String("path", p), zap.Error(werr))
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, rerr := filepath.Rel(a.root, p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		dir := path.Dir(rel)
		if dir == "." {
			dir = ""
		}
		name := path.Base(rel)

		info, ierr := d.Info()
		if ierr != nil {
			logging.Warn("stat failed, skipping", zap.String("path", p), zap.Error(ierr))
			return nil
		}

		if seen[dir] == nil {
			seen[dir] = make(map[string]bool)
		}
		seen[dir][name] = true

		return a.reconcileFile(ctx, store, dir, name, info.ModTime())
	})
	if err != nil {
		return fmt.Errorf("walk store root: %w", err)
	}

	if store != nil {
		if err := a.publishDeletes(ctx, store, seen); err != nil {
			return err
		}
	}
	return nil
}

// reconcileFile publishes an insert for a file the catalog does not
// know and an update for one whose modification time moved forward.
func (a *Agent) reconcileFile(ctx context.Context, store *catalog.FileStore, dir, name string, modTime time.Time) error {
	storeRef := a.storeRef(store)

	if store == nil {
		// Nothing in the catalog yet; the first event creates the store.
		return a.publishEvent(ctx, reconcile.RequestInsert, storeRef,
			&catalog.FilePath{RelativePath: dir},
			&catalog.FileItem{Filename: name, CreatedDate: modTime, LastModifiedDate: modTime})
	}

	filePath, err := a.cat.Paths.FindByStoreAndPath(ctx, store.ID, dir)
	if err != nil {
		return fmt.Errorf("find path: %w", err)
	}
	pathRef := &catalog.FilePath{RelativePath: dir}
	if filePath != nil {
		pathRef = filePath
	}

	var item *catalog.FileItem
	if filePath != nil {
		item, err = a.cat.Items.FindByPathAndFilename(ctx, filePath.ID, name)
		if err != nil {
			return fmt.Errorf("find item: %w", err)
		}
	}

	if item == nil {
		return a.publishEvent(ctx, reconcile.RequestInsert, storeRef, pathRef,
			&catalog.FileItem{Filename: name, CreatedDate: modTime, LastModifiedDate: modTime})
	}

	// Filesystems and the catalog round timestamps differently; compare
	// at second precision.
	if modTime.Truncate(time.Second).After(item.LastModifiedDate.Truncate(time.Second)) {
		item.LastModifiedDate = modTime
		return a.publishEvent(ctx, reconcile.RequestUpdate, storeRef, pathRef, item)
	}
	return nil
}

// publishDeletes emits a delete for every catalog item under the store
// that the walk did not see.
func (a *Agent) publishDeletes(ctx context.Context, store *catalog.FileStore, seen map[string]map[string]bool) error {
	paths, err := a.cat.Paths.ListByStore(ctx, store.ID)
	if err != nil {
		return fmt.Errorf("list paths: %w", err)
	}
	for _, filePath := range paths {
		items, err := a.cat.Items.ListByPath(ctx, filePath.ID)
		if err != nil {
			return fmt.Errorf("list items: %w", err)
		}
		for _, item := range items {
			if seen[filePath.RelativePath][item.Filename] {
				continue
			}
			if err := a.publishEvent(ctx, reconcile.RequestDelete, store, filePath, item); err != nil {
				return err
			}
		}
	}
	return nil
}

// storeRef returns the event's store ref: the catalog row when known,
// otherwise the configured attributes for the service to create it.
func (a *Agent) storeRef(store *catalog.FileStore) *catalog.FileStore {
	if store != nil {
		return store
	}
	baseURI := a.cfg.BaseURI
	if baseURI == "" {
		baseURI = a.root
	}
	return &catalog.FileStore{
		Nickname:     a.cfg.StoreNickname,
		BaseURI:      baseURI,
		LocalBaseURI: a.cfg.LocalBaseURI,
	}
}

func (a *Agent) publishEvent(ctx context.Context, op reconcile.RequestType, store *catalog.FileStore, filePath *catalog.FilePath, item *catalog.FileItem) error {
	ev := reconcile.ChangeEvent{
		FileStore:   store,
		FilePath:    filePath,
		FileItem:    item,
		RequestType: op,
		WalkerJob:   reconcile.WalkerJob{WalkerInstanceToken: a.token},
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := a.events.Publish(ctx, body); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	logging.Debug("published change event",
		zap.String("operation", string(op)),
		zap.String("relative_path", filePath.RelativePath),
		zap.String("filename", item.Filename))
	return nil
}

// reportStatus publishes one liveness report. Until the store exists in
// the catalog there is nothing to report against, so the report is
// skipped.
func (a *Agent) reportStatus(ctx context.Context) {
	store, err := a.cat.Stores.FindByNickname(ctx, a.cfg.StoreNickname)
	if err != nil {
		logging.Warn("status report skipped", zap.Error(err))
		return
	}
	if store == nil {
		return
	}
	report := liveness.StatusReport{
		WalkerInstanceToken: a.token,
		FileStoreID:         store.ID,
		Ready:               a.ready.Load(),
	}
	body, err := json.Marshal(report)
	if err != nil {
		logging.Error("marshal status report", zap.Error(err))
		return
	}
	if err := a.status.Publish(ctx, body); err != nil {
		logging.Warn("publish status report failed", zap.Error(err))
	}
}
