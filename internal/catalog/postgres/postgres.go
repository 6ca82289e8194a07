// Package postgres provides the PostgreSQL-backed catalog with metrics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/filegrove/filegrove/internal/catalog"
	"github.com/filegrove/filegrove/internal/logging"
	"github.com/filegrove/filegrove/internal/metrics"
)

// Store is a PostgreSQL catalog store.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL catalog store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
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

// mapWriteErr converts unique-constraint violations into
// catalog.ErrConflict so callers can recover by re-reading the winner.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return catalog.ErrConflict
	}
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// ─── FileStores ─────────────────────────────────────────────────────────────

type fileStores Store

func (s *fileStores) FindByID(ctx context.Context, id string) (*catalog.FileStore, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_store_by_id", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, nickname, base_uri, local_base_uri, latest_refresh
		 FROM file_stores WHERE id = $1`, id)
	return scanFileStore(row)
}

func (s *fileStores) FindByNickname(ctx context.Context, nickname string) (*catalog.FileStore, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_store_by_nickname", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, nickname, base_uri, local_base_uri, latest_refresh
		 FROM file_stores WHERE nickname = $1`, nickname)
	return scanFileStore(row)
}

func (s *fileStores) Save(ctx context.Context, store *catalog.FileStore) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_store_save", time.Since(start)) }()

	if store.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		store.ID = id
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_stores (id, nickname, base_uri, local_base_uri, latest_refresh)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			nickname = $2, base_uri = $3, local_base_uri = $4, latest_refresh = $5`,
		store.ID, store.Nickname, store.BaseURI, store.LocalBaseURI, nullTime(store.LatestRefresh))
	if err != nil {
		return fmt.Errorf("save file store: %w", mapWriteErr(err))
	}
	return nil
}

func scanFileStore(row *sql.Row) (*catalog.FileStore, error) {
	var fs catalog.FileStore
	var refresh sql.NullTime
	err := row.Scan(&fs.ID, &fs.Nickname, &fs.BaseURI, &fs.LocalBaseURI, &refresh)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan file store: %w", err)
	}
	if refresh.Valid {
		fs.LatestRefresh = refresh.Time
	}
	return &fs, nil
}

// ─── FilePaths ──────────────────────────────────────────────────────────────

type filePaths Store

func (s *filePaths) FindByID(ctx context.Context, id string) (*catalog.FilePath, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_path_by_id", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_store_id, relative_path FROM file_paths WHERE id = $1`, id)
	return scanFilePath(row)
}

func (s *filePaths) FindByStoreAndPath(ctx context.Context, storeID, relativePath string) (*catalog.FilePath, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_path_by_natural_key", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_store_id, relative_path
		 FROM file_paths WHERE file_store_id = $1 AND relative_path = $2`,
		storeID, relativePath)
	return scanFilePath(row)
}

func (s *filePaths) ListByStore(ctx context.Context, storeID string) ([]*catalog.FilePath, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_paths_by_store", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_store_id, relative_path
		 FROM file_paths WHERE file_store_id = $1 ORDER BY relative_path`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list file paths: %w", err)
	}
	defer rows.Close()

	var paths []*catalog.FilePath
	for rows.Next() {
		var fp catalog.FilePath
		if err := rows.Scan(&fp.ID, &fp.FileStoreID, &fp.RelativePath); err != nil {
			return nil, fmt.Errorf("scan file path: %w", err)
		}
		paths = append(paths, &fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list file paths: %w", err)
	}
	return paths, nil
}

func (s *filePaths) Save(ctx context.Context, path *catalog.FilePath) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_path_save", time.Since(start)) }()

	if path.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		path.ID = id
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_paths (id, file_store_id, relative_path)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET file_store_id = $2, relative_path = $3`,
		path.ID, path.FileStoreID, path.RelativePath)
	if err != nil {
		return fmt.Errorf("save file path: %w", mapWriteErr(err))
	}
	return nil
}

func scanFilePath(row *sql.Row) (*catalog.FilePath, error) {
	var fp catalog.FilePath
	err := row.Scan(&fp.ID, &fp.FileStoreID, &fp.RelativePath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan file path: %w", err)
	}
	return &fp, nil
}

// ─── FileItems ──────────────────────────────────────────────────────────────

type fileItems Store

const fileItemColumns = `id, file_store_path_id, filename, file_entity_id, created_date, last_modified_date, thumbnail`

func (s *fileItems) FindByID(ctx context.Context, id string) (*catalog.FileItem, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_item_by_id", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileItemColumns+` FROM file_items WHERE id = $1`, id)
	return scanFileItem(row)
}

func (s *fileItems) FindByPathAndFilename(ctx context.Context, pathID, filename string) (*catalog.FileItem, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_item_by_path_filename", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileItemColumns+` FROM file_items
		 WHERE file_store_path_id = $1 AND filename = $2`, pathID, filename)
	return scanFileItem(row)
}

func (s *fileItems) ListByPath(ctx context.Context, pathID string) ([]*catalog.FileItem, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_items_by_path", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileItemColumns+` FROM file_items
		 WHERE file_store_path_id = $1 ORDER BY filename`, pathID)
	if err != nil {
		return nil, fmt.Errorf("list file items: %w", err)
	}
	defer rows.Close()

	var items []*catalog.FileItem
	for rows.Next() {
		item, err := scanFileItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list file items: %w", err)
	}
	return items, nil
}

func (s *fileItems) Save(ctx context.Context, item *catalog.FileItem) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_item_save", time.Since(start)) }()

	if item.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		item.ID = id
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_items (id, file_store_path_id, filename, file_entity_id, created_date, last_modified_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			file_store_path_id = $2, filename = $3, file_entity_id = $4,
			created_date = $5, last_modified_date = $6`,
		item.ID, nullString(item.FileStorePathID), item.Filename, nullString(item.FileEntityID),
		nullTime(item.CreatedDate), nullTime(item.LastModifiedDate))
	if err != nil {
		return fmt.Errorf("save file item: %w", mapWriteErr(err))
	}
	return nil
}

func (s *fileItems) SaveThumbnail(ctx context.Context, id string, thumbnail []byte) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_item_thumbnail", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`UPDATE file_items SET thumbnail = $2 WHERE id = $1`, id, thumbnail)
	if err != nil {
		return fmt.Errorf("save thumbnail: %w", err)
	}
	return nil
}

func (s *fileItems) Delete(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_item_delete", time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete file item: %w", err)
	}
	return nil
}

func scanFileItem(row interface{ Scan(...any) error }) (*catalog.FileItem, error) {
	var fi catalog.FileItem
	var pathID, entityID sql.NullString
	var created, modified sql.NullTime
	err := row.Scan(&fi.ID, &pathID, &fi.Filename, &entityID, &created, &modified, &fi.Thumbnail)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan file item: %w", err)
	}
	fi.FileStorePathID = pathID.String
	fi.FileEntityID = entityID.String
	if created.Valid {
		fi.CreatedDate = created.Time
	}
	if modified.Valid {
		fi.LastModifiedDate = modified.Time
	}
	return &fi, nil
}

// ─── FileEntities ───────────────────────────────────────────────────────────

type fileEntities Store

func (s *fileEntities) FindByID(ctx context.Context, id string) (*catalog.FileEntity, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_entity_by_id", time.Since(start)) }()

	var fe catalog.FileEntity
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM file_entities WHERE id = $1`, id).Scan(&fe.ID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan file entity: %w", err)
	}
	return &fe, nil
}

func (s *fileEntities) Save(ctx context.Context, entity *catalog.FileEntity) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_entity_save", time.Since(start)) }()

	if entity.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		entity.ID = id
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_entities (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		entity.ID)
	if err != nil {
		return fmt.Errorf("save file entity: %w", err)
	}
	return nil
}

func (s *fileEntities) Delete(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_entity_delete", time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_entities WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete file entity: %w", err)
	}
	return nil
}

// ─── StatusWalkers ──────────────────────────────────────────────────────────

type statusWalkers Store

func (s *statusWalkers) FindByTokenAndStore(ctx context.Context, token, storeID string) (*catalog.StatusWalker, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("status_walker_by_key", time.Since(start)) }()

	var sw catalog.StatusWalker
	err := s.db.QueryRowContext(ctx,
		`SELECT walker_instance_token, file_store_id, ready, last_active_date
		 FROM status_walkers WHERE walker_instance_token = $1 AND file_store_id = $2`,
		token, storeID).
		Scan(&sw.WalkerInstanceToken, &sw.FileStoreID, &sw.Ready, &sw.LastActiveDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan status walker: %w", err)
	}
	return &sw, nil
}

func (s *statusWalkers) Save(ctx context.Context, walker *catalog.StatusWalker) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("status_walker_save", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_walkers (walker_instance_token, file_store_id, ready, last_active_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (walker_instance_token, file_store_id) DO UPDATE SET
			ready = $3, last_active_date = $4`,
		walker.WalkerInstanceToken, walker.FileStoreID, walker.Ready, walker.LastActiveDate)
	if err != nil {
		return fmt.Errorf("save status walker: %w", err)
	}
	return nil
}

func (s *statusWalkers) FindStale(ctx context.Context, storeID string, olderThan time.Time) ([]*catalog.StatusWalker, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("status_walkers_stale", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT walker_instance_token, file_store_id, ready, last_active_date
		 FROM status_walkers WHERE file_store_id = $1 AND last_active_date < $2`,
		storeID, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stale walkers: %w", err)
	}
	defer rows.Close()

	var walkers []*catalog.StatusWalker
	for rows.Next() {
		var sw catalog.StatusWalker
		if err := rows.Scan(&sw.WalkerInstanceToken, &sw.FileStoreID, &sw.Ready, &sw.LastActiveDate); err != nil {
			return nil, fmt.Errorf("scan status walker: %w", err)
		}
		walkers = append(walkers, &sw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find stale walkers: %w", err)
	}
	return walkers, nil
}

func (s *statusWalkers) DeleteOlderThan(ctx context.Context, storeID string, olderThan time.Time) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("status_walkers_purge", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM status_walkers WHERE file_store_id = $1 AND last_active_date < $2`,
		storeID, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge stale walkers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge stale walkers: %w", err)
	}
	return n, nil
}

// ─── helpers ────────────────────────────────────────────────────────────────

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
