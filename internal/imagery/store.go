package imagery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/filegrove/filegrove/internal/metrics"
)

// MetadataWriter persists extracted image metadata.
type MetadataWriter interface {
	Upsert(ctx context.Context, itemID string, data *ExifData) error
}

// MetadataStore writes image metadata rows to PostgreSQL. Rows are
// keyed by file item and cascade-deleted with it.
type MetadataStore struct {
	db *sql.DB
}

// NewMetadataStore creates a MetadataStore over an open database.
func NewMetadataStore(db *sql.DB) *MetadataStore {
	return &MetadataStore{db: db}
}

// Upsert writes the metadata row for an item, replacing any previous
// extraction.
func (s *MetadataStore) Upsert(ctx context.Context, itemID string, data *ExifData) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_metadata (
			file_item_id, width, height, camera_make, camera_model,
			iso, aperture, date_taken, latitude, longitude, orientation, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (file_item_id) DO UPDATE SET
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			camera_make = EXCLUDED.camera_make,
			camera_model = EXCLUDED.camera_model,
			iso = EXCLUDED.iso,
			aperture = EXCLUDED.aperture,
			date_taken = EXCLUDED.date_taken,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			orientation = EXCLUDED.orientation,
			updated_at = NOW()`,
		itemID, data.Width, data.Height, data.CameraMake, data.CameraModel,
		data.ISO, data.Aperture, data.DateTaken, data.Latitude, data.Longitude,
		data.Orientation)
	metrics.RecordDBQuery("image_metadata_upsert", time.Since(start))
	if err != nil {
		return fmt.Errorf("upsert image metadata: %w", err)
	}
	return nil
}
