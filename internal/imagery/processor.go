package imagery

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/filegrove/filegrove/internal/catalog"
	"github.com/filegrove/filegrove/internal/logging"
	"github.com/filegrove/filegrove/internal/metrics"
	"github.com/filegrove/filegrove/internal/reconcile"
	"github.com/filegrove/filegrove/internal/storage"
	"github.com/filegrove/filegrove/internal/transport"
)

// BackendResolver maps a store to its content backend. Implemented by
// storage.Resolver.
type BackendResolver interface {
	For(ctx context.Context, store *catalog.FileStore) (storage.Backend, error)
}

// Options controls the processing stage.
type Options struct {
	Workers           int
	ThumbnailSize     int
	ThumbnailGenerate bool
}

// Processor consumes forwarded processing jobs and extracts image
// metadata, optionally storing a thumbnail on the item.
type Processor struct {
	cat      catalog.Catalog
	resolver BackendResolver
	meta     MetadataWriter
	jobs     transport.Consumer
	opts     Options
}

// NewProcessor creates a Processor draining the processing-job queue.
func NewProcessor(cat catalog.Catalog, resolver BackendResolver, meta MetadataWriter, jobs transport.Consumer, opts Options) *Processor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ThumbnailSize < 1 {
		opts.ThumbnailSize = 200
	}
	return &Processor{
		cat:      cat,
		resolver: resolver,
		meta:     meta,
		jobs:     jobs,
		opts:     opts,
	}
}

// Run starts the worker pool and blocks until the context is done.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.drain(ctx)
		}()
	}
	wg.Wait()
}

func (p *Processor) drain(ctx context.Context) {
	for {
		msg, err := p.jobs.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error("receive processing job failed", zap.Error(err))
			continue
		}

		result, err := p.process(ctx, msg.Body)
		if err != nil {
			logging.Error("processing job failed, will redeliver",
				zap.String("message_id", msg.ID), zap.Error(err))
			if nerr := p.jobs.Nack(msg.ID); nerr != nil {
				logging.Error("nack processing job failed", zap.Error(nerr))
			}
			metrics.RecordImageProcessed("retried")
			continue
		}
		if aerr := p.jobs.Ack(msg.ID); aerr != nil {
			logging.Error("ack processing job failed", zap.Error(aerr))
		}
		metrics.RecordImageProcessed(result)
	}
}

// process handles one job and returns its outcome label. An error means
// a transient failure that should be redelivered; every permanent
// outcome (including skips) returns nil.
func (p *Processor) process(ctx context.Context, body []byte) (string, error) {
	var job reconcile.ProcessingJob
	if err := json.Unmarshal(body, &job); err != nil {
		logging.Warn("dropping unparseable processing job", zap.Error(err))
		return "rejected", nil
	}
	if job.FileItem == nil || job.FileItem.ID == "" {
		logging.Warn("dropping processing job without item ref")
		return "rejected", nil
	}
	if job.Config.Target != reconcile.TargetImages {
		return "skipped", nil
	}
	// Deletes need no work here: the metadata row cascades away with
	// the item.
	if job.RequestType == reconcile.RequestDelete {
		return "skipped", nil
	}

	item, err := p.cat.Items.FindByID(ctx, job.FileItem.ID)
	if err != nil {
		return "", err
	}
	if item == nil {
		// Item deleted between forwarding and processing.
		return "skipped", nil
	}
	if !isImageFilename(item.Filename) {
		return "skipped", nil
	}

	filePath, err := p.cat.Paths.FindByID(ctx, item.FileStorePathID)
	if err != nil {
		return "", err
	}
	if filePath == nil {
		logging.Warn("processing job item has no path", zap.String("item_id", item.ID))
		return "rejected", nil
	}
	store, err := p.cat.Stores.FindByID(ctx, filePath.FileStoreID)
	if err != nil {
		return "", err
	}
	if store == nil {
		logging.Warn("processing job item has no store", zap.String("item_id", item.ID))
		return "rejected", nil
	}

	backend, err := p.resolver.For(ctx, store)
	if err != nil {
		return "", err
	}
	data, err := backend.Fetch(ctx, path.Join(filePath.RelativePath, item.Filename))
	if err != nil {
		return "", err
	}

	exifData, err := ExtractExif(bytes.NewReader(data))
	if err != nil {
		exifData = &ExifData{Orientation: 1}
	}
	if exifData.Width == 0 || exifData.Height == 0 {
		if w, h, err := ImageDimensions(data); err == nil {
			exifData.Width, exifData.Height = w, h
		}
	}
	if err := p.meta.Upsert(ctx, item.ID, exifData); err != nil {
		return "", err
	}

	if p.opts.ThumbnailGenerate {
		thumb, err := GenerateThumbnail(data, exifData.Orientation, p.opts.ThumbnailSize)
		if err != nil {
			// Not decodable as an image; metadata alone is fine.
			logging.Debug("thumbnail skipped",
				zap.String("item_id", item.ID),
				zap.String("filename", item.Filename),
				zap.Error(err))
			return "ok", nil
		}
		if err := p.cat.Items.SaveThumbnail(ctx, item.ID, thumb); err != nil {
			return "", err
		}
		metrics.RecordThumbnailGenerated()
	}

	logging.Debug("processed image",
		zap.String("item_id", item.ID),
		zap.String("filename", item.Filename),
		zap.Int("width", exifData.Width),
		zap.Int("height", exifData.Height))
	return "ok", nil
}

// isImageFilename reports whether the filename looks like a supported
// image type.
func isImageFilename(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".tif", ".tiff":
		return true
	}
	return false
}
