// Package forward emits follow-on messages to the downstream queues.
package forward

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/filegrove/filegrove/internal/logging"
	"github.com/filegrove/filegrove/internal/reconcile"
	"github.com/filegrove/filegrove/internal/transport"
)

// Forwarder publishes processing jobs to the file-processing-job
// queue. It is a thin wrapper over the transport; a send failure after
// catalog writes is retryable at the transport level, since the
// catalog remains the source of truth.
type Forwarder struct {
	jobs transport.Publisher
}

// New creates a Forwarder over the given publisher.
func New(jobs transport.Publisher) *Forwarder {
	return &Forwarder{jobs: jobs}
}

// Forward marshals and publishes one processing job.
func (f *Forwarder) Forward(ctx context.Context, job reconcile.ProcessingJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal processing job: %w", err)
	}
	if err := f.jobs.Publish(ctx, body); err != nil {
		return fmt.Errorf("publish processing job: %w", err)
	}
	logging.Debug("forwarded processing job",
		zap.String("operation", string(job.RequestType)),
		zap.String("item_id", job.FileItem.ID),
		zap.String("filename", job.FileItem.Filename))
	return nil
}
