// Package listener drains the ingress queues with a worker pool and
// dispatches messages to the reconciliation engine and the liveness
// tracker.
//
// Acknowledgement policy: a message that cannot succeed on retry
// (unparseable JSON, structurally malformed payload) is acked and
// dropped after logging; a message that failed on a transient error is
// nacked for redelivery. Workers never crash on a bad message.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/filegrove/filegrove/internal/catalog"
	"github.com/filegrove/filegrove/internal/liveness"
	"github.com/filegrove/filegrove/internal/logging"
	"github.com/filegrove/filegrove/internal/metrics"
	"github.com/filegrove/filegrove/internal/reconcile"
	"github.com/filegrove/filegrove/internal/transport"
)

// Reconciler applies one change event. Implemented by reconcile.Engine.
type Reconciler interface {
	Reconcile(ctx context.Context, ev *reconcile.ChangeEvent) (*catalog.FileItem, error)
}

// Reporter ingests one walker status report. Implemented by
// liveness.Tracker.
type Reporter interface {
	HandleReport(ctx context.Context, report *liveness.StatusReport) error
}

// Listener runs the ingress worker pools.
type Listener struct {
	requests transport.Consumer
	status   transport.Consumer
	engine   Reconciler
	tracker  Reporter
	workers  int
}

// New creates a Listener draining the change-event and status-report
// queues with the given number of workers per queue.
func New(requests, status transport.Consumer, engine Reconciler, tracker Reporter, workers int) *Listener {
	if workers < 1 {
		workers = 1
	}
	return &Listener{
		requests: requests,
		status:   status,
		engine:   engine,
		tracker:  tracker,
		workers:  workers,
	}
}

// Run starts the worker pools and blocks until the context is done and
// every worker has finished its current message.
func (l *Listener) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < l.workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.drain(ctx, l.requests, transport.FileStoreRequestQueue, l.handleEvent)
		}()
		go func() {
			defer wg.Done()
			l.drain(ctx, l.status, transport.WalkerStatusQueue, l.handleReport)
		}()
	}
	wg.Wait()
}

// drain receives from one queue until the context is done. The handler
// reports whether the failure is permanent; permanent failures are
// acked so they are not redelivered.
func (l *Listener) drain(ctx context.Context, c transport.Consumer, queue string, handle func(context.Context, []byte) (permanent bool, err error)) {
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error("receive failed", zap.String("queue", queue), zap.Error(err))
			continue
		}

		permanent, err := handle(ctx, msg.Body)
		switch {
		case err == nil:
			l.finish(c, queue, msg.ID, "ok")
		case permanent:
			logging.Warn("dropping message",
				zap.String("queue", queue),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			l.finish(c, queue, msg.ID, "rejected")
		default:
			logging.Error("message failed, will redeliver",
				zap.String("queue", queue),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			if nerr := c.Nack(msg.ID); nerr != nil {
				logging.Error("nack failed", zap.String("queue", queue), zap.Error(nerr))
			}
			metrics.RecordMessage(queue, "retried")
		}
	}
}

func (l *Listener) finish(c transport.Consumer, queue, id, result string) {
	if err := c.Ack(id); err != nil {
		logging.Error("ack failed", zap.String("queue", queue), zap.Error(err))
	}
	metrics.RecordMessage(queue, result)
}

func (l *Listener) handleEvent(ctx context.Context, body []byte) (bool, error) {
	var ev reconcile.ChangeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return true, err
	}
	item, err := l.engine.Reconcile(ctx, &ev)
	if err != nil {
		return errors.Is(err, reconcile.ErrMalformedEvent), err
	}
	if item != nil && item.ID != "" {
		logging.Debug("reconciled change event",
			zap.String("operation", string(ev.RequestType)),
			zap.String("item_id", item.ID),
			zap.String("filename", item.Filename))
	}
	return false, nil
}

func (l *Listener) handleReport(ctx context.Context, body []byte) (bool, error) {
	var report liveness.StatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return true, err
	}
	if err := l.tracker.HandleReport(ctx, &report); err != nil {
		return errors.Is(err, liveness.ErrMalformedReport), err
	}
	return false, nil
}
