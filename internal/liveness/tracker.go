// Package liveness tracks walker agent liveness per (token, store) key.
//
// Every status report upserts the walker's row. After each report the
// tracker applies two time-windowed policies for the reporting store:
// walkers silent beyond the disconnect window are demoted to not-ready,
// and walkers silent beyond the longer cutoff window are purged. The
// disconnect pass always runs before the purge pass, so demotion is
// never skipped for rows about to be removed.
package liveness

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

// ErrMalformedReport marks a status report missing its walker token or
// store identifier. Such reports are rejected without a catalog write
// and must not be redelivered.
var ErrMalformedReport = errors.New("liveness: malformed status report")

// StatusReport is one ingress liveness report from a walker.
type StatusReport struct {
	WalkerInstanceToken string `json:"walkerInstanceToken"`
	FileStoreID         string `json:"fileStoreId"`
	Ready               bool   `json:"ready"`
}

// Tracker maintains walker liveness records.
type Tracker struct {
	walkers          catalog.StatusWalkers
	disconnectWindow time.Duration
	cutoffWindow     time.Duration
	now              func() time.Time
}

// New creates a Tracker. The cutoff window must exceed the disconnect
// window; configuration validates that invariant.
func New(walkers catalog.StatusWalkers, disconnectWindow, cutoffWindow time.Duration) *Tracker {
	return &Tracker{
		walkers:          walkers,
		disconnectWindow: disconnectWindow,
		cutoffWindow:     cutoffWindow,
		now:              time.Now,
	}
}

// WithClock overrides the tracker's clock. Intended for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// HandleReport upserts the reporting walker's row and then applies the
// disconnect and purge policies for the reporting store. Reports are
// monotonically informative, so last-writer-wins on concurrent upserts
// for the same key is correct.
func (t *Tracker) HandleReport(ctx context.Context, report *StatusReport) error {
	if report == nil || report.WalkerInstanceToken == "" || report.FileStoreID == "" {
		return ErrMalformedReport
	}
	now := t.now()

	walker, err := t.walkers.FindByTokenAndStore(ctx, report.WalkerInstanceToken, report.FileStoreID)
	if err != nil {
		return fmt.Errorf("find status walker: %w", err)
	}
	if walker == nil {
		walker = &catalog.StatusWalker{
			WalkerInstanceToken: report.WalkerInstanceToken,
			FileStoreID:         report.FileStoreID,
		}
		logging.Info("new walker reported",
			zap.String("token", report.WalkerInstanceToken),
			zap.String("store_id", report.FileStoreID))
	}
	walker.Ready = report.Ready
	walker.LastActiveDate = now
	if err := t.walkers.Save(ctx, walker); err != nil {
		return fmt.Errorf("save status walker: %w", err)
	}
	metrics.RecordWalkerTransition("report")

	if err := t.disconnectStale(ctx, report.FileStoreID, now); err != nil {
		return err
	}
	return t.purgeStale(ctx, report.FileStoreID, now)
}

// Touch refreshes the liveness record for (token, store) after a
// successful reconciliation. A record that does not exist yet is
// created ready, so a change event arriving before the walker's first
// status report still registers it.
func (t *Tracker) Touch(ctx context.Context, token, storeID string) error {
	if token == "" || storeID == "" {
		return nil
	}
	walker, err := t.walkers.FindByTokenAndStore(ctx, token, storeID)
	if err != nil {
		return fmt.Errorf("find status walker: %w", err)
	}
	if walker == nil {
		walker = &catalog.StatusWalker{
			WalkerInstanceToken: token,
			FileStoreID:         storeID,
			Ready:               true,
		}
	}
	walker.LastActiveDate = t.now()
	if err := t.walkers.Save(ctx, walker); err != nil {
		return fmt.Errorf("save status walker: %w", err)
	}
	return nil
}

// disconnectStale demotes every walker for the store that has been
// silent beyond the disconnect window. Idempotent for rows already
// demoted.
func (t *Tracker) disconnectStale(ctx context.Context, storeID string, now time.Time) error {
	stale, err := t.walkers.FindStale(ctx, storeID, now.Add(-t.disconnectWindow))
	if err != nil {
		return fmt.Errorf("find disconnected walkers: %w", err)
	}
	for _, walker := range stale {
		if !walker.Ready {
			continue
		}
		walker.Ready = false
		if err := t.walkers.Save(ctx, walker); err != nil {
			return fmt.Errorf("disconnect walker: %w", err)
		}
		metrics.RecordWalkerTransition("disconnect")
		logging.Info("walker disconnected",
			zap.String("token", walker.WalkerInstanceToken),
			zap.String("store_id", storeID),
			zap.Time("last_active", walker.LastActiveDate))
	}
	return nil
}

// purgeStale removes, in one batch, every walker for the store that
// has been silent beyond the cutoff window. A purged walker that
// reports again is recreated fresh.
func (t *Tracker) purgeStale(ctx context.Context, storeID string, now time.Time) error {
	n, err := t.walkers.DeleteOlderThan(ctx, storeID, now.Add(-t.cutoffWindow))
	if err != nil {
		return fmt.Errorf("purge walkers: %w", err)
	}
	if n > 0 {
		for i := int64(0); i < n; i++ {
			metrics.RecordWalkerTransition("purge")
		}
		logging.Info("purged stale walkers",
			zap.String("store_id", storeID),
			zap.Int64("count", n))
	}
	return nil
}
