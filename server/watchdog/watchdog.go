package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server/history"
	"github.com/gridops/abmonitor/server/metrics"
	"github.com/gridops/abmonitor/server/store"
)

const (
	DefaultOfflineTimeout = 30 * time.Second
	DefaultPurgeTimeout   = 5 * time.Minute
)

// Watchdog tracks consumer liveness. Offline is never stored: it is derived
// from the heartbeat age each time consumers are listed, and stale rows are
// purged during that same listing.
type Watchdog struct {
	db      store.Store
	history *history.Store
	metrics *metrics.Collector

	offlineTimeout time.Duration
	purgeTimeout   time.Duration

	now func() time.Time
}

func NewWatchdog(db store.Store, h *history.Store, m *metrics.Collector, offlineTimeout, purgeTimeout time.Duration) *Watchdog {
	if offlineTimeout <= 0 {
		offlineTimeout = DefaultOfflineTimeout
	}
	if purgeTimeout <= 0 {
		purgeTimeout = DefaultPurgeTimeout
	}
	return &Watchdog{
		db:             db,
		history:        h,
		metrics:        m,
		offlineTimeout: offlineTimeout,
		purgeTimeout:   purgeTimeout,
		now:            time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// RecordHeartbeat upserts the consumer and resets its last heartbeat to now.
// Required fields are checked by the caller.
func (w *Watchdog) RecordHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	if err := w.db.UpsertConsumer(ctx, hb, w.now()); err != nil {
		return err
	}
	w.metrics.Heartbeat(hb.ProcessMethod)
	return nil
}

// RecordJobComplete stores the completion in the history then folds it into the
// consumer counters and running average, and puts the consumer back to idle.
// The priority flag is cleared whatever the job was.
func (w *Watchdog) RecordJobComplete(ctx context.Context, j model.JobCompletion) error {
	if _, err := w.history.RecordCompletion(ctx, j); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	w.metrics.JobCompleted(j.Status, time.Duration(j.DurationMs)*time.Millisecond)

	err := w.db.UpdateConsumer(ctx, j.ConsumerID, func(c *model.Consumer) error {
		ApplyCompletion(c, j)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// purged or never sent a heartbeat: the history entry is enough
		log.Printf("⚠️ [watchdog] job completion from unknown consumer %s (scene %s)", j.ConsumerID, j.SceneID)
		return nil
	}
	return err
}

// ApplyCompletion folds one completed job into c.
func ApplyCompletion(c *model.Consumer, j model.JobCompletion) {
	prior := int64(c.JobsCompleted + c.JobsFailed)
	c.AvgProcessingTimeMs = int64(math.Round(float64(c.AvgProcessingTimeMs*prior+j.DurationMs) / float64(prior+1)))
	if j.Succeeded() {
		c.JobsCompleted++
	} else {
		c.JobsFailed++
	}
	c.Status = model.StatusIdle
	c.CurrentSceneID = ""
	c.CurrentStep = ""
	c.ProgressPercent = 0
	c.StartedAt = nil
	c.IsPriority = false
	c.LastJobStatus = j.Status
}

// ListConsumers purges consumers silent for longer than the purge timeout and
// returns the others, shown offline past the offline timeout.
func (w *Watchdog) ListConsumers(ctx context.Context) ([]model.Consumer, error) {
	now := w.now()
	cutoff := now.Add(-w.purgeTimeout)
	purged, err := w.db.DeleteConsumersBefore(ctx, cutoff)
	if err != nil {
		// listing still works, the purge is attempted again next time
		log.Printf("⚠️ [watchdog] failed to purge stale consumers: %v", err)
	} else if purged > 0 {
		log.Printf("[watchdog] purged %d consumers silent for more than %s", purged, w.purgeTimeout)
		w.metrics.ConsumersPurged(purged)
	}

	consumers, err := w.db.ConsumersSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list consumers: %w", err)
	}
	byStatus := make(map[string]int)
	for i := range consumers {
		if w.IsOffline(consumers[i], now) {
			consumers[i].Status = model.StatusOffline
		}
		byStatus[string(consumers[i].Status)]++
	}
	w.metrics.Consumers(byStatus)
	return consumers, nil
}

// IsOffline reports whether the last heartbeat of c is older than the offline timeout.
func (w *Watchdog) IsOffline(c model.Consumer, now time.Time) bool {
	return now.Sub(c.LastHeartbeat) > w.offlineTimeout
}
