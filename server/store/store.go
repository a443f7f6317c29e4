// Package store persists consumers, queue samples, job history, report
// summaries and JSON blobs. Two implementations share the Store interface:
// Postgres for production and an in-process one for development and tests.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/gridops/abmonitor/model"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// ConsumerUpdate mutates a consumer inside the store transaction.
type ConsumerUpdate func(c *model.Consumer) error

type Store interface {
	// UpsertConsumer creates or replaces the heartbeat fields of a consumer,
	// keeping its counters and average.
	UpsertConsumer(ctx context.Context, hb model.Heartbeat, now time.Time) error
	// UpdateConsumer applies fn to the stored consumer atomically.
	// ErrNotFound is returned when the consumer does not exist.
	UpdateConsumer(ctx context.Context, id string, fn ConsumerUpdate) error
	// DeleteConsumersBefore removes consumers whose last heartbeat is older than t.
	DeleteConsumersBefore(ctx context.Context, t time.Time) (int64, error)
	// ConsumersSince lists consumers whose last heartbeat is after t, newest first.
	ConsumersSince(ctx context.Context, t time.Time) ([]model.Consumer, error)

	InsertQueueSample(ctx context.Context, s model.QueueSample) error
	// TrimQueueSamples keeps only the newest keep samples of kind.
	TrimQueueSamples(ctx context.Context, kind model.EntityKind, keep int) (int64, error)
	// LatestQueueSamples returns the newest sample of each kind that has one.
	LatestQueueSamples(ctx context.Context, kinds []model.EntityKind) (map[model.EntityKind]model.QueueSample, error)
	// QueueSamplesSince lists samples of kind recorded after t, oldest first.
	QueueSamplesSince(ctx context.Context, kind model.EntityKind, t time.Time) ([]model.QueueSample, error)
	CountQueueSamples(ctx context.Context, kind model.EntityKind) (int, error)

	InsertHistory(ctx context.Context, e model.HistoryEntry) (int64, error)
	DeleteHistoryBefore(ctx context.Context, t time.Time) (int64, error)
	// RecentHistory lists completions newest first by completion time.
	RecentHistory(ctx context.Context, limit int) ([]model.HistoryEntry, error)
	CountSuccessSince(ctx context.Context, t time.Time) (int, error)
	// SlowestSuccesses lists successful completions by duration descending,
	// then completion time ascending, then id ascending.
	SlowestSuccesses(ctx context.Context, limit int) ([]model.HistoryEntry, error)

	InsertSummary(ctx context.Context, s model.OptimizationSummary) error
	DeleteSummariesBefore(ctx context.Context, t time.Time) (int64, error)
	// SummariesSince lists summaries generated after t, oldest first.
	SummariesSince(ctx context.Context, t time.Time) ([]model.OptimizationSummary, error)

	// SaveBlob stores src encoded as JSON under key.
	SaveBlob(ctx context.Context, key string, src any) error
	// LoadBlob decodes the blob stored under key into dest, ErrNotFound if absent.
	LoadBlob(ctx context.Context, key string, dest any) error

	Close() error
}

// slowestFirst orders successful completions the way SlowestSuccesses does.
func slowestFirst(entries []model.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.DurationMs != b.DurationMs {
			return a.DurationMs > b.DurationMs
		}
		if !a.CompletedAt.Equal(b.CompletedAt) {
			return a.CompletedAt.Before(b.CompletedAt)
		}
		return a.ID < b.ID
	})
}
