// Package history records job completions with a 24 hour retention and
// derives the recent list, the hourly throughput and the slowest job ranking.
package history

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server/store"
)

const (
	Retention      = 24 * time.Hour
	DefaultLimit   = 20
	throughputSpan = time.Hour
)

type Store struct {
	db  store.Store
	now func() time.Time
}

func New(db store.Store) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// RecordCompletion appends the completion and prunes entries created more than 24h ago.
func (s *Store) RecordCompletion(ctx context.Context, j model.JobCompletion) (model.HistoryEntry, error) {
	now := s.now()
	e := model.NewHistoryEntry(j, now)
	id, err := s.db.InsertHistory(ctx, e)
	if err != nil {
		return e, err
	}
	e.ID = id
	if n, err := s.db.DeleteHistoryBefore(ctx, now.Add(-Retention)); err != nil {
		// pruning is retried on the next completion
		log.Printf("⚠️ [history] prune failed: %v", err)
	} else if n > 0 {
		log.Printf("[history] pruned %d entries older than %s", n, Retention)
	}
	return e, nil
}

// Recent returns the latest completions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	out, err := s.db.RecentHistory(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	return out, nil
}

// ProcessedInLastHour counts successful completions over the last hour.
func (s *Store) ProcessedInLastHour(ctx context.Context) (int, error) {
	n, err := s.db.CountSuccessSince(ctx, s.now().Add(-throughputSpan))
	if err != nil {
		return 0, fmt.Errorf("processed in last hour: %w", err)
	}
	return n, nil
}

// Ranking returns the slowest successful jobs. Equal durations are ordered by
// completion time, then by insertion.
func (s *Store) Ranking(ctx context.Context, limit int) ([]model.RankingEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	entries, err := s.db.SlowestSuccesses(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("ranking: %w", err)
	}
	out := make([]model.RankingEntry, len(entries))
	for i, e := range entries {
		out[i] = model.RankingEntry{Rank: i + 1, HistoryEntry: e}
	}
	return out, nil
}
