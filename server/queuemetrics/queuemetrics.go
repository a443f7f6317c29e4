// Package queuemetrics stores queue depth samples per entity type and serves
// them downsampled into wall clock aligned buckets.
package queuemetrics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server/metrics"
	"github.com/gridops/abmonitor/server/store"
)

// MaxSamplesPerType bounds the samples kept for each entity type.
const MaxSamplesPerType = 15000

// Range is one of the history windows offered to the dashboard.
type Range string

const (
	Range1h  Range = "1h"
	Range3h  Range = "3h"
	Range6h  Range = "6h"
	Range12h Range = "12h"
	Range24h Range = "24h"
	Range3d  Range = "3d"
	Range7d  Range = "7d"

	DefaultRange = Range1h
)

type window struct {
	span   time.Duration
	bucket time.Duration
}

var windows = map[Range]window{
	Range1h:  {time.Hour, 5 * time.Minute},
	Range3h:  {3 * time.Hour, 5 * time.Minute},
	Range6h:  {6 * time.Hour, 5 * time.Minute},
	Range12h: {12 * time.Hour, 10 * time.Minute},
	Range24h: {24 * time.Hour, 20 * time.Minute},
	Range3d:  {72 * time.Hour, 60 * time.Minute},
	Range7d:  {168 * time.Hour, 120 * time.Minute},
}

// ParseRange validates s, the empty string maps to DefaultRange.
func ParseRange(s string) (Range, error) {
	if s == "" {
		return DefaultRange, nil
	}
	r := Range(s)
	if _, ok := windows[r]; !ok {
		return "", fmt.Errorf("%w: unknown range %q", model.ErrValidation, s)
	}
	return r, nil
}

// Span is the length of time covered by r.
func (r Range) Span() time.Duration { return windows[r].span }

// Bucket is the downsampling width used for r.
func (r Range) Bucket() time.Duration { return windows[r].bucket }

type Sampler struct {
	db      store.Store
	metrics *metrics.Collector
	limit   int
	now     func() time.Time
}

func NewSampler(db store.Store, m *metrics.Collector) *Sampler {
	return &Sampler{db: db, metrics: m, limit: MaxSamplesPerType, now: time.Now}
}

// WithClock replaces the clock, for tests.
func (s *Sampler) WithClock(now func() time.Time) *Sampler {
	s.now = now
	return s
}

// RecordSample appends a sample timestamped now then trims the entity type to
// its newest MaxSamplesPerType samples.
func (s *Sampler) RecordSample(ctx context.Context, kind model.EntityKind, depth int) error {
	if depth < 0 {
		return fmt.Errorf("%w: queueDepth must not be negative", model.ErrValidation)
	}
	err := s.db.InsertQueueSample(ctx, model.QueueSample{EntityType: kind, QueueDepth: depth, RecordedAt: s.now()})
	if err != nil {
		return err
	}
	s.metrics.QueueDepth(string(kind), depth)
	if n, err := s.db.TrimQueueSamples(ctx, kind, s.limit); err != nil {
		log.Printf("⚠️ [queue] failed to trim %s samples: %v", kind, err)
	} else if n > 0 && n%1000 == 0 {
		log.Printf("[queue] trimmed %d %s samples", n, kind)
	}
	return nil
}

// Latest returns the newest sample of kind, nil when there is none.
func (s *Sampler) Latest(ctx context.Context, kind model.EntityKind) (*model.QueueSample, error) {
	all, err := s.db.LatestQueueSamples(ctx, []model.EntityKind{kind})
	if err != nil {
		return nil, err
	}
	if l, ok := all[kind]; ok {
		return &l, nil
	}
	return nil, nil
}

// LatestAll returns the newest sample of every tracked entity type.
func (s *Sampler) LatestAll(ctx context.Context) (map[model.EntityKind]model.QueueSample, error) {
	return s.db.LatestQueueSamples(ctx, model.EntityKinds)
}

// History returns at most one sample per bucket over the range, the newest one
// of each bucket, oldest bucket first.
func (s *Sampler) History(ctx context.Context, kind model.EntityKind, r Range) ([]model.QueueSample, error) {
	if _, ok := windows[r]; !ok {
		return nil, fmt.Errorf("%w: unknown range %q", model.ErrValidation, r)
	}
	samples, err := s.db.QueueSamplesSince(ctx, kind, s.now().Add(-r.Span()))
	if err != nil {
		return nil, err
	}
	return Downsample(samples, r.Bucket()), nil
}

// Downsample keeps the newest sample of each floor(epoch/bucket) bucket.
// samples must be sorted oldest first.
func Downsample(samples []model.QueueSample, bucket time.Duration) []model.QueueSample {
	width := int64(bucket / time.Second)
	if width <= 0 || len(samples) == 0 {
		return samples
	}
	out := make([]model.QueueSample, 0, len(samples))
	last := int64(0)
	for i, smp := range samples {
		key := floorDiv(smp.RecordedAt.Unix(), width)
		if i > 0 && key == last {
			out[len(out)-1] = smp
			continue
		}
		out = append(out, smp)
		last = key
	}
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
