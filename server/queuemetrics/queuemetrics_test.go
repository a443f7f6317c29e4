package queuemetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server/store"
)

func TestRetentionPerEntityType(t *testing.T) {
	ctx := context.Background()
	db := store.NewInMemory()
	clk := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewSampler(db, nil).WithClock(func() time.Time { return clk })

	require.NoError(t, s.RecordSample(ctx, model.KindScene, 7))
	for i := 0; i < MaxSamplesPerType+1; i++ {
		clk = clk.Add(time.Second)
		require.NoError(t, s.RecordSample(ctx, model.KindWearable, i))
	}

	n, err := db.CountQueueSamples(ctx, model.KindWearable)
	require.NoError(t, err)
	assert.Equal(t, MaxSamplesPerType, n)
	n, err = db.CountQueueSamples(ctx, model.KindScene)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = db.CountQueueSamples(ctx, model.KindEmote)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// the oldest wearable sample (depth 0) was evicted
	all, err := db.QueueSamplesSince(ctx, model.KindWearable, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, all[0].QueueDepth)
	assert.Equal(t, MaxSamplesPerType, all[len(all)-1].QueueDepth)

	latest, err := s.Latest(ctx, model.KindWearable)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, MaxSamplesPerType, latest.QueueDepth)

	none, err := s.Latest(ctx, model.KindEmote)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func assertOnePerBucket(t *testing.T, samples []model.QueueSample, bucket time.Duration, from time.Time) {
	t.Helper()
	seen := make(map[int64]bool)
	width := int64(bucket / time.Second)
	var prev time.Time
	for _, smp := range samples {
		key := smp.RecordedAt.Unix() / width
		assert.False(t, seen[key], "two samples in bucket %d", key)
		seen[key] = true
		assert.False(t, smp.RecordedAt.Before(from))
		assert.True(t, smp.RecordedAt.After(prev), "not ascending")
		prev = smp.RecordedAt
	}
}

func TestHistoryBucketing(t *testing.T) {
	ctx := context.Background()
	db := store.NewInMemory()
	// not aligned on a bucket boundary on purpose
	now := time.Date(2024, 5, 8, 12, 3, 17, 0, time.UTC)
	start := now.Add(-8 * 24 * time.Hour)
	for ts := start; !ts.After(now); ts = ts.Add(time.Minute) {
		require.NoError(t, db.InsertQueueSample(ctx, model.QueueSample{EntityType: model.KindScene, QueueDepth: int(ts.Unix() % 1000), RecordedAt: ts}))
	}
	s := NewSampler(db, nil).WithClock(func() time.Time { return now })

	h1, err := s.History(ctx, model.KindScene, Range1h)
	require.NoError(t, err)
	assertOnePerBucket(t, h1, 5*time.Minute, now.Add(-time.Hour))
	// 60 minutes not aligned on 5 minute boundaries span 13 buckets
	assert.Len(t, h1, 13)
	// last bucket keeps the newest sample
	assert.Equal(t, now, h1[len(h1)-1].RecordedAt)
	// a full bucket keeps its last minute
	assert.Equal(t, 4, h1[1].RecordedAt.Minute()%5)

	h7, err := s.History(ctx, model.KindScene, Range7d)
	require.NoError(t, err)
	assertOnePerBucket(t, h7, 120*time.Minute, now.Add(-7*24*time.Hour))
	assert.LessOrEqual(t, len(h7), 7*12+1)

	// repeated queries return the same bucket boundaries
	again, err := s.History(ctx, model.KindScene, Range7d)
	require.NoError(t, err)
	assert.Equal(t, h7, again)
}

func TestParseRange(t *testing.T) {
	for _, r := range []string{"1h", "3h", "6h", "12h", "24h", "3d", "7d"} {
		got, err := ParseRange(r)
		require.NoError(t, err)
		assert.Equal(t, Range(r), got)
	}
	got, err := ParseRange("")
	require.NoError(t, err)
	assert.Equal(t, Range1h, got)
	assert.Equal(t, 10*time.Minute, Range12h.Bucket())
	assert.Equal(t, 20*time.Minute, Range24h.Bucket())
	assert.Equal(t, 60*time.Minute, Range3d.Bucket())

	_, err = ParseRange("2h")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestDownsampleKeepsNewestPerBucket(t *testing.T) {
	base := time.Unix(600, 0).UTC() // a 5 minute boundary
	in := []model.QueueSample{
		{QueueDepth: 1, RecordedAt: base},
		{QueueDepth: 2, RecordedAt: base.Add(4 * time.Minute)},
		{QueueDepth: 3, RecordedAt: base.Add(5 * time.Minute)},
		{QueueDepth: 4, RecordedAt: base.Add(16 * time.Minute)},
	}
	out := Downsample(in, 5*time.Minute)
	require.Len(t, out, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{out[0].QueueDepth, out[1].QueueDepth, out[2].QueueDepth})
}
