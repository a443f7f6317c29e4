package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server/history"
	"github.com/gridops/abmonitor/server/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWatchdog() (*Watchdog, *store.InMemory, *clock) {
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	db := store.NewInMemory()
	h := history.New(db).WithClock(clk.now)
	return NewWatchdog(db, h, nil, 0, 0).WithClock(clk.now), db, clk
}

func heartbeat(id string, status model.ConsumerStatus) model.Heartbeat {
	return model.Heartbeat{ConsumerID: id, ProcessMethod: "godot", Status: status}
}

func byID(consumers []model.Consumer) map[string]model.Consumer {
	out := make(map[string]model.Consumer)
	for _, c := range consumers {
		out[c.ID] = c
	}
	return out
}

func TestOfflineIsDerivedFromHeartbeatAge(t *testing.T) {
	ctx := context.Background()
	w, _, clk := newTestWatchdog()

	require.NoError(t, w.RecordHeartbeat(ctx, heartbeat("fresh", model.StatusProcessing)))
	require.NoError(t, w.RecordHeartbeat(ctx, heartbeat("edge", model.StatusProcessing)))
	require.NoError(t, w.RecordHeartbeat(ctx, heartbeat("stale", model.StatusProcessing)))

	clk.advance(31 * time.Second)
	require.NoError(t, w.RecordHeartbeat(ctx, heartbeat("fresh", model.StatusIdle)))

	list, err := w.ListConsumers(ctx)
	require.NoError(t, err)
	got := byID(list)
	require.Len(t, got, 3)
	assert.Equal(t, model.StatusIdle, got["fresh"].Status)
	assert.Equal(t, model.StatusOffline, got["edge"].Status)
	assert.Equal(t, model.StatusOffline, got["stale"].Status)

	// exactly 30s is still online
	clk.advance(30 * time.Second)
	list, err = w.ListConsumers(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, byID(list)["fresh"].Status)
}

func TestStaleConsumersArePurged(t *testing.T) {
	ctx := context.Background()
	w, db, clk := newTestWatchdog()

	require.NoError(t, w.RecordHeartbeat(ctx, heartbeat("gone", model.StatusProcessing)))
	clk.advance(4 * time.Minute)
	require.NoError(t, w.RecordHeartbeat(ctx, heartbeat("alive", model.StatusIdle)))
	clk.advance(61 * time.Second)

	list, err := w.ListConsumers(ctx)
	require.NoError(t, err)
	got := byID(list)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "alive")

	remaining, err := db.ConsumersSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "alive", remaining[0].ID)
}

func TestJobCompleteUpdatesConsumer(t *testing.T) {
	ctx := context.Background()
	w, _, clk := newTestWatchdog()

	hb := heartbeat("c1", model.StatusProcessing)
	hb.CurrentSceneID = "bafy"
	hb.CurrentStep = "convert"
	hb.ProgressPercent = 80
	hb.IsPriority = true
	require.NoError(t, w.RecordHeartbeat(ctx, hb))

	durations := []int64{1000, 2000, 4500, 333}
	statuses := []string{model.JobSuccess, "failed", model.JobSuccess, model.JobSuccess}
	var sum int64
	for i, d := range durations {
		sum += d
		require.NoError(t, w.RecordJobComplete(ctx, model.JobCompletion{
			ConsumerID: "c1", SceneID: "bafy", ProcessMethod: "godot", Status: statuses[i],
			StartedAt: clk.now().Add(-time.Duration(d) * time.Millisecond), CompletedAt: clk.now(), DurationMs: d,
		}))
	}

	list, err := w.ListConsumers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	c := list[0]
	assert.Equal(t, 3, c.JobsCompleted)
	assert.Equal(t, 1, c.JobsFailed)
	assert.InDelta(t, float64(sum)/float64(len(durations)), float64(c.AvgProcessingTimeMs), 1)
	assert.Equal(t, model.StatusIdle, c.Status)
	assert.Empty(t, c.CurrentSceneID)
	assert.Empty(t, c.CurrentStep)
	assert.False(t, c.IsPriority)
	assert.Equal(t, model.JobSuccess, c.LastJobStatus)
}

func TestRunningAverageIsOrderIndependent(t *testing.T) {
	durations := []int64{120, 4000, 15, 999, 2500, 60000, 7}
	mean := func(ds []int64) float64 {
		var s int64
		for _, d := range ds {
			s += d
		}
		return float64(s) / float64(len(ds))
	}
	forward := model.Consumer{}
	backward := model.Consumer{}
	for i := range durations {
		ApplyCompletion(&forward, model.JobCompletion{Status: model.JobSuccess, DurationMs: durations[i]})
		ApplyCompletion(&backward, model.JobCompletion{Status: model.JobSuccess, DurationMs: durations[len(durations)-1-i]})
	}
	want := mean(durations)
	// rounding at each step drifts by at most half a millisecond per completion
	assert.InDelta(t, want, float64(forward.AvgProcessingTimeMs), float64(len(durations)))
	assert.InDelta(t, want, float64(backward.AvgProcessingTimeMs), float64(len(durations)))
}

func TestJobCompleteFromUnknownConsumer(t *testing.T) {
	ctx := context.Background()
	w, db, clk := newTestWatchdog()
	err := w.RecordJobComplete(ctx, model.JobCompletion{
		ConsumerID: "ghost", SceneID: "bafy", ProcessMethod: "godot", Status: model.JobSuccess,
		StartedAt: clk.now(), CompletedAt: clk.now(), DurationMs: 10,
	})
	require.NoError(t, err)

	recent, err := db.RecentHistory(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	list, err := w.ListConsumers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
