package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridops/abmonitor/model"
)

// InMemory keeps every table in process memory. It honours the same ordering
// and retention contracts as Postgres and is used for local runs and tests.
type InMemory struct {
	mu        sync.Mutex
	consumers map[string]model.Consumer
	samples   map[model.EntityKind][]model.QueueSample
	history   []model.HistoryEntry
	nextID    int64
	summaries []model.OptimizationSummary
	blobs     map[string][]byte
}

func NewInMemory() *InMemory {
	return &InMemory{
		consumers: make(map[string]model.Consumer),
		samples:   make(map[model.EntityKind][]model.QueueSample),
		blobs:     make(map[string][]byte),
	}
}

func (m *InMemory) Close() error { return nil }

func (m *InMemory) UpsertConsumer(_ context.Context, hb model.Heartbeat, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.consumers[hb.ConsumerID]
	c.ID = hb.ConsumerID
	c.ProcessMethod = hb.ProcessMethod
	c.Status = hb.Status
	c.CurrentSceneID = hb.CurrentSceneID
	c.CurrentStep = hb.CurrentStep
	c.ProgressPercent = hb.ProgressPercent
	c.StartedAt = hb.StartedAt
	c.LastHeartbeat = now
	c.IsPriority = hb.IsPriority
	m.consumers[hb.ConsumerID] = c
	return nil
}

func (m *InMemory) UpdateConsumer(_ context.Context, id string, fn ConsumerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consumers[id]
	if !ok {
		return fmt.Errorf("consumer %s: %w", id, ErrNotFound)
	}
	if err := fn(&c); err != nil {
		return err
	}
	m.consumers[id] = c
	return nil
}

func (m *InMemory) DeleteConsumersBefore(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.consumers {
		if c.LastHeartbeat.Before(t) {
			delete(m.consumers, id)
			n++
		}
	}
	return n, nil
}

func (m *InMemory) ConsumersSince(_ context.Context, t time.Time) ([]model.Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Consumer
	for _, c := range m.consumers {
		if c.LastHeartbeat.After(t) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeartbeat.After(out[j].LastHeartbeat) })
	return out, nil
}

func (m *InMemory) InsertQueueSample(_ context.Context, s model.QueueSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.samples[s.EntityType]
	// keep the slice ordered by time, samples usually arrive in order
	i := sort.Search(len(list), func(i int) bool { return list[i].RecordedAt.After(s.RecordedAt) })
	list = append(list, model.QueueSample{})
	copy(list[i+1:], list[i:])
	list[i] = s
	m.samples[s.EntityType] = list
	return nil
}

func (m *InMemory) TrimQueueSamples(_ context.Context, kind model.EntityKind, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.samples[kind]
	if len(list) <= keep {
		return 0, nil
	}
	drop := len(list) - keep
	m.samples[kind] = append([]model.QueueSample(nil), list[drop:]...)
	return int64(drop), nil
}

func (m *InMemory) LatestQueueSamples(_ context.Context, kinds []model.EntityKind) (map[model.EntityKind]model.QueueSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.EntityKind]model.QueueSample)
	for _, k := range kinds {
		if list := m.samples[k]; len(list) > 0 {
			out[k] = list[len(list)-1]
		}
	}
	return out, nil
}

func (m *InMemory) QueueSamplesSince(_ context.Context, kind model.EntityKind, t time.Time) ([]model.QueueSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.samples[kind]
	i := sort.Search(len(list), func(i int) bool { return !list[i].RecordedAt.Before(t) })
	return append([]model.QueueSample(nil), list[i:]...), nil
}

func (m *InMemory) CountQueueSamples(_ context.Context, kind model.EntityKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples[kind]), nil
}

func (m *InMemory) InsertHistory(_ context.Context, e model.HistoryEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.history = append(m.history, e)
	return e.ID, nil
}

func (m *InMemory) DeleteHistoryBefore(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.history[:0]
	var n int64
	for _, e := range m.history {
		if e.CreatedAt.Before(t) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.history = kept
	return n, nil
}

func (m *InMemory) RecentHistory(_ context.Context, limit int) ([]model.HistoryEntry, error) {
	m.mu.Lock()
	out := append([]model.HistoryEntry(nil), m.history...)
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.After(out[j].CompletedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) CountSuccessSince(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.history {
		if e.Status == model.JobSuccess && !e.CompletedAt.Before(t) {
			n++
		}
	}
	return n, nil
}

func (m *InMemory) SlowestSuccesses(_ context.Context, limit int) ([]model.HistoryEntry, error) {
	m.mu.Lock()
	var out []model.HistoryEntry
	for _, e := range m.history {
		if e.Status == model.JobSuccess {
			out = append(out, e)
		}
	}
	m.mu.Unlock()
	slowestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) InsertSummary(_ context.Context, s model.OptimizationSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	sort.SliceStable(m.summaries, func(i, j int) bool {
		return m.summaries[i].GeneratedAt.Before(m.summaries[j].GeneratedAt)
	})
	return nil
}

func (m *InMemory) DeleteSummariesBefore(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.summaries[:0]
	var n int64
	for _, s := range m.summaries {
		if s.GeneratedAt.Before(t) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.summaries = kept
	return n, nil
}

func (m *InMemory) SummariesSince(_ context.Context, t time.Time) ([]model.OptimizationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OptimizationSummary
	for _, s := range m.summaries {
		if !s.GeneratedAt.Before(t) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *InMemory) SaveBlob(_ context.Context, key string, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed encoding memory key %q: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return nil
}

func (m *InMemory) LoadBlob(_ context.Context, key string, dest any) error {
	m.mu.Lock()
	raw, ok := m.blobs[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("memory key %q: %w", key, ErrNotFound)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed decoding memory key %q: %w", key, err)
	}
	return nil
}

var (
	_ Store = (*InMemory)(nil)
	_ Store = (*Postgres)(nil)
)
