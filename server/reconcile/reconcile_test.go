package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridops/abmonitor/model"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type fakeInventory struct {
	initErr error
	has     map[string]bool
	inits   int
}

func (f *fakeInventory) Name() string { return "fake" }

func (f *fakeInventory) Init(context.Context) error {
	f.inits++
	return f.initErr
}

func (f *fakeInventory) Optimized(_ context.Context, ids []string, progress func(int)) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range ids {
		if f.has[id] {
			out[id] = true
		}
	}
	progress(len(ids))
	return out, nil
}

// cdn serves HEAD /<id>_windows.json for ids in files and GET /<id>-report.json for ids in reports.
type cdn struct {
	mu            sync.Mutex
	files         map[string]bool
	reports       map[string]model.OptimizationReport
	flaky         map[string]int // id -> number of 503 before answering
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
	headInFlight  atomic.Int32
	maxHead       atomic.Int32
	reportFetches atomic.Int32
}

// track counts one more request in cur and raises peak when needed.
func track(cur, peak *atomic.Int32) func() {
	n := cur.Add(1)
	for {
		m := peak.Load()
		if n <= m || peak.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { cur.Add(-1) }
}

func (c *cdn) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer track(&c.inFlight, &c.maxInFlight)()
	if r.Method == http.MethodHead {
		defer track(&c.headInFlight, &c.maxHead)()
	}
	time.Sleep(2 * time.Millisecond)

	name := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodHead && strings.HasSuffix(name, "_windows.json"):
		if c.files[strings.TrimSuffix(name, "_windows.json")] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodGet && strings.HasSuffix(name, "-report.json"):
		c.reportFetches.Add(1)
		id := strings.TrimSuffix(name, "-report.json")
		c.mu.Lock()
		if c.flaky[id] > 0 {
			c.flaky[id]--
			c.mu.Unlock()
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		c.mu.Unlock()
		rep, ok := c.reports[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(rep)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func entities(ids ...string) []model.Entity {
	out := make([]model.Entity, len(ids))
	for i, id := range ids {
		out[i] = model.Entity{ID: id, Kind: model.KindScene}
	}
	return out
}

func newReconciler(srv *httptest.Server, fast Inventory) *Reconciler {
	probe := &ProbeInventory{URLTemplate: srv.URL + "/%s_windows.json", Concurrency: 10, Pause: time.Millisecond, Timeout: time.Second, Client: srv.Client(), Sleep: noSleep}
	return NewReconciler(fast, probe, Config{
		ReportURLTemplate: srv.URL + "/%s-report.json",
		ReportConcurrency: 20,
		ReportPause:       time.Millisecond,
	}, srv.Client()).WithSleep(noSleep)
}

func statusByID(list []model.SceneStatus) map[string]model.SceneStatus {
	out := make(map[string]model.SceneStatus)
	for _, s := range list {
		out[s.ID] = s
	}
	return out
}

func TestFailedReportOverridesExistingFile(t *testing.T) {
	c := &cdn{
		files: map[string]bool{"ok": true, "corrupt": true, "noreport": true},
		reports: map[string]model.OptimizationReport{
			"ok":      {Success: true},
			"corrupt": {Success: false, Error: "texture conversion failed"},
			"missing": {Success: true},
		},
	}
	srv := httptest.NewServer(c)
	defer srv.Close()

	var progress []float64
	out, err := newReconciler(srv, nil).Reconcile(context.Background(), entities("ok", "corrupt", "noreport", "missing", "ok"),
		func(p float64) { progress = append(progress, p) })
	require.NoError(t, err)
	require.Len(t, out, 4)
	got := statusByID(out)

	assert.True(t, got["ok"].HasOptimizedAssets)
	assert.False(t, got["corrupt"].HasOptimizedAssets)
	require.NotNil(t, got["corrupt"].Report)
	assert.Equal(t, "texture conversion failed", got["corrupt"].Report.Error)
	// no report keeps the probe answer
	assert.True(t, got["noreport"].HasOptimizedAssets)
	assert.Nil(t, got["noreport"].Report)
	// a successful report does not make a missing file optimized
	assert.False(t, got["missing"].HasOptimizedAssets)

	require.NotEmpty(t, progress)
	assert.Equal(t, 100.0, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.Contains(t, progress, 50.0)
}

func TestFastInventoryIsUsedWhenAvailable(t *testing.T) {
	c := &cdn{reports: map[string]model.OptimizationReport{"b": {Success: false}}}
	srv := httptest.NewServer(c)
	defer srv.Close()

	fast := &fakeInventory{has: map[string]bool{"a": true, "b": true}}
	out, err := newReconciler(srv, fast).Reconcile(context.Background(), entities("a", "b", "c"), nil)
	require.NoError(t, err)
	got := statusByID(out)
	assert.True(t, got["a"].HasOptimizedAssets)
	assert.False(t, got["b"].HasOptimizedAssets)
	assert.False(t, got["c"].HasOptimizedAssets)
	assert.Equal(t, 1, fast.inits)
	// reports are fetched for every entity, not only optimized ones
	assert.Equal(t, int32(3), c.reportFetches.Load())
}

func TestFallbackToProbesWhenInventoryInitFails(t *testing.T) {
	c := &cdn{files: map[string]bool{"a": true}}
	srv := httptest.NewServer(c)
	defer srv.Close()

	fast := &fakeInventory{initErr: errors.New("access denied"), has: map[string]bool{"b": true}}
	out, err := newReconciler(srv, fast).Reconcile(context.Background(), entities("a", "b"), nil)
	require.NoError(t, err)
	got := statusByID(out)
	assert.True(t, got["a"].HasOptimizedAssets)
	assert.False(t, got["b"].HasOptimizedAssets)
}

func TestReportFetchRetriesOnce(t *testing.T) {
	c := &cdn{
		files:   map[string]bool{"a": true, "b": true},
		reports: map[string]model.OptimizationReport{"a": {Success: false}, "b": {Success: false}},
		flaky:   map[string]int{"a": 1, "b": 2},
	}
	srv := httptest.NewServer(c)
	defer srv.Close()

	out, err := newReconciler(srv, nil).Reconcile(context.Background(), entities("a", "b"), nil)
	require.NoError(t, err)
	got := statusByID(out)
	// second attempt succeeded: the failed report applies
	assert.False(t, got["a"].HasOptimizedAssets)
	// both attempts failed: phase one answer is kept
	assert.True(t, got["b"].HasOptimizedAssets)
	assert.Nil(t, got["b"].Report)
}

func TestBoundedConcurrency(t *testing.T) {
	c := &cdn{files: map[string]bool{}}
	var ids []string
	for i := 0; i < 95; i++ {
		id := fmt.Sprintf("e%d", i)
		ids = append(ids, id)
		c.files[id] = i%2 == 0
	}
	srv := httptest.NewServer(c)
	defer srv.Close()

	r := newReconciler(srv, nil)
	out, err := r.Reconcile(context.Background(), entities(ids...), nil)
	require.NoError(t, err)
	assert.Len(t, out, 95)
	assert.LessOrEqual(t, c.maxInFlight.Load(), int32(20))
	// fallback probes go out in batches of 10
	assert.LessOrEqual(t, c.maxHead.Load(), int32(10))
	assert.Positive(t, c.maxHead.Load())
	optimized := 0
	for _, s := range out {
		if s.HasOptimizedAssets {
			optimized++
		}
	}
	assert.Equal(t, 48, optimized)
}

func TestS3InventoryEntityID(t *testing.T) {
	s := &S3Inventory{Prefix: "manifest/", Suffix: "_windows.json"}
	id, ok := s.entityID("manifest/bafkrei123_windows.json")
	assert.True(t, ok)
	assert.Equal(t, "bafkrei123", id)
	_, ok = s.entityID("manifest/bafkrei123_mac.json")
	assert.False(t, ok)
	_, ok = s.entityID("manifest/nested/x_windows.json")
	assert.False(t, ok)

	err := (&S3Inventory{}).Init(context.Background())
	assert.Error(t, err)
}
