// Package report runs the world scan and the optimization reconciliation,
// at most one run at a time, and keeps the last good result.
package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server/metrics"
	"github.com/gridops/abmonitor/server/store"
	ws "github.com/gridops/abmonitor/server/websocket"
	"github.com/gridops/abmonitor/server/worldscan"
)

// ErrAlreadyRunning is returned by Run when a run is in flight.
var ErrAlreadyRunning = errors.New("report generation already in progress")

const (
	// BlobKey is the memory_store key of the last good report.
	BlobKey = "optimization_report"
	// SummaryRetention is how long optimization summaries are kept.
	SummaryRetention = 60 * 24 * time.Hour
)

const (
	PhaseIdle        = "idle"
	PhaseScanning    = "scanning"
	PhaseReconciling = "reconciling"
	PhaseSaving      = "saving"
)

type Scanner interface {
	Scan(ctx context.Context, onProgress func(pct float64)) (*worldscan.Result, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, entities []model.Entity, onProgress func(pct float64)) ([]model.SceneStatus, error)
}

// Report is the aggregate served to the dashboard.
type Report struct {
	Summary model.OptimizationSummary `json:"summary"`
	Lands   []model.Land              `json:"lands"`
	Scenes  []model.SceneStatus       `json:"scenes"`
}

// Status tells apart "no data yet", "stale data" and "generating".
type Status struct {
	IsGenerating    bool       `json:"isGenerating"`
	Progress        float64    `json:"progress"`
	Phase           string     `json:"phase"`
	LastStartedAt   *time.Time `json:"lastStartedAt,omitempty"`
	LastCompletedAt *time.Time `json:"lastCompletedAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	HasData         bool       `json:"hasData"`
}

type Scheduler struct {
	scanner    Scanner
	reconciler Reconciler
	db         store.Store
	metrics    *metrics.Collector
	hub        *ws.Hub
	now        func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	done   chan struct{}
	status Status
	latest *Report
}

func NewScheduler(scanner Scanner, reconciler Reconciler, db store.Store, m *metrics.Collector, hub *ws.Hub) *Scheduler {
	return &Scheduler{
		scanner:    scanner,
		reconciler: reconciler,
		db:         db,
		metrics:    m,
		hub:        hub,
		now:        time.Now,
		status:     Status{Phase: PhaseIdle},
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Load restores the last good report saved by a previous process.
func (s *Scheduler) Load(ctx context.Context) error {
	var r Report
	err := s.db.LoadBlob(ctx, BlobKey, &r)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load last report: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &r
	s.status.HasData = true
	generated := r.Summary.GeneratedAt
	s.status.LastCompletedAt = &generated
	log.Printf("[report] restored report of %s (%d scenes)", generated.Format(time.RFC3339), r.Summary.UniqueScenes)
	return nil
}

// Status returns a snapshot of the generation state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Latest returns the last good report, nil if none was ever produced.
func (s *Scheduler) Latest() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// History lists the run summaries of the last days.
func (s *Scheduler) History(ctx context.Context, days int) ([]model.OptimizationSummary, error) {
	if days < 1 {
		days = 30
	}
	return s.db.SummariesSince(ctx, s.now().Add(-time.Duration(days)*24*time.Hour))
}

// begin takes the single-flight guard. It returns nil when a run is in flight.
func (s *Scheduler) begin() chan struct{} {
	if !s.running.CompareAndSwap(false, true) {
		log.Printf("⚠️ [report] generation already in progress, trigger ignored")
		s.metrics.ReportSkipped()
		return nil
	}
	done := make(chan struct{})
	now := s.now()
	s.mu.Lock()
	s.done = done
	s.status.IsGenerating = true
	s.status.Progress = 0
	s.status.Phase = PhaseScanning
	s.status.LastStartedAt = &now
	s.mu.Unlock()
	return done
}

// Trigger starts a run in the background. It returns false, without doing
// anything, when a run is already in flight.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	done := s.begin()
	if done == nil {
		return false
	}
	go func() {
		if _, err := s.run(ctx, done); err != nil {
			log.Printf("❌ [report] generation failed: %v", err)
		}
	}()
	return true
}

// Run generates a report and waits for it. ErrAlreadyRunning is returned
// when a run is in flight.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	done := s.begin()
	if done == nil {
		return nil, ErrAlreadyRunning
	}
	return s.run(ctx, done)
}

// Wait blocks until the in-flight run, if any, is over.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs a report now unless skipped, then every interval until ctx is
// done. A non positive interval disables the periodic run.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, now bool) {
	go func() {
		if now {
			s.Trigger(ctx)
		}
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Trigger(ctx)
			}
		}
	}()
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) (report *Report, err error) {
	start := s.now()
	defer func() {
		finished := s.now()
		s.mu.Lock()
		s.done = nil
		s.status.IsGenerating = false
		s.status.Progress = 0
		s.status.Phase = PhaseIdle
		if err != nil {
			s.status.LastError = err.Error()
		} else {
			s.status.LastError = ""
			s.status.LastCompletedAt = &finished
			s.status.HasData = true
			s.latest = report
		}
		s.mu.Unlock()
		s.running.Store(false)
		close(done)

		if err != nil {
			s.metrics.ReportFailed(finished.Sub(start))
			s.hub.Emit(ws.EventReportFailed, map[string]string{"error": err.Error()})
			return
		}
		sum := report.Summary
		s.metrics.ReportSucceeded(finished.Sub(start), sum.UniqueScenes, sum.OptimizedScenes, sum.FailedBatches)
		s.hub.Emit(ws.EventReportComplete, sum)
	}()

	log.Printf("[report] generation started")
	scan, err := s.scanner.Scan(ctx, func(pct float64) { s.progress(PhaseScanning, pct/2) })
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	s.progress(PhaseReconciling, 50)
	scenes, err := s.reconciler.Reconcile(ctx, scan.Entities, func(pct float64) { s.progress(PhaseReconciling, 50+pct/2) })
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	s.progress(PhaseSaving, 100)
	report = build(scan, scenes, start, s.now())
	if err := s.save(ctx, report); err != nil {
		return nil, err
	}
	sum := report.Summary
	log.Printf("✅ [report] %d scenes, %d optimized (%.1f%%), %d failed, %d/%d batches failed, in %s",
		sum.UniqueScenes, sum.OptimizedScenes, sum.OptimizedPercent(), sum.FailedScenes,
		sum.FailedBatches, scan.TotalBatches, time.Duration(sum.DurationMs)*time.Millisecond)
	return report, nil
}

func (s *Scheduler) save(ctx context.Context, r *Report) error {
	if err := s.db.SaveBlob(ctx, BlobKey, r); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	if err := s.db.InsertSummary(ctx, r.Summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	n, err := s.db.DeleteSummariesBefore(ctx, r.Summary.GeneratedAt.Add(-SummaryRetention))
	if err != nil {
		log.Printf("⚠️ [report] failed to prune summaries: %v", err)
	} else if n > 0 {
		log.Printf("[report] pruned %d summaries", n)
	}
	return nil
}

// progress publishes pct, websocket clients only see whole percent changes.
func (s *Scheduler) progress(phase string, pct float64) {
	s.mu.Lock()
	changed := math.Floor(pct) != math.Floor(s.status.Progress) || phase != s.status.Phase
	s.status.Phase = phase
	s.status.Progress = pct
	s.mu.Unlock()
	s.metrics.ReportProgress(pct)
	if changed {
		s.hub.Emit(ws.EventReportProgress, map[string]any{"phase": phase, "progress": math.Floor(pct)})
	}
}

func build(scan *worldscan.Result, scenes []model.SceneStatus, start, end time.Time) *Report {
	sum := model.OptimizationSummary{
		ID:            uuid.NewString(),
		GeneratedAt:   end,
		TotalLands:    len(scan.Lands),
		UniqueScenes:  len(scenes),
		FailedBatches: scan.FailedBatches,
		DurationMs:    end.Sub(start).Milliseconds(),
	}
	for _, l := range scan.Lands {
		if l.Empty() {
			sum.EmptyLands++
		} else {
			sum.OccupiedLands++
		}
	}
	for _, sc := range scenes {
		if sc.HasOptimizedAssets {
			sum.OptimizedScenes++
		}
		if sc.Report != nil && !sc.Report.Success {
			sum.FailedScenes++
		}
	}
	return &Report{Summary: sum, Lands: scan.Lands, Scenes: scenes}
}
