// Package reconcile decides which scenes have optimized assets: an inventory
// gives a first answer, then the optimization report of every entity has the
// last word.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gridops/abmonitor/fetch"
	"github.com/gridops/abmonitor/model"
)

type Config struct {
	ReportURLTemplate string
	ReportConcurrency int
	ReportPause       time.Duration
	ReportPolicy      fetch.Policy
}

type Reconciler struct {
	fast     Inventory
	fallback Inventory
	cfg      Config
	reports  *fetch.Batcher
	sleep    func(context.Context, time.Duration) error
}

// NewReconciler uses fast when its Init succeeds, fallback otherwise. fast may be nil.
func NewReconciler(fast, fallback Inventory, cfg Config, client *http.Client) *Reconciler {
	if cfg.ReportPolicy.Attempts == 0 {
		cfg.ReportPolicy = fetch.DefaultReportPolicy
	}
	if cfg.ReportConcurrency < 1 {
		cfg.ReportConcurrency = 20
	}
	return &Reconciler{
		fast:     fast,
		fallback: fallback,
		cfg:      cfg,
		reports:  fetch.NewBatcher(client, cfg.ReportPolicy, "report"),
		sleep:    fetch.SleepContext,
	}
}

// WithSleep replaces every pause, for tests.
func (r *Reconciler) WithSleep(sleep func(context.Context, time.Duration) error) *Reconciler {
	r.sleep = sleep
	r.reports.Sleep = sleep
	return r
}

func (r *Reconciler) inventory(ctx context.Context) (Inventory, error) {
	if r.fast != nil {
		err := r.fast.Init(ctx)
		if err == nil {
			return r.fast, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("⚠️ [reconcile] inventory %s unavailable, falling back to %s: %v", r.fast.Name(), r.fallback.Name(), err)
	}
	if err := r.fallback.Init(ctx); err != nil {
		return nil, fmt.Errorf("init %s: %w", r.fallback.Name(), err)
	}
	return r.fallback, nil
}

// Reconcile returns one status per unique entity, in input order. onProgress
// goes from 0 to 50 during the inventory phase and from 50 to 100 while
// reports are fetched.
func (r *Reconciler) Reconcile(ctx context.Context, entities []model.Entity, onProgress func(pct float64)) ([]model.SceneStatus, error) {
	progress := func(pct float64) {
		if onProgress != nil {
			onProgress(pct)
		}
	}
	var unique []model.Entity
	seen := make(map[string]bool)
	for _, e := range entities {
		if !seen[e.ID] {
			seen[e.ID] = true
			unique = append(unique, e)
		}
	}
	ids := make([]string, len(unique))
	for i, e := range unique {
		ids[i] = e.ID
	}
	total := float64(max(len(ids), 1))

	inv, err := r.inventory(ctx)
	if err != nil {
		return nil, err
	}
	optimized, err := inv.Optimized(ctx, ids, func(done int) { progress(float64(done) / total * 50) })
	if err != nil {
		return nil, fmt.Errorf("check optimized output: %w", err)
	}
	progress(50)

	reports, err := r.fetchReports(ctx, ids, func(done int) { progress(50 + float64(done)/total*50) })
	if err != nil {
		return nil, err
	}
	progress(100)

	out := make([]model.SceneStatus, len(unique))
	overridden := 0
	for i, e := range unique {
		st := model.SceneStatus{Entity: e, HasOptimizedAssets: optimized[e.ID]}
		if rep, ok := reports[e.ID]; ok {
			st.Report = rep
			if !rep.Success {
				if st.HasOptimizedAssets {
					overridden++
				}
				st.HasOptimizedAssets = false
			}
		}
		out[i] = st
	}
	log.Printf("[reconcile] %d entities via %s, %d optimized before reports, %d reports found, %d overridden by a failed report",
		len(unique), inv.Name(), len(optimized), len(reports), overridden)
	return out, nil
}

// fetchReports gets the report of every id. Missing and unreachable reports
// are left out of the result.
func (r *Reconciler) fetchReports(ctx context.Context, ids []string, progress func(done int)) (map[string]*model.OptimizationReport, error) {
	var mu sync.Mutex
	out := make(map[string]*model.OptimizationReport)
	failed := 0
	err := forEachBatch(ctx, ids, r.cfg.ReportConcurrency, r.cfg.ReportPause, r.sleep, func(ctx context.Context, id string) {
		rep, err := r.FetchReport(ctx, id)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed++
			return
		}
		if rep != nil {
			out[id] = rep
		}
	}, progress)
	if err != nil {
		return nil, err
	}
	if failed > 0 {
		log.Printf("⚠️ [reconcile] %d/%d reports could not be fetched", failed, len(ids))
	}
	return out, nil
}

// FetchReport returns the optimization report of id, nil when it does not exist.
func (r *Reconciler) FetchReport(ctx context.Context, id string) (*model.OptimizationReport, error) {
	var rep model.OptimizationReport
	err := r.reports.GetJSON(ctx, fmt.Sprintf(r.cfg.ReportURLTemplate, id), &rep)
	if fetch.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rep.EntityID == "" {
		rep.EntityID = id
	}
	return &rep, nil
}
