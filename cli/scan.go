package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/gridops/abmonitor/server"
	"github.com/gridops/abmonitor/server/config"
	"github.com/gridops/abmonitor/server/metrics"
	"github.com/gridops/abmonitor/server/report"
	"github.com/gridops/abmonitor/server/store"
)

// followInterval is the polling period of report generate --wait.
var followInterval = time.Second

type progressBar struct {
	p     *mpb.Progress
	bar   *mpb.Bar
	phase atomic.Value
}

func newProgressBar() *progressBar {
	b := &progressBar{p: mpb.New(mpb.WithOutput(os.Stdout))}
	b.phase.Store(report.PhaseScanning)
	b.bar = b.p.New(100,
		mpb.BarStyle().Lbound("|"),
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string { return b.phase.Load().(string) }, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
		),
	)
	return b
}

func (b *progressBar) update(phase string, pct float64) {
	if phase != "" {
		b.phase.Store(phase)
	}
	b.bar.SetCurrent(int64(pct))
}

func (b *progressBar) finish(ok bool) {
	if ok {
		b.bar.SetCurrent(100)
		b.bar.SetTotal(-1, true)
	} else {
		b.bar.Abort(false)
	}
	b.p.Wait()
}

// follow polls the server until the running report ends.
func (c *CLI) follow() error {
	bar := newProgressBar()
	for {
		ctx, cancel := c.WithTimeout()
		res, err := c.Client.Report(ctx)
		cancel()
		if err != nil {
			bar.finish(false)
			return fmt.Errorf("error following report: %w", err)
		}
		st := res.Status
		if !st.IsGenerating {
			bar.finish(st.LastError == "")
			if st.LastError != "" {
				return fmt.Errorf("report generation failed: %s", st.LastError)
			}
			if res.Report != nil {
				printSummary(res.Report.Summary)
			}
			return nil
		}
		bar.update(st.Phase, st.Progress)
		time.Sleep(followInterval)
	}
}

// ScanLocal runs the whole report pipeline in process, without a server or database.
func (c *CLI) ScanLocal() error {
	cfg := config.Default()
	if path := c.Attr.Scan.Config; path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := &http.Client{}
	db := store.NewInMemory()
	defer db.Close()
	sched := report.NewScheduler(server.NewScanner(*cfg, client), server.NewReconciler(*cfg, client), db, metrics.NewCollector(), nil)

	bar := newProgressBar()
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				st := sched.Status()
				bar.update(st.Phase, st.Progress)
			}
		}
	}()
	rep, err := sched.Run(ctx)
	close(done)
	bar.finish(err == nil)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	printSummary(rep.Summary)
	if out := c.Attr.Scan.Output; out != "" {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		fmt.Printf("💾 Report written to %s\n", out)
	}
	return nil
}
