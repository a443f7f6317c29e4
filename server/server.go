package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridops/abmonitor/fetch"
	"github.com/gridops/abmonitor/server/config"
	"github.com/gridops/abmonitor/server/history"
	"github.com/gridops/abmonitor/server/metrics"
	"github.com/gridops/abmonitor/server/queuemetrics"
	"github.com/gridops/abmonitor/server/reconcile"
	"github.com/gridops/abmonitor/server/report"
	"github.com/gridops/abmonitor/server/store"
	"github.com/gridops/abmonitor/server/trigger"
	"github.com/gridops/abmonitor/server/watchdog"
	ws "github.com/gridops/abmonitor/server/websocket"
	"github.com/gridops/abmonitor/server/worldscan"
)

const shutdownTimeout = 10 * time.Second

type monitorServer struct {
	ctx       context.Context
	cfg       config.Config
	db        store.Store
	adminHash string

	metrics   *metrics.Collector
	hub       *ws.Hub
	watchdog  *watchdog.Watchdog
	history   *history.Store
	sampler   *queuemetrics.Sampler
	scheduler *report.Scheduler
	trigger   *trigger.Forwarder
}

// OpenStore returns the store selected by monitor.db_url.
func OpenStore(cfg config.Config) (store.Store, error) {
	if cfg.IsMemoryDB() {
		log.Printf("⚠️ Using in-memory store, nothing survives a restart")
		return store.NewInMemory(), nil
	}
	return store.OpenPostgres(cfg.Monitor.DBURL, cfg.Monitor.MaxDBConcurrency)
}

// NewScanner builds the world scanner described by cfg.
func NewScanner(cfg config.Config, client *http.Client) *worldscan.Scanner {
	return worldscan.NewScanner(worldscan.Config{
		ContentURL: cfg.Scan.ContentURL,
		MinCoord:   cfg.Scan.MinCoord,
		MaxCoord:   cfg.Scan.MaxCoord,
		BatchSize:  cfg.Scan.BatchSize,
		Delay:      config.Milliseconds(cfg.Scan.BatchDelayMs),
		Policy: fetch.Policy{
			Attempts: cfg.Scan.Attempts,
			Timeout:  config.Seconds(cfg.Scan.Timeout),
			Backoff:  fetch.Exponential(time.Second, 10*time.Second),
		},
	}, client)
}

// NewReconciler builds the reconciler described by cfg, with the S3 inventory
// as fast path when an endpoint is configured.
func NewReconciler(cfg config.Config, client *http.Client) *reconcile.Reconciler {
	opt := cfg.Optimization
	var fast reconcile.Inventory
	if inv := opt.Inventory; inv.Endpoint != "" {
		fast = &reconcile.S3Inventory{
			Endpoint:  inv.Endpoint,
			AccessKey: inv.AccessKey,
			SecretKey: inv.SecretKey,
			Bucket:    inv.Bucket,
			Prefix:    inv.Prefix,
			Suffix:    inv.Suffix,
			Secure:    !inv.Insecure,
			Timeout:   config.Seconds(inv.Timeout),
		}
	}
	probe := &reconcile.ProbeInventory{
		URLTemplate: opt.ProbeURLTemplate,
		Concurrency: opt.ProbeConcurrency,
		Pause:       config.Milliseconds(opt.ProbePauseMs),
		Timeout:     config.Seconds(opt.Timeout),
		Client:      client,
	}
	return reconcile.NewReconciler(fast, probe, reconcile.Config{
		ReportURLTemplate: opt.ReportURLTemplate,
		ReportConcurrency: opt.ReportConcurrency,
		ReportPause:       config.Milliseconds(opt.ReportPauseMs),
		ReportPolicy: fetch.Policy{
			Attempts: opt.ReportAttempts,
			Timeout:  config.Seconds(opt.Timeout),
			Backoff:  fetch.Linear(time.Second),
		},
	}, client)
}

func newMonitorServer(ctx context.Context, cfg config.Config, db store.Store, client *http.Client) *monitorServer {
	m := metrics.NewCollector()
	hub := ws.NewHub()
	h := history.New(db)
	wd := watchdog.NewWatchdog(db, h, m, config.Seconds(cfg.Monitor.OfflineTimeout), config.Seconds(cfg.Monitor.PurgeTimeout))
	scheduler := report.NewScheduler(NewScanner(cfg, client), NewReconciler(cfg, client), db, m, hub)
	fwd := trigger.NewForwarder(cfg.Producer.URL, cfg.Producer.Token,
		config.Seconds(cfg.Producer.SingleTimeout), config.Seconds(cfg.Producer.BulkTimeout), client, m)

	return &monitorServer{
		ctx:       ctx,
		cfg:       cfg,
		db:        db,
		adminHash: ensureAdminPassword(cfg.Monitor.AdminHashedPassword),
		metrics:   m,
		hub:       hub,
		watchdog:  wd,
		history:   h,
		sampler:   queuemetrics.NewSampler(db, m),
		scheduler: scheduler,
		trigger:   fwd,
	}
}

// Serve runs the monitor until SIGINT or SIGTERM.
func Serve(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	db, err := OpenStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := newMonitorServer(ctx, cfg, db, &http.Client{})
	if err := s.scheduler.Load(ctx); err != nil {
		log.Printf("⚠️ %v", err)
	}
	s.scheduler.Start(ctx, config.Seconds(cfg.Monitor.ReportInterval), !cfg.Monitor.SkipReportOnStart)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Monitor.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("Server listening on port %d...", cfg.Monitor.Port)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Println("Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := s.scheduler.Wait(sctx); err != nil {
		log.Printf("⚠️ report generation still running at exit: %v", err)
	}
	return nil
}
