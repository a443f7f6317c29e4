package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server/history"
	"github.com/gridops/abmonitor/server/queuemetrics"
	"github.com/gridops/abmonitor/server/report"
	"github.com/gridops/abmonitor/server/store"
	"github.com/gridops/abmonitor/server/trigger"
)

const maxBodySize = 1 << 20

// QueueStatus is the latest sample and downsampled history of one entity type.
type QueueStatus struct {
	Latest  *model.QueueSample  `json:"latest"`
	History []model.QueueSample `json:"history"`
}

// StatusResponse is the aggregate served to the dashboard.
type StatusResponse struct {
	Consumers         []model.Consumer                 `json:"consumers"`
	Queues            map[model.EntityKind]QueueStatus `json:"queues"`
	RecentHistory     []model.HistoryEntry             `json:"recentHistory"`
	ProcessedLastHour int                              `json:"processedLastHour"`
	Range             queuemetrics.Range               `json:"range"`
	GeneratedAt       time.Time                        `json:"generatedAt"`
}

type ReportResponse struct {
	Status report.Status  `json:"status"`
	Report *report.Report `json:"report,omitempty"`
}

type QueueMetricRequest struct {
	EntityType string `json:"entityType"`
	QueueDepth *int   `json:"queueDepth"`
}

type TriggerRequest struct {
	EntityIDs  []string `json:"entityIds"`
	Prioritize bool     `json:"prioritize"`
}

func (s *monitorServer) routes() http.Handler {
	mux := http.NewServeMux()
	secret := s.cfg.Monitor.MonitoringSecret

	mux.HandleFunc("POST /api/monitoring/heartbeat", requireSecret(secret, s.handleHeartbeat))
	mux.HandleFunc("POST /api/monitoring/job-complete", requireSecret(secret, s.handleJobComplete))
	mux.HandleFunc("POST /api/monitoring/queue-metrics", requireSecret(secret, s.handleQueueMetrics))

	mux.HandleFunc("GET /api/monitoring/status", s.handleStatus)
	mux.HandleFunc("GET /api/monitoring/ranking", s.handleRanking)
	mux.HandleFunc("GET /api/monitoring/history", s.handleHistory)
	mux.HandleFunc("GET /api/report", s.handleReport)
	mux.HandleFunc("GET /api/report/history", s.handleReportHistory)

	mux.HandleFunc("POST /api/report/generate", requireAdmin(s.adminHash, s.handleGenerate))
	mux.HandleFunc("POST /api/trigger", requireAdmin(s.adminHash, s.handleTrigger))

	mux.Handle("GET /ws", s.hub)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *monitorServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb model.Heartbeat
	if err := decode(w, r, &hb); err != nil {
		writeError(w, err)
		return
	}
	if err := hb.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.watchdog.RecordHeartbeat(r.Context(), hb); err != nil {
		writeError(w, fmt.Errorf("record heartbeat: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *monitorServer) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	var j model.JobCompletion
	if err := decode(w, r, &j); err != nil {
		writeError(w, err)
		return
	}
	if j.DurationMs == 0 && !j.StartedAt.IsZero() && j.CompletedAt.After(j.StartedAt) {
		j.DurationMs = j.CompletedAt.Sub(j.StartedAt).Milliseconds()
	}
	if err := j.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.watchdog.RecordJobComplete(r.Context(), j); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *monitorServer) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	var req QueueMetricRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.QueueDepth == nil {
		writeError(w, fmt.Errorf("%w: missing queueDepth", model.ErrValidation))
		return
	}
	kind, err := model.ParseEntityKind(req.EntityType)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.sampler.RecordSample(r.Context(), kind, *req.QueueDepth); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *monitorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rng, err := queuemetrics.ParseRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, err)
		return
	}
	consumers, err := s.watchdog.ListConsumers(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	latest, err := s.sampler.LatestAll(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := StatusResponse{
		Consumers:   consumers,
		Queues:      make(map[model.EntityKind]QueueStatus, len(model.EntityKinds)),
		Range:       rng,
		GeneratedAt: time.Now().UTC(),
	}
	for _, kind := range model.EntityKinds {
		hist, err := s.sampler.History(ctx, kind, rng)
		if err != nil {
			writeError(w, err)
			return
		}
		qs := QueueStatus{History: hist}
		if l, ok := latest[kind]; ok {
			qs.Latest = &l
		}
		if qs.History == nil {
			qs.History = []model.QueueSample{}
		}
		resp.Queues[kind] = qs
	}
	if resp.RecentHistory, err = s.history.Recent(ctx, history.DefaultLimit); err != nil {
		writeError(w, err)
		return
	}
	if resp.ProcessedLastHour, err = s.history.ProcessedInLastHour(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *monitorServer) handleRanking(w http.ResponseWriter, r *http.Request) {
	ranking, err := s.history.Ranking(r.Context(), history.DefaultLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if ranking == nil {
		ranking = []model.RankingEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ranking": ranking})
}

func (s *monitorServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.Recent(r.Context(), history.DefaultLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *monitorServer) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ReportResponse{Status: s.scheduler.Status(), Report: s.scheduler.Latest()})
}

func (s *monitorServer) handleReportHistory(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, fmt.Errorf("%w: days must be a positive integer", model.ErrValidation))
			return
		}
		days = n
	}
	sums, err := s.scheduler.History(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	if sums == nil {
		sums = []model.OptimizationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": sums})
}

func (s *monitorServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	// the run outlives the request
	if !s.scheduler.Trigger(s.ctx) {
		writeError(w, report.ErrAlreadyRunning)
		return
	}
	writeJSON(w, http.StatusAccepted, s.scheduler.Status())
}

func (s *monitorServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.trigger.Trigger(r.Context(), req.EntityIDs, req.Prioritize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", model.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ failed to write response: %v", err)
	}
}

// writeError maps err to a status code; unexpected errors are logged.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, report.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, trigger.ErrNotConfigured):
		code = http.StatusServiceUnavailable
	default:
		log.Printf("⚠️ request failed: %v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
