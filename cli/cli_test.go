package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridops/abmonitor/lib"
	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server"
	"github.com/gridops/abmonitor/server/report"
	"github.com/gridops/abmonitor/server/trigger"
)

func captureOutput(t *testing.T, f func()) string {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	oldStdout := os.Stdout
	os.Stdout = w

	var buf bytes.Buffer
	copied := make(chan struct{})
	go func() {
		io.Copy(&buf, r)
		close(copied)
	}()

	f()

	w.Close()
	os.Stdout = oldStdout
	<-copied
	return buf.String()
}

func newCLI(t *testing.T, h http.Handler) *CLI {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &CLI{Client: lib.CreateClient(srv.URL, ""), Attr: Attr{Server: srv.URL, TimeOut: 5}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestHashPassword(t *testing.T) {
	c := &CLI{}
	c.Attr.HashPassword = &struct {
		Password string `arg:"positional" help:"Password to hash, prompted when omitted"`
	}{Password: "MySuperPassword"}

	var err error
	out := captureOutput(t, func() { err = c.Execute() })
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("MySuperPassword")))
}

func TestStatus(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	c := newCLI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/monitoring/status", r.URL.Path)
		assert.Equal(t, "3h", r.URL.Query().Get("range"))
		writeJSON(w, server.StatusResponse{
			Consumers: []model.Consumer{{
				ID: "consumer-1", ProcessMethod: "unity", Status: model.StatusProcessing,
				CurrentSceneID: "bafy1", CurrentStep: "convert", ProgressPercent: 40,
				StartedAt: &started, LastHeartbeat: time.Now(), JobsCompleted: 1200, AvgProcessingTimeMs: 90000,
				IsPriority: true,
			}},
			Queues: map[model.EntityKind]server.QueueStatus{
				model.KindScene: {Latest: &model.QueueSample{EntityType: model.KindScene, QueueDepth: 1234, RecordedAt: time.Now()}},
			},
			ProcessedLastHour: 42,
			Range:             "3h",
		})
	}))
	c.Attr.Status = &struct {
		Range string `arg:"-r,--range" default:"1h" help:"Queue history window: 1h, 3h, 6h, 12h, 24h, 3d or 7d"`
	}{Range: "3h"}

	var err error
	out := captureOutput(t, func() { err = c.Execute() })
	require.NoError(t, err)
	assert.Contains(t, out, "consumer-1 | unity | processing | scene bafy1 convert 40% ⚡")
	assert.Contains(t, out, "✅ 1,200 ❌ 0 | avg 1m30s")
	assert.Contains(t, out, "scene: 1,234 pending")
	assert.Contains(t, out, "wearable: no data")
	assert.Contains(t, out, "Processed in the last hour: 42")
}

func TestTriggerReportsFailures(t *testing.T) {
	t.Setenv(PasswordEnv, "operator")
	c := newCLI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "operator", r.Header.Get(server.AdminPasswordHeader))
		var req server.TriggerRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Prioritize)
		res := trigger.Result{Total: 2, Queued: 1, Failed: 1}
		res.Results.Success = []string{req.EntityIDs[0]}
		res.Results.Failed = []trigger.Failure{{ID: req.EntityIDs[1], Error: "HTTP 404"}}
		writeJSON(w, res)
	}))
	c.Attr.Trigger = &struct {
		Prioritize bool     `arg:"-p,--prioritize" help:"Put the entities in front of the queue"`
		IDs        []string `arg:"positional,required" help:"Entity ids to queue for optimization"`
	}{Prioritize: true, IDs: []string{"bafy1", "bafy2"}}

	var err error
	out := captureOutput(t, func() { err = c.Execute() })
	assert.EqualError(t, err, "1 entities could not be queued")
	assert.Contains(t, out, "✅ bafy1 queued")
	assert.Contains(t, out, "❌ bafy2: HTTP 404")
	assert.Contains(t, out, "1/2 queued")
}

type generateAttr = struct {
	Wait bool `arg:"-w,--wait" help:"Follow the run until it ends"`
}

func reportCLI(t *testing.T, h http.Handler, wait bool) *CLI {
	c := newCLI(t, h)
	c.Attr.Report = &struct {
		Show *struct {
			Scenes bool `arg:"--scenes" help:"List every scene with its optimization status"`
		} `arg:"subcommand:show" help:"Show the last optimization report"`

		History *struct {
			Days int `arg:"--days" default:"30" help:"How many days of summaries to list"`
		} `arg:"subcommand:history" help:"List past optimization summaries"`

		Generate *struct {
			Wait bool `arg:"-w,--wait" help:"Follow the run until it ends"`
		} `arg:"subcommand:generate" help:"Start a report run on the server"`
	}{Generate: &generateAttr{Wait: wait}}
	return c
}

func TestGenerateWhileRunning(t *testing.T) {
	t.Setenv(PasswordEnv, "operator")
	c := reportCLI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"report generation already in progress"}`, http.StatusConflict)
	}), false)

	var err error
	out := captureOutput(t, func() { err = c.Execute() })
	require.NoError(t, err)
	assert.Contains(t, out, "already being generated")
}

func TestGenerateAndWait(t *testing.T) {
	t.Setenv(PasswordEnv, "operator")
	defer func(d time.Duration) { followInterval = d }(followInterval)
	followInterval = time.Millisecond
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/report/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, report.Status{IsGenerating: true, Phase: report.PhaseScanning})
	})
	mux.HandleFunc("GET /api/report", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			writeJSON(w, server.ReportResponse{Status: report.Status{IsGenerating: true, Phase: report.PhaseReconciling, Progress: 60}})
			return
		}
		writeJSON(w, server.ReportResponse{
			Status: report.Status{Phase: report.PhaseIdle, HasData: true},
			Report: &report.Report{Summary: model.OptimizationSummary{
				GeneratedAt: time.Now(), TotalLands: 90601, OccupiedLands: 40000, EmptyLands: 50601,
				UniqueScenes: 200, OptimizedScenes: 150, FailedScenes: 10,
			}},
		})
	})
	c := reportCLI(t, mux, true)

	var err error
	out := captureOutput(t, func() { err = c.Execute() })
	require.NoError(t, err)
	assert.Equal(t, int32(3), polls.Load())
	assert.Contains(t, out, "Report generation started")
	assert.Contains(t, out, "90,601 total")
	assert.Contains(t, out, "150 optimized (75.0%)")
}

func TestScanLocal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /content/entities/active", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Pointers []string `json:"pointers"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, []model.Entity{{ID: "scene-" + body.Pointers[0], Kind: model.KindScene, Pointers: body.Pointers}})
	})
	mux.HandleFunc("HEAD /cdn/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") == "scene-0,0_windows.json" {
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /cdn/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	up := httptest.NewServer(mux)
	defer up.Close()

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "abmonitor.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
scan:
  content_url: `+up.URL+`/content
  min_coord: 0
  max_coord: 3
  batch_size: 4
  batch_delay_ms: 1
optimization:
  probe_url_template: `+up.URL+`/cdn/%s_windows.json
  report_url_template: `+up.URL+`/cdn/%s-report.json
  probe_pause_ms: 1
  report_pause_ms: 1
`), 0o644))

	output := filepath.Join(dir, "report.json")
	c := &CLI{Attr: Attr{TimeOut: 5}}
	c.Attr.Scan = &struct {
		Config string `arg:"-c,--config" help:"Server configuration file, defaults are used when omitted"`
		Output string `arg:"-o,--output" help:"Write the full report as JSON to this file"`
	}{Config: cfgFile, Output: output}

	var err error
	out := captureOutput(t, func() { err = c.Execute() })
	require.NoError(t, err)
	assert.Contains(t, out, "16 total, 16 occupied, 0 empty")
	assert.Contains(t, out, "4 unique, 1 optimized (25.0%)")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var rep report.Report
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Len(t, rep.Scenes, 4)
	assert.Len(t, rep.Lands, 16)
	assert.Equal(t, 1, rep.Summary.OptimizedScenes)
}
