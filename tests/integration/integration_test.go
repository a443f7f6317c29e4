package integration_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridops/abmonitor/cli"
	"github.com/gridops/abmonitor/client/event"
	"github.com/gridops/abmonitor/lib"
	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server"
	"github.com/gridops/abmonitor/server/config"
)

func captureOutput(f func()) string {
	// Create a pipe to capture stdout
	r, w, _ := os.Pipe()
	oldStdout := os.Stdout
	os.Stdout = w

	var buf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(&buf, r)
	}()

	// Run the function that prints output
	f()

	// Restore stdout
	w.Close()
	os.Stdout = oldStdout
	wg.Wait()
	return buf.String()
}

func runCLICommand(serverURL string, args []string) (string, error) {
	os.Args = append([]string{"abmonitor", "--server", serverURL}, args...)

	var err error
	output := captureOutput(func() {
		err = cli.Run(cli.CLI{})
	})
	return output, err
}

// upstream fakes the content server, the optimized output CDN and the producer.
type upstream struct {
	mu     sync.Mutex
	queued []string
}

func (u *upstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /content/entities/active", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Pointers []string `json:"pointers"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode([]model.Entity{{ID: "bafy-" + body.Pointers[0], Kind: model.KindScene, Pointers: body.Pointers}})
	})
	mux.HandleFunc("HEAD /cdn/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") == "bafy-0,0_windows.json" || r.PathValue("name") == "bafy-2,0_windows.json" {
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /cdn/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") == "bafy-2,0-report.json" {
			json.NewEncoder(w).Encode(model.OptimizationReport{Success: false, Error: "shader compilation failed"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /producer/queue-task", func(w http.ResponseWriter, r *http.Request) {
		var task struct {
			EntityID string `json:"entityId"`
		}
		json.NewDecoder(r.Body).Decode(&task)
		u.mu.Lock()
		u.queued = append(u.queued, task.EntityID)
		u.mu.Unlock()
	})
	return mux
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test needs docker")
	}

	// Define the PostgreSQL test container with proper readiness check
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":        "test",
			"POSTGRES_PASSWORD":    "test",
			"POSTGRES_DB":          "abmonitor_test",
			"POSTGRES_INITDB_ARGS": "--encoding=UTF8",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgres://test:test@%s:%s/abmonitor_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start container: %v", err)
	}
	defer pgContainer.Terminate(context.Background())

	host, _ := pgContainer.Host(context.Background())
	pgPort, _ := pgContainer.MappedPort(context.Background(), "5432/tcp")
	dbURL := fmt.Sprintf("postgres://test:test@%s:%s/abmonitor_test?sslmode=disable", host, pgPort.Port())

	up := &upstream{}
	upSrv := httptest.NewServer(up.handler())
	defer upSrv.Close()

	// generate a random secret and operator password
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("Failed to generate random secret: %v", err)
	}
	secret := fmt.Sprintf("test-secret-%x", b)
	adminPassword := fmt.Sprintf("operator-%x", b)
	adminHashedPassword, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	serverPort := 18089
	serverURL := fmt.Sprintf("http://localhost:%d", serverPort)

	// Start server in a separate goroutine
	go func() {
		var cfg config.Config
		defaults.Set(&cfg)
		cfg.Monitor.DBURL = dbURL
		cfg.Monitor.Port = serverPort
		cfg.Monitor.MonitoringSecret = secret
		cfg.Monitor.AdminHashedPassword = string(adminHashedPassword)
		cfg.Monitor.ReportInterval = -1
		cfg.Scan.ContentURL = upSrv.URL + "/content"
		cfg.Scan.MinCoord, cfg.Scan.MaxCoord, cfg.Scan.BatchSize, cfg.Scan.BatchDelayMs = 0, 3, 4, 1
		cfg.Optimization.ProbeURLTemplate = upSrv.URL + "/cdn/%s_windows.json"
		cfg.Optimization.ReportURLTemplate = upSrv.URL + "/cdn/%s-report.json"
		cfg.Producer.URL = upSrv.URL + "/producer"
		if err := server.Serve(cfg); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(serverURL + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 20*time.Second, 200*time.Millisecond)

	//////////////////////////////////////////////////////////////////////////////
	//
	//                  Consumer
	//
	//////////////////////////////////////////////////////////////////////////////

	reporter := event.NewReporter(lib.CreateClient(serverURL, secret), "consumer-1", "unity", time.Hour)
	reporter.StartJob("bafy-1,1", true)
	reporter.Progress("convert", 50)
	require.NoError(t, reporter.Beat())

	output, err := runCLICommand(serverURL, []string{"status"})
	assert.NoError(t, err)
	assert.Contains(t, output, "consumer-1 | unity | processing | scene bafy-1,1 convert 50% ⚡")

	require.NoError(t, reporter.CompleteJob(model.KindScene, nil))
	require.NoError(t, reporter.Beat())
	require.NoError(t, reporter.QueueDepth(model.KindScene, 1234))

	output, err = runCLICommand(serverURL, []string{"status", "--range", "3h"})
	assert.NoError(t, err)
	assert.Contains(t, output, "consumer-1 | unity | idle | ✅ 1 ❌ 0")
	assert.Contains(t, output, "scene: 1,234 pending")
	assert.Contains(t, output, "Processed in the last hour: 1")

	output, err = runCLICommand(serverURL, []string{"history"})
	assert.NoError(t, err)
	assert.Contains(t, output, "✅ bafy-1,1 | consumer-1 | unity")

	output, err = runCLICommand(serverURL, []string{"ranking"})
	assert.NoError(t, err)
	assert.Contains(t, output, "#1 bafy-1,1 | consumer-1 | success")

	//////////////////////////////////////////////////////////////////////////////
	//
	//                  Report
	//
	//////////////////////////////////////////////////////////////////////////////

	// the first report runs at startup
	var ok bool
	for i := 0; i < 40; i++ {
		output, err = runCLICommand(serverURL, []string{"report", "show"})
		assert.NoError(t, err)
		if strings.Contains(output, "4 unique, 1 optimized (25.0%), 1 failed") {
			ok = true
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if !ok {
		t.Fatalf("report did not complete; last output:\n%s", output)
	}
	assert.Contains(t, output, "16 total, 16 occupied, 0 empty")

	os.Setenv(cli.PasswordEnv, adminPassword)
	defer os.Unsetenv(cli.PasswordEnv)

	output, err = runCLICommand(serverURL, []string{"report", "generate", "--wait"})
	assert.NoError(t, err)
	assert.Contains(t, output, "4 unique, 1 optimized (25.0%), 1 failed")

	output, err = runCLICommand(serverURL, []string{"report", "history", "--days", "7"})
	assert.NoError(t, err)
	assert.Equal(t, 2, strings.Count(output, "| 4 scenes | 25.0% optimized | 1 failed"))

	//////////////////////////////////////////////////////////////////////////////
	//
	//                  Trigger
	//
	//////////////////////////////////////////////////////////////////////////////

	output, err = runCLICommand(serverURL, []string{"trigger", "--prioritize", "bafy-1,1", " bafy-1,1 ", "bafy-3,3"})
	assert.NoError(t, err)
	assert.Contains(t, output, "2/2 queued")
	up.mu.Lock()
	assert.ElementsMatch(t, []string{"bafy-1,1", "bafy-3,3"}, up.queued)
	up.mu.Unlock()
}
