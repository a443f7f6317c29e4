// Package lib is the Go client of the monitor HTTP API, used by the CLI and by
// consumers reporting their activity.
package lib

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gridops/abmonitor/fetch"
	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server"
	"github.com/gridops/abmonitor/server/report"
	"github.com/gridops/abmonitor/server/trigger"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	base    string
	secret  string
	batcher *fetch.Batcher
}

// CreateClient returns a client of the server at serverURL. secret is the
// monitoring secret, only needed for the ingest calls.
func CreateClient(serverURL, secret string) *Client {
	return &Client{
		base:    strings.TrimRight(serverURL, "/"),
		secret:  secret,
		batcher: fetch.NewBatcher(&http.Client{}, fetch.Policy{Attempts: 1, Timeout: defaultTimeout}, "api"),
	}
}

// WithPolicy sets the retry policy of every call.
func (c *Client) WithPolicy(p fetch.Policy) *Client {
	c.batcher.Policy = p
	if c.batcher.Policy.Attempts < 1 {
		c.batcher.Policy.Attempts = 1
	}
	return c
}

// WithHTTPClient replaces the underlying http client, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.batcher.Client = hc
	return c
}

func (c *Client) call(ctx context.Context, method, path string, header http.Header, in, out any) error {
	if header == nil {
		header = http.Header{}
	}
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		header.Set("Content-Type", "application/json")
	}
	data, err := c.batcher.Do(ctx, fetch.Request{Method: method, URL: c.base + path, Body: body, Header: header})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) ingest(ctx context.Context, path string, in any) error {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.secret)
	return c.call(ctx, http.MethodPost, path, h, in, nil)
}

func admin(password string) http.Header {
	h := http.Header{}
	h.Set(server.AdminPasswordHeader, password)
	return h
}

func (c *Client) Heartbeat(ctx context.Context, hb model.Heartbeat) error {
	return c.ingest(ctx, "/api/monitoring/heartbeat", hb)
}

func (c *Client) JobComplete(ctx context.Context, j model.JobCompletion) error {
	return c.ingest(ctx, "/api/monitoring/job-complete", j)
}

func (c *Client) QueueMetrics(ctx context.Context, kind model.EntityKind, depth int) error {
	return c.ingest(ctx, "/api/monitoring/queue-metrics", server.QueueMetricRequest{EntityType: string(kind), QueueDepth: &depth})
}

// Status returns the monitoring aggregate, rng being one of 1h, 3h, 6h, 12h, 24h, 3d, 7d.
func (c *Client) Status(ctx context.Context, rng string) (*server.StatusResponse, error) {
	var out server.StatusResponse
	path := "/api/monitoring/status"
	if rng != "" {
		path += "?range=" + url.QueryEscape(rng)
	}
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Ranking(ctx context.Context) ([]model.RankingEntry, error) {
	var out struct {
		Ranking []model.RankingEntry `json:"ranking"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/monitoring/ranking", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Ranking, nil
}

func (c *Client) History(ctx context.Context) ([]model.HistoryEntry, error) {
	var out struct {
		History []model.HistoryEntry `json:"history"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/monitoring/history", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

func (c *Client) Report(ctx context.Context) (*server.ReportResponse, error) {
	var out server.ReportResponse
	if err := c.call(ctx, http.MethodGet, "/api/report", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReportHistory(ctx context.Context, days int) ([]model.OptimizationSummary, error) {
	var out struct {
		History []model.OptimizationSummary `json:"history"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/report/history?days="+strconv.Itoa(days), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Generate asks for a report run. A *fetch.StatusError with code 409 means a
// run is already in progress.
func (c *Client) Generate(ctx context.Context, password string) (*report.Status, error) {
	var out report.Status
	if err := c.call(ctx, http.MethodPost, "/api/report/generate", admin(password), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Trigger(ctx context.Context, password string, ids []string, prioritize bool) (*trigger.Result, error) {
	var out trigger.Result
	req := server.TriggerRequest{EntityIDs: ids, Prioritize: prioritize}
	if err := c.call(ctx, http.MethodPost, "/api/trigger", admin(password), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
