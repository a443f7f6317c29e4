// Package trigger forwards (re)processing requests to the producer service
// that feeds the optimization queues.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridops/abmonitor/fetch"
	"github.com/gridops/abmonitor/model"
	"github.com/gridops/abmonitor/server/metrics"
)

// ErrNotConfigured is returned when no producer URL is set.
var ErrNotConfigured = errors.New("producer is not configured")

const bulkConcurrency = 10

type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result is best effort: some ids may be queued while others failed.
type Result struct {
	Total   int `json:"total"`
	Queued  int `json:"queued"`
	Failed  int `json:"failed"`
	Results struct {
		Success []string  `json:"success"`
		Failed  []Failure `json:"failed"`
	} `json:"results"`
}

type queueTask struct {
	EntityID   string `json:"entityId"`
	Prioritize bool   `json:"prioritize"`
}

type Forwarder struct {
	url           string
	token         string
	singleTimeout time.Duration
	bulkTimeout   time.Duration
	client        *http.Client
	metrics       *metrics.Collector
}

func NewForwarder(url, token string, singleTimeout, bulkTimeout time.Duration, client *http.Client, m *metrics.Collector) *Forwarder {
	if singleTimeout <= 0 {
		singleTimeout = 10 * time.Second
	}
	if bulkTimeout <= 0 {
		bulkTimeout = 55 * time.Second
	}
	return &Forwarder{
		url:           strings.TrimRight(url, "/"),
		token:         token,
		singleTimeout: singleTimeout,
		bulkTimeout:   bulkTimeout,
		client:        client,
		metrics:       m,
	}
}

// Trigger queues every id once. A single id has singleTimeout, a bulk
// request has bulkTimeout overall.
func (f *Forwarder) Trigger(ctx context.Context, ids []string, prioritize bool) (*Result, error) {
	if f.url == "" {
		return nil, ErrNotConfigured
	}
	ids = normalize(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: entityIds must not be empty", model.ErrValidation)
	}

	timeout := f.bulkTimeout
	if len(ids) == 1 {
		timeout = f.singleTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := fetch.NewBatcher(f.client, fetch.Policy{Attempts: 1, Timeout: timeout}, "trigger")
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}

	res := &Result{Total: len(ids)}
	res.Results.Success = []string{}
	res.Results.Failed = []Failure{}
	outcome := make([]error, len(ids))

	g := new(errgroup.Group)
	g.SetLimit(bulkConcurrency)
	var mu sync.Mutex
	for i, id := range ids {
		g.Go(func() error {
			body, err := json.Marshal(queueTask{EntityID: id, Prioritize: prioritize})
			if err == nil {
				_, err = b.Do(ctx, fetch.Request{Method: http.MethodPost, URL: f.url + "/queue-task", Body: body, Header: header})
			}
			mu.Lock()
			outcome[i] = err
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for i, id := range ids {
		if err := outcome[i]; err != nil {
			res.Results.Failed = append(res.Results.Failed, Failure{ID: id, Error: err.Error()})
			continue
		}
		res.Results.Success = append(res.Results.Success, id)
	}
	res.Queued = len(res.Results.Success)
	res.Failed = len(res.Results.Failed)
	f.metrics.Triggered(res.Queued, res.Failed)
	if res.Failed > 0 {
		log.Printf("⚠️ [trigger] %d/%d entities queued (prioritize=%v), first failure: %s: %s",
			res.Queued, res.Total, prioritize, res.Results.Failed[0].ID, res.Results.Failed[0].Error)
	} else {
		log.Printf("[trigger] %d entities queued (prioritize=%v)", res.Queued, prioritize)
	}
	return res, nil
}

func normalize(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
