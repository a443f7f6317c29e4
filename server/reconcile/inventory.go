package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gridops/abmonitor/fetch"
)

// Inventory tells which entities already have optimized output.
type Inventory interface {
	Name() string
	// Init prepares the inventory for a run. An error means it cannot serve
	// this run and another inventory must be used.
	Init(ctx context.Context) error
	// Optimized returns the ids among ids having optimized output. progress is
	// called with the number of ids checked so far.
	Optimized(ctx context.Context, ids []string, progress func(done int)) (map[string]bool, error)
}

// S3Inventory lists the optimized outputs of a bucket once per run.
type S3Inventory struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Suffix    string
	Secure    bool
	Timeout   time.Duration

	listed map[string]bool
}

func (s *S3Inventory) Name() string { return "s3://" + s.Bucket + "/" + s.Prefix }

// Init lists every object under the prefix and keeps the ids of the ones
// ending with the suffix.
func (s *S3Inventory) Init(ctx context.Context) error {
	if s.Endpoint == "" || s.Bucket == "" {
		return errors.New("inventory endpoint or bucket not configured")
	}
	client, err := minio.New(s.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s.AccessKey, s.SecretKey, ""),
		Secure: s.Secure,
	})
	if err != nil {
		return fmt.Errorf("create s3 client: %w", err)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	listed := make(map[string]bool)
	for obj := range client.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{Prefix: s.Prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", s.Name(), obj.Err)
		}
		if id, ok := s.entityID(obj.Key); ok {
			listed[id] = true
		}
	}
	log.Printf("[reconcile] inventory %s lists %d optimized entities", s.Name(), len(listed))
	s.listed = listed
	return nil
}

func (s *S3Inventory) entityID(key string) (string, bool) {
	name := strings.TrimPrefix(key, s.Prefix)
	if !strings.HasSuffix(name, s.Suffix) {
		return "", false
	}
	id := strings.TrimSuffix(name, s.Suffix)
	return id, id != "" && !strings.Contains(id, "/")
}

func (s *S3Inventory) Optimized(_ context.Context, ids []string, progress func(done int)) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range ids {
		if s.listed[id] {
			out[id] = true
		}
	}
	if progress != nil {
		progress(len(ids))
	}
	return out, nil
}

// ProbeInventory sends a HEAD request per entity.
type ProbeInventory struct {
	URLTemplate string
	Concurrency int
	Pause       time.Duration
	Timeout     time.Duration
	Client      *http.Client
	Sleep       func(context.Context, time.Duration) error
}

func (p *ProbeInventory) Name() string { return "probe " + p.URLTemplate }

func (p *ProbeInventory) Init(context.Context) error {
	if !strings.Contains(p.URLTemplate, "%s") {
		return fmt.Errorf("probe url template %q has no %%s", p.URLTemplate)
	}
	return nil
}

// Optimized probes ids Concurrency at a time. A failed probe counts as not optimized.
func (p *ProbeInventory) Optimized(ctx context.Context, ids []string, progress func(done int)) (map[string]bool, error) {
	b := fetch.NewBatcher(p.Client, fetch.Policy{Attempts: 1, Timeout: p.Timeout}, "probe")
	sleep := p.Sleep
	if sleep == nil {
		sleep = fetch.SleepContext
	}
	var mu sync.Mutex
	out := make(map[string]bool)
	failed := 0
	err := forEachBatch(ctx, ids, p.Concurrency, p.Pause, sleep, func(ctx context.Context, id string) {
		_, err := b.Do(ctx, fetch.Request{Method: http.MethodHead, URL: fmt.Sprintf(p.URLTemplate, id)})
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			out[id] = true
		case fetch.IsNotFound(err):
		default:
			failed++
		}
	}, progress)
	if failed > 0 {
		log.Printf("⚠️ [reconcile] %d/%d probes failed, counted as not optimized", failed, len(ids))
	}
	return out, err
}
