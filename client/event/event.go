// Package event reports the activity of a consumer to the monitor: a
// heartbeat loop carrying the current job, job completions and queue depths.
package event

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gridops/abmonitor/lib"
	"github.com/gridops/abmonitor/model"
)

const (
	maxAttempts      = 3
	retryPause       = 2 * time.Second
	defaultTimeout   = 5 * time.Second
	maxTimeout       = 15 * time.Second
	defaultHeartbeat = 10 * time.Second
)

// Reporter keeps the current state of a consumer and sends it to the monitor.
type Reporter struct {
	Client   *lib.Client
	Interval time.Duration // heartbeat period
	Timeout  time.Duration // per-call timeout, grows on retries
	Now      func() time.Time
	Sleep    func(time.Duration)

	mu    sync.Mutex
	state model.Heartbeat

	startOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

func NewReporter(client *lib.Client, consumerID, processMethod string, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	return &Reporter{
		Client:   client,
		Interval: interval,
		Timeout:  defaultTimeout,
		Now:      time.Now,
		Sleep:    time.Sleep,
		state: model.Heartbeat{
			ConsumerID:    consumerID,
			ProcessMethod: processMethod,
			Status:        model.StatusIdle,
		},
		quit: make(chan struct{}),
	}
}

// Start sends a heartbeat now and then every Interval until Stop.
func (r *Reporter) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
	})
}

func (r *Reporter) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		if err := r.Beat(); err != nil {
			log.Printf("⚠️ Heartbeat failed: %v", err)
		}
		select {
		case <-r.quit:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the heartbeat loop and waits for the current send.
func (r *Reporter) Stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	r.wg.Wait()
}

// State returns a copy of the state sent with the next heartbeat.
func (r *Reporter) State() model.Heartbeat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Beat sends the current state once, without retry: the next tick will.
func (r *Reporter) Beat() error {
	hb := r.State()
	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()
	return r.Client.Heartbeat(ctx, hb)
}

// StartJob marks the consumer processing sceneID.
func (r *Reporter) StartJob(sceneID string, priority bool) {
	now := r.Now()
	r.mu.Lock()
	r.state.Status = model.StatusProcessing
	r.state.CurrentSceneID = sceneID
	r.state.CurrentStep = ""
	r.state.ProgressPercent = 0
	r.state.StartedAt = &now
	r.state.IsPriority = priority
	r.mu.Unlock()
}

// Progress updates the step and percentage of the current job.
func (r *Reporter) Progress(step string, pct int) {
	pct = min(max(pct, 0), 100)
	r.mu.Lock()
	r.state.CurrentStep = step
	r.state.ProgressPercent = pct
	r.mu.Unlock()
}

// CompleteJob reports the end of the current job and puts the consumer back
// to idle, even when the report could not be delivered. jobErr nil means success.
func (r *Reporter) CompleteJob(entityType model.EntityKind, jobErr error) error {
	now := r.Now()
	r.mu.Lock()
	st := r.state
	r.state.Status = model.StatusIdle
	r.state.CurrentSceneID = ""
	r.state.CurrentStep = ""
	r.state.ProgressPercent = 0
	r.state.StartedAt = nil
	r.state.IsPriority = false
	r.mu.Unlock()

	started := now
	if st.StartedAt != nil {
		started = *st.StartedAt
	}
	j := model.JobCompletion{
		ConsumerID:    st.ConsumerID,
		SceneID:       st.CurrentSceneID,
		ProcessMethod: st.ProcessMethod,
		Status:        model.JobSuccess,
		StartedAt:     started,
		CompletedAt:   now,
		DurationMs:    now.Sub(started).Milliseconds(),
		IsPriority:    st.IsPriority,
		EntityType:    string(entityType),
	}
	if jobErr != nil {
		j.Status = model.JobFailed
		j.ErrorMessage = jobErr.Error()
	}
	err := r.withRetry("job completion", func(ctx context.Context) error { return r.Client.JobComplete(ctx, j) })
	if err == nil {
		log.Printf("✅ Job %s reported as %s (%s)", j.SceneID, j.Status, time.Duration(j.DurationMs)*time.Millisecond)
	}
	return err
}

// QueueDepth reports the number of pending jobs of kind.
func (r *Reporter) QueueDepth(kind model.EntityKind, depth int) error {
	return r.withRetry("queue depth", func(ctx context.Context) error { return r.Client.QueueMetrics(ctx, kind, depth) })
}

// withRetry makes a few attempts, the timeout growing at each one.
func (r *Reporter) withRetry(what string, send func(ctx context.Context) error) error {
	timeout := max(r.Timeout, defaultTimeout)
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = send(ctx)
		cancel()
		if err == nil {
			return nil
		}
		log.Printf("⚠️ Failed to send %s (attempt %d/%d): %v", what, attempt, maxAttempts, err)
		if attempt < maxAttempts {
			r.Sleep(retryPause)
			timeout = min(timeout+5*time.Second, maxTimeout)
		}
	}
	return err
}
