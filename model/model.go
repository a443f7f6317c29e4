// Package model holds the types shared by the scanner, the reconciler and the
// monitoring engine, as they travel on the wire and in storage.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrValidation is wrapped by every boundary validation failure.
var ErrValidation = errors.New("validation failed")

type EntityKind string

const (
	KindScene    EntityKind = "scene"
	KindWearable EntityKind = "wearable"
	KindEmote    EntityKind = "emote"
)

// EntityKinds lists the entity types the queues are tracked for, in display order.
var EntityKinds = []EntityKind{KindScene, KindWearable, KindEmote}

// ParseEntityKind accepts the singular or plural form ("scenes") of a kind.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	switch k {
	case KindScene, KindWearable, KindEmote:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", ErrValidation, s)
}

// Entity is a content entity identified by its content hash.
type Entity struct {
	ID       string     `json:"id"`
	Kind     EntityKind `json:"type"`
	Pointers []string   `json:"pointers"`
}

// Land is one grid coordinate, empty when EntityID is "".
type Land struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	EntityID string `json:"entityId,omitempty"`
}

func (l Land) Empty() bool { return l.EntityID == "" }

// Pointer returns the "x,y" pointer used by the content server.
func Pointer(x, y int) string { return fmt.Sprintf("%d,%d", x, y) }

// OptimizationReport is the per entity outcome written by the optimizer.
// It is never modified here.
type OptimizationReport struct {
	EntityID   string         `json:"entityId,omitempty"`
	Success    bool           `json:"success"`
	FatalError bool           `json:"fatalError,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// SceneStatus is a reconciled entity.
type SceneStatus struct {
	Entity
	HasOptimizedAssets bool                `json:"hasOptimizedAssets"`
	Report             *OptimizationReport `json:"optimizationReport,omitempty"`
}

type ConsumerStatus string

const (
	StatusIdle       ConsumerStatus = "idle"
	StatusProcessing ConsumerStatus = "processing"
	// StatusOffline is only ever computed when reading, it is never stored.
	StatusOffline ConsumerStatus = "offline"
)

// Consumer is a worker process performing optimization jobs.
type Consumer struct {
	ID                  string         `json:"id"`
	ProcessMethod       string         `json:"processMethod"`
	Status              ConsumerStatus `json:"status"`
	CurrentSceneID      string         `json:"currentSceneId,omitempty"`
	CurrentStep         string         `json:"currentStep,omitempty"`
	ProgressPercent     int            `json:"progressPercent"`
	StartedAt           *time.Time     `json:"startedAt,omitempty"`
	LastHeartbeat       time.Time      `json:"lastHeartbeat"`
	JobsCompleted       int            `json:"jobsCompleted"`
	JobsFailed          int            `json:"jobsFailed"`
	AvgProcessingTimeMs int64          `json:"avgProcessingTimeMs"`
	IsPriority          bool           `json:"isPriority"`
	LastJobStatus       string         `json:"lastJobStatus,omitempty"`
}

// Heartbeat is the periodic liveness report of a consumer.
type Heartbeat struct {
	ConsumerID      string         `json:"consumerId"`
	ProcessMethod   string         `json:"processMethod"`
	Status          ConsumerStatus `json:"status"`
	CurrentSceneID  string         `json:"currentSceneId,omitempty"`
	CurrentStep     string         `json:"currentStep,omitempty"`
	ProgressPercent int            `json:"progressPercent,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	IsPriority      bool           `json:"isPriority,omitempty"`
}

// UnmarshalJSON accepts a fractional progressPercent and rounds it to the
// nearest integer.
func (h *Heartbeat) UnmarshalJSON(data []byte) error {
	type plain Heartbeat
	aux := struct {
		*plain
		ProgressPercent float64 `json:"progressPercent,omitempty"`
	}{plain: (*plain)(h)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	h.ProgressPercent = int(math.Round(aux.ProgressPercent))
	return nil
}

func (h Heartbeat) Validate() error {
	var missing []string
	if h.ConsumerID == "" {
		missing = append(missing, "consumerId")
	}
	if h.ProcessMethod == "" {
		missing = append(missing, "processMethod")
	}
	if h.Status == "" {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if h.Status != StatusIdle && h.Status != StatusProcessing {
		return fmt.Errorf("%w: status must be idle or processing, got %q", ErrValidation, h.Status)
	}
	if h.ProgressPercent < 0 || h.ProgressPercent > 100 {
		return fmt.Errorf("%w: progressPercent out of range: %d", ErrValidation, h.ProgressPercent)
	}
	return nil
}

const (
	JobSuccess = "success"
	JobFailed  = "failed"
)

// JobCompletion is sent by a consumer at the end of every job.
type JobCompletion struct {
	ConsumerID    string    `json:"consumerId"`
	SceneID       string    `json:"sceneId"`
	ProcessMethod string    `json:"processMethod"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"startedAt"`
	CompletedAt   time.Time `json:"completedAt"`
	DurationMs    int64     `json:"durationMs"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	IsPriority    bool      `json:"isPriority,omitempty"`
	EntityType    string    `json:"entityType,omitempty"`
}

func (j JobCompletion) Validate() error {
	var missing []string
	if j.ConsumerID == "" {
		missing = append(missing, "consumerId")
	}
	if j.SceneID == "" {
		missing = append(missing, "sceneId")
	}
	if j.ProcessMethod == "" {
		missing = append(missing, "processMethod")
	}
	if j.Status == "" {
		missing = append(missing, "status")
	}
	if j.StartedAt.IsZero() {
		missing = append(missing, "startedAt")
	}
	if j.CompletedAt.IsZero() {
		missing = append(missing, "completedAt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if j.DurationMs < 0 {
		return fmt.Errorf("%w: durationMs must be positive", ErrValidation)
	}
	return nil
}

// Succeeded reports whether the job ended with a success status.
func (j JobCompletion) Succeeded() bool { return j.Status == JobSuccess }

// HistoryEntry is one recorded job completion.
type HistoryEntry struct {
	ID            int64     `json:"id"`
	ConsumerID    string    `json:"consumerId"`
	SceneID       string    `json:"sceneId"`
	ProcessMethod string    `json:"processMethod"`
	Status        string    `json:"status"`
	DurationMs    int64     `json:"durationMs"`
	StartedAt     time.Time `json:"startedAt"`
	CompletedAt   time.Time `json:"completedAt"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	IsPriority    bool      `json:"isPriority"`
	EntityType    string    `json:"entityType,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewHistoryEntry converts a completion event into a history row stamped at now.
func NewHistoryEntry(j JobCompletion, now time.Time) HistoryEntry {
	return HistoryEntry{
		ConsumerID:    j.ConsumerID,
		SceneID:       j.SceneID,
		ProcessMethod: j.ProcessMethod,
		Status:        j.Status,
		DurationMs:    j.DurationMs,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		ErrorMessage:  j.ErrorMessage,
		IsPriority:    j.IsPriority,
		EntityType:    j.EntityType,
		CreatedAt:     now,
	}
}

// RankingEntry is computed when read, never stored.
type RankingEntry struct {
	Rank int `json:"rank"`
	HistoryEntry
}

// QueueSample is a queue depth measured for an entity type.
type QueueSample struct {
	EntityType EntityKind `json:"entityType"`
	QueueDepth int        `json:"queueDepth"`
	RecordedAt time.Time  `json:"recordedAt"`
}

// OptimizationSummary is the long lived trace of one report run.
type OptimizationSummary struct {
	ID              string    `json:"id"`
	GeneratedAt     time.Time `json:"generatedAt"`
	TotalLands      int       `json:"totalLands"`
	OccupiedLands   int       `json:"occupiedLands"`
	EmptyLands      int       `json:"emptyLands"`
	UniqueScenes    int       `json:"uniqueScenes"`
	OptimizedScenes int       `json:"optimizedScenes"`
	FailedScenes    int       `json:"failedScenes"`
	FailedBatches   int       `json:"failedBatches"`
	DurationMs      int64     `json:"durationMs"`
}

// OptimizedPercent is the share of unique scenes having optimized assets.
func (s OptimizationSummary) OptimizedPercent() float64 {
	if s.UniqueScenes == 0 {
		return 0
	}
	return float64(s.OptimizedScenes) * 100 / float64(s.UniqueScenes)
}
