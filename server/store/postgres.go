package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/gridops/abmonitor/model"
)

//go:embed migrations/*
var embeddedMigrations embed.FS

type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to dbURL, applies the embedded migrations and returns the store.
func OpenPostgres(dbURL string, maxConns int) (*Postgres, error) {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return &Postgres{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	sourceDriver, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create embedded migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	log.Println("✅ Database migrated successfully!")
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) UpsertConsumer(ctx context.Context, hb model.Heartbeat, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO consumers (consumer_id, process_method, status, current_scene_id, current_step,
			progress_percent, started_at, last_heartbeat, is_priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (consumer_id) DO UPDATE SET
			process_method = EXCLUDED.process_method,
			status = EXCLUDED.status,
			current_scene_id = EXCLUDED.current_scene_id,
			current_step = EXCLUDED.current_step,
			progress_percent = EXCLUDED.progress_percent,
			started_at = EXCLUDED.started_at,
			last_heartbeat = EXCLUDED.last_heartbeat,
			is_priority = EXCLUDED.is_priority
	`, hb.ConsumerID, hb.ProcessMethod, string(hb.Status), nullString(hb.CurrentSceneID),
		nullString(hb.CurrentStep), hb.ProgressPercent, hb.StartedAt, now, hb.IsPriority)
	if err != nil {
		return fmt.Errorf("failed to upsert consumer %s: %w", hb.ConsumerID, err)
	}
	return nil
}

const consumerColumns = `consumer_id, process_method, status, current_scene_id, current_step,
	progress_percent, started_at, last_heartbeat, jobs_completed, jobs_failed,
	avg_processing_time_ms, is_priority, last_job_status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsumer(r rowScanner) (model.Consumer, error) {
	var (
		c                   model.Consumer
		status              string
		scene, step, lastJS sql.NullString
		started             sql.NullTime
	)
	err := r.Scan(&c.ID, &c.ProcessMethod, &status, &scene, &step, &c.ProgressPercent, &started,
		&c.LastHeartbeat, &c.JobsCompleted, &c.JobsFailed, &c.AvgProcessingTimeMs, &c.IsPriority, &lastJS)
	if err != nil {
		return c, err
	}
	c.Status = model.ConsumerStatus(status)
	c.CurrentSceneID = scene.String
	c.CurrentStep = step.String
	c.LastJobStatus = lastJS.String
	if started.Valid {
		t := started.Time
		c.StartedAt = &t
	}
	return c, nil
}

func (p *Postgres) UpdateConsumer(ctx context.Context, id string, fn ConsumerUpdate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := scanConsumer(tx.QueryRowContext(ctx,
		`SELECT `+consumerColumns+` FROM consumers WHERE consumer_id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("consumer %s: %w", id, ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to load consumer %s: %w", id, err)
	}
	if err := fn(&c); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE consumers SET
			status = $2, current_scene_id = $3, current_step = $4, progress_percent = $5,
			started_at = $6, jobs_completed = $7, jobs_failed = $8,
			avg_processing_time_ms = $9, is_priority = $10, last_job_status = $11
		WHERE consumer_id = $1
	`, id, string(c.Status), nullString(c.CurrentSceneID), nullString(c.CurrentStep), c.ProgressPercent,
		c.StartedAt, c.JobsCompleted, c.JobsFailed, c.AvgProcessingTimeMs, c.IsPriority, nullString(c.LastJobStatus))
	if err != nil {
		return fmt.Errorf("failed to update consumer %s: %w", id, err)
	}
	return tx.Commit()
}

func (p *Postgres) DeleteConsumersBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM consumers WHERE last_heartbeat < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("failed to purge consumers: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) ConsumersSince(ctx context.Context, t time.Time) ([]model.Consumer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+consumerColumns+` FROM consumers WHERE last_heartbeat > $1 ORDER BY last_heartbeat DESC`, t)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumers: %w", err)
	}
	defer rows.Close()
	var out []model.Consumer
	for rows.Next() {
		c, err := scanConsumer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consumer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertQueueSample(ctx context.Context, s model.QueueSample) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO queue_metrics (entity_type, queue_depth, recorded_at) VALUES ($1, $2, $3)`,
		string(s.EntityType), s.QueueDepth, s.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert queue sample: %w", err)
	}
	return nil
}

func (p *Postgres) TrimQueueSamples(ctx context.Context, kind model.EntityKind, keep int) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM queue_metrics
		WHERE entity_type = $1 AND id NOT IN (
			SELECT id FROM queue_metrics
			WHERE entity_type = $1
			ORDER BY recorded_at DESC, id DESC
			LIMIT $2
		)`, string(kind), keep)
	if err != nil {
		return 0, fmt.Errorf("failed to trim queue samples for %s: %w", kind, err)
	}
	return res.RowsAffected()
}

func (p *Postgres) LatestQueueSamples(ctx context.Context, kinds []model.EntityKind) (map[model.EntityKind]model.QueueSample, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (entity_type) entity_type, queue_depth, recorded_at
		FROM queue_metrics
		WHERE entity_type = ANY($1)
		ORDER BY entity_type, recorded_at DESC, id DESC
	`, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest queue samples: %w", err)
	}
	defer rows.Close()
	out := make(map[model.EntityKind]model.QueueSample)
	for rows.Next() {
		var s model.QueueSample
		var kind string
		if err := rows.Scan(&kind, &s.QueueDepth, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue sample: %w", err)
		}
		s.EntityType = model.EntityKind(kind)
		out[s.EntityType] = s
	}
	return out, rows.Err()
}

func (p *Postgres) QueueSamplesSince(ctx context.Context, kind model.EntityKind, t time.Time) ([]model.QueueSample, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT queue_depth, recorded_at FROM queue_metrics
		WHERE entity_type = $1 AND recorded_at >= $2
		ORDER BY recorded_at ASC, id ASC
	`, string(kind), t)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue samples: %w", err)
	}
	defer rows.Close()
	var out []model.QueueSample
	for rows.Next() {
		s := model.QueueSample{EntityType: kind}
		if err := rows.Scan(&s.QueueDepth, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue sample: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) CountQueueSamples(ctx context.Context, kind model.EntityKind) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_metrics WHERE entity_type = $1`, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue samples: %w", err)
	}
	return n, nil
}

func (p *Postgres) InsertHistory(ctx context.Context, e model.HistoryEntry) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO processing_history (consumer_id, scene_id, process_method, status, duration_ms,
			started_at, completed_at, error_message, is_priority, entity_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, e.ConsumerID, e.SceneID, e.ProcessMethod, e.Status, e.DurationMs, e.StartedAt, e.CompletedAt,
		nullString(e.ErrorMessage), e.IsPriority, nullString(e.EntityType), e.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert history entry: %w", err)
	}
	return id, nil
}

func (p *Postgres) DeleteHistoryBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM processing_history WHERE created_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

const historyColumns = `id, consumer_id, scene_id, process_method, status, duration_ms,
	started_at, completed_at, error_message, is_priority, entity_type, created_at`

func (p *Postgres) queryHistory(ctx context.Context, query string, args ...any) ([]model.HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()
	var out []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var errMsg, entityType sql.NullString
		if err := rows.Scan(&e.ID, &e.ConsumerID, &e.SceneID, &e.ProcessMethod, &e.Status, &e.DurationMs,
			&e.StartedAt, &e.CompletedAt, &errMsg, &e.IsPriority, &entityType, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.ErrorMessage = errMsg.String
		e.EntityType = entityType.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) RecentHistory(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	return p.queryHistory(ctx, `SELECT `+historyColumns+` FROM processing_history
		ORDER BY completed_at DESC, id DESC LIMIT $1`, limit)
}

func (p *Postgres) CountSuccessSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processing_history
		WHERE status = $1 AND completed_at >= $2`, model.JobSuccess, t).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count processed jobs: %w", err)
	}
	return n, nil
}

func (p *Postgres) SlowestSuccesses(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	return p.queryHistory(ctx, `SELECT `+historyColumns+` FROM processing_history
		WHERE status = $1
		ORDER BY duration_ms DESC, completed_at ASC, id ASC LIMIT $2`, model.JobSuccess, limit)
}

func (p *Postgres) InsertSummary(ctx context.Context, s model.OptimizationSummary) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO optimization_history (id, generated_at, total_lands, occupied_lands, empty_lands,
			unique_scenes, optimized_scenes, failed_scenes, failed_batches, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.GeneratedAt, s.TotalLands, s.OccupiedLands, s.EmptyLands, s.UniqueScenes,
		s.OptimizedScenes, s.FailedScenes, s.FailedBatches, s.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert optimization summary: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteSummariesBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM optimization_history WHERE generated_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("failed to prune optimization history: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) SummariesSince(ctx context.Context, t time.Time) ([]model.OptimizationSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, generated_at, total_lands, occupied_lands, empty_lands, unique_scenes,
			optimized_scenes, failed_scenes, failed_batches, duration_ms
		FROM optimization_history WHERE generated_at >= $1 ORDER BY generated_at ASC
	`, t)
	if err != nil {
		return nil, fmt.Errorf("failed to query optimization history: %w", err)
	}
	defer rows.Close()
	var out []model.OptimizationSummary
	for rows.Next() {
		var s model.OptimizationSummary
		if err := rows.Scan(&s.ID, &s.GeneratedAt, &s.TotalLands, &s.OccupiedLands, &s.EmptyLands,
			&s.UniqueScenes, &s.OptimizedScenes, &s.FailedScenes, &s.FailedBatches, &s.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan optimization summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadBlob(ctx context.Context, key string, dest any) error {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM memory_store WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("memory key %q: %w", key, ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("failed loading memory key %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed decoding memory key %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) SaveBlob(ctx context.Context, key string, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed encoding memory key %q: %w", key, err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO memory_store (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, data)
	if err != nil {
		return fmt.Errorf("failed saving memory key %q: %w", key, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
