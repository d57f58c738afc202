// Package archive mirrors monitoring state (executions, metric samples and
// alerts) into Postgres with idempotent upserts.
package archive

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"market-data-collector/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Archive wraps pgxpool for the monitoring mirror.
type Archive struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres and applies the schema.
func New(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := &Archive{pool: pool}
	if err := a.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *Archive) migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := migrationFS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		if _, err := a.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}
	}
	return nil
}

// SaveExecution upserts one execution keyed by (collector_type, execution_id).
func (a *Archive) SaveExecution(ctx context.Context, rec models.ExecutionRecord) error {
	errs, err := jsonOr(rec.Errors, "[]")
	if err != nil {
		return err
	}
	warnings, err := jsonOr(rec.Warnings, "[]")
	if err != nil {
		return err
	}
	meta, err := jsonOr(rec.Metadata, "{}")
	if err != nil {
		return err
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO collector_executions
			(collector_type, execution_id, start_time, end_time, status, records_collected, errors, warnings, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (collector_type, execution_id) DO UPDATE
		SET end_time = EXCLUDED.end_time,
		    status = EXCLUDED.status,
		    records_collected = EXCLUDED.records_collected,
		    errors = EXCLUDED.errors,
		    warnings = EXCLUDED.warnings,
		    metadata = EXCLUDED.metadata,
		    archived_at = NOW()
	`, rec.CollectorType, rec.ExecutionID, rec.StartTime, rec.EndTime, string(rec.Status),
		rec.RecordsCollected, errs, warnings, meta)
	if err != nil {
		return fmt.Errorf("upsert execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// SaveSamples upserts metric samples keyed by (collector_type, metric, ts) in one round trip.
func (a *Archive) SaveSamples(ctx context.Context, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range samples {
		batch.Queue(`
			INSERT INTO performance_samples (collector_type, metric, ts, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (collector_type, metric, ts) DO UPDATE SET value = EXCLUDED.value
		`, s.CollectorType, s.Metric, s.Timestamp, s.Value)
	}
	br := a.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range samples {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert samples: %w", err)
		}
	}
	return nil
}

// SaveAlert upserts an alert by id; later saves carry acknowledge/resolve changes.
func (a *Archive) SaveAlert(ctx context.Context, alert models.Alert) error {
	meta, err := jsonOr(alert.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO alerts (id, level, collector_type, message, ts, metadata, acknowledged, resolved, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET acknowledged = EXCLUDED.acknowledged,
		    resolved = EXCLUDED.resolved,
		    resolved_at = EXCLUDED.resolved_at
	`, alert.ID, string(alert.Level), alert.CollectorType, alert.Message, alert.Timestamp, meta,
		alert.Acknowledged, alert.Resolved, alert.ResolvedAt)
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", alert.ID, err)
	}
	return nil
}

// RecentExecutions returns the newest archived executions for a collector.
func (a *Archive) RecentExecutions(ctx context.Context, collectorType string, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.pool.Query(ctx, `
		SELECT collector_type, execution_id, start_time, end_time, status, records_collected, errors, warnings, metadata
		FROM collector_executions
		WHERE collector_type = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, collectorType, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionRecord
	for rows.Next() {
		var (
			rec                    models.ExecutionRecord
			status                 string
			end                    pgtype.Timestamptz
			errsJSON, warnJSON, md []byte
		)
		if err := rows.Scan(&rec.CollectorType, &rec.ExecutionID, &rec.StartTime, &end, &status,
			&rec.RecordsCollected, &errsJSON, &warnJSON, &md); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Status = models.ExecutionStatus(status)
		if end.Valid {
			t := end.Time
			rec.EndTime = &t
		}
		if err := errors.Join(
			json.Unmarshal(errsJSON, &rec.Errors),
			json.Unmarshal(warnJSON, &rec.Warnings),
			json.Unmarshal(md, &rec.Metadata),
		); err != nil {
			return nil, fmt.Errorf("decode execution %s: %w", rec.ExecutionID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneBefore deletes archived executions and samples older than cutoff, and
// resolved alerts raised before it.
func (a *Archive) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var total int64
	for _, q := range []string{
		`DELETE FROM collector_executions WHERE start_time < $1`,
		`DELETE FROM performance_samples WHERE ts < $1`,
		`DELETE FROM alerts WHERE resolved AND ts < $1`,
	} {
		tag, err := tx.Exec(ctx, q, cutoff)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		total += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

func jsonOr(v any, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}
