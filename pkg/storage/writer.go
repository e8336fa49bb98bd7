// Package storage persists normalized deal records in Postgres. Writes are
// idempotent merge-by-primary-key upserts on (deal_id, tenant_id, scan_id),
// so re-running the same page produces no duplicate rows and no error, and
// concurrent scans never collide because the key includes scan_id.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/dealsync/hubspot-etl/pkg/transform"
)

// Prometheus metrics for storage operations.
var (
	etlRowsUpsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_rows_upserted_total",
		Help: "Total deal rows written via upsert",
	})

	etlUpsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "etl_upsert_duration_seconds",
		Help:    "Batch upsert duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS deal_records (
	deal_id      TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	scan_id      TEXT NOT NULL,
	extracted_at TIMESTAMPTZ NOT NULL,
	deal_name    TEXT,
	amount       NUMERIC(14,2),
	deal_stage   TEXT,
	pipeline     TEXT,
	close_date   TEXT,
	description  TEXT,
	deal_type    TEXT,
	created_at   TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ,
	archived     BOOLEAN NOT NULL DEFAULT FALSE,
	properties   JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (deal_id, tenant_id, scan_id)
);

CREATE INDEX IF NOT EXISTS idx_deal_records_scan ON deal_records (scan_id, deal_id);
`

const upsertSQL = `
INSERT INTO deal_records
(deal_id, tenant_id, scan_id, extracted_at,
 deal_name, amount, deal_stage, pipeline, close_date, description, deal_type,
 created_at, updated_at, archived, properties)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (deal_id, tenant_id, scan_id) DO UPDATE SET
 extracted_at = EXCLUDED.extracted_at,
 deal_name    = EXCLUDED.deal_name,
 amount       = EXCLUDED.amount,
 deal_stage   = EXCLUDED.deal_stage,
 pipeline     = EXCLUDED.pipeline,
 close_date   = EXCLUDED.close_date,
 description  = EXCLUDED.description,
 deal_type    = EXCLUDED.deal_type,
 created_at   = EXCLUDED.created_at,
 updated_at   = EXCLUDED.updated_at,
 archived     = EXCLUDED.archived,
 properties   = EXCLUDED.properties;`

const resultsSQL = `
SELECT deal_id, tenant_id, scan_id, extracted_at,
       deal_name, amount, deal_stage, pipeline, close_date, description, deal_type,
       created_at, updated_at, archived, properties
FROM deal_records
WHERE scan_id = $1
ORDER BY deal_id
LIMIT $2 OFFSET $3;`

// Writer persists deal records through a pgx connection pool.
type Writer struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewWriter creates a storage writer on the given pool.
func NewWriter(pool *pgxpool.Pool, logger zerolog.Logger) *Writer {
	return &Writer{
		pool:   pool,
		logger: logger,
	}
}

// NewPool opens a pgx pool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the deal_records table when missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Upsert writes a batch of records, merging by primary key. Returns the
// number of rows written. Safe to call repeatedly with overlapping batches.
func (w *Writer) Upsert(ctx context.Context, records []transform.DealRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	start := time.Now()
	batch := &pgx.Batch{}
	for _, r := range records {
		props, err := json.Marshal(r.Properties)
		if err != nil {
			return 0, fmt.Errorf("marshal properties for deal %s: %w", r.DealID, err)
		}
		batch.Queue(upsertSQL,
			r.DealID, r.TenantID, r.ScanID, r.ExtractedAt,
			r.DealName, r.Amount, r.DealStage, r.Pipeline, r.CloseDate, r.Description, r.DealType,
			r.CreatedAt, r.UpdatedAt, r.Archived, props,
		)
	}

	results := w.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for range records {
		if _, err := results.Exec(); err != nil {
			return written, fmt.Errorf("upsert batch: %w", err)
		}
		written++
	}

	etlRowsUpsertedTotal.Add(float64(written))
	etlUpsertDuration.Observe(time.Since(start).Seconds())

	w.logger.Debug().
		Int("rows", written).
		Dur("duration", time.Since(start)).
		Msg("Batch upserted")

	return written, nil
}

// Results returns a page of a scan's records ordered by deal id.
func (w *Writer) Results(ctx context.Context, scanID string, limit, offset int) ([]transform.DealRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := w.pool.Query(ctx, resultsSQL, scanID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	var out []transform.DealRecord
	for rows.Next() {
		var r transform.DealRecord
		var props []byte
		if err := rows.Scan(
			&r.DealID, &r.TenantID, &r.ScanID, &r.ExtractedAt,
			&r.DealName, &r.Amount, &r.DealStage, &r.Pipeline, &r.CloseDate, &r.Description, &r.DealType,
			&r.CreatedAt, &r.UpdatedAt, &r.Archived, &props,
		); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if len(props) > 0 {
			if err := json.Unmarshal(props, &r.Properties); err != nil {
				return nil, fmt.Errorf("parse properties for deal %s: %w", r.DealID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByScan returns the number of rows written for a scan.
func (w *Writer) CountByScan(ctx context.Context, scanID string) (int64, error) {
	var count int64
	err := w.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM deal_records WHERE scan_id = $1", scanID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting rows: %w", err)
	}
	return count, nil
}
