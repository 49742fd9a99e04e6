package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"scrape-queue/pkg/job"
)

// Client stores job records in Postgres. Rows carry their source id so each
// source queue only ever reads and writes its own rows.
type Client struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string, maxConns int) (*Client, error) {
	// Parse connection string into pgxpool.Config to allow tweaking settings.
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// InitSchema creates the job table if it does not exist.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS extraction_jobs (
        id TEXT PRIMARY KEY,
        source_id TEXT NOT NULL,
        user_id TEXT,
        priority INTEGER NOT NULL DEFAULT 0,
        status TEXT NOT NULL,
        progress INTEGER NOT NULL DEFAULT 0,
        attempts_made INTEGER NOT NULL DEFAULT 0,
        max_attempts INTEGER NOT NULL DEFAULT 3,
        parameters JSONB NOT NULL DEFAULT '{}',
        result JSONB,
        failure_reason TEXT,
        last_error TEXT,
        created_at TIMESTAMPTZ NOT NULL,
        processed_on TIMESTAMPTZ,
        finished_on TIMESTAMPTZ,
        available_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_extraction_jobs_source ON extraction_jobs (source_id, status);
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

func (c *Client) Save(ctx context.Context, rec *job.Record) error {
	params, err := json.Marshal(rec.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters for %s: %w", rec.ID, err)
	}
	var result []byte
	if rec.Result != nil {
		if result, err = json.Marshal(rec.Result); err != nil {
			return fmt.Errorf("encode result for %s: %w", rec.ID, err)
		}
	}

	query := `
        INSERT INTO extraction_jobs (id, source_id, user_id, priority, status, progress, attempts_made, max_attempts,
            parameters, result, failure_reason, last_error, created_at, processed_on, finished_on, available_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            progress = EXCLUDED.progress,
            attempts_made = EXCLUDED.attempts_made,
            result = EXCLUDED.result,
            failure_reason = EXCLUDED.failure_reason,
            last_error = EXCLUDED.last_error,
            processed_on = EXCLUDED.processed_on,
            finished_on = EXCLUDED.finished_on,
            available_at = EXCLUDED.available_at,
            updated_at = NOW()
    `
	_, err = c.pool.Exec(ctx, query,
		rec.ID, rec.SourceID, nullString(rec.UserID), rec.Priority, string(rec.Status), rec.Progress,
		rec.AttemptsMade, rec.MaxAttempts, params, result, nullString(rec.FailureReason),
		nullString(rec.LastError), rec.CreatedAt, rec.ProcessedOn, rec.FinishedOn, rec.AvailableAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.ID, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, sourceID, jobID string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM extraction_jobs WHERE id = $1 AND source_id = $2`, jobID, sourceID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

func (c *Client) Load(ctx context.Context, sourceID string) ([]*job.Record, error) {
	query := `SELECT id, source_id, user_id, priority, status, progress, attempts_made, max_attempts,
                     parameters, result, failure_reason, last_error, created_at, processed_on, finished_on, available_at
              FROM extraction_jobs WHERE source_id = $1 ORDER BY created_at`
	rows, err := c.pool.Query(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load jobs for %s: %w", sourceID, err)
	}
	defer rows.Close()

	recs := []*job.Record{}
	for rows.Next() {
		var (
			rec                        job.Record
			status                     string
			userID, failure, lastError sql.NullString
			params, result             []byte
			processedOn, finishedOn    *time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.SourceID, &userID, &rec.Priority, &status, &rec.Progress,
			&rec.AttemptsMade, &rec.MaxAttempts, &params, &result, &failure, &lastError,
			&rec.CreatedAt, &processedOn, &finishedOn, &rec.AvailableAt); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		rec.Status = job.Status(status)
		rec.UserID = userID.String
		rec.FailureReason = failure.String
		rec.LastError = lastError.String
		rec.ProcessedOn = processedOn
		rec.FinishedOn = finishedOn
		if len(params) > 0 {
			if err := json.Unmarshal(params, &rec.Parameters); err != nil {
				return nil, fmt.Errorf("decode parameters for %s: %w", rec.ID, err)
			}
		}
		if len(result) > 0 {
			rec.Result = &job.Result{}
			if err := json.Unmarshal(result, rec.Result); err != nil {
				return nil, fmt.Errorf("decode result for %s: %w", rec.ID, err)
			}
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
