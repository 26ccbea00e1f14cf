// Package repository persists per-request usage records. Conversation
// content is never stored; only accounting metadata.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/modelbridge/gateway/internal/queue"
)

// UsageRepository records usage events.
type UsageRepository interface {
	Record(ctx context.Context, event queue.UsageEvent) error
}

type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgres(databaseURL string) (*PostgresUsageRepository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresUsageRepository{db: db}, nil
}

func NewPostgresWithDB(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, event queue.UsageEvent) error {
	query := `
		INSERT INTO usage_records (correlation_id, dialect, provider, model, backend_model, input_tokens, output_tokens, latency_ms, attempts, degraded, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.CorrelationID,
		event.Dialect,
		event.Provider,
		event.Model,
		event.BackendModel,
		event.InputTokens,
		event.OutputTokens,
		event.LatencyMs,
		event.Attempts,
		event.Degraded,
		event.Status,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// UsageSince returns aggregate token counts per model since a point in time.
func (r *PostgresUsageRepository) UsageSince(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `
		SELECT model, COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM usage_records
		WHERE created_at >= $1
		GROUP BY model
	`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var model string
		var tokens int
		if err := rows.Scan(&model, &tokens); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		totals[model] = tokens
	}
	return totals, rows.Err()
}

func (r *PostgresUsageRepository) Close() error {
	return r.db.Close()
}
