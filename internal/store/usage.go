// ABOUTME: SQLite implementation for token usage tracking
// ABOUTME: Records per-execution token counts and aggregates them for the stats endpoint

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SaveUsage stores a usage record, filling ID and CreatedAt when unset.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *UsageRecord) error {
	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO usage (
			id, request_id, endpoint, session_id, model, subject,
			input_tokens, output_tokens, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.RequestID,
		usage.Endpoint,
		usage.SessionID,
		usage.Model,
		usage.Subject,
		usage.InputTokens,
		usage.OutputTokens,
		usage.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"request_id", usage.RequestID,
		"endpoint", usage.Endpoint,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Endpoint != nil {
		where += " AND endpoint = ?"
		args = append(args, *filter.Endpoint)
	}
	if filter.Since != nil {
		where += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}
	if filter.Until != nil {
		where += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(timeFormat))
	}

	totals := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COUNT(*)
		FROM usage` + where

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, totals, args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.RequestCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	stats.TotalTokens = stats.TotalInput + stats.TotalOutput

	byModel := `
		SELECT model, SUM(input_tokens), SUM(output_tokens), COUNT(*)
		FROM usage` + where + `
		GROUP BY model
		ORDER BY model`

	rows, err := s.db.QueryContext(ctx, byModel, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage by model: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats.ByModel = []ModelUsage{}
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.InputTokens, &m.OutputTokens, &m.RequestCount); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		stats.ByModel = append(stats.ByModel, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return &stats, nil
}
