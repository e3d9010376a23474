// ABOUTME: Usage ledger interface and data types for koine-gateway persistence
// ABOUTME: Defines UsageRecord, UsageFilter, and UsageStats

package store

import (
	"context"
	"time"
)

// UsageRecord is the token consumption of one completed execution.
type UsageRecord struct {
	ID           string
	RequestID    string
	Endpoint     string // e.g. "/generate-text"
	SessionID    string
	Model        string
	Subject      string // authenticated caller
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
}

// UsageFilter narrows GetUsageStats. Nil fields do not filter.
type UsageFilter struct {
	Since    *time.Time
	Until    *time.Time
	Endpoint *string
}

// UsageStats aggregates usage records.
type UsageStats struct {
	TotalInput   int64        `json:"totalInput"`
	TotalOutput  int64        `json:"totalOutput"`
	TotalTokens  int64        `json:"totalTokens"`
	RequestCount int64        `json:"requestCount"`
	ByModel      []ModelUsage `json:"byModel"`
}

// ModelUsage is the per-model slice of UsageStats.
type ModelUsage struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	RequestCount int64  `json:"requestCount"`
}

// UsageStore persists and aggregates usage records.
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *UsageRecord) error
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
	Close() error
}
