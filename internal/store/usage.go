package store

import (
	"fmt"
	"time"
)

// UsageRecord is one completed request's token accounting.
type UsageRecord struct {
	ID                       int64     `gorm:"primaryKey" json:"id"`
	RequestID                string    `gorm:"size:64;index" json:"request_id"`
	AccountID                int64     `gorm:"index" json:"account_id"`
	Channel                  string    `gorm:"size:32" json:"channel"`
	Model                    string    `gorm:"size:128;index" json:"model"`
	InputTokens              int       `json:"input_tokens"`
	OutputTokens             int       `json:"output_tokens"`
	CacheCreationInputTokens int       `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int       `json:"cache_read_input_tokens"`
	TotalTokens              int       `json:"total_tokens"`
	CreatedAt                time.Time `gorm:"index" json:"created_at"`
}

// UsageSummaryRow is one aggregated bucket of the usage report.
type UsageSummaryRow struct {
	Model        string `json:"model,omitempty"`
	AccountID    int64  `json:"account_id,omitempty"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CacheRead    int64  `json:"cache_read_input_tokens"`
	CacheWrite   int64  `json:"cache_creation_input_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
}

// AppendUsage stores one usage row.
func (s *Store) AppendUsage(rec *UsageRecord) error {
	rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// RecentUsage returns the newest usage rows, capped at limit.
func (s *Store) RecentUsage(limit int) ([]UsageRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []UsageRecord
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load recent usage: %w", err)
	}
	return rows, nil
}

// UsageSummary aggregates usage over a period ("hour", "day", "week",
// "month", "all") grouped by "model", "account" or "all".
func (s *Store) UsageSummary(period, groupBy string) ([]UsageSummaryRow, error) {
	q := s.db.Model(&UsageRecord{})

	var since time.Time
	now := time.Now()
	switch period {
	case "hour":
		since = now.Add(-time.Hour)
	case "day":
		since = now.Add(-24 * time.Hour)
	case "week":
		since = now.Add(-7 * 24 * time.Hour)
	case "month":
		since = now.Add(-30 * 24 * time.Hour)
	case "all", "":
	default:
		return nil, fmt.Errorf("unknown usage period %q", period)
	}
	if !since.IsZero() {
		q = q.Where("created_at > ?", since)
	}

	agg := "COUNT(*) AS requests, SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens, " +
		"SUM(cache_read_input_tokens) AS cache_read, SUM(cache_creation_input_tokens) AS cache_write, " +
		"SUM(total_tokens) AS total_tokens"

	var rows []UsageSummaryRow
	var err error
	switch groupBy {
	case "model":
		err = q.Select("model, " + agg).Group("model").Scan(&rows).Error
	case "account":
		err = q.Select("account_id, " + agg).Group("account_id").Scan(&rows).Error
	case "all", "":
		err = q.Select(agg).Scan(&rows).Error
	default:
		return nil, fmt.Errorf("unknown usage grouping %q", groupBy)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return rows, nil
}
