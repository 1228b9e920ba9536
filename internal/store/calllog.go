package store

import (
	"fmt"
	"time"
)

// CallLog is an append-only record of one dispatched request, used for the
// per-hour rate limit and the account stats view.
type CallLog struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	AccountID int64     `gorm:"index:idx_call_logs_account_ts" json:"account_id"`
	Timestamp time.Time `gorm:"index:idx_call_logs_account_ts" json:"timestamp"`
	Model     string    `gorm:"size:128" json:"model"`
}

// CallStats summarizes an account's recent call volume.
type CallStats struct {
	Hour      int64 `json:"hour"`
	Day       int64 `json:"day"`
	Total     int64 `json:"total"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
}

// RecordCall appends a call log row for the account.
func (s *Store) RecordCall(accountID int64, model string) error {
	row := CallLog{AccountID: accountID, Timestamp: time.Now(), Model: model}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record call for account %d: %w", accountID, err)
	}
	return nil
}

// CheckRateLimit reports whether the account is still under its hourly cap.
func (s *Store) CheckRateLimit(accountID int64) (bool, error) {
	account, err := s.Get(accountID)
	if err != nil {
		return false, err
	}
	if account.RateLimitPerHour <= 0 {
		return true, nil
	}
	var count int64
	since := time.Now().Add(-time.Hour)
	err = s.db.Model(&CallLog{}).
		Where("account_id = ? AND timestamp > ?", accountID, since).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count calls for account %d: %w", accountID, err)
	}
	return count < int64(account.RateLimitPerHour), nil
}

// CallStats computes hour/day/total counters and the remaining hourly budget.
func (s *Store) CallStats(accountID int64) (*CallStats, error) {
	account, err := s.Get(accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	stats := &CallStats{Limit: account.RateLimitPerHour}
	counts := []struct {
		since time.Time
		dst   *int64
	}{
		{now.Add(-time.Hour), &stats.Hour},
		{now.Add(-24 * time.Hour), &stats.Day},
		{time.Time{}, &stats.Total},
	}
	for _, c := range counts {
		q := s.db.Model(&CallLog{}).Where("account_id = ?", accountID)
		if !c.since.IsZero() {
			q = q.Where("timestamp > ?", c.since)
		}
		if err = q.Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("failed to compute call stats for account %d: %w", accountID, err)
		}
	}
	stats.Remaining = stats.Limit - int(stats.Hour)
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}
	return stats, nil
}

// PruneCallLogs removes rows older than the longest query window.
func (s *Store) PruneCallLogs() (int64, error) {
	cutoff := time.Now().Add(-24 * time.Hour)
	res := s.db.Where("timestamp < ?", cutoff).Delete(&CallLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune call logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
