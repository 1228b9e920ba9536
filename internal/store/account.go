package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
)

// Account kinds.
const (
	KindAmazonQ   = "amazonq"
	KindGemini    = "gemini"
	KindCustomAPI = "custom_api"
)

// Account is one upstream credential record. OtherJSON is a free-form bag;
// reserved keys are project, api_endpoint, api_base, model, format,
// modelMappings, creditsInfo, suspended, suspend_reason and token_expires_at.
type Account struct {
	ID                int64  `gorm:"primaryKey" json:"id"`
	Label             string `gorm:"size:255" json:"label"`
	Kind              string `gorm:"size:32;index" json:"kind"`
	ClientID          string `gorm:"size:512" json:"client_id,omitempty"`
	ClientSecret      string `gorm:"size:1024" json:"-"`
	RefreshToken      string `gorm:"type:text" json:"-"`
	AccessToken       string `gorm:"type:text" json:"-"`
	OtherJSON         string `gorm:"type:text" json:"other,omitempty"`
	LastRefreshTime   *time.Time `json:"last_refresh_time,omitempty"`
	LastRefreshStatus string `gorm:"size:64" json:"last_refresh_status,omitempty"`
	Enabled           bool   `gorm:"default:true;index" json:"enabled"`
	Weight            int    `gorm:"default:50" json:"weight"`
	RateLimitPerHour  int    `gorm:"default:20" json:"rate_limit_per_hour"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Other reads a path from the account's metadata bag.
func (a *Account) Other(path string) gjson.Result {
	return gjson.Get(a.OtherJSON, path)
}

// SetOther writes a path into the metadata bag.
func (a *Account) SetOther(path string, value any) {
	updated, err := sjson.Set(a.OtherJSON, path, value)
	if err == nil {
		a.OtherJSON = updated
	}
}

// MappedModel applies the account's modelMappings list to a requested model
// name, returning the input unchanged when no mapping matches.
func (a *Account) MappedModel(requestModel string) string {
	mappings := a.Other("modelMappings")
	if !mappings.IsArray() {
		return requestModel
	}
	mapped := requestModel
	mappings.ForEach(func(_, m gjson.Result) bool {
		if m.Get("requestModel").String() == requestModel {
			if target := m.Get("targetModel").String(); target != "" {
				mapped = target
			}
			return false
		}
		return true
	})
	return mapped
}

// ListEnabled returns enabled accounts, optionally filtered by kind.
func (s *Store) ListEnabled(kind string) ([]Account, error) {
	var accounts []Account
	q := s.db.Where("enabled = ?", true)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Order("id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list enabled accounts: %w", err)
	}
	return accounts, nil
}

// ListAll returns every account regardless of state.
func (s *Store) ListAll() ([]Account, error) {
	var accounts []Account
	if err := s.db.Order("id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// Get fetches one account by id.
func (s *Store) Get(id int64) (*Account, error) {
	var account Account
	if err := s.db.First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %d: %w", id, apperr.ErrNoAccountAvailable)
		}
		return nil, fmt.Errorf("failed to load account %d: %w", id, err)
	}
	return &account, nil
}

// Create inserts a new account. Weight and rate limit default when unset.
func (s *Store) Create(account *Account) error {
	if account.Weight <= 0 {
		account.Weight = 50
	}
	if account.Weight > 100 {
		account.Weight = 100
	}
	if account.RateLimitPerHour <= 0 {
		account.RateLimitPerHour = 20
	}
	if err := s.db.Create(account).Error; err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Update persists the given columns of an existing account. The kind column
// never changes after creation.
func (s *Store) Update(id int64, patch map[string]any) error {
	delete(patch, "kind")
	delete(patch, "id")
	if err := s.db.Model(&Account{}).Where("id = ?", id).Updates(patch).Error; err != nil {
		return fmt.Errorf("failed to update account %d: %w", id, err)
	}
	return nil
}

// Save writes back a loaded account row in full.
func (s *Store) Save(account *Account) error {
	if err := s.db.Save(account).Error; err != nil {
		return fmt.Errorf("failed to save account %d: %w", account.ID, err)
	}
	return nil
}

// Delete removes an account and its call logs.
func (s *Store) Delete(id int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", id).Delete(&CallLog{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Account{}, id).Error
	})
}

// UpdateTokens stores the outcome of a refresh attempt: the new bearer, an
// optionally rotated refresh token, and the status string.
func (s *Store) UpdateTokens(id int64, accessToken, refreshToken, status string) error {
	now := time.Now()
	patch := map[string]any{
		"last_refresh_time":   &now,
		"last_refresh_status": status,
	}
	if accessToken != "" {
		patch["access_token"] = accessToken
	}
	if refreshToken != "" {
		patch["refresh_token"] = refreshToken
	}
	if err := s.db.Model(&Account{}).Where("id = ?", id).Updates(patch).Error; err != nil {
		return fmt.Errorf("failed to update tokens for account %d: %w", id, err)
	}
	return nil
}

// Disable turns an account off and records the suspension reason in the
// metadata bag.
func (s *Store) Disable(id int64, reason string) error {
	account, err := s.Get(id)
	if err != nil {
		return err
	}
	account.Enabled = false
	account.SetOther("suspended", true)
	if reason != "" {
		account.SetOther("suspend_reason", reason)
	}
	return s.Save(account)
}

// MarkModelExhausted records a zero remaining quota and its reset time for
// one model under creditsInfo.
func (s *Store) MarkModelExhausted(id int64, model, resetTime string) error {
	account, err := s.Get(id)
	if err != nil {
		return err
	}
	account.SetOther("creditsInfo.models."+escapeJSONPath(model)+".remainingFraction", 0.0)
	account.SetOther("creditsInfo.models."+escapeJSONPath(model)+".resetTime", resetTime)
	return s.Save(account)
}

// SetModelQuota stores a fresh per-model quota snapshot.
func (s *Store) SetModelQuota(id int64, model string, remainingFraction float64, resetTime string) error {
	account, err := s.Get(id)
	if err != nil {
		return err
	}
	account.SetOther("creditsInfo.models."+escapeJSONPath(model)+".remainingFraction", remainingFraction)
	if resetTime != "" {
		account.SetOther("creditsInfo.models."+escapeJSONPath(model)+".resetTime", resetTime)
	}
	return s.Save(account)
}

// ModelQuotaAvailable reports whether the account may serve the given model,
// auto-restoring the quota to 1.0 when its reset time has passed. The
// restored snapshot is persisted best-effort.
func (s *Store) ModelQuotaAvailable(account *Account, model string) bool {
	info := account.Other("creditsInfo.models." + escapeJSONPath(model))
	if !info.Exists() {
		return true
	}
	if info.Get("remainingFraction").Float() > 0 {
		return true
	}
	resetTime := info.Get("resetTime").String()
	if resetTime == "" {
		return false
	}
	reset, err := time.Parse(time.RFC3339, resetTime)
	if err != nil || time.Now().Before(reset) {
		return false
	}
	account.SetOther("creditsInfo.models."+escapeJSONPath(model)+".remainingFraction", 1.0)
	_ = s.Save(account)
	return true
}

// escapeJSONPath protects dots in model names from being read as path
// separators by gjson/sjson.
func escapeJSONPath(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '.' || s[i] == '*' || s[i] == '?' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
