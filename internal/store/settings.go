package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"gorm.io/gorm/clause"
)

// Setting is one persisted runtime-configuration value, stored as JSON.
type Setting struct {
	Key   string `gorm:"primaryKey;size:64" json:"key"`
	Value string `gorm:"type:text" json:"value"`
}

// Runtime-config keys the admin API may read and write.
const (
	SettingGeminiOnlyModels  = "gemini_only_models"
	SettingAmazonQOnlyModels = "amazonq_only_models"
	SettingSupportedModels   = "supported_models"
	SettingModelMapping      = "model_mapping"
)

// SettingKeys is the whitelist enforced by the /v2/config handlers.
var SettingKeys = []string{
	SettingGeminiOnlyModels,
	SettingAmazonQOnlyModels,
	SettingSupportedModels,
	SettingModelMapping,
}

var defaultSettings = map[string]any{
	SettingGeminiOnlyModels: []string{
		"claude-sonnet-4-5-thinking",
		"claude-opus-4-5-thinking",
	},
	SettingAmazonQOnlyModels: []string{
		"claude-sonnet-4",
		"claude-haiku-4.5",
	},
	SettingSupportedModels: []string{},
	SettingModelMapping:    map[string]string{},
}

// ConfigStore is an in-memory snapshot of the settings table. Reads happen
// on every request, so the snapshot avoids a query per dispatch; writes go
// through the table first and then refresh the snapshot.
type ConfigStore struct {
	mu     sync.RWMutex
	store  *Store
	values map[string]string
}

// NewConfigStore loads the settings table, seeding any missing key with its
// default.
func NewConfigStore(s *Store) (*ConfigStore, error) {
	cs := &ConfigStore{store: s, values: make(map[string]string)}

	var rows []Setting
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	for _, row := range rows {
		cs.values[row.Key] = row.Value
	}
	for key, def := range defaultSettings {
		if _, ok := cs.values[key]; ok {
			continue
		}
		raw, err := json.Marshal(def)
		if err != nil {
			return nil, err
		}
		cs.values[key] = string(raw)
	}
	return cs, nil
}

// StringList decodes a settings key holding a JSON array of strings.
func (c *ConfigStore) StringList(key string) []string {
	c.mu.RLock()
	raw := c.values[key]
	c.mu.RUnlock()

	var list []string
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &list)
	}
	return list
}

// StringMap decodes a settings key holding a JSON object of strings.
func (c *ConfigStore) StringMap(key string) map[string]string {
	c.mu.RLock()
	raw := c.values[key]
	c.mu.RUnlock()

	m := make(map[string]string)
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	return m
}

// Snapshot returns every whitelisted key decoded for the admin API.
func (c *ConfigStore) Snapshot() map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(SettingKeys))
	for _, key := range SettingKeys {
		out[key] = json.RawMessage(c.values[key])
	}
	return out
}

// Set validates that key is whitelisted and value is valid JSON, persists
// it, and refreshes the snapshot.
func (c *ConfigStore) Set(key string, value json.RawMessage) error {
	allowed := false
	for _, k := range SettingKeys {
		if k == key {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("config key %q is not writable", key)
	}
	if !json.Valid(value) {
		return fmt.Errorf("config key %q: value is not valid JSON", key)
	}

	row := Setting{Key: key, Value: string(value)}
	err := c.store.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to persist config key %q: %w", key, err)
	}

	c.mu.Lock()
	c.values[key] = string(value)
	c.mu.Unlock()
	return nil
}
