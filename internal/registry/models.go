// Package registry resolves client-requested model names: it normalizes
// them to the CodeWhisperer model ids, maps them to Gemini targets, and
// decides which provider channel serves a request.
package registry

import (
	"strings"
	"time"

	"github.com/amq2api/amq2api/internal/store"
)

// CodeWhisperer model ids.
const (
	ModelSonnet46 = "claude-sonnet-4.6"
	ModelSonnet45 = "claude-sonnet-4.5"
	ModelOpus46   = "claude-opus-4.6"
	ModelOpus45   = "claude-opus-4.5"
	ModelHaiku45  = "claude-haiku-4.5"
)

// NormalizeCodeWhispererModel maps any client model name onto the closest
// CodeWhisperer model id. Unknown names fall back to the default Sonnet.
func NormalizeCodeWhispererModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "sonnet"):
		if strings.Contains(m, "4.6") || strings.Contains(m, "4-6") {
			return ModelSonnet46
		}
		return ModelSonnet45
	case strings.Contains(m, "opus"):
		if strings.Contains(m, "4.5") || strings.Contains(m, "4-5") {
			return ModelOpus45
		}
		return ModelOpus46
	case strings.Contains(m, "haiku"):
		return ModelHaiku45
	}
	return ModelSonnet45
}

// GeminiTarget resolves the Gemini model for a Claude model name using the
// runtime model_mapping table, falling back to the generic Sonnet target.
func GeminiTarget(cs *store.ConfigStore, model string) string {
	if target, ok := cs.StringMap(store.SettingModelMapping)[model]; ok && target != "" {
		return target
	}
	return "claude-sonnet-4-5"
}

// Channel decides which provider kind serves the requested model, given the
// runtime-configured model lists. The zero return means no channel pin; the
// caller falls back to a weighted draw across all enabled accounts.
func Channel(cs *store.ConfigStore, model string) string {
	for _, m := range cs.StringList(store.SettingGeminiOnlyModels) {
		if m == model {
			return store.KindGemini
		}
	}
	for _, m := range cs.StringList(store.SettingAmazonQOnlyModels) {
		if m == model {
			return store.KindAmazonQ
		}
	}
	return ""
}

// ModelList is the OpenAI-compatible /v1/models payload. The created stamp
// is fixed per process start.
var modelListCreated = time.Now().Unix()

// ListModels returns the advertised model ids, preferring the configured
// supported_models list when non-empty.
func ListModels(cs *store.ConfigStore) []map[string]any {
	models := cs.StringList(store.SettingSupportedModels)
	if len(models) == 0 {
		models = []string{ModelSonnet46, ModelSonnet45, ModelOpus46, ModelOpus45, ModelHaiku45}
	}
	out := make([]map[string]any, 0, len(models))
	for _, id := range models {
		out = append(out, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  modelListCreated,
			"owned_by": "anthropic",
		})
	}
	return out
}
