package domain

// DefaultModel is used when a request names no model or an unknown one.
const DefaultModel = "chatgpt-4o-latest"

// ModelInfo describes a selectable completion model.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SupportedModels is the catalogue offered to clients.
var SupportedModels = []ModelInfo{
	{ID: "chatgpt-4o-latest", Name: "ChatGPT-4o"},
	{ID: "o3-mini", Name: "o3-mini"},
	{ID: "o4-mini", Name: "o4-mini"},
	{ID: "gpt-4o-mini", Name: "GPT-4o mini"},
}

// IsSupportedModel reports whether id is in the catalogue.
func IsSupportedModel(id string) bool {
	for _, m := range SupportedModels {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ResolveModel returns id when supported, otherwise fallback (or DefaultModel
// when fallback is empty).
func ResolveModel(id, fallback string) string {
	if IsSupportedModel(id) {
		return id
	}
	if fallback != "" {
		return fallback
	}
	return DefaultModel
}
