package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/finsight/market-dashboard/internal/services"
)

// SettingsHandler exposes the database-backed runtime settings.
type SettingsHandler struct {
	settings *services.SettingsService
}

func NewSettingsHandler(settings *services.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

// ListSettings returns every setting with secrets masked
// GET /api/v1/admin/settings
func (h *SettingsHandler) ListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.GetAll(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list settings")
		http.Error(w, "Failed to list settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// UpdateSetting upserts one setting
// PUT /api/v1/admin/settings
func (h *SettingsHandler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Key      string `json:"key"`
		Value    string `json:"value"`
		IsSecret bool   `json:"is_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "Invalid input", http.StatusBadRequest)
		return
	}
	if input.Key == "" {
		http.Error(w, "Key is required", http.StatusBadRequest)
		return
	}

	if err := h.settings.Set(r.Context(), input.Key, input.Value, input.IsSecret); err != nil {
		log.Error().Err(err).Str("key", input.Key).Msg("Failed to update setting")
		http.Error(w, "Failed to update setting", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "updated"}`))
}
