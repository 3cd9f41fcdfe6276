// Package settings stores host-level settings, currently the active UI
// language. Changing the language re-merges every enabled extension's
// translation bundle before the UI is told to re-render.
package settings

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nebulahq/nebula/internal/httputil"
	"github.com/nebulahq/nebula/internal/i18n"
	"github.com/nebulahq/nebula/internal/ws"
)

// Handlers provides HTTP handlers for application settings.
type Handlers struct {
	pool         *pgxpool.Pool
	translations *i18n.Loader
	hub          *ws.Hub
}

// NewHandlers creates a new Handlers.
func NewHandlers(pool *pgxpool.Pool, translations *i18n.Loader, hub *ws.Hub) *Handlers {
	return &Handlers{pool: pool, translations: translations, hub: hub}
}

// RegisterRoutes wires the settings endpoints onto the provided router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/settings/language", h.GetLanguage).Methods("GET")
	r.HandleFunc("/api/settings/language", h.UpdateLanguage).Methods("PUT")
}

// LoadLanguage returns the persisted UI language, or fallback when none
// has been saved yet. Called once at startup before translations load.
func LoadLanguage(ctx context.Context, pool *pgxpool.Pool, fallback string) string {
	if pool == nil {
		return fallback
	}
	var lang string
	err := pool.QueryRow(ctx,
		"SELECT value FROM settings WHERE key = $1", "ui_language",
	).Scan(&lang)
	if err != nil || lang == "" {
		return fallback
	}
	return lang
}

// GetLanguage handles GET /api/settings/language.
func (h *Handlers) GetLanguage(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"language": h.translations.Language(),
	})
}

// UpdateLanguage handles PUT /api/settings/language. The translation
// re-merge completes before the change is broadcast, so clients never
// render against a half-switched table.
func (h *Handlers) UpdateLanguage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Language string `json:"language"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Language == "" {
		httputil.WriteError(w, http.StatusBadRequest, "language is required")
		return
	}

	if err := h.translations.SetLanguage(req.Language); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.pool != nil {
		_, err := h.pool.Exec(r.Context(),
			`INSERT INTO settings (key, value, updated_at)
			 VALUES ($1, $2, NOW())
			 ON CONFLICT (key) DO UPDATE
			   SET value = EXCLUDED.value,
			       updated_at = NOW()`,
			"ui_language", req.Language,
		)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to save language")
			return
		}
	}

	if h.hub != nil {
		h.hub.Broadcast(ws.Event{Type: "language_changed", Language: req.Language})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"language": req.Language})
}
