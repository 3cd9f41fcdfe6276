package audit

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nebulahq/nebula/internal/httputil"
)

// Handlers exposes the audit log over HTTP.
type Handlers struct {
	store *Store
}

func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/audit", h.handleList).Methods("GET")
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := ListParams{
		UserID: q.Get("user_id"),
		Action: q.Get("action"),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		params.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		params.Offset = v
	}

	entries, err := h.store.List(r.Context(), params)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}
