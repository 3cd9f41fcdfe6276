package extension

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nebulahq/nebula/internal/capability"
	"github.com/nebulahq/nebula/internal/httputil"
	"github.com/nebulahq/nebula/internal/manifest"
)

type Handlers struct {
	registry     *Registry
	capabilities *capability.Registry
	writeGuard   mux.MiddlewareFunc
}

func NewHandlers(registry *Registry, capabilities *capability.Registry, writeGuard mux.MiddlewareFunc) *Handlers {
	return &Handlers{registry: registry, capabilities: capabilities, writeGuard: writeGuard}
}

// RegisterPublicRoutes wires the discovery endpoint. The frontend's
// route-loading bootstrap reads it before the UI router is finalized, so
// it carries no auth.
func (h *Handlers) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/api/extensions/enabled", h.handleListEnabled).Methods("GET")
}

func (h *Handlers) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/extensions").Subrouter()
	api.HandleFunc("", h.handleList).Methods("GET")
	api.HandleFunc("/{name}", h.handleGet).Methods("GET")

	r.HandleFunc("/api/capabilities", h.handleCapabilities).Methods("GET")

	// Write endpoints require extensions:write
	writeAPI := api.PathPrefix("").Subrouter()
	if h.writeGuard != nil {
		writeAPI.Use(h.writeGuard)
	}
	writeAPI.HandleFunc("/install", h.handleInstall).Methods("POST")
	writeAPI.HandleFunc("/{name}/enable", h.handleEnable).Methods("POST")
	writeAPI.HandleFunc("/{name}/disable", h.handleDisable).Methods("POST")
	writeAPI.HandleFunc("/{name}/permissions", h.handleGrant).Methods("PUT")
	writeAPI.HandleFunc("/{name}", h.handleUninstall).Methods("DELETE")
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	records := h.registry.List()
	if records == nil {
		records = []Record{}
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}

func (h *Handlers) handleListEnabled(w http.ResponseWriter, r *http.Request) {
	enabled := h.registry.ListEnabled()
	if enabled == nil {
		enabled = []VersionInfo{}
	}
	httputil.WriteJSON(w, http.StatusOK, enabled)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registry.Get(mux.Vars(r)["name"])
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handlers) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	var regs []capability.Registration
	if capType := r.URL.Query().Get("type"); capType != "" {
		regs = h.capabilities.Query(capType)
	} else {
		regs = h.capabilities.Snapshot()
	}
	if regs == nil {
		regs = []capability.Registration{}
	}
	httputil.WriteJSON(w, http.StatusOK, regs)
}

func (h *Handlers) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Dir     string `json:"dir"`
		Upgrade bool   `json:"upgrade"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Dir == "" {
		httputil.WriteError(w, http.StatusBadRequest, "dir is required")
		return
	}

	rec, err := h.registry.InstallPackage(r.Context(), req.Dir, req.Upgrade)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rec)
}

func (h *Handlers) handleEnable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.registry.Enable(r.Context(), name); err != nil {
		writeLifecycleError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (h *Handlers) handleDisable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.registry.Disable(r.Context(), name); err != nil {
		writeLifecycleError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (h *Handlers) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Granted []string `json:"granted"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := mux.Vars(r)["name"]
	if err := h.registry.Grant(r.Context(), name, req.Granted); err != nil {
		writeLifecycleError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handlers) handleUninstall(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	purge := r.URL.Query().Get("purge") == "true"
	if err := h.registry.Uninstall(r.Context(), name, purge); err != nil {
		writeLifecycleError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}

// writeLifecycleError maps the runtime's error taxonomy onto HTTP status
// codes.
func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPackageConflict), errors.Is(err, ErrInvalidTransition):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, manifest.ErrInvalid):
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrPermissionDenied):
		httputil.WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInitializationFailed):
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
	default:
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	}
}
