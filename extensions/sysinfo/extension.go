// Package sysinfo is the bundled host-metrics widget. It demonstrates a
// widget-type extension: an editor component for its config_schema and a
// backend route whose host-side wrapper enforces the system_read
// permission.
package sysinfo

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/nebulahq/nebula/internal/extension"
	"github.com/nebulahq/nebula/internal/httputil"
	"github.com/nebulahq/nebula/internal/manifest"
)

var Manifest = manifest.Manifest{
	Name:           "sysinfo",
	Version:        "1.0.0",
	Type:           manifest.TypeWidget,
	Description:    "Host process metrics widget",
	BackendEntry:   "backend/main.go",
	FrontendEntry:  "frontend/index.js",
	FrontendEditor: "frontend/SysinfoEditor.js",
	FrontendRoutes: []manifest.Route{
		{Path: "/sysinfo", Component: "frontend/SysinfoPanel.js", Name: "panel", Auth: true},
	},
	Locales: manifest.Locales{
		Supported: []string{"en"},
		Default:   "en",
	},
	Permissions:  []string{manifest.PermSystemRead},
	ConfigSchema: json.RawMessage(`{"refresh_seconds":{"type":"integer","default":10,"min":1}}`),
}

// Files is the package listing validated against the manifest.
func Files() []string {
	return []string{
		"manifest.json",
		"backend/main.go",
		"frontend/index.js",
		"frontend/SysinfoPanel.js",
		"frontend/SysinfoEditor.js",
		"frontend/locales/en.json",
	}
}

type Extension struct {
	started time.Time
}

func New() extension.Backend {
	return &Extension{}
}

func (e *Extension) Init(ctx context.Context, ec *extension.Context) (extension.InitResult, error) {
	e.started = time.Now()
	if err := ec.RegisterRoute("GET", "/metrics", e.handleMetrics); err != nil {
		return extension.InitResult{}, err
	}
	return extension.InitResult{RoutesRegistered: 1, Status: "ok"}, nil
}

func (e *Extension) Cleanup(ctx context.Context, ec *extension.Context) error {
	return nil
}

func (e *Extension) handleMetrics(ec *extension.Context, w http.ResponseWriter, r *http.Request) {
	// Host-side permission wrapper: the widget degrades to a 403, it
	// never reads host state without the grant.
	if !ec.Granted(manifest.PermSystemRead) {
		httputil.WriteError(w, http.StatusForbidden, "system_read not granted")
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"goroutines":     runtime.NumGoroutine(),
		"heap_bytes":     mem.HeapAlloc,
		"gc_cycles":      mem.NumGC,
		"uptime_seconds": int64(time.Since(e.started).Seconds()),
	})
}
