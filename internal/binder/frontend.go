package binder

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/nebulahq/nebula/internal/httputil"
	"github.com/nebulahq/nebula/internal/manifest"
)

// UIRoute is a navigable frontend route served to the browser bootstrap.
// Component is the asset URL the UI router lazy-loads the module from.
type UIRoute struct {
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	Component string   `json:"component"`
	Extension string   `json:"extension"`
	Auth      bool     `json:"auth"`
	Roles     []string `json:"roles,omitempty"`
}

// Frontend is the UI half of the binder. It resolves declared component
// references to files under <extensions-root>/<name>_<version>/ and keeps
// the live UI route table. The frontend event loop applies the result
// synchronously, so mutations here never interleave with renders.
type Frontend struct {
	mu     sync.RWMutex
	root   string
	routes map[string][]UIRoute // extension name -> its live routes
	byPath map[string]string    // route path -> owning extension
	pkgDir map[string]string    // package dir name -> owning extension
}

func NewFrontend(root string) *Frontend {
	return &Frontend{
		root:   root,
		routes: make(map[string][]UIRoute),
		byPath: make(map[string]string),
		pkgDir: make(map[string]string),
	}
}

// Check reports whether the declared routes can be registered for ext
// without colliding with a path owned by another enabled extension.
func (f *Frontend) Check(ext string, routes []manifest.Route) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.checkLocked(ext, routes)
}

func (f *Frontend) checkLocked(ext string, routes []manifest.Route) error {
	for _, r := range routes {
		if owner, ok := f.byPath[r.Path]; ok && owner != ext {
			return fmt.Errorf("frontend path %q already owned by %q: %w", r.Path, owner, ErrRouteConflict)
		}
	}
	return nil
}

// Register resolves and adds an extension's frontend routes. Path
// collisions with another extension abort the whole registration before
// anything is added; a component file that cannot be resolved only skips
// that single route with a warning.
func (f *Frontend) Register(ext, version string, routes []manifest.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkLocked(ext, routes); err != nil {
		return err
	}

	pkg := manifest.PackageDir(ext, version)
	slug := manifest.Slug(ext)
	var resolved []UIRoute
	for _, r := range routes {
		if _, err := os.Stat(filepath.Join(f.root, pkg, filepath.FromSlash(r.Component))); err != nil {
			log.Printf("WARNING: extension %q: component %q not resolvable, skipping route %q", ext, r.Component, r.Path)
			continue
		}
		resolved = append(resolved, UIRoute{
			Name:      slug + "." + r.Name,
			Path:      r.Path,
			Component: "/assets/ext/" + pkg + "/" + r.Component,
			Extension: ext,
			Auth:      r.Auth,
			Roles:     r.Roles,
		})
	}

	for _, r := range routes {
		f.byPath[r.Path] = ext
	}
	f.routes[ext] = resolved
	f.pkgDir[pkg] = ext
	return nil
}

// Unregister removes exactly the routes owned by the given extension.
func (f *Frontend) Unregister(ext string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for p, owner := range f.byPath {
		if owner == ext {
			delete(f.byPath, p)
		}
	}
	for pkg, owner := range f.pkgDir {
		if owner == ext {
			delete(f.pkgDir, pkg)
		}
	}
	delete(f.routes, ext)
}

// Routes returns the live UI route table.
func (f *Frontend) Routes() []UIRoute {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []UIRoute
	for _, rs := range f.routes {
		out = append(out, rs...)
	}
	return out
}

// RegisterRoutes exposes the UI bootstrap endpoint. It is public: the
// frontend loads it before the UI router is finalized.
func (f *Frontend) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/ui/routes", f.handleRoutes).Methods("GET")
}

func (f *Frontend) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := f.Routes()
	if routes == nil {
		routes = []UIRoute{}
	}
	httputil.WriteJSON(w, http.StatusOK, routes)
}

// AssetsHandler serves extension frontend files under /assets/ext/. Only
// packages belonging to a currently registered (enabled) extension are
// reachable; a disabled extension's assets 404.
func (f *Frontend) AssetsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(r.URL.Path, "/assets/ext/")
		clean := path.Clean("/" + rel)
		parts := strings.SplitN(strings.TrimPrefix(clean, "/"), "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			http.NotFound(w, r)
			return
		}

		f.mu.RLock()
		_, enabled := f.pkgDir[parts[0]]
		f.mu.RUnlock()
		if !enabled {
			http.NotFound(w, r)
			return
		}

		http.ServeFile(w, r, filepath.Join(f.root, parts[0], filepath.FromSlash(parts[1])))
	})
}
