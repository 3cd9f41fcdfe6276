// Package i18n loads per-extension locale bundles and merges them into a
// translation table namespaced by extension name, so identically-named keys
// from different extensions never overwrite one another.
package i18n

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gorilla/mux"

	"github.com/nebulahq/nebula/internal/httputil"
	"github.com/nebulahq/nebula/internal/manifest"
)

type extLocales struct {
	version string
	locales manifest.Locales
}

// Loader holds the merged translation table for the active UI language.
type Loader struct {
	mu     sync.RWMutex
	root   string
	active string
	exts   map[string]extLocales
	table  map[string]map[string]string // extension name -> key -> message
}

func NewLoader(root, language string) *Loader {
	return &Loader{
		root:   root,
		active: language,
		exts:   make(map[string]extLocales),
		table:  make(map[string]map[string]string),
	}
}

// Load merges the named extension's bundle for the active language into
// the table, falling back to the extension's declared default when the
// active language's bundle is absent.
func (l *Loader) Load(ext, version string, locales manifest.Locales) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.exts[ext] = extLocales{version: version, locales: locales}
	return l.mergeLocked(ext)
}

// Remove drops the extension's namespace from the table.
func (l *Loader) Remove(ext string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.exts, ext)
	delete(l.table, ext)
}

// SetLanguage switches the active UI language and re-merges the bundle of
// every loaded extension before returning. Callers signal the UI to
// re-render only after this completes.
func (l *Loader) SetLanguage(lang string) error {
	if lang == "" {
		return fmt.Errorf("language must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.active = lang
	for ext := range l.exts {
		if err := l.mergeLocked(ext); err != nil {
			return fmt.Errorf("re-merge for %q: %w", ext, err)
		}
	}
	return nil
}

// Language returns the active UI language.
func (l *Loader) Language() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Messages returns a copy of the merged table.
func (l *Loader) Messages() map[string]map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]map[string]string, len(l.table))
	for ext, msgs := range l.table {
		cp := make(map[string]string, len(msgs))
		for k, v := range msgs {
			cp[k] = v
		}
		out[ext] = cp
	}
	return out
}

func (l *Loader) mergeLocked(ext string) error {
	info := l.exts[ext]

	lang := l.active
	supported := false
	for _, s := range info.locales.Supported {
		if s == lang {
			supported = true
			break
		}
	}
	if !supported {
		lang = info.locales.Default
	}

	msgs, err := l.readBundle(ext, info.version, lang)
	if err != nil && lang != info.locales.Default {
		// Declared but missing on disk; fall back to the default bundle.
		log.Printf("WARNING: extension %q: no %q bundle, falling back to %q", ext, lang, info.locales.Default)
		msgs, err = l.readBundle(ext, info.version, info.locales.Default)
	}
	if err != nil {
		log.Printf("WARNING: extension %q: no usable locale bundle: %v", ext, err)
		msgs = map[string]string{}
	}

	l.table[ext] = msgs
	return nil
}

func (l *Loader) readBundle(ext, version, lang string) (map[string]string, error) {
	path := filepath.Join(l.root, manifest.PackageDir(ext, version), "frontend", "locales", lang+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msgs map[string]string
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("malformed bundle %s: %w", path, err)
	}
	return msgs, nil
}

// RegisterRoutes exposes the merged table to the frontend. Public: fetched
// by the bootstrap alongside the UI routes.
func (l *Loader) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/ui/i18n", l.handleMessages).Methods("GET")
}

func (l *Loader) handleMessages(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"language": l.Language(),
		"messages": l.Messages(),
	})
}
