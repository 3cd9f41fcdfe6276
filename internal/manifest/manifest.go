package manifest

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ManifestFile is the fixed name of the contract document inside an
// extension package.
const ManifestFile = "manifest.json"

// Type classifies what an extension contributes to the host.
type Type string

const (
	TypeWidget    Type = "widget"
	TypeExtension Type = "extension"
	TypeTheme     Type = "theme"
	TypeLanguage  Type = "language"
)

// Permission vocabulary. Closed set: host-side wrappers check these,
// extension code never does.
const (
	PermSystemRead     = "system_read"
	PermNetworkAccess  = "network_access"
	PermFileSystem     = "file_system"
	PermDatabaseWrite  = "database_write"
	PermProcessControl = "process_control"
)

// Manifest is an extension's declared contract. Parsed once per version;
// immutable after load.
type Manifest struct {
	Name           string                  `json:"name"`
	Version        string                  `json:"version"`
	Type           Type                    `json:"type"`
	Description    string                  `json:"description,omitempty"`
	BackendEntry   string                  `json:"backend_entry,omitempty"`
	FrontendEntry  string                  `json:"frontend_entry,omitempty"`
	FrontendEditor string                  `json:"frontend_editor,omitempty"`
	FrontendRoutes []Route                 `json:"frontend_routes,omitempty"`
	Locales        Locales                 `json:"locales"`
	Permissions    []string                `json:"permissions,omitempty"`
	ConfigSchema   json.RawMessage         `json:"config_schema,omitempty"`
	Provides       map[string][]Capability `json:"provides,omitempty"`
	Consumes       []string                `json:"consumes,omitempty"`
}

// Route is a navigable frontend route contributed by an extension.
type Route struct {
	Path      string   `json:"path"`
	Component string   `json:"component"`
	Name      string   `json:"name"`
	Auth      bool     `json:"auth"`
	Roles     []string `json:"roles,omitempty"`
}

// Locales declares which language bundles an extension ships.
type Locales struct {
	Supported []string `json:"supported"`
	Default   string   `json:"default"`
}

// Capability is an advertised, discoverable UI or data capability. The
// component/handler references are opaque to the host; consumers resolve
// them through the relationship registry at run time.
type Capability struct {
	Name        string `json:"name"`
	Component   string `json:"component,omitempty"`
	Handler     string `json:"handler,omitempty"`
	Description string `json:"description,omitempty"`
}

// Slug derives the stable, lower-cased identifier used for route prefixes
// and storage namespaces.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '-':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// RoutePrefix returns the reserved backend path prefix for the named
// extension. All backend routes an extension registers live under it.
func RoutePrefix(name string) string {
	return "/ext/" + Slug(name)
}

// PackageDir returns the conventional on-disk directory name for an
// extension package.
func PackageDir(name, version string) string {
	return name + "_" + version
}

// Load reads and parses the manifest from a package directory and returns
// it together with the package's file listing (paths relative to dir).
func Load(dir string) (*Manifest, []string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, invalid("manifest", fmt.Sprintf("malformed JSON: %v", err))
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list package files: %w", err)
	}
	return &m, files, nil
}
