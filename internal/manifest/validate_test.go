package manifest

import (
	"errors"
	"testing"
)

func validManifest() *Manifest {
	return &Manifest{
		Name:          "store",
		Version:       "1.2.0",
		Type:          TypeExtension,
		BackendEntry:  "backend/main.go",
		FrontendEntry: "frontend/index.js",
		FrontendRoutes: []Route{
			{Path: "/store", Component: "frontend/Store.js", Name: "overview", Auth: true},
		},
		Locales:     Locales{Supported: []string{"en", "bg"}, Default: "en"},
		Permissions: []string{PermDatabaseWrite},
	}
}

func validFiles() []string {
	return []string{
		"manifest.json",
		"backend/main.go",
		"frontend/index.js",
		"frontend/Store.js",
		"frontend/locales/en.json",
		"frontend/locales/bg.json",
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(validManifest(), validFiles()); err != nil {
		t.Fatalf("Validate failed on a valid manifest: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manifest)
		field  string
	}{
		{"missing name", func(m *Manifest) { m.Name = "" }, "name"},
		{"name without alphanumerics", func(m *Manifest) { m.Name = "---" }, "name"},
		{"name with path separator", func(m *Manifest) { m.Name = "../outside/evil" }, "name"},
		{"name with dot segments", func(m *Manifest) { m.Name = ".." }, "name"},
		{"name with backslash", func(m *Manifest) { m.Name = `evil\store` }, "name"},
		{"missing version", func(m *Manifest) { m.Version = "" }, "version"},
		{"non-semver version", func(m *Manifest) { m.Version = "v1.2" }, "version"},
		{"missing type", func(m *Manifest) { m.Type = "" }, "type"},
		{"unknown type", func(m *Manifest) { m.Type = "gadget" }, "type"},
		{"backend entry not in package", func(m *Manifest) { m.BackendEntry = "backend/missing.go" }, "backend_entry"},
		{"frontend entry not in package", func(m *Manifest) { m.FrontendEntry = "frontend/missing.js" }, "frontend_entry"},
		{"widget without editor", func(m *Manifest) { m.Type = TypeWidget }, "frontend_editor"},
		{"route path missing", func(m *Manifest) { m.FrontendRoutes[0].Path = "" }, "frontend_routes[0].path"},
		{"route path malformed", func(m *Manifest) { m.FrontendRoutes[0].Path = "store" }, "frontend_routes[0].path"},
		{"route path traversal", func(m *Manifest) { m.FrontendRoutes[0].Path = "/store/../api" }, "frontend_routes[0].path"},
		{"route path reserved", func(m *Manifest) { m.FrontendRoutes[0].Path = "/api/store" }, "frontend_routes[0].path"},
		{"route component missing", func(m *Manifest) { m.FrontendRoutes[0].Component = "" }, "frontend_routes[0].component"},
		{"route name missing", func(m *Manifest) { m.FrontendRoutes[0].Name = "" }, "frontend_routes[0].name"},
		{"unknown permission", func(m *Manifest) { m.Permissions = []string{"root_access"} }, "permissions"},
		{"no supported locales", func(m *Manifest) { m.Locales.Supported = nil }, "locales.supported"},
		{"missing default locale", func(m *Manifest) { m.Locales.Default = "" }, "locales.default"},
		{"default not supported", func(m *Manifest) { m.Locales.Default = "de" }, "locales.default"},
		{"capability without name", func(m *Manifest) {
			m.Provides = map[string][]Capability{"content_embedder": {{Component: "frontend/Card.js"}}}
		}, "provides.content_embedder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			err := Validate(m, validFiles())
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected error to wrap ErrInvalid, got %v", err)
			}
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}

func TestValidateDuplicateRoutePaths(t *testing.T) {
	m := validManifest()
	m.FrontendRoutes = append(m.FrontendRoutes, Route{
		Path: "/store", Component: "frontend/Store.js", Name: "again",
	})
	err := Validate(m, validFiles())
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected duplicate path rejection, got %v", err)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"store", "store"},
		{"My Store", "my-store"},
		{"my_store", "my-store"},
		{"Store 2.0", "store-20"},
		{"--store--", "store"},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoutePrefixAndPackageDir(t *testing.T) {
	if got := RoutePrefix("My Store"); got != "/ext/my-store" {
		t.Errorf("RoutePrefix = %q, want /ext/my-store", got)
	}
	if got := PackageDir("store", "1.2.0"); got != "store_1.2.0" {
		t.Errorf("PackageDir = %q, want store_1.2.0", got)
	}
}
