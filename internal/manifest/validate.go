package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalid is the sentinel all manifest validation failures wrap.
var ErrInvalid = errors.New("manifest invalid")

// Error reports which field of a manifest failed validation and why.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("manifest invalid: %s: %s", e.Field, e.Reason)
}

func (e *Error) Unwrap() error { return ErrInvalid }

func invalid(field, reason string) error {
	return &Error{Field: field, Reason: reason}
}

var (
	// nameRe matches the characters Slug knows how to fold; anything else
	// (path separators and dots in particular — the name is interpolated
	// into package directory and export file names) is rejected outright.
	nameRe   = regexp.MustCompile(`^[0-9A-Za-z _-]+$`)
	semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.+-]+)?$`)
	pathRe   = regexp.MustCompile(`^/[0-9A-Za-z_/:.-]*$`)
)

// reservedPrefixes are host-owned path roots no extension route may shadow.
var reservedPrefixes = []string{"/api", "/auth", "/ext", "/ws", "/healthz", "/assets"}

var validTypes = map[Type]bool{
	TypeWidget:    true,
	TypeExtension: true,
	TypeTheme:     true,
	TypeLanguage:  true,
}

var validPermissions = map[string]bool{
	PermSystemRead:     true,
	PermNetworkAccess:  true,
	PermFileSystem:     true,
	PermDatabaseWrite:  true,
	PermProcessControl: true,
}

// Validate checks a parsed manifest against the package's file listing.
// It is pure and all-or-nothing: the first violation is returned as a
// *Error wrapping ErrInvalid and nothing is partially accepted.
func Validate(m *Manifest, files []string) error {
	if m.Name == "" {
		return invalid("name", "required")
	}
	if !nameRe.MatchString(m.Name) {
		return invalid("name", fmt.Sprintf("%q contains characters outside letters, digits, spaces, '-' and '_'", m.Name))
	}
	if Slug(m.Name) == "" {
		return invalid("name", "must contain at least one alphanumeric character")
	}
	if m.Version == "" {
		return invalid("version", "required")
	}
	if !semverRe.MatchString(m.Version) {
		return invalid("version", fmt.Sprintf("%q is not a semantic version", m.Version))
	}
	if m.Type == "" {
		return invalid("type", "required")
	}
	if !validTypes[m.Type] {
		return invalid("type", fmt.Sprintf("unrecognized type %q", m.Type))
	}

	fileSet := make(map[string]bool, len(files))
	for _, f := range files {
		fileSet[f] = true
	}
	if m.BackendEntry != "" && !fileSet[m.BackendEntry] {
		return invalid("backend_entry", fmt.Sprintf("file %q not present in package", m.BackendEntry))
	}
	if m.FrontendEntry != "" && !fileSet[m.FrontendEntry] {
		return invalid("frontend_entry", fmt.Sprintf("file %q not present in package", m.FrontendEntry))
	}
	if m.FrontendEditor != "" && !fileSet[m.FrontendEditor] {
		return invalid("frontend_editor", fmt.Sprintf("file %q not present in package", m.FrontendEditor))
	}
	if m.Type == TypeWidget && m.FrontendEditor == "" {
		return invalid("frontend_editor", "widget extensions must declare an editor component")
	}

	seenPaths := make(map[string]bool)
	for i, r := range m.FrontendRoutes {
		field := fmt.Sprintf("frontend_routes[%d]", i)
		if r.Path == "" {
			return invalid(field+".path", "required")
		}
		if !pathRe.MatchString(r.Path) || strings.Contains(r.Path, "..") {
			return invalid(field+".path", fmt.Sprintf("%q is not a valid route path", r.Path))
		}
		for _, reserved := range reservedPrefixes {
			if r.Path == reserved || strings.HasPrefix(r.Path, reserved+"/") {
				return invalid(field+".path", fmt.Sprintf("%q collides with reserved host path %q", r.Path, reserved))
			}
		}
		if seenPaths[r.Path] {
			return invalid(field+".path", fmt.Sprintf("duplicate route path %q", r.Path))
		}
		seenPaths[r.Path] = true
		if r.Component == "" {
			return invalid(field+".component", "required")
		}
		if r.Name == "" {
			return invalid(field+".name", "required")
		}
	}

	for _, p := range m.Permissions {
		if !validPermissions[p] {
			return invalid("permissions", fmt.Sprintf("%q is not in the permission vocabulary", p))
		}
	}

	if len(m.Locales.Supported) == 0 {
		return invalid("locales.supported", "must declare at least one language")
	}
	if m.Locales.Default == "" {
		return invalid("locales.default", "required")
	}
	found := false
	for _, lang := range m.Locales.Supported {
		if lang == m.Locales.Default {
			found = true
			break
		}
	}
	if !found {
		return invalid("locales.default", fmt.Sprintf("default %q not in supported set", m.Locales.Default))
	}

	for capType, caps := range m.Provides {
		if capType == "" {
			return invalid("provides", "capability type must not be empty")
		}
		for _, c := range caps {
			if c.Name == "" {
				return invalid("provides."+capType, "capability name required")
			}
		}
	}

	return nil
}
