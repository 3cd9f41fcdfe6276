package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists extension records and manages per-extension storage
// namespaces in the host's Postgres database.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) SaveRecord(ctx context.Context, rec *Record) error {
	manifestJSON, err := json.Marshal(rec.Manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	grantedJSON, err := json.Marshal(rec.Granted)
	if err != nil {
		return fmt.Errorf("failed to marshal granted permissions: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO extensions (extension_id, name, version, state, manifest, granted, cause)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE
		   SET version = $3, state = $4, manifest = $5, granted = $6, cause = $7`,
		rec.ExtensionID, rec.Name, rec.Version, string(rec.State), manifestJSON, grantedJSON, rec.Cause,
	)
	if err != nil {
		return fmt.Errorf("failed to save extension record: %w", err)
	}
	return nil
}

// InsertRecord persists a record only when no row for the name exists yet.
// Built-in installs run on every boot, before Startup reads the persisted
// records; an upsert there would clobber the previous run's enablement
// state and grant set.
func (s *Store) InsertRecord(ctx context.Context, rec *Record) error {
	manifestJSON, err := json.Marshal(rec.Manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	grantedJSON, err := json.Marshal(rec.Granted)
	if err != nil {
		return fmt.Errorf("failed to marshal granted permissions: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO extensions (extension_id, name, version, state, manifest, granted, cause)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO NOTHING`,
		rec.ExtensionID, rec.Name, rec.Version, string(rec.State), manifestJSON, grantedJSON, rec.Cause,
	)
	if err != nil {
		return fmt.Errorf("failed to insert extension record: %w", err)
	}
	return nil
}

func (s *Store) UpdateState(ctx context.Context, name string, state State, cause string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE extensions SET state = $2, cause = $3 WHERE name = $1`,
		name, string(state), cause,
	)
	if err != nil {
		return fmt.Errorf("failed to update extension state: %w", err)
	}
	return nil
}

func (s *Store) UpdateGranted(ctx context.Context, name string, granted []string) error {
	grantedJSON, err := json.Marshal(granted)
	if err != nil {
		return fmt.Errorf("failed to marshal granted permissions: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE extensions SET granted = $2 WHERE name = $1`,
		name, grantedJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update granted permissions: %w", err)
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT extension_id, name, version, state, manifest, granted, cause, installed_at
		 FROM extensions ORDER BY installed_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var state string
		var manifestJSON, grantedJSON []byte
		if err := rows.Scan(&rec.ExtensionID, &rec.Name, &rec.Version, &state,
			&manifestJSON, &grantedJSON, &rec.Cause, &rec.InstalledAt); err != nil {
			return nil, fmt.Errorf("failed to scan extension record: %w", err)
		}
		rec.State = State(state)
		if err := json.Unmarshal(manifestJSON, &rec.Manifest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal manifest for %q: %w", rec.Name, err)
		}
		if err := json.Unmarshal(grantedJSON, &rec.Granted); err != nil {
			return nil, fmt.Errorf("failed to unmarshal granted set for %q: %w", rec.Name, err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *Store) DeleteRecord(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM extensions WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete extension record: %w", err)
	}
	return nil
}

// namespaceTables lists the tables belonging to an extension's storage
// namespace.
func (s *Store) namespaceTables(ctx context.Context, slug string) ([]string, error) {
	prefix := "ext_" + strings.ReplaceAll(slug, "-", "_") + "_"
	rows, err := s.pool.Query(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename LIKE $1`,
		prefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespace tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// PurgeNamespace drops every table in the extension's storage namespace.
func (s *Store) PurgeNamespace(ctx context.Context, slug string) error {
	tables, err := s.namespaceTables(ctx, slug)
	if err != nil {
		return err
	}
	for _, t := range tables {
		// Table names come from pg_tables filtered by our own prefix.
		if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS `+pgIdent(t)+` CASCADE`); err != nil {
			return fmt.Errorf("failed to drop %s: %w", t, err)
		}
	}
	return nil
}

// Export is the JSON shape written when a namespace is exported instead of
// purged on uninstall.
type Export struct {
	Extension  string                      `json:"extension"`
	ExportedAt time.Time                   `json:"exported_at"`
	Tables     map[string][]map[string]any `json:"tables"`
}

// ExportNamespace dumps every table in the extension's storage namespace.
func (s *Store) ExportNamespace(ctx context.Context, name, slug string) (*Export, error) {
	tables, err := s.namespaceTables(ctx, slug)
	if err != nil {
		return nil, err
	}

	exp := &Export{Extension: name, ExportedAt: time.Now().UTC(), Tables: make(map[string][]map[string]any)}
	for _, t := range tables {
		rows, err := s.pool.Query(ctx, `SELECT * FROM `+pgIdent(t))
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", t, err)
		}
		fields := rows.FieldDescriptions()
		var dump []map[string]any
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to read %s row: %w", t, err)
			}
			row := make(map[string]any, len(fields))
			for i, f := range fields {
				row[f.Name] = values[i]
			}
			dump = append(dump, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		exp.Tables[t] = dump
	}
	return exp, nil
}

// pgIdent quotes an identifier for interpolation into DDL, where
// parameters are not accepted.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
