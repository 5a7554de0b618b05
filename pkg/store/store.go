// Package store is the provisioning ledger: one row per environment build,
// kept in SQLite next to the host configuration.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store holds the provisioning history.
type Store struct {
	db   *sql.DB
	path string
}

// Provision records one provisioning run.
type Provision struct {
	ID            string        `json:"id"`
	Module        string        `json:"module"`
	Runtime       string        `json:"runtime"`
	Trigger       string        `json:"trigger"` // startup, config, manifest, manual
	Dir           string        `json:"dir"`
	Interpreter   string        `json:"interpreter"`
	PythonVersion string        `json:"python_version,omitempty"`
	Reused        bool          `json:"reused"`
	Packages      []string      `json:"packages,omitempty"`
	ManifestHash  string        `json:"manifest_hash,omitempty"`
	LogPath       string        `json:"log_path,omitempty"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Succeeded reports whether the run produced a usable environment.
func (p *Provision) Succeeded() bool {
	return p.Error == ""
}

// NewProvisionID returns an ID of the form prov-<date>-<random>.
func NewProvisionID() string {
	random := make([]byte, 3)
	rand.Read(random)
	return "prov-" + time.Now().Format("20060102") + "-" + hex.EncodeToString(random)
}

// Open opens or creates the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS provisions (
		id TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		runtime TEXT NOT NULL DEFAULT '',
		trigger TEXT NOT NULL DEFAULT '',
		dir TEXT NOT NULL DEFAULT '',
		interpreter TEXT NOT NULL DEFAULT '',
		python_version TEXT NOT NULL DEFAULT '',
		reused INTEGER NOT NULL DEFAULT 0,
		packages_json TEXT NOT NULL DEFAULT '[]',
		manifest_hash TEXT NOT NULL DEFAULT '',
		log_path TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_provisions_module ON provisions(module);
	CREATE INDEX IF NOT EXISTS idx_provisions_created ON provisions(created_at);
	`)
	return err
}

// RecordProvision stores p. Missing ID and CreatedAt are filled in.
func (s *Store) RecordProvision(ctx context.Context, p *Provision) error {
	if p.ID == "" {
		p.ID = NewProvisionID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	packagesJSON, _ := json.Marshal(p.Packages)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provisions (
			id, module, runtime, trigger, dir, interpreter, python_version,
			reused, packages_json, manifest_hash, log_path, duration_ms, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Module, p.Runtime, p.Trigger, p.Dir, p.Interpreter, p.PythonVersion,
		p.Reused, string(packagesJSON), p.ManifestHash, p.LogPath, p.Duration.Milliseconds(), p.Error, p.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &RecordError{Key: p.ID, Err: ErrAlreadyExists}
		}
		return fmt.Errorf("failed to insert provision: %w", err)
	}
	return nil
}

const provisionColumns = `id, module, runtime, trigger, dir, interpreter, python_version,
	reused, packages_json, manifest_hash, log_path, duration_ms, error, created_at`

func scanProvision(scanner interface{ Scan(...any) error }) (*Provision, error) {
	var p Provision
	var packagesJSON string
	var durationMs int64

	err := scanner.Scan(
		&p.ID, &p.Module, &p.Runtime, &p.Trigger, &p.Dir, &p.Interpreter, &p.PythonVersion,
		&p.Reused, &packagesJSON, &p.ManifestHash, &p.LogPath, &durationMs, &p.Error, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Duration = time.Duration(durationMs) * time.Millisecond
	json.Unmarshal([]byte(packagesJSON), &p.Packages)
	return &p, nil
}

// GetProvision retrieves a run by ID.
func (s *Store) GetProvision(ctx context.Context, id string) (*Provision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+provisionColumns+` FROM provisions WHERE id = ?`, id)
	p, err := scanProvision(row)
	if err == sql.ErrNoRows {
		return nil, &RecordError{Key: id, Err: ErrNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provision: %w", err)
	}
	return p, nil
}

// ListProvisions returns runs, newest first. An empty module lists all
// modules; limit <= 0 means no limit.
func (s *Store) ListProvisions(ctx context.Context, module string, limit int) ([]*Provision, error) {
	query := `SELECT ` + provisionColumns + ` FROM provisions WHERE 1=1`
	args := []any{}

	if module != "" {
		query += " AND module = ?"
		args = append(args, module)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list provisions: %w", err)
	}
	defer rows.Close()

	provisions := make([]*Provision, 0)
	for rows.Next() {
		p, err := scanProvision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provision: %w", err)
		}
		provisions = append(provisions, p)
	}
	return provisions, rows.Err()
}

// LatestProvision returns the newest run of module.
func (s *Store) LatestProvision(ctx context.Context, module string) (*Provision, error) {
	list, err := s.ListProvisions(ctx, module, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &RecordError{Key: module, Err: ErrNotFound}
	}
	return list[0], nil
}

// PruneProvisions deletes runs older than maxAge and returns how many went.
func (s *Store) PruneProvisions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	result, err := s.db.ExecContext(ctx, `DELETE FROM provisions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune provisions: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return deleted, nil
}
