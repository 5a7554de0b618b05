package venv

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// RecordFile is written into every provisioned environment.
const RecordFile = "devrt-env.toml"

// Record describes what was installed into an environment.
type Record struct {
	Interpreter   string    `toml:"interpreter"`
	Version       string    `toml:"python_version,omitempty"`
	ManifestHash  string    `toml:"manifest_hash,omitempty"`
	Packages      []string  `toml:"packages"`
	ProvisionedAt time.Time `toml:"provisioned_at"`
}

// WriteRecord stores rec in dir.
func WriteRecord(dir string, rec Record) error {
	f, err := os.Create(filepath.Join(dir, RecordFile))
	if err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(rec); err != nil {
		f.Close()
		return fmt.Errorf("cannot encode environment record: %w", err)
	}
	return f.Close()
}

// ReadRecord loads the record of the environment in dir.
func ReadRecord(dir string) (*Record, error) {
	var rec Record
	if _, err := toml.DecodeFile(filepath.Join(dir, RecordFile), &rec); err != nil {
		return nil, fmt.Errorf("cannot read environment record: %w", err)
	}
	return &rec, nil
}
