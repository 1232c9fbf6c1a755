// Package storage persists attachment blobs outside the database. Blobs are
// immutable: created once under a fresh uuid, read many times, removed when
// the owning attachment row disappears.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/rs/zerolog/log"
)

// Area is a flat uuid-addressed blob store.
type Area interface {
	// Create writes a new blob. The uuid must not already exist.
	Create(uuid string, content []byte) error

	// Read returns the whole blob, or ErrInexistentFile.
	Read(uuid string) ([]byte, error)

	// Remove deletes a blob. Removing a missing blob is a no-op.
	Remove(uuid string) error
}

// Filesystem stores each blob as a file under root, sharded by the first two
// bytes of the uuid to keep directories small.
type Filesystem struct {
	root string
}

// NewFilesystem creates the storage root if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) path(uuid string) (string, error) {
	if len(uuid) < 4 {
		return "", fmt.Errorf("%w: malformed blob uuid %q", errs.ErrParameterOutOfRange, uuid)
	}
	return filepath.Join(f.root, uuid[0:2], uuid[2:4], uuid), nil
}

func (f *Filesystem) Create(uuid string, content []byte) error {
	p, err := f.path(uuid)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating storage shard: %w", err)
	}

	// Write through a temporary name so a crash never leaves a truncated
	// blob under its final uuid.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing blob: %w", err)
	}

	log.Debug().Str("uuid", uuid).Int("size", len(content)).Msg("Blob created")
	return nil
}

func (f *Filesystem) Read(uuid string) ([]byte, error) {
	p, err := f.path(uuid)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s", errs.ErrInexistentFile, uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", uuid, err)
	}
	return content, nil
}

func (f *Filesystem) Remove(uuid string) error {
	p, err := f.path(uuid)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %s: %w", uuid, err)
	}
	return nil
}
