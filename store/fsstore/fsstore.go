// Package fsstore implements a filesystem-backed archive slot, used for
// local runs and tests. The archive and its metadata are written as a
// single JSON envelope so the temp-file and rename pattern keeps the
// pair atomic: readers see either the fully-prior or fully-new envelope.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wolfeidau/tokensync/store"
)

// envelope is the on-disk representation of the slot.
type envelope struct {
	Metadata store.Metadata `json:"metadata,omitempty"`
	Payload  []byte         `json:"payload"`
}

// Slot is a single archive slot backed by one file.
type Slot struct {
	path string
}

// New creates a slot backed by the file at path.
// The parent directory is created if it does not exist.
func New(path string) (*Slot, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving slot path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("creating slot directory: %w", err)
	}
	return &Slot{path: abs}, nil
}

// Path returns the slot's file path.
func (s *Slot) Path() string {
	return s.path
}

// Exists reports whether the slot holds an archive.
func (s *Slot) Exists(ctx context.Context) (bool, error) {
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking slot file: %w", err)
}

// Download returns the current archive bytes and metadata.
func (s *Slot) Download(ctx context.Context) ([]byte, store.Metadata, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, fmt.Errorf("reading slot file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("decoding slot envelope: %w", err)
	}
	return env.Payload, env.Metadata, nil
}

// Stat returns the current archive's metadata without its bytes.
func (s *Slot) Stat(ctx context.Context) (store.Metadata, error) {
	_, md, err := s.Download(ctx)
	return md, err
}

// Upload atomically replaces the slot's content using a temp file and
// rename in the slot's directory.
func (s *Slot) Upload(ctx context.Context, data []byte, md store.Metadata) error {
	encoded, err := json.Marshal(envelope{Metadata: md, Payload: data})
	if err != nil {
		return fmt.Errorf("encoding slot envelope: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(encoded); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

var _ store.Store = (*Slot)(nil)
