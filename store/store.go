// Package store provides durable object storage for token cache archives.
// A Store addresses exactly one archive slot; uploads atomically replace
// the slot's content so readers never observe a partial archive.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Metadata keys stored alongside an archive.
const (
	// MetaDigest is the hex BLAKE3 digest of the archive bytes.
	MetaDigest = "tokensync-digest"

	// MetaUploadedAt is the RFC3339Nano upload timestamp.
	MetaUploadedAt = "tokensync-uploaded-at"
)

// ErrNotFound is returned when the slot holds no archive.
var ErrNotFound = errors.New("archive not found")

// Metadata carries key-value pairs stored with an archive.
type Metadata map[string]string

// NewMetadata builds the standard metadata for an upload.
func NewMetadata(digest string, uploadedAt time.Time) Metadata {
	return Metadata{
		MetaDigest:     digest,
		MetaUploadedAt: uploadedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Digest returns the stored archive digest, or "" if absent.
func (m Metadata) Digest() string {
	return m[MetaDigest]
}

// UploadedAt returns the stored upload time.
// The second return is false when the timestamp is absent or unparseable.
func (m Metadata) UploadedAt() (time.Time, bool) {
	v, ok := m[MetaUploadedAt]
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Store is the interface for a single remote archive slot.
// Implementations must guarantee that Upload is atomic: a concurrent
// Download observes either the fully-prior or the fully-new archive.
type Store interface {
	// Exists reports whether an archive is present at the slot.
	Exists(ctx context.Context) (bool, error)

	// Download returns the current archive bytes and metadata.
	// Returns ErrNotFound if the slot holds no archive.
	Download(ctx context.Context) ([]byte, Metadata, error)

	// Stat returns the current archive's metadata without its bytes.
	// Returns ErrNotFound if the slot holds no archive.
	Stat(ctx context.Context) (Metadata, error)

	// Upload atomically replaces the slot's content with data.
	Upload(ctx context.Context, data []byte, md Metadata) error
}

// TransientError marks a failure worth retrying externally, such as a
// network error or a 5xx from the storage service. This package never
// retries internally; retry policy belongs to the job runner.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix, such as an auth
// or permission error or a misconfigured bucket.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal store error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Fatal wraps err as a FatalError. Returns nil for a nil err.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is marked non-retryable.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
