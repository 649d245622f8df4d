// Package gcsstore implements an archive slot backed by a Google Cloud
// Storage object. GCS object replacement is natively atomic: an upload
// only becomes the current generation when the writer closes cleanly,
// so concurrent readers observe either the prior or the new archive.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/wolfeidau/tokensync"
	"github.com/wolfeidau/tokensync/store"
)

// objectHandle abstracts a GCS object handle for testability.
type objectHandle interface {
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	NewReaderGen(ctx context.Context, gen int64) (io.ReadCloser, error)
	NewWriter(ctx context.Context, md store.Metadata) io.WriteCloser
}

// realObjectHandle wraps *storage.ObjectHandle to satisfy objectHandle.
type realObjectHandle struct{ oh *storage.ObjectHandle }

func (r *realObjectHandle) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	return r.oh.Attrs(ctx)
}

func (r *realObjectHandle) NewReaderGen(ctx context.Context, gen int64) (io.ReadCloser, error) {
	return r.oh.Generation(gen).NewReader(ctx)
}

func (r *realObjectHandle) NewWriter(ctx context.Context, md store.Metadata) io.WriteCloser {
	w := r.oh.NewWriter(ctx)
	w.Metadata = md
	return w
}

// Slot is a single archive slot backed by one GCS object.
type Slot struct {
	client *storage.Client // nil when a test handle is injected
	obj    objectHandle
	loc    tokensync.Location
}

// New creates a slot for the given cache location.
// Credentials are resolved the usual way (application default credentials)
// unless overridden via client options.
func New(ctx context.Context, loc tokensync.Location, opts ...option.ClientOption) (*Slot, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, store.Fatal(fmt.Errorf("creating storage client: %w", err))
	}
	return &Slot{
		client: client,
		obj:    &realObjectHandle{client.Bucket(loc.Bucket).Object(loc.Object)},
		loc:    loc,
	}, nil
}

// Location returns the slot's cache location.
func (s *Slot) Location() tokensync.Location {
	return s.loc
}

// Close releases the underlying client.
func (s *Slot) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Exists reports whether the slot holds an archive.
func (s *Slot) Exists(ctx context.Context) (bool, error) {
	_, err := s.obj.Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, classify(fmt.Errorf("checking object %s: %w", s.loc, err))
}

// Download returns the current archive bytes and metadata. The object
// generation observed by Attrs is pinned for the read, so the bytes and
// metadata always belong to the same upload.
func (s *Slot) Download(ctx context.Context) ([]byte, store.Metadata, error) {
	attrs, err := s.obj.Attrs(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, classify(fmt.Errorf("reading attrs of %s: %w", s.loc, err))
	}

	rc, err := s.obj.NewReaderGen(ctx, attrs.Generation)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, classify(fmt.Errorf("opening reader for %s: %w", s.loc, err))
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, classify(fmt.Errorf("downloading %s: %w", s.loc, err))
	}

	md := store.Metadata{}
	maps.Copy(md, attrs.Metadata)
	return data, md, nil
}

// Stat returns the current archive's metadata without downloading it.
func (s *Slot) Stat(ctx context.Context) (store.Metadata, error) {
	attrs, err := s.obj.Attrs(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, classify(fmt.Errorf("reading attrs of %s: %w", s.loc, err))
	}

	md := store.Metadata{}
	maps.Copy(md, attrs.Metadata)
	return md, nil
}

// Upload atomically replaces the slot's content.
func (s *Slot) Upload(ctx context.Context, data []byte, md store.Metadata) error {
	w := s.obj.NewWriter(ctx, md)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return classify(fmt.Errorf("uploading %s: %w", s.loc, err))
	}
	if err := w.Close(); err != nil {
		return classify(fmt.Errorf("finalising upload of %s: %w", s.loc, err))
	}
	return nil
}

// isNotFound reports whether err means the object does not exist.
func isNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// classify maps a storage error into the store error taxonomy:
// auth and permission failures are fatal, availability and network
// failures are transient and left for the job runner to retry.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return store.Fatal(err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code == http.StatusRequestTimeout || gerr.Code >= 500:
			return store.Transient(err)
		default:
			return store.Fatal(err)
		}
	}
	// No structured API error means the request never completed
	// cleanly, typically a network failure.
	return store.Transient(err)
}

var _ store.Store = (*Slot)(nil)
