// Package cachesync orchestrates the token cache lifecycle for one job
// execution: restore the remote archive into a local workspace at start,
// persist the workspace back at the end of a successful run, or discard
// it after a failed one. A failed run never writes to the remote cache,
// so the durable token state is never left worse than before the run.
package cachesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/tokensync"
	"github.com/wolfeidau/tokensync/archive"
	"github.com/wolfeidau/tokensync/store"
	"github.com/wolfeidau/tokensync/telemetry"
	"github.com/wolfeidau/tokensync/workspace"
)

// State is the synchroniser's position in its lifecycle.
type State int

const (
	// StateEmpty is the initial state, before Restore.
	StateEmpty State = iota

	// StateRestored means the workspace holds the remote archive's
	// contents (or is legitimately empty on a first run).
	StateRestored

	// StatePersisted means the workspace contents were uploaded and are
	// now the durable token state.
	StatePersisted

	// StateDiscarded means the run failed and the workspace was dropped
	// without touching the remote cache.
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateRestored:
		return "restored"
	case StatePersisted:
		return "persisted"
	case StateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrInvalidState is returned when an operation is called out of
	// lifecycle order, e.g. Persist before Restore or a second Persist.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrDigestMismatch is returned when a downloaded archive does not
	// match the digest recorded at upload time.
	ErrDigestMismatch = errors.New("archive digest mismatch")
)

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		s.now = now
	}
}

// Synchronizer moves the token cache between a remote archive slot and a
// local workspace. It is single-use: one Synchronizer per job execution.
// No operation retries internally; transient store errors carry the
// store.TransientError marker so the job runner can apply its own retry
// policy within its timeout budget.
type Synchronizer struct {
	store  store.Store
	codec  *archive.Codec
	ws     *workspace.Workspace
	logger *slog.Logger
	now    func() time.Time

	state State

	// restoredAt is the remote upload time observed by Restore, zero if
	// the slot was empty or carried no timestamp.
	restoredAt time.Time
}

// New creates a synchroniser for one execution over the given slot and
// workspace.
func New(st store.Store, ws *workspace.Workspace, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:  st,
		codec:  archive.NewCodec(),
		ws:     ws,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() State {
	return s.state
}

// Restore fetches the remote archive and unpacks it into the workspace.
// An absent archive is the first-run case, not an error: the workspace
// is left empty and the caller is expected to bootstrap. The archive
// digest is verified before anything is unpacked.
func (s *Synchronizer) Restore(ctx context.Context) error {
	if s.state != StateEmpty {
		return fmt.Errorf("%w: restore from %s", ErrInvalidState, s.state)
	}

	start := s.now()

	data, md, err := downloadVerified(ctx, s.store)
	if errors.Is(err, store.ErrNotFound) {
		s.state = StateRestored
		s.logger.Info("no remote token cache yet, starting empty",
			"workspace", s.ws.Path())
		telemetry.RecordSyncOp(ctx, "restore", "empty", s.now().Sub(start), 0)
		return nil
	}
	if err != nil {
		telemetry.RecordSyncOp(ctx, "restore", "error", s.now().Sub(start), int64(len(data)))
		return err
	}

	if err := s.codec.Unpack(data, s.ws.Path()); err != nil {
		telemetry.RecordSyncOp(ctx, "restore", "error", s.now().Sub(start), int64(len(data)))
		return fmt.Errorf("unpacking token cache: %w", err)
	}

	if ts, ok := md.UploadedAt(); ok {
		s.restoredAt = ts
	}
	s.state = StateRestored

	s.logger.Info("restored token cache",
		"workspace", s.ws.Path(),
		"archive_bytes", len(data),
		"uploaded_at", s.restoredAt)
	telemetry.RecordSyncOp(ctx, "restore", "success", s.now().Sub(start), int64(len(data)))
	return nil
}

// Persist packs the workspace and atomically replaces the remote
// archive. It must only be called after Restore succeeded and the job
// body reported success; this is the single point where refreshed
// tokens become durable. If the remote archive changed since Restore,
// an overlapping execution has persisted in between: this run still
// wins (last writer wins), but the lost update is logged because
// rotated refresh tokens from the other run may be overwritten.
func (s *Synchronizer) Persist(ctx context.Context) error {
	if s.state != StateRestored {
		return fmt.Errorf("%w: persist from %s", ErrInvalidState, s.state)
	}

	start := s.now()

	s.warnLostUpdate(ctx)

	empty, err := isEmptyDir(s.ws.Path())
	if err != nil {
		return fmt.Errorf("inspecting workspace: %w", err)
	}
	if empty && !s.restoredAt.IsZero() {
		s.logger.Warn("persisting an empty workspace over an existing remote cache",
			"workspace", s.ws.Path())
	}

	data, err := s.codec.Pack(s.ws.Path())
	if err != nil {
		telemetry.RecordSyncOp(ctx, "persist", "error", s.now().Sub(start), 0)
		return fmt.Errorf("packing token cache: %w", err)
	}

	md := store.NewMetadata(tokensync.SumArchive(data).String(), s.now())
	if err := s.store.Upload(ctx, data, md); err != nil {
		telemetry.RecordSyncOp(ctx, "persist", "error", s.now().Sub(start), int64(len(data)))
		return fmt.Errorf("uploading token cache: %w", err)
	}

	s.state = StatePersisted

	s.logger.Info("persisted token cache",
		"archive_bytes", len(data),
		"digest", md.Digest())
	telemetry.RecordSyncOp(ctx, "persist", "success", s.now().Sub(start), int64(len(data)))
	return nil
}

// Discard destroys the workspace without writing to the remote cache,
// leaving the durable state exactly as it was before Restore. Valid any
// time before Persist; calling it twice is harmless.
func (s *Synchronizer) Discard() error {
	switch s.state {
	case StatePersisted:
		return fmt.Errorf("%w: discard from %s", ErrInvalidState, s.state)
	case StateDiscarded:
		return nil
	}

	if err := s.ws.Destroy(); err != nil {
		return err
	}
	s.state = StateDiscarded

	s.logger.Info("discarded workspace, remote cache untouched")
	telemetry.RecordSyncOp(context.Background(), "discard", "success", 0, 0)
	return nil
}

// downloadVerified fetches the current archive and checks its bytes
// against the digest recorded at upload time, before anything is
// unpacked. Passes store.ErrNotFound through untouched.
func downloadVerified(ctx context.Context, st store.Store) ([]byte, store.Metadata, error) {
	data, md, err := st.Download(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("downloading token cache: %w", err)
	}

	if want := md.Digest(); want != "" {
		if got := tokensync.SumArchive(data).String(); got != want {
			return data, md, fmt.Errorf("%w: stored %s, downloaded %s", ErrDigestMismatch, want, got)
		}
	}
	return data, md, nil
}

// Fetch downloads the current archive and unpacks it into destDir,
// creating it if absent. Used by operator tooling to inspect or copy the
// cache outside a job execution; returns store.ErrNotFound when the slot
// has never been written.
func Fetch(ctx context.Context, st store.Store, destDir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	data, _, err := downloadVerified(ctx, st)
	if err != nil {
		return err
	}

	if err := archive.NewCodec().Unpack(data, destDir); err != nil {
		return fmt.Errorf("unpacking token cache: %w", err)
	}

	logger.Info("fetched token cache", "dest", destDir, "archive_bytes", len(data))
	return nil
}

// warnLostUpdate checks whether the remote archive moved on since
// Restore. Best-effort: a stat failure here must not block the persist.
func (s *Synchronizer) warnLostUpdate(ctx context.Context) {
	if s.restoredAt.IsZero() {
		return
	}

	md, err := s.store.Stat(ctx)
	if err != nil {
		return
	}
	if ts, ok := md.UploadedAt(); ok && ts.After(s.restoredAt) {
		s.logger.Warn("remote token cache changed since restore, overwriting (last writer wins)",
			"restored_at", s.restoredAt,
			"remote_uploaded_at", ts)
	}
}

// isEmptyDir reports whether dir contains no entries.
func isEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// Seeder performs the one-shot bootstrap of the remote cache from an
// operator-prepared token directory, before any scheduled run exists.
type Seeder struct {
	store  store.Store
	codec  *archive.Codec
	logger *slog.Logger
}

// NewSeeder creates a seeder over the given slot.
func NewSeeder(st store.Store, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Seeder{
		store:  st,
		codec:  archive.NewCodec(),
		logger: logger,
	}
}

// Seed packs the prepared directory and uploads it as the initial
// archive. A single atomic upload, so a half-seeded slot is never
// observable.
func (s *Seeder) Seed(ctx context.Context, preparedDir string) error {
	start := time.Now()

	data, err := s.codec.Pack(preparedDir)
	if err != nil {
		telemetry.RecordSyncOp(ctx, "seed", "error", time.Since(start), 0)
		return fmt.Errorf("packing %s: %w", preparedDir, err)
	}

	md := store.NewMetadata(tokensync.SumArchive(data).String(), time.Now())
	if err := s.store.Upload(ctx, data, md); err != nil {
		telemetry.RecordSyncOp(ctx, "seed", "error", time.Since(start), int64(len(data)))
		return fmt.Errorf("uploading seed archive: %w", err)
	}

	s.logger.Info("seeded remote token cache",
		"source", filepath.Clean(preparedDir),
		"archive_bytes", len(data),
		"digest", md.Digest())
	telemetry.RecordSyncOp(ctx, "seed", "success", time.Since(start), int64(len(data)))
	return nil
}
