// Package archive packs a credential directory into a single tar.gz blob
// and unpacks it again. Archives are the unit of exchange with the remote
// cache; a new archive always fully supersedes the prior one.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
)

const (
	// MaxUnpackedSize is the hard cap on total extracted bytes, guarding
	// against decompression bombs. Token caches are a handful of small
	// JSON files, so this is generous.
	MaxUnpackedSize = 10 * 1024 * 1024 // 10MB

	// MaxEntries caps the number of archive members during unpack.
	MaxEntries = 1024
)

var (
	// ErrSourceMissing is returned when the pack source directory does
	// not exist or is not a directory.
	ErrSourceMissing = errors.New("source directory not found")

	// ErrMalformed is returned when the input bytes are not a valid
	// tar.gz archive.
	ErrMalformed = errors.New("malformed archive")

	// ErrTooLarge is returned when an archive would unpack beyond
	// MaxUnpackedSize or MaxEntries.
	ErrTooLarge = errors.New("archive exceeds maximum size")

	// ErrUnsafePath is returned when an archive member path would
	// escape the destination directory.
	ErrUnsafePath = errors.New("archive member path is not local")
)

// Codec packs and unpacks credential directory archives.
// The zero value is ready to use and safe for concurrent use.
type Codec struct{}

// NewCodec creates a new archive codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Pack serialises the file tree under sourceDir into a tar.gz blob.
// Members are written in lexicographic path order so the same tree
// always enumerates the same way. Only directories and regular files
// are supported.
func (c *Codec) Pack(sourceDir string) ([]byte, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, sourceDir)
		}
		return nil, fmt.Errorf("stat source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSourceMissing, sourceDir)
	}

	entries, err := collectEntries(sourceDir)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, rel := range entries {
		if err := writeEntry(tw, sourceDir, rel); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Unpack recreates the archived file tree under destDir, creating
// destDir if absent and overwriting existing files of the same
// relative path.
func (c *Codec) Unpack(data []byte, destDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer func() { _ = gz.Close() }()

	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	tr := tar.NewReader(gz)
	var (
		remaining int64 = MaxUnpackedSize
		count     int
	)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		count++
		if count > MaxEntries {
			return fmt.Errorf("%w: more than %d members", ErrTooLarge, MaxEntries)
		}

		rel := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, hdr.Name)
		}
		target := filepath.Join(destDir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
		case tar.TypeReg:
			n, err := extractFile(tr, target, hdr.FileInfo().Mode().Perm(), remaining)
			if err != nil {
				return err
			}
			remaining -= n
		default:
			return fmt.Errorf("%w: unsupported member type %q for %q", ErrMalformed, hdr.Typeflag, hdr.Name)
		}
	}
}

// collectEntries walks sourceDir and returns all relative member paths
// in lexicographic order, directories included (except the root itself).
func collectEntries(sourceDir string) ([]string, error) {
	var entries []string
	err := filepath.WalkDir(sourceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return fmt.Errorf("unsupported file type at %s", path)
		}
		entries = append(entries, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking source directory: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// writeEntry appends one member to the tar stream.
func writeEntry(tw *tar.Writer, sourceDir, rel string) error {
	path := filepath.Join(sourceDir, filepath.FromSlash(rel))
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("building tar header for %s: %w", path, err)
	}
	hdr.Name = rel
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// extractFile writes one regular file from the tar stream, enforcing the
// remaining size budget. Returns the number of bytes written.
func extractFile(tr *tar.Reader, target string, mode os.FileMode, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return 0, fmt.Errorf("creating parent directory for %s: %w", target, err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", target, err)
	}

	// Read one byte past the budget so overruns are detected.
	n, err := io.Copy(f, io.LimitReader(tr, remaining+1))
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("extracting %s: %w", target, err)
	}
	if n > remaining {
		return n, fmt.Errorf("%w: unpacked bytes exceed %d", ErrTooLarge, int64(MaxUnpackedSize))
	}
	return n, nil
}
