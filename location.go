// Package tokensync synchronises an OAuth token cache between an ephemeral
// job execution environment and a durable object store.
package tokensync

import (
	"fmt"
	"strings"
)

// Scheme is the URI scheme for remote cache locations.
const Scheme = "gs"

// Location identifies exactly one archive slot in durable storage,
// parsed from a "gs://bucket/object-path" URI. At most one archive is
// current at a Location at any time.
type Location struct {
	Bucket string
	Object string
}

// ParseLocation parses a remote cache URI in the form "gs://bucket/object-path".
// Leading and trailing whitespace is ignored.
func ParseLocation(s string) (Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Location{}, fmt.Errorf("empty cache location")
	}

	rest, ok := strings.CutPrefix(s, Scheme+"://")
	if !ok {
		return Location{}, fmt.Errorf("invalid cache location %q: expected %s:// scheme", s, Scheme)
	}

	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return Location{}, fmt.Errorf("invalid cache location %q: expected %s://bucket/object-path", s, Scheme)
	}

	return Location{Bucket: bucket, Object: object}, nil
}

// String returns the canonical URI form "gs://bucket/object-path".
func (l Location) String() string {
	return Scheme + "://" + l.Bucket + "/" + l.Object
}

// IsZero returns true if the location is unset.
func (l Location) IsZero() bool {
	return l == Location{}
}
