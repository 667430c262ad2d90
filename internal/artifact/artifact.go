// Package artifact stores files produced by submissions outside the
// worker that created them.
package artifact

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"
)

// ErrNotFound is returned when no artifact exists under a key.
var ErrNotFound = errors.New("artifact not found")

// Store persists artifact content.
type Store interface {
	// Put stores data under key and returns a content reference.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Key builds the storage key of one execution artifact. Each id becomes
// exactly one path segment, so ids cannot climb out of their prefix or
// collide with another session's keys.
func Key(sessionID, submissionID, filename string) string {
	return segment(sessionID) + "/" + segment(submissionID) + "/" +
		strings.TrimPrefix(path.Clean("/"+filename), "/")
}

// segment escapes one id. PathEscape never emits a bare "%" or a leading
// dot, so the empty and dotted ids map to keys no other id produces.
func segment(id string) string {
	if id == "" {
		return "%"
	}
	s := url.PathEscape(id)
	if strings.HasPrefix(s, ".") {
		s = "%2E" + s[1:]
	}
	return s
}
