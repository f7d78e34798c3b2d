// Package blob wraps the object-storage bucket behind the narrow contract the
// document lifecycle needs: put, get, server-side copy, and idempotent remove.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when no object exists under the key. A
// document row pointing at a missing object is an inconsistency the caller
// must surface, not mask.
var ErrNotFound = errors.New("object not found")

// Object is a readable blob plus the content type it was stored with.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

type Store interface {
	// Put writes the object, overwriting any previous content under the key.
	// size may be -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	// Copy duplicates src to dst server-side, preserving content and metadata.
	Copy(ctx context.Context, srcKey, dstKey string) error
	// Remove deletes the object; removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}
