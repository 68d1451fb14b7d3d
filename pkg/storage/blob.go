package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ErrBlobNotFound is returned when the requested key has no object.
var ErrBlobNotFound = errors.New("blob not found")

// ErrSignedURLUnsupported is returned by backends that cannot mint
// time-limited download links; callers fall back to streaming through
// the API instead.
var ErrSignedURLUnsupported = errors.New("signed URLs not supported by this backend")

// BlobStore is the document byte store. Records carry only descriptors;
// the bytes themselves live behind this interface.
type BlobStore interface {
	// Put stores the object under key and returns the number of bytes written.
	Put(ctx context.Context, key string, content io.Reader, contentType string) (int64, error)

	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SignedURL returns a time-limited download link for the object, or
	// ErrSignedURLUnsupported when the backend has no such facility.
	SignedURL(ctx context.Context, key string) (string, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// DocumentKey builds the canonical object key for a record document:
// org/module/record/docID/filename. The generated document ID namespaces
// the key, so uploads with the same filename never collide.
func DocumentKey(orgID, module, recordID, docID, filename string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", orgID, module, recordID, docID, sanitizeFilename(filename))
}

// NewDocumentID returns a fresh document identifier.
func NewDocumentID() string {
	return "doc_" + ulid.Make().String()
}

// sanitizeFilename strips path separators and traversal sequences so a
// client-supplied filename can never escape its key prefix.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "unnamed"
	}
	return name
}
