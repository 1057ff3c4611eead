// Package blob stores uploaded originals and signature images in object
// storage.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("blob: object not found")

// MaxUploadSize caps a single object at 10MB.
const MaxUploadSize = 10 << 20

// Object describes a stored object.
type Object struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	ETag        string    `json:"etag,omitempty"`
	StoredAt    time.Time `json:"storedAt"`
}

type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
	Delete(ctx context.Context, key string) error
	// URL returns a time-limited download link.
	URL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// DocumentKey names the uploaded original of a document.
func DocumentKey(documentID, filename string) string {
	return "documents/" + documentID + "/" + sanitize(filename)
}

// SignatureKey names an uploaded signature image.
func SignatureKey(userID, signatureID string) string {
	return "signatures/" + userID + "/" + signatureID
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "file"
	}
	return string(out)
}
