// Package blobstore defines the key-addressed object store capability:
// single-object I/O, presigned URLs, and the multipart upload protocol
// (create, sign/upload parts, list for resume, complete, abort).
// Implementations: s3 (production) and memory (tests, development).
package blobstore

import (
	"context"
	"io"
	"time"
)

// Part is an already-uploaded multipart part, as reported by the store.
type Part struct {
	PartNumber int32 `json:"PartNumber"`
	Size       int64 `json:"Size"`
	ETag       string `json:"ETag"`
}

// CompletedPart identifies one finished part when completing an upload.
type CompletedPart struct {
	PartNumber int32  `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// ListPartsPage is one page of uploaded parts. NextMarker is the
// part-number marker for the following page, empty on the last page.
type ListPartsPage struct {
	Parts      []Part
	NextMarker string
}

// Store is the object store contract.
type Store interface {
	// Put uploads an object in a single request.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Get returns the object's content and total size.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// PresignGet returns a time-bounded download URL. responseFilename,
	// when non-empty, sets the attachment filename on the response.
	PresignGet(ctx context.Context, key string, expires time.Duration, responseFilename string) (string, error)

	// PresignPut returns a time-bounded single-part upload URL.
	PresignPut(ctx context.Context, key, contentType string, expires time.Duration) (string, error)

	// PresignUploadPart returns a time-bounded URL scoped to one part of
	// one multipart upload.
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, expires time.Duration) (string, error)

	// CreateMultipart opens a multipart upload session and returns its
	// opaque upload id.
	CreateMultipart(ctx context.Context, key, contentType string, metadata map[string]string) (string, error)

	// UploadPart transfers one part through the server.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (CompletedPart, error)

	// ListParts returns uploaded parts after the given part-number
	// marker ("" for the first page).
	ListParts(ctx context.Context, key, uploadID, marker string) (*ListPartsPage, error)

	// CompleteMultipart assembles the parts into the final object and
	// returns its location.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error)

	// AbortMultipart releases the session and any uploaded parts.
	// Aborting an unknown session is not an error.
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// Bucket returns the backing bucket identifier.
	Bucket() string
}
