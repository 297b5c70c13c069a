// Package memory implements blobstore.Store in process memory,
// including the full multipart protocol. It backs tests and local
// development; presigned URLs are synthetic and not servable.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cirrusdrive/cirrusdrive/internal/blobstore"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
)

type upload struct {
	key         string
	contentType string
	parts       map[int32][]byte
	etags       map[int32]string
}

// Store is an in-memory object store.
type Store struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	uploads map[string]*upload
}

// New creates an empty in-memory object store.
func New(bucket string) *Store {
	return &Store{
		bucket:  bucket,
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		uploads: make(map[string]*upload),
	}
}

// Put implements blobstore.Store.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.types[key] = contentType
	return nil
}

// Get implements blobstore.Store.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()

	if !ok {
		return nil, 0, fmt.Errorf("object %s: %w", key, errs.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Delete implements blobstore.Store. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.types, key)
	return nil
}

// PresignGet implements blobstore.Store with a synthetic URL.
func (s *Store) PresignGet(ctx context.Context, key string, expires time.Duration, responseFilename string) (string, error) {
	s.mu.Lock()
	_, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("object %s: %w", key, errs.ErrNotFound)
	}
	return fmt.Sprintf("memory://%s/%s?expires=%d", s.bucket, key, int(expires.Seconds())), nil
}

// PresignPut implements blobstore.Store with a synthetic URL.
func (s *Store) PresignPut(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s/%s?put&expires=%d", s.bucket, key, int(expires.Seconds())), nil
}

// PresignUploadPart implements blobstore.Store with a synthetic URL.
func (s *Store) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, expires time.Duration) (string, error) {
	s.mu.Lock()
	_, ok := s.uploads[uploadID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("upload %s: %w", uploadID, errs.ErrNotFound)
	}
	return fmt.Sprintf("memory://%s/%s?uploadId=%s&partNumber=%d", s.bucket, key, uploadID, partNumber), nil
}

// CreateMultipart implements blobstore.Store.
func (s *Store) CreateMultipart(ctx context.Context, key, contentType string, metadata map[string]string) (string, error) {
	uploadID := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[uploadID] = &upload{
		key:         key,
		contentType: contentType,
		parts:       make(map[int32][]byte),
		etags:       make(map[int32]string),
	}
	return uploadID, nil
}

// UploadPart implements blobstore.Store.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (blobstore.CompletedPart, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return blobstore.CompletedPart{}, fmt.Errorf("read part body: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return blobstore.CompletedPart{}, fmt.Errorf("upload %s: %w", uploadID, errs.ErrNotFound)
	}

	sum := sha256.Sum256(data)
	etag := hex.EncodeToString(sum[:8])
	up.parts[partNumber] = data
	up.etags[partNumber] = etag
	return blobstore.CompletedPart{PartNumber: partNumber, ETag: etag}, nil
}

// ListParts implements blobstore.Store, paginated by part number.
func (s *Store) ListParts(ctx context.Context, key, uploadID, marker string) (*blobstore.ListPartsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return nil, fmt.Errorf("upload %s: %w", uploadID, errs.ErrNotFound)
	}

	after := int32(0)
	if marker != "" {
		n, err := strconv.ParseInt(marker, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid part marker %q", marker)
		}
		after = int32(n)
	}

	var numbers []int32
	for n := range up.parts {
		if n > after {
			numbers = append(numbers, n)
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	const pageSize = 1000
	page := &blobstore.ListPartsPage{}
	for i, n := range numbers {
		if i == pageSize {
			page.NextMarker = strconv.Itoa(int(numbers[i-1]))
			break
		}
		page.Parts = append(page.Parts, blobstore.Part{
			PartNumber: n,
			Size:       int64(len(up.parts[n])),
			ETag:       up.etags[n],
		})
	}
	return page, nil
}

// CompleteMultipart implements blobstore.Store. Parts must match what
// was uploaded; the assembled object becomes visible atomically.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []blobstore.CompletedPart) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return "", fmt.Errorf("upload %s: %w", uploadID, errs.ErrNotFound)
	}

	ordered := make([]blobstore.CompletedPart, len(parts))
	copy(ordered, parts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartNumber < ordered[j].PartNumber })

	var assembled []byte
	for _, p := range ordered {
		data, ok := up.parts[p.PartNumber]
		if !ok || up.etags[p.PartNumber] != p.ETag {
			return "", fmt.Errorf("part %d of upload %s: %w", p.PartNumber, uploadID, errs.ErrInvalidOperation)
		}
		assembled = append(assembled, data...)
	}

	s.objects[key] = assembled
	s.types[key] = up.contentType
	delete(s.uploads, uploadID)
	return fmt.Sprintf("memory://%s/%s", s.bucket, key), nil
}

// AbortMultipart implements blobstore.Store. Idempotent.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
	return nil
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// ObjectCount reports how many objects are stored. Test helper.
func (s *Store) ObjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// HasObject reports whether key exists. Test helper.
func (s *Store) HasObject(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

// UploadCount reports how many multipart sessions are open. Test helper.
func (s *Store) UploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}
