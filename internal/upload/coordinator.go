package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cirrusdrive/cirrusdrive/internal/blobstore"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/logging"
	"github.com/cirrusdrive/cirrusdrive/internal/metadata"
	"github.com/cirrusdrive/cirrusdrive/internal/metrics"
	"github.com/cirrusdrive/cirrusdrive/internal/quota"
)

// State tracks a multipart session through its lifecycle. Transitions
// only move forward: Initiated -> PartsInFlight -> Completing ->
// Completed, with Aborted reachable from the first two.
type State string

const (
	StateInitiated     State = "initiated"
	StatePartsInFlight State = "parts-in-flight"
	StateCompleting    State = "completing"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// Session is one in-progress multipart upload.
type Session struct {
	UploadID       string    `json:"uploadId"`
	Key            string    `json:"key"`
	OwnerID        string    `json:"ownerId"`
	Name           string    `json:"name"`
	ContentType    string    `json:"contentType"`
	Size           int64     `json:"size"`
	PartSize       int64     `json:"partSize"`
	PartCount      int32     `json:"partCount"`
	ParentFolderID string    `json:"parentFolderId,omitempty"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
}

// StartRequest describes the object a multipart session is opened for.
type StartRequest struct {
	OwnerID        string
	Name           string
	ContentType    string
	Size           int64
	ParentFolderID string
	Hint           NetworkHint
}

// Coordinator owns upload sessions end to end: quota admission, key
// derivation, part signing and relaying, and turning a completed
// upload into a file record.
type Coordinator struct {
	blobs        blobstore.Store
	meta         *metadata.Engine
	quota        *quota.Enforcer
	uploadExpiry time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewCoordinator(blobs blobstore.Store, meta *metadata.Engine, q *quota.Enforcer, uploadExpiry time.Duration) *Coordinator {
	return &Coordinator{
		blobs:        blobs,
		meta:         meta,
		quota:        q,
		uploadExpiry: uploadExpiry,
		sessions:     make(map[string]*Session),
	}
}

// deriveKey builds the object key for a new upload. Keys are owner
// prefixed and random, keeping the original name out of the store.
func deriveKey(ownerID, name string) string {
	id := uuid.NewString()
	if ext := path.Ext(name); ext != "" {
		return ownerID + "/" + id + ext
	}
	return ownerID + "/" + id
}

// ownedSession resolves a session and checks that the caller owns it.
// Sessions are private to the owner that opened them.
func (c *Coordinator) ownedSession(uploadID, ownerID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[uploadID]
	if !ok {
		return nil, fmt.Errorf("upload session %s: %w", uploadID, errs.ErrNotFound)
	}
	if s.OwnerID != ownerID {
		return nil, fmt.Errorf("upload session %s: %w", uploadID, errs.ErrAccessDenied)
	}
	return s, nil
}

// Start opens a multipart session. Quota is checked up front so a
// doomed upload never transfers a byte.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if req.Size <= 0 {
		return nil, fmt.Errorf("upload size must be positive: %w", errs.ErrInvalidOperation)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("missing file name: %w", errs.ErrInvalidOperation)
	}
	if err := c.quota.Check(ctx, req.OwnerID, req.Size); err != nil {
		return nil, err
	}

	key := deriveKey(req.OwnerID, req.Name)
	partSize := PartSize(req.Size, req.Hint)

	uploadID, err := c.blobs.CreateMultipart(ctx, key, req.ContentType, map[string]string{
		"ownerId":      req.OwnerID,
		"originalName": req.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}

	s := &Session{
		UploadID:       uploadID,
		Key:            key,
		OwnerID:        req.OwnerID,
		Name:           req.Name,
		ContentType:    req.ContentType,
		Size:           req.Size,
		PartSize:       partSize,
		PartCount:      PartCount(req.Size, partSize),
		ParentFolderID: req.ParentFolderID,
		State:          StateInitiated,
		CreatedAt:      time.Now().UTC(),
	}

	c.mu.Lock()
	c.sessions[uploadID] = s
	c.mu.Unlock()
	metrics.MultipartSessionOpened()

	logging.WithContext(ctx).Info("multipart upload started",
		zap.String("upload_id", uploadID),
		zap.String("key", key),
		zap.Int64("size", req.Size),
		zap.Int64("part_size", partSize),
		zap.Int32("parts", s.PartCount))

	return s, nil
}

// SignPart returns a presigned URL for one part of a session the
// caller owns.
func (c *Coordinator) SignPart(ctx context.Context, uploadID, ownerID string, partNumber int32) (string, error) {
	s, err := c.ownedSession(uploadID, ownerID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	switch s.State {
	case StateInitiated:
		s.State = StatePartsInFlight
	case StatePartsInFlight:
	default:
		state := s.State
		c.mu.Unlock()
		return "", fmt.Errorf("cannot sign part in state %s: %w", state, errs.ErrInvalidOperation)
	}
	c.mu.Unlock()

	if partNumber < 1 || partNumber > s.PartCount {
		return "", fmt.Errorf("part number %d out of range 1..%d: %w", partNumber, s.PartCount, errs.ErrInvalidOperation)
	}

	url, err := c.blobs.PresignUploadPart(ctx, s.Key, uploadID, partNumber, c.uploadExpiry)
	if err != nil {
		return "", fmt.Errorf("presign part %d: %w", partNumber, err)
	}
	return url, nil
}

// Parts lists the parts already uploaded to a session, for resuming an
// interrupted upload. The store paginates; this drains every page.
func (c *Coordinator) Parts(ctx context.Context, uploadID, ownerID string) ([]blobstore.Part, error) {
	s, err := c.ownedSession(uploadID, ownerID)
	if err != nil {
		return nil, err
	}

	var parts []blobstore.Part
	marker := ""
	for {
		page, err := c.blobs.ListParts(ctx, s.Key, uploadID, marker)
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		parts = append(parts, page.Parts...)
		if page.NextMarker == "" {
			return parts, nil
		}
		marker = page.NextMarker
	}
}

// Complete assembles the uploaded parts and records the file. The
// session must still be live; once completion begins no other
// transition is possible.
func (c *Coordinator) Complete(ctx context.Context, uploadID, ownerID string, parts []blobstore.CompletedPart) (*metadata.File, error) {
	s, err := c.ownedSession(uploadID, ownerID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no parts to complete: %w", errs.ErrInvalidOperation)
	}

	c.mu.Lock()
	switch s.State {
	case StateInitiated, StatePartsInFlight:
		s.State = StateCompleting
	default:
		state := s.State
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot complete upload in state %s: %w", state, errs.ErrInvalidOperation)
	}
	c.mu.Unlock()

	if _, err := c.blobs.CompleteMultipart(ctx, s.Key, uploadID, parts); err != nil {
		c.mu.Lock()
		s.State = StatePartsInFlight
		c.mu.Unlock()
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}

	file, err := c.meta.CreateFile(ctx, metadata.FileMetadata{
		Name:           s.Name,
		Size:           s.Size,
		MimeType:       s.ContentType,
		ObjectKey:      s.Key,
		BucketID:       c.blobs.Bucket(),
		OwnerID:        s.OwnerID,
		ParentFolderID: s.ParentFolderID,
	})
	if err != nil {
		return nil, fmt.Errorf("record uploaded file: %w", err)
	}

	c.mu.Lock()
	s.State = StateCompleted
	delete(c.sessions, uploadID)
	c.mu.Unlock()
	metrics.MultipartSessionClosed()
	metrics.RecordUploadBytes(s.Size)

	logging.WithContext(ctx).Info("multipart upload completed",
		zap.String("upload_id", uploadID),
		zap.String("file_id", file.ID),
		zap.Int("parts", len(parts)))

	return file, nil
}

// Abort cancels a live session and releases its parts. Aborting an
// already aborted session is a no-op; a completing or completed one
// cannot be aborted.
func (c *Coordinator) Abort(ctx context.Context, uploadID, ownerID string) error {
	s, err := c.ownedSession(uploadID, ownerID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch s.State {
	case StateInitiated, StatePartsInFlight:
		s.State = StateAborted
	case StateAborted:
		c.mu.Unlock()
		return nil
	default:
		state := s.State
		c.mu.Unlock()
		return fmt.Errorf("cannot abort upload in state %s: %w", state, errs.ErrInvalidOperation)
	}
	c.mu.Unlock()

	if err := c.blobs.AbortMultipart(ctx, s.Key, uploadID); err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}

	c.mu.Lock()
	delete(c.sessions, uploadID)
	c.mu.Unlock()
	metrics.MultipartSessionClosed()

	logging.WithContext(ctx).Info("multipart upload aborted",
		zap.String("upload_id", uploadID),
		zap.String("key", s.Key))

	return nil
}

// SignedPut is the response for a single-part presigned upload.
type SignedPut struct {
	URL      string `json:"url"`
	Key      string `json:"key"`
	BucketID string `json:"bucketId"`
}

// SignPut presigns a single-request PUT for a small object. Quota is
// checked now; the record is written later via RegisterObject.
func (c *Coordinator) SignPut(ctx context.Context, ownerID, name, contentType string, size int64) (*SignedPut, error) {
	if size <= 0 {
		return nil, fmt.Errorf("upload size must be positive: %w", errs.ErrInvalidOperation)
	}
	if UseMultipart(size) {
		return nil, fmt.Errorf("object of %d bytes requires a multipart upload: %w", size, errs.ErrInvalidOperation)
	}
	if err := c.quota.Check(ctx, ownerID, size); err != nil {
		return nil, err
	}

	key := deriveKey(ownerID, name)
	url, err := c.blobs.PresignPut(ctx, key, contentType, c.uploadExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	return &SignedPut{URL: url, Key: key, BucketID: c.blobs.Bucket()}, nil
}

// RegisterObject records a file whose object the client uploaded
// through a presigned PUT. Quota is re-checked against the final size.
func (c *Coordinator) RegisterObject(ctx context.Context, meta metadata.FileMetadata) (*metadata.File, error) {
	if err := c.quota.Check(ctx, meta.OwnerID, meta.Size); err != nil {
		return nil, err
	}
	if meta.BucketID == "" {
		meta.BucketID = c.blobs.Bucket()
	}
	file, err := c.meta.CreateFile(ctx, meta)
	if err != nil {
		return nil, err
	}
	metrics.RecordUploadBytes(meta.Size)
	return file, nil
}

// Relay streams a request body through the server into the store.
// Small objects go up in one request; larger ones run a multipart
// session with parts uploaded by a bounded pool of workers. The body
// is read sequentially either way, so memory stays at one part per
// in-flight worker.
func (c *Coordinator) Relay(ctx context.Context, req StartRequest, body io.Reader) (*metadata.File, error) {
	if err := c.quota.Check(ctx, req.OwnerID, req.Size); err != nil {
		return nil, err
	}

	if !UseMultipart(req.Size) {
		key := deriveKey(req.OwnerID, req.Name)
		if err := c.blobs.Put(ctx, key, body, req.Size, req.ContentType); err != nil {
			return nil, fmt.Errorf("relay upload: %w", err)
		}
		file, err := c.meta.CreateFile(ctx, metadata.FileMetadata{
			Name:           req.Name,
			Size:           req.Size,
			MimeType:       req.ContentType,
			ObjectKey:      key,
			BucketID:       c.blobs.Bucket(),
			OwnerID:        req.OwnerID,
			ParentFolderID: req.ParentFolderID,
		})
		if err != nil {
			return nil, err
		}
		metrics.RecordUploadBytes(req.Size)
		return file, nil
	}

	s, err := c.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	parts, err := c.relayParts(ctx, s, body)
	if err != nil {
		if abortErr := c.Abort(ctx, s.UploadID, req.OwnerID); abortErr != nil {
			logging.WithContext(ctx).Warn("abort after failed relay",
				zap.String("upload_id", s.UploadID),
				zap.Error(abortErr))
		}
		return nil, err
	}
	return c.Complete(ctx, s.UploadID, req.OwnerID, parts)
}

// relayParts reads the body part by part and uploads parts with up to
// ConcurrentParts workers in flight. Reads stay sequential; only the
// store writes run concurrently.
func (c *Coordinator) relayParts(ctx context.Context, s *Session, body io.Reader) ([]blobstore.CompletedPart, error) {
	c.mu.Lock()
	if s.State == StateInitiated {
		s.State = StatePartsInFlight
	}
	c.mu.Unlock()

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, ConcurrentParts)
		mu       sync.Mutex
		parts    []blobstore.CompletedPart
		firstErr error
	)

	var remaining = s.Size
	for partNumber := int32(1); remaining > 0; partNumber++ {
		chunkSize := s.PartSize
		if chunkSize > remaining {
			chunkSize = remaining
		}
		buf := make([]byte, chunkSize)
		if _, err := io.ReadFull(body, buf); err != nil {
			wg.Wait()
			return nil, fmt.Errorf("read part %d: %w", partNumber, err)
		}
		remaining -= chunkSize

		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(n int32, data []byte) {
			defer wg.Done()
			defer func() { <-sem }()

			part, err := c.blobs.UploadPart(ctx, s.Key, s.UploadID, n, bytes.NewReader(data), int64(len(data)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("upload part %d: %w", n, err)
				}
				return
			}
			parts = append(parts, part)
			metrics.RecordPartUploaded()
		}(partNumber, buf)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}
