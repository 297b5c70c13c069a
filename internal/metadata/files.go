package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cirrusdrive/cirrusdrive/internal/cache"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/logging"
	"github.com/cirrusdrive/cirrusdrive/internal/rowstore"
)

// FileMetadata carries the attributes of a new file record.
type FileMetadata struct {
	Name           string
	Size           int64
	MimeType       string
	ObjectKey      string
	BucketID       string
	OwnerID        string
	ParentFolderID string
}

// file loads a file by id, read-through cached.
func (e *Engine) file(ctx context.Context, fileID string) (*File, error) {
	if v, ok := e.cache.Get(cache.FileKey(fileID)); ok {
		return v.(*File), nil
	}

	row, err := e.rows.Get(ctx, rowstore.CollectionFiles, fileID)
	if err != nil {
		return nil, err
	}
	f, err := fileFromRow(row)
	if err != nil {
		return nil, err
	}

	e.cache.SetTTL(cache.FileKey(fileID), f, cache.TTLMetadata)
	return f, nil
}

// ownedFile loads a file and enforces ownership.
func (e *Engine) ownedFile(ctx context.Context, fileID, ownerID string) (*File, error) {
	f, err := e.file(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.OwnerID != ownerID {
		return nil, fmt.Errorf("file %s: %w", fileID, errs.ErrAccessDenied)
	}
	return f, nil
}

// CreateFile records a file whose object already lives in the blob
// store. The parent folder, when set, must exist and belong to the
// same owner.
func (e *Engine) CreateFile(ctx context.Context, meta FileMetadata) (*File, error) {
	if err := validateName(meta.Name); err != nil {
		return nil, err
	}
	if meta.ObjectKey == "" {
		return nil, fmt.Errorf("missing object key: %w", errs.ErrInvalidOperation)
	}
	if meta.ParentFolderID != "" {
		if _, err := e.ownedFolder(ctx, meta.ParentFolderID, meta.OwnerID); err != nil {
			return nil, fmt.Errorf("parent folder: %w", err)
		}
	}

	id := uuid.NewString()
	row := rowstore.Row{
		"name":       meta.Name,
		"size":       meta.Size,
		"mime_type":  meta.MimeType,
		"object_key": meta.ObjectKey,
		"bucket_id":  meta.BucketID,
		"owner_id":   meta.OwnerID,
		"created":    time.Now().UTC(),
	}
	if meta.ParentFolderID != "" {
		row["parent_folder_id"] = meta.ParentFolderID
	}

	created, err := e.rows.Create(ctx, rowstore.CollectionFiles, id, row)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	e.invalidateOwnerLists(meta.OwnerID)
	e.cache.Delete(cache.StorageUsageKey(meta.OwnerID))
	e.invalidateSizeChain(ctx, meta.ParentFolderID)

	logging.WithContext(ctx).Info("file created",
		zap.String("file_id", id),
		zap.String("owner_id", meta.OwnerID),
		zap.Int64("size", meta.Size))

	return fileFromRow(created)
}

// GetFile returns a file after an ownership check.
func (e *Engine) GetFile(ctx context.Context, fileID, ownerID string) (*File, error) {
	return e.ownedFile(ctx, fileID, ownerID)
}

// ListFiles returns the owner's files in the given folder ("" = root
// level), newest first.
func (e *Engine) ListFiles(ctx context.Context, ownerID, folderID string) ([]*File, error) {
	key := cache.FileListKey(ownerID, folderID)
	if v, ok := e.cache.Get(key); ok {
		return v.([]*File), nil
	}

	filters := []rowstore.Filter{rowstore.Equal("owner_id", ownerID)}
	if folderID == "" {
		filters = append(filters, rowstore.IsNull("parent_folder_id"))
	} else {
		filters = append(filters, rowstore.Equal("parent_folder_id", folderID))
	}

	page, err := e.rows.List(ctx, rowstore.CollectionFiles, rowstore.Query{
		Filters: filters,
		Sort:    []rowstore.Sort{{Field: "created", Desc: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	files := make([]*File, 0, len(page.Items))
	for _, row := range page.Items {
		f, err := fileFromRow(row)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	e.cache.SetTTL(key, files, cache.TTLList)
	return files, nil
}

// RenameFile changes a file's name.
func (e *Engine) RenameFile(ctx context.Context, fileID, newName, ownerID string) (*File, error) {
	if err := validateName(newName); err != nil {
		return nil, err
	}
	if _, err := e.ownedFile(ctx, fileID, ownerID); err != nil {
		return nil, err
	}

	row, err := e.rows.Update(ctx, rowstore.CollectionFiles, fileID, rowstore.Row{"name": newName})
	if err != nil {
		return nil, fmt.Errorf("rename file: %w", err)
	}

	e.cache.Delete(cache.FileKey(fileID))
	// The cached download URL carries the old name as its attachment
	// filename.
	f, derr := fileFromRow(row)
	if derr == nil {
		e.cache.Delete(cache.DownloadURLKey(f.ObjectKey))
	}
	e.cache.InvalidateByPrefix(cache.OwnerFileListPrefix(ownerID))

	return fileFromRow(row)
}

// MoveFile reparents a file. Moving to the current parent is a no-op;
// a missing target folder rejects the move.
func (e *Engine) MoveFile(ctx context.Context, fileID, targetFolderID, ownerID string) (*File, error) {
	f, err := e.ownedFile(ctx, fileID, ownerID)
	if err != nil {
		return nil, err
	}
	if targetFolderID == f.ParentFolderID {
		return f, nil
	}

	if targetFolderID != "" {
		if _, err := e.ownedFolder(ctx, targetFolderID, ownerID); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, fmt.Errorf("target folder %s does not exist: %w", targetFolderID, errs.ErrInvalidOperation)
			}
			return nil, err
		}
	}

	update := rowstore.Row{}
	if targetFolderID == "" {
		update["parent_folder_id"] = nil
	} else {
		update["parent_folder_id"] = targetFolderID
	}
	row, err := e.rows.Update(ctx, rowstore.CollectionFiles, fileID, update)
	if err != nil {
		return nil, fmt.Errorf("move file: %w", err)
	}

	e.cache.Delete(cache.FileKey(fileID))
	e.cache.InvalidateByPrefix(cache.OwnerFileListPrefix(ownerID))
	e.invalidateSizeChain(ctx, f.ParentFolderID)
	e.invalidateSizeChain(ctx, targetFolderID)

	return fileFromRow(row)
}

// DeleteFile removes a file's record and then its object. The record
// is authoritative: the blob delete is best-effort and an orphaned
// object is only logged.
func (e *Engine) DeleteFile(ctx context.Context, fileID, ownerID string) error {
	f, err := e.ownedFile(ctx, fileID, ownerID)
	if err != nil {
		return err
	}

	if err := e.rows.Delete(ctx, rowstore.CollectionFiles, fileID); err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if err := e.blobs.Delete(ctx, f.ObjectKey); err != nil {
		logging.WithContext(ctx).Warn("blob delete failed",
			zap.String("object_key", f.ObjectKey),
			zap.Error(err))
	}

	e.cache.Delete(cache.FileKey(fileID))
	e.cache.Delete(cache.DownloadURLKey(f.ObjectKey))
	e.invalidateOwnerLists(ownerID)
	e.cache.Delete(cache.StorageUsageKey(ownerID))
	e.invalidateSizeChain(ctx, f.ParentFolderID)

	logging.WithContext(ctx).Info("file deleted",
		zap.String("file_id", fileID),
		zap.Int64("size", f.Size))

	return nil
}

// DownloadURL returns a presigned GET URL for a file, cached just
// under the signature's lifetime so a cached URL is always still
// valid when served.
func (e *Engine) DownloadURL(ctx context.Context, fileID, ownerID string, expires time.Duration) (string, error) {
	f, err := e.ownedFile(ctx, fileID, ownerID)
	if err != nil {
		return "", err
	}

	key := cache.DownloadURLKey(f.ObjectKey)
	if v, ok := e.cache.Get(key); ok {
		return v.(string), nil
	}

	url, err := e.blobs.PresignGet(ctx, f.ObjectKey, expires, f.Name)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}

	e.cache.SetTTL(key, url, cache.TTLDownloadURL)
	return url, nil
}

// StorageUsage returns the total bytes an owner has stored, computed
// by a size-only paginated scan of the owner's file records.
func (e *Engine) StorageUsage(ctx context.Context, ownerID string) (int64, error) {
	key := cache.StorageUsageKey(ownerID)
	if v, ok := e.cache.Get(key); ok {
		return v.(int64), nil
	}

	var total int64
	cursor := ""
	for {
		page, err := e.rows.List(ctx, rowstore.CollectionFiles, rowstore.Query{
			Filters: []rowstore.Filter{rowstore.Equal("owner_id", ownerID)},
			Fields:  []string{"size"},
			Limit:   usagePageSize,
			Cursor:  cursor,
		})
		if err != nil {
			return 0, fmt.Errorf("storage usage: %w", err)
		}
		for _, row := range page.Items {
			if size, ok := row["size"].(int64); ok {
				total += size
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	e.cache.SetTTL(key, total, cache.TTLStorageUsage)
	return total, nil
}

// ChildFiles returns a folder's direct child files.
func (e *Engine) ChildFiles(ctx context.Context, folderID string) ([]*File, error) {
	page, err := e.rows.List(ctx, rowstore.CollectionFiles, rowstore.Query{
		Filters: []rowstore.Filter{rowstore.Equal("parent_folder_id", folderID)},
		Sort:    []rowstore.Sort{{Field: "name"}},
	})
	if err != nil {
		return nil, fmt.Errorf("list child files: %w", err)
	}

	files := make([]*File, 0, len(page.Items))
	for _, row := range page.Items {
		f, err := fileFromRow(row)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}
