package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cirrusdrive/cirrusdrive/internal/cache"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/logging"
	"github.com/cirrusdrive/cirrusdrive/internal/rowstore"
)

// folder loads a folder by id, read-through cached.
func (e *Engine) folder(ctx context.Context, folderID string) (*Folder, error) {
	if v, ok := e.cache.Get(cache.FolderKey(folderID)); ok {
		return v.(*Folder), nil
	}

	row, err := e.rows.Get(ctx, rowstore.CollectionFolders, folderID)
	if err != nil {
		return nil, err
	}
	f, err := folderFromRow(row)
	if err != nil {
		return nil, err
	}

	e.cache.SetTTL(cache.FolderKey(folderID), f, cache.TTLMetadata)
	return f, nil
}

// ownedFolder loads a folder and enforces ownership.
func (e *Engine) ownedFolder(ctx context.Context, folderID, ownerID string) (*Folder, error) {
	f, err := e.folder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if f.OwnerID != ownerID {
		return nil, fmt.Errorf("folder %s: %w", folderID, errs.ErrAccessDenied)
	}
	return f, nil
}

// CreateFolder creates a folder under an optional parent. The parent
// must exist and belong to the same owner; the new folder's path is
// derived from it.
func (e *Engine) CreateFolder(ctx context.Context, ownerID, name, parentID string) (*Folder, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	path := "/"
	if parentID != "" {
		parent, err := e.ownedFolder(ctx, parentID, ownerID)
		if err != nil {
			return nil, fmt.Errorf("parent folder: %w", err)
		}
		path = childPath(parent)
	}

	id := uuid.NewString()
	row := rowstore.Row{
		"name":     name,
		"owner_id": ownerID,
		"path":     path,
	}
	if parentID != "" {
		row["parent_folder_id"] = parentID
	}

	created, err := e.rows.Create(ctx, rowstore.CollectionFolders, id, row)
	if err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}

	e.cache.InvalidateByPrefix(cache.OwnerFolderListPrefix(ownerID))

	logging.WithContext(ctx).Info("folder created",
		zap.String("folder_id", id),
		zap.String("owner_id", ownerID),
		zap.String("path", path))

	return folderFromRow(created)
}

// GetFolder returns a folder after an ownership check.
func (e *Engine) GetFolder(ctx context.Context, folderID, ownerID string) (*Folder, error) {
	return e.ownedFolder(ctx, folderID, ownerID)
}

// ListFolders returns the owner's folders under the given parent ("" =
// root level), ordered by name, each with its recursive content size.
func (e *Engine) ListFolders(ctx context.Context, ownerID, parentID string) ([]FolderInfo, error) {
	key := cache.FolderListKey(ownerID, parentID)
	if v, ok := e.cache.Get(key); ok {
		return v.([]FolderInfo), nil
	}

	filters := []rowstore.Filter{rowstore.Equal("owner_id", ownerID)}
	if parentID == "" {
		filters = append(filters, rowstore.IsNull("parent_folder_id"))
	} else {
		filters = append(filters, rowstore.Equal("parent_folder_id", parentID))
	}

	page, err := e.rows.List(ctx, rowstore.CollectionFolders, rowstore.Query{
		Filters: filters,
		Sort:    []rowstore.Sort{{Field: "name"}},
	})
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	infos := make([]FolderInfo, 0, len(page.Items))
	for _, row := range page.Items {
		f, err := folderFromRow(row)
		if err != nil {
			return nil, err
		}
		size, err := e.CalculateFolderSize(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, FolderInfo{Folder: *f, Size: size})
	}

	e.cache.SetTTL(key, infos, cache.TTLList)
	return infos, nil
}

// CalculateFolderSize returns the total size of every file in the
// folder's subtree. The walk is an explicit worklist, not recursion,
// and every visited folder's size lands in the cache: listings call
// this once per folder, making it the hottest aggregate in the system.
func (e *Engine) CalculateFolderSize(ctx context.Context, folderID string) (int64, error) {
	if v, ok := e.cache.Get(cache.FolderSizeKey(folderID)); ok {
		return v.(int64), nil
	}

	// Pre-order walk recording each folder's children, skipping
	// subtrees whose size is already cached.
	order := []string{folderID}
	children := map[string][]string{}
	cached := map[string]int64{}
	stack := []string{folderID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		subs, err := e.ChildFolders(ctx, id)
		if err != nil {
			return 0, err
		}
		for _, sub := range subs {
			if v, ok := e.cache.Get(cache.FolderSizeKey(sub.ID)); ok {
				cached[sub.ID] = v.(int64)
				children[id] = append(children[id], sub.ID)
				continue
			}
			children[id] = append(children[id], sub.ID)
			order = append(order, sub.ID)
			stack = append(stack, sub.ID)
		}
	}

	// Sizes resolve bottom-up: reverse pre-order visits children first.
	sizes := map[string]int64{}
	for k, v := range cached {
		sizes[k] = v
	}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		total, err := e.directFileSize(ctx, id)
		if err != nil {
			return 0, err
		}
		for _, child := range children[id] {
			total += sizes[child]
		}
		sizes[id] = total
		e.cache.SetTTL(cache.FolderSizeKey(id), total, cache.TTLFolderSize)
	}

	return sizes[folderID], nil
}

// directFileSize sums the sizes of a folder's direct child files,
// scanning with a size-only projection.
func (e *Engine) directFileSize(ctx context.Context, folderID string) (int64, error) {
	var total int64
	cursor := ""
	for {
		page, err := e.rows.List(ctx, rowstore.CollectionFiles, rowstore.Query{
			Filters: []rowstore.Filter{rowstore.Equal("parent_folder_id", folderID)},
			Fields:  []string{"size"},
			Limit:   usagePageSize,
			Cursor:  cursor,
		})
		if err != nil {
			return 0, fmt.Errorf("sum folder files: %w", err)
		}
		for _, row := range page.Items {
			if size, ok := row["size"].(int64); ok {
				total += size
			}
		}
		if page.NextCursor == "" {
			return total, nil
		}
		cursor = page.NextCursor
	}
}

// RenameFolder changes a folder's name.
func (e *Engine) RenameFolder(ctx context.Context, folderID, newName, ownerID string) (*Folder, error) {
	if err := validateName(newName); err != nil {
		return nil, err
	}
	if _, err := e.ownedFolder(ctx, folderID, ownerID); err != nil {
		return nil, err
	}

	row, err := e.rows.Update(ctx, rowstore.CollectionFolders, folderID, rowstore.Row{"name": newName})
	if err != nil {
		return nil, fmt.Errorf("rename folder: %w", err)
	}

	e.cache.Delete(cache.FolderKey(folderID))
	e.cache.InvalidateByPrefix(cache.OwnerFolderListPrefix(ownerID))

	return folderFromRow(row)
}

// MoveFolder reparents a folder. The move is rejected when the target
// is the folder itself or any of its descendants; the folder's path and
// the paths of its whole subtree are recomputed before returning, so
// the materialized path stays authoritative.
func (e *Engine) MoveFolder(ctx context.Context, folderID, targetParentID, ownerID string) (*Folder, error) {
	f, err := e.ownedFolder(ctx, folderID, ownerID)
	if err != nil {
		return nil, err
	}
	if targetParentID == folderID {
		return nil, fmt.Errorf("cannot move folder into itself: %w", errs.ErrInvalidOperation)
	}
	if targetParentID == f.ParentFolderID {
		return f, nil
	}

	oldPath := f.Path
	newPath := "/"
	if targetParentID != "" {
		target, err := e.ownedFolder(ctx, targetParentID, ownerID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, fmt.Errorf("target folder %s does not exist: %w", targetParentID, errs.ErrInvalidOperation)
			}
			return nil, err
		}
		// The target's path lists its ancestors; containing this
		// folder's id means the target sits inside the subtree.
		if strings.Contains(target.Path, "/"+folderID+"/") {
			return nil, fmt.Errorf("cannot move folder into its own descendant: %w", errs.ErrInvalidOperation)
		}
		newPath = childPath(target)
	}

	update := rowstore.Row{"path": newPath}
	if targetParentID == "" {
		update["parent_folder_id"] = nil
	} else {
		update["parent_folder_id"] = targetParentID
	}
	row, err := e.rows.Update(ctx, rowstore.CollectionFolders, folderID, update)
	if err != nil {
		return nil, fmt.Errorf("move folder: %w", err)
	}

	if err := e.repathDescendants(ctx, folderID, newPath); err != nil {
		return nil, err
	}

	e.cache.Delete(cache.FolderKey(folderID))
	e.cache.InvalidateByPrefix(cache.OwnerFolderListPrefix(ownerID))
	for _, id := range ancestorIDs(oldPath) {
		e.cache.Delete(cache.FolderSizeKey(id))
	}
	for _, id := range ancestorIDs(newPath) {
		e.cache.Delete(cache.FolderSizeKey(id))
	}

	logging.WithContext(ctx).Info("folder moved",
		zap.String("folder_id", folderID),
		zap.String("old_path", oldPath),
		zap.String("new_path", newPath))

	return folderFromRow(row)
}

// repathDescendants rewrites the stored path of every folder below
// root, whose own path is already rootPath. Explicit worklist; depth
// and fan-out are unbounded.
func (e *Engine) repathDescendants(ctx context.Context, rootID, rootPath string) error {
	type item struct {
		id   string
		path string
	}
	stack := []item{{id: rootID, path: rootPath}}
	for len(stack) > 0 {
		parent := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		subs, err := e.ChildFolders(ctx, parent.id)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			subPath := parent.path + parent.id + "/"
			if _, err := e.rows.Update(ctx, rowstore.CollectionFolders, sub.ID, rowstore.Row{"path": subPath}); err != nil {
				return fmt.Errorf("repath folder %s: %w", sub.ID, err)
			}
			e.cache.Delete(cache.FolderKey(sub.ID))
			stack = append(stack, item{id: sub.ID, path: subPath})
		}
	}
	return nil
}

// DeleteFolder removes a folder and everything below it. The cascade
// is depth-first, children before self, driven by an explicit stack.
// Blob deletions are best-effort: one failing object never blocks the
// metadata cascade.
func (e *Engine) DeleteFolder(ctx context.Context, folderID, ownerID string) error {
	f, err := e.ownedFolder(ctx, folderID, ownerID)
	if err != nil {
		return err
	}

	// Pre-order walk; processing in reverse deletes leaves first.
	order := []string{folderID}
	stack := []string{folderID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		subs, err := e.ChildFolders(ctx, id)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			order = append(order, sub.ID)
			stack = append(stack, sub.ID)
		}
	}

	var freed int64
	var removedFiles int
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]

		files, err := e.ChildFiles(ctx, id)
		if err != nil {
			return err
		}
		for _, file := range files {
			if err := e.blobs.Delete(ctx, file.ObjectKey); err != nil {
				// Orphaned blobs are acceptable; orphaned records are not.
				logging.WithContext(ctx).Warn("blob delete failed during cascade",
					zap.String("object_key", file.ObjectKey),
					zap.Error(err))
			}
			if err := e.rows.Delete(ctx, rowstore.CollectionFiles, file.ID); err != nil {
				return fmt.Errorf("delete file record %s: %w", file.ID, err)
			}
			e.cache.Delete(cache.FileKey(file.ID))
			freed += file.Size
			removedFiles++
		}

		if err := e.rows.Delete(ctx, rowstore.CollectionFolders, id); err != nil {
			return fmt.Errorf("delete folder record %s: %w", id, err)
		}
		e.cache.Delete(cache.FolderKey(id))
		e.cache.Delete(cache.FolderSizeKey(id))
	}

	e.invalidateOwnerLists(ownerID)
	e.cache.Delete(cache.StorageUsageKey(ownerID))
	for _, id := range ancestorIDs(f.Path) {
		e.cache.Delete(cache.FolderSizeKey(id))
	}

	logging.WithContext(ctx).Info("folder deleted",
		zap.String("folder_id", folderID),
		zap.Int("folders", len(order)),
		zap.Int("files", removedFiles),
		zap.String("freed", humanize.Bytes(uint64(freed))))

	return nil
}

// ChildFolders returns a folder's direct subfolders, ordered by name.
func (e *Engine) ChildFolders(ctx context.Context, folderID string) ([]*Folder, error) {
	page, err := e.rows.List(ctx, rowstore.CollectionFolders, rowstore.Query{
		Filters: []rowstore.Filter{rowstore.Equal("parent_folder_id", folderID)},
		Sort:    []rowstore.Sort{{Field: "name"}},
	})
	if err != nil {
		return nil, fmt.Errorf("list child folders: %w", err)
	}

	folders := make([]*Folder, 0, len(page.Items))
	for _, row := range page.Items {
		f, err := folderFromRow(row)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, nil
}
