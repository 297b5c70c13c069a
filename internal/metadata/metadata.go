// Package metadata implements the hierarchical storage metadata
// engine: folder/file tree invariants, recursive operations, and the
// cache-consistency protocol over the row store.
//
// Folders carry a materialized path, the "/"-joined chain of ancestor
// ids always ending in "/", kept authoritative across moves by an
// eager descendant re-path pass. Files hang off folders by parent id
// only. Every mutation synchronously invalidates the affected cache
// entries before returning, so a listing never shows a just-deleted
// item.
package metadata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/cirrusdrive/cirrusdrive/internal/blobstore"
	"github.com/cirrusdrive/cirrusdrive/internal/cache"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/rowstore"
)

// MaxNameLength bounds folder and file names.
const MaxNameLength = 255

// usagePageSize is the page size of the cursor scan behind StorageUsage.
const usagePageSize = 100

// Folder is one node of the folder tree.
type Folder struct {
	ID             string `mapstructure:"id" json:"id"`
	Name           string `mapstructure:"name" json:"name"`
	OwnerID        string `mapstructure:"owner_id" json:"ownerId"`
	ParentFolderID string `mapstructure:"parent_folder_id" json:"parentFolderId,omitempty"`
	Path           string `mapstructure:"path" json:"path"`
}

// File is a stored file's metadata record.
type File struct {
	ID             string    `mapstructure:"id" json:"id"`
	Name           string    `mapstructure:"name" json:"name"`
	Size           int64     `mapstructure:"size" json:"size"`
	MimeType       string    `mapstructure:"mime_type" json:"mimeType"`
	ObjectKey      string    `mapstructure:"object_key" json:"objectKey"`
	BucketID       string    `mapstructure:"bucket_id" json:"bucketId"`
	OwnerID        string    `mapstructure:"owner_id" json:"ownerId"`
	ParentFolderID string    `mapstructure:"parent_folder_id" json:"parentFolderId,omitempty"`
	Created        time.Time `mapstructure:"created" json:"created"`
}

// FolderInfo is a folder plus its recursive content size, as returned
// by listings.
type FolderInfo struct {
	Folder
	Size int64 `json:"size"`
}

// Engine owns the folder/file tree.
type Engine struct {
	rows  rowstore.Store
	blobs blobstore.Store
	cache *cache.Cache
}

// NewEngine creates a metadata engine over the given stores and cache.
func NewEngine(rows rowstore.Store, blobs blobstore.Store, c *cache.Cache) *Engine {
	return &Engine{rows: rows, blobs: blobs, cache: c}
}

func folderFromRow(row rowstore.Row) (*Folder, error) {
	var f Folder
	if err := mapstructure.Decode(map[string]any(row), &f); err != nil {
		return nil, fmt.Errorf("decode folder row: %w", err)
	}
	return &f, nil
}

func fileFromRow(row rowstore.Row) (*File, error) {
	var f File
	if err := mapstructure.Decode(map[string]any(row), &f); err != nil {
		return nil, fmt.Errorf("decode file row: %w", err)
	}
	return &f, nil
}

func validateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("name must be 1-%d characters: %w", MaxNameLength, errs.ErrInvalidOperation)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("name contains invalid characters: %w", errs.ErrInvalidOperation)
	}
	return nil
}

// childPath computes a child folder's path from its parent.
func childPath(parent *Folder) string {
	if parent == nil {
		return "/"
	}
	return parent.Path + parent.ID + "/"
}

// ancestorIDs extracts the ancestor folder ids encoded in a
// materialized path, nearest the root first.
func ancestorIDs(path string) []string {
	var ids []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			ids = append(ids, seg)
		}
	}
	return ids
}

// invalidateOwnerLists drops every cached folder and file listing for
// an owner. List results embed aggregate sizes, so any tree mutation
// invalidates both classes.
func (e *Engine) invalidateOwnerLists(ownerID string) {
	e.cache.InvalidateByPrefix(cache.OwnerFolderListPrefix(ownerID))
	e.cache.InvalidateByPrefix(cache.OwnerFileListPrefix(ownerID))
}

// invalidateSizeChain drops the cached size of the given folder and of
// every ancestor above it.
func (e *Engine) invalidateSizeChain(ctx context.Context, folderID string) {
	if folderID == "" {
		return
	}
	folder, err := e.folder(ctx, folderID)
	if err != nil {
		// Folder already gone; drop just its own entry.
		e.cache.Delete(cache.FolderSizeKey(folderID))
		return
	}
	e.cache.Delete(cache.FolderSizeKey(folder.ID))
	for _, id := range ancestorIDs(folder.Path) {
		e.cache.Delete(cache.FolderSizeKey(id))
	}
}
