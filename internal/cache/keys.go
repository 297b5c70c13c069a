package cache

import "time"

// Default sizing. TTLs are tiered per key class: list results go stale
// fastest, aggregate sizes and metadata a little slower, download URLs
// live just under the signed URL expiry.
const (
	DefaultCapacity = 500
	DefaultTTL      = 5 * time.Minute

	TTLList         = 30 * time.Second
	TTLFolderSize   = 60 * time.Second
	TTLStorageUsage = 60 * time.Second
	TTLMetadata     = 60 * time.Second
	TTLDownloadURL  = 3500 * time.Second
	TTLAdminStats   = 60 * time.Second
)

// AdminStatsKey caches the service-wide admin statistics snapshot.
const AdminStatsKey = "admin:stats"

// Keys are namespaced so that one prefix covers everything belonging
// to a single owner: "files:list:<owner>:" hits every cached file
// listing for that owner regardless of folder.

// FileListKey keys a cached file listing for one owner and folder.
func FileListKey(ownerID, folderID string) string {
	return "files:list:" + ownerID + ":" + orRoot(folderID)
}

// FolderListKey keys a cached folder listing for one owner and parent.
func FolderListKey(ownerID, parentID string) string {
	return "folders:list:" + ownerID + ":" + orRoot(parentID)
}

// FolderSizeKey keys a cached recursive folder size.
func FolderSizeKey(folderID string) string {
	return "folder:size:" + folderID
}

// StorageUsageKey keys a cached per-owner storage usage total.
func StorageUsageKey(ownerID string) string {
	return "usage:" + ownerID
}

// FileKey keys cached single-file metadata.
func FileKey(fileID string) string {
	return "file:" + fileID
}

// FolderKey keys cached single-folder metadata.
func FolderKey(folderID string) string {
	return "folder:meta:" + folderID
}

// DownloadURLKey keys a cached presigned download URL.
func DownloadURLKey(objectKey string) string {
	return "download:" + objectKey
}

// OwnerFileListPrefix matches every cached file listing for an owner.
func OwnerFileListPrefix(ownerID string) string {
	return "files:list:" + ownerID + ":"
}

// OwnerFolderListPrefix matches every cached folder listing for an owner.
func OwnerFolderListPrefix(ownerID string) string {
	return "folders:list:" + ownerID + ":"
}

func orRoot(id string) string {
	if id == "" {
		return "root"
	}
	return id
}
