package metadata

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobmem "github.com/cirrusdrive/cirrusdrive/internal/blobstore/memory"
	"github.com/cirrusdrive/cirrusdrive/internal/cache"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	rowmem "github.com/cirrusdrive/cirrusdrive/internal/rowstore/memory"
)

const testOwner = "u1"

func newTestEngine(t *testing.T) (*Engine, *rowmem.Store, *blobmem.Store, *cache.Cache) {
	t.Helper()
	rows := rowmem.New()
	blobs := blobmem.New("test-bucket")
	c := cache.New(cache.DefaultCapacity, cache.DefaultTTL)
	return NewEngine(rows, blobs, c), rows, blobs, c
}

// addFile stores an object and records a file of the given size under
// the folder.
func addFile(t *testing.T, e *Engine, blobs *blobmem.Store, name, folderID string, size int64) *File {
	t.Helper()
	ctx := context.Background()

	key := testOwner + "/" + name
	require.NoError(t, blobs.Put(ctx, key, bytes.NewReader(make([]byte, size)), size, "application/octet-stream"))

	f, err := e.CreateFile(ctx, FileMetadata{
		Name:           name,
		Size:           size,
		MimeType:       "application/octet-stream",
		ObjectKey:      key,
		BucketID:       blobs.Bucket(),
		OwnerID:        testOwner,
		ParentFolderID: folderID,
	})
	require.NoError(t, err)
	return f
}

func TestCreateFolder_RootAndNested(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	root, err := e.CreateFolder(ctx, testOwner, "docs", "")
	require.NoError(t, err)
	assert.Equal(t, "/", root.Path)
	assert.Empty(t, root.ParentFolderID)

	child, err := e.CreateFolder(ctx, testOwner, "reports", root.ID)
	require.NoError(t, err)
	assert.Equal(t, "/"+root.ID+"/", child.Path)
	assert.Equal(t, root.ID, child.ParentFolderID)

	grand, err := e.CreateFolder(ctx, testOwner, "2025", child.ID)
	require.NoError(t, err)
	assert.Equal(t, "/"+root.ID+"/"+child.ID+"/", grand.Path)
}

func TestCreateFolder_Validation(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateFolder(ctx, testOwner, "", "")
	assert.ErrorIs(t, err, errs.ErrInvalidOperation)

	_, err = e.CreateFolder(ctx, testOwner, "a/b", "")
	assert.ErrorIs(t, err, errs.ErrInvalidOperation)

	long := make([]byte, MaxNameLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = e.CreateFolder(ctx, testOwner, string(long), "")
	assert.ErrorIs(t, err, errs.ErrInvalidOperation)

	_, err = e.CreateFolder(ctx, testOwner, "orphan", "no-such-parent")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateFolder_ForeignParentDenied(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	other, err := e.CreateFolder(ctx, "u2", "theirs", "")
	require.NoError(t, err)

	_, err = e.CreateFolder(ctx, testOwner, "mine", other.ID)
	assert.ErrorIs(t, err, errs.ErrAccessDenied)
}

func TestListFolders_SortedWithSizes(t *testing.T) {
	e, _, blobs, _ := newTestEngine(t)
	ctx := context.Background()

	b, err := e.CreateFolder(ctx, testOwner, "beta", "")
	require.NoError(t, err)
	a, err := e.CreateFolder(ctx, testOwner, "alpha", "")
	require.NoError(t, err)
	addFile(t, e, blobs, "a.bin", a.ID, 100)
	addFile(t, e, blobs, "b.bin", b.ID, 200)

	infos, err := e.ListFolders(ctx, testOwner, "")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, int64(100), infos[0].Size)
	assert.Equal(t, "beta", infos[1].Name)
	assert.Equal(t, int64(200), infos[1].Size)
}

func TestCalculateFolderSize_Recursive(t *testing.T) {
	e, _, blobs, _ := newTestEngine(t)
	ctx := context.Background()

	root, err := e.CreateFolder(ctx, testOwner, "root", "")
	require.NoError(t, err)
	sub, err := e.CreateFolder(ctx, testOwner, "sub", root.ID)
	require.NoError(t, err)
	deep, err := e.CreateFolder(ctx, testOwner, "deep", sub.ID)
	require.NoError(t, err)

	addFile(t, e, blobs, "a.bin", root.ID, 2*1024*1024)
	addFile(t, e, blobs, "b.bin", sub.ID, 3*1024*1024)
	addFile(t, e, blobs, "c.bin", deep.ID, 5*1024*1024)

	size, err := e.CalculateFolderSize(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10*1024*1024), size)

	size, err = e.CalculateFolderSize(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8*1024*1024), size)
}

func TestCalculateFolderSize_Empty(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	root, err := e.CreateFolder(ctx, testOwner, "empty", "")
	require.NoError(t, err)

	size, err := e.CalculateFolderSize(ctx, root.ID)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestCalculateFolderSize_StaleUntilInvalidated(t *testing.T) {
	e, _, blobs, c := newTestEngine(t)
	ctx := context.Background()

	root, err := e.CreateFolder(ctx, testOwner, "root", "")
	require.NoError(t, err)
	addFile(t, e, blobs, "a.bin", root.ID, 100)

	size, err := e.CalculateFolderSize(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), size)

	// Adding a file through the engine drops the cached size.
	addFile(t, e, blobs, "b.bin", root.ID, 50)
	_, ok := c.Get(cache.FolderSizeKey(root.ID))
	assert.False(t, ok, "cached size survived a file create")

	size, err = e.CalculateFolderSize(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), size)
}

func TestRenameFolder(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	f, err := e.CreateFolder(ctx, testOwner, "old", "")
	require.NoError(t, err)

	renamed, err := e.RenameFolder(ctx, f.ID, "new", testOwner)
	require.NoError(t, err)
	assert.Equal(t, "new", renamed.Name)
	assert.Equal(t, f.Path, renamed.Path)

	_, err = e.RenameFolder(ctx, f.ID, "bad/name", testOwner)
	assert.ErrorIs(t, err, errs.ErrInvalidOperation)

	_, err = e.RenameFolder(ctx, f.ID, "x", "u2")
	assert.ErrorIs(t, err, errs.ErrAccessDenied)
}

func TestMoveFolder_RepathsDescendants(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateFolder(ctx, testOwner, "a", "")
	require.NoError(t, err)
	b, err := e.CreateFolder(ctx, testOwner, "b", "")
	require.NoError(t, err)
	child, err := e.CreateFolder(ctx, testOwner, "child", a.ID)
	require.NoError(t, err)
	grand, err := e.CreateFolder(ctx, testOwner, "grand", child.ID)
	require.NoError(t, err)

	moved, err := e.MoveFolder(ctx, a.ID, b.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, "/"+b.ID+"/", moved.Path)
	assert.Equal(t, b.ID, moved.ParentFolderID)

	gotChild, err := e.GetFolder(ctx, child.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, "/"+b.ID+"/"+a.ID+"/", gotChild.Path)

	gotGrand, err := e.GetFolder(ctx, grand.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, "/"+b.ID+"/"+a.ID+"/"+child.ID+"/", gotGrand.Path)
}

func TestMoveFolder_ToRoot(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateFolder(ctx, testOwner, "a", "")
	require.NoError(t, err)
	child, err := e.CreateFolder(ctx, testOwner, "child", a.ID)
	require.NoError(t, err)

	moved, err := e.MoveFolder(ctx, child.ID, "", testOwner)
	require.NoError(t, err)
	assert.Equal(t, "/", moved.Path)
	assert.Empty(t, moved.ParentFolderID)
}

func TestMoveFolder_RejectsCycles(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateFolder(ctx, testOwner, "a", "")
	require.NoError(t, err)
	child, err := e.CreateFolder(ctx, testOwner, "child", a.ID)
	require.NoError(t, err)
	grand, err := e.CreateFolder(ctx, testOwner, "grand", child.ID)
	require.NoError(t, err)

	_, err = e.MoveFolder(ctx, a.ID, a.ID, testOwner)
	assert.ErrorIs(t, err, errs.ErrInvalidOperation)

	_, err = e.MoveFolder(ctx, a.ID, child.ID, testOwner)
	assert.ErrorIs(t, err, errs.ErrInvalidOperation)

	_, err = e.MoveFolder(ctx, a.ID, grand.ID, testOwner)
	assert.ErrorIs(t, err, errs.ErrInvalidOperation)
}

func TestMoveFolder_MissingTarget(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateFolder(ctx, testOwner, "a", "")
	require.NoError(t, err)

	_, err = e.MoveFolder(ctx, a.ID, "no-such-folder", testOwner)
	assert.ErrorIs(t, err, errs.ErrInvalidOperation)
}

func TestMoveFolder_SameParentNoOp(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateFolder(ctx, testOwner, "a", "")
	require.NoError(t, err)
	child, err := e.CreateFolder(ctx, testOwner, "child", a.ID)
	require.NoError(t, err)

	moved, err := e.MoveFolder(ctx, child.ID, a.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, child.Path, moved.Path)
}

func TestDeleteFolder_Cascade(t *testing.T) {
	e, _, blobs, _ := newTestEngine(t)
	ctx := context.Background()

	root, err := e.CreateFolder(ctx, testOwner, "root", "")
	require.NoError(t, err)
	sub, err := e.CreateFolder(ctx, testOwner, "sub", root.ID)
	require.NoError(t, err)

	addFile(t, e, blobs, "a.bin", root.ID, 10)
	addFile(t, e, blobs, "b.bin", sub.ID, 20)
	require.Equal(t, 2, blobs.ObjectCount())

	require.NoError(t, e.DeleteFolder(ctx, root.ID, testOwner))

	assert.Equal(t, 0, blobs.ObjectCount())
	_, err = e.GetFolder(ctx, sub.ID, testOwner)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	infos, err := e.ListFolders(ctx, testOwner, "")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestDeleteFolder_KeepsSiblings(t *testing.T) {
	e, _, blobs, _ := newTestEngine(t)
	ctx := context.Background()

	doomed, err := e.CreateFolder(ctx, testOwner, "doomed", "")
	require.NoError(t, err)
	kept, err := e.CreateFolder(ctx, testOwner, "kept", "")
	require.NoError(t, err)

	addFile(t, e, blobs, "gone.bin", doomed.ID, 10)
	keptFile := addFile(t, e, blobs, "stays.bin", kept.ID, 20)

	require.NoError(t, e.DeleteFolder(ctx, doomed.ID, testOwner))

	got, err := e.GetFile(ctx, keptFile.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, "stays.bin", got.Name)
	assert.True(t, blobs.HasObject(keptFile.ObjectKey))
}

func TestListFolders_CachedUntilMutation(t *testing.T) {
	e, _, _, c := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateFolder(ctx, testOwner, "one", "")
	require.NoError(t, err)

	first, err := e.ListFolders(ctx, testOwner, "")
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, ok := c.Get(cache.FolderListKey(testOwner, ""))
	require.True(t, ok, "listing not cached")

	// A create invalidates the cached listing.
	_, err = e.CreateFolder(ctx, testOwner, "two", "")
	require.NoError(t, err)
	_, ok = c.Get(cache.FolderListKey(testOwner, ""))
	assert.False(t, ok, "stale listing survived a create")

	second, err := e.ListFolders(ctx, testOwner, "")
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestFolderCache_CrossOwnerIsolation(t *testing.T) {
	e, _, _, c := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateFolder(ctx, "u1", "mine", "")
	require.NoError(t, err)
	_, err = e.CreateFolder(ctx, "u2", "theirs", "")
	require.NoError(t, err)

	_, err = e.ListFolders(ctx, "u1", "")
	require.NoError(t, err)
	_, err = e.ListFolders(ctx, "u2", "")
	require.NoError(t, err)

	// u1's mutation leaves u2's cached listing alone.
	_, err = e.CreateFolder(ctx, "u1", "more", "")
	require.NoError(t, err)

	_, ok := c.Get(cache.FolderListKey("u2", ""))
	assert.True(t, ok, "unrelated owner's listing was invalidated")
}

func TestDeepTree_PathChain(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	parentID := ""
	wantPath := "/"
	for depth := 0; depth < 20; depth++ {
		f, err := e.CreateFolder(ctx, testOwner, fmt.Sprintf("level-%d", depth), parentID)
		require.NoError(t, err)
		require.Equal(t, wantPath, f.Path, "depth %d", depth)
		wantPath = wantPath + f.ID + "/"
		parentID = f.ID
	}
}
