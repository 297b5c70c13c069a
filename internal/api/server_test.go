package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusdrive/cirrusdrive/internal/archive"
	blobmem "github.com/cirrusdrive/cirrusdrive/internal/blobstore/memory"
	"github.com/cirrusdrive/cirrusdrive/internal/cache"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/metadata"
	"github.com/cirrusdrive/cirrusdrive/internal/quota"
	rowmem "github.com/cirrusdrive/cirrusdrive/internal/rowstore/memory"
	"github.com/cirrusdrive/cirrusdrive/internal/upload"
)

func newTestServer(t *testing.T) (http.Handler, *blobmem.Store) {
	t.Helper()
	blobs := blobmem.New("test-bucket")
	c := cache.New(cache.DefaultCapacity, cache.DefaultTTL)
	engine := metadata.NewEngine(rowmem.New(), blobs, c)
	enforcer := quota.NewEnforcer(quota.NewDirectory(), engine, c)
	coordinator := upload.NewCoordinator(blobs, engine, enforcer, 15*time.Minute)
	archiver := archive.New(engine, blobs, 0)
	return NewServer(engine, coordinator, enforcer, archiver, time.Hour).Handler(), blobs
}

func doJSON(t *testing.T, h http.Handler, method, path, ownerID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if ownerID != "" {
		req.Header.Set(headerOwnerID, ownerID)
	}
	if role != "" {
		req.Header.Set(headerOwnerRole, role)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFolders_CRUD(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/folders", "u1", "", map[string]string{"name": "docs"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	folder := decode[metadata.Folder](t, w)
	assert.Equal(t, "/", folder.Path)

	w = doJSON(t, h, http.MethodGet, "/api/v1/folders/"+folder.ID, "u1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPatch, "/api/v1/folders/"+folder.ID, "u1", "", map[string]string{"name": "renamed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	renamed := decode[metadata.Folder](t, w)
	assert.Equal(t, "renamed", renamed.Name)

	w = doJSON(t, h, http.MethodGet, "/api/v1/folders", "u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listing := decode[struct {
		Folders []metadata.FolderInfo `json:"folders"`
	}](t, w)
	require.Len(t, listing.Folders, 1)
	assert.Equal(t, "renamed", listing.Folders[0].Name)

	w = doJSON(t, h, http.MethodDelete, "/api/v1/folders/"+folder.ID, "u1", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/v1/folders/"+folder.ID, "u1", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFolders_ErrorMapping(t *testing.T) {
	h, _ := newTestServer(t)

	// Missing identity.
	w := doJSON(t, h, http.MethodGet, "/api/v1/folders", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Foreign folder access.
	w = doJSON(t, h, http.MethodPost, "/api/v1/folders", "u1", "", map[string]string{"name": "mine"})
	require.Equal(t, http.StatusCreated, w.Code)
	folder := decode[metadata.Folder](t, w)

	w = doJSON(t, h, http.MethodGet, "/api/v1/folders/"+folder.ID, "u2", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Invalid name.
	w = doJSON(t, h, http.MethodPost, "/api/v1/folders", "u1", "", map[string]string{"name": "a/b"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Cycle-producing move.
	w = doJSON(t, h, http.MethodPatch, "/api/v1/folders/"+folder.ID, "u1", "",
		map[string]string{"parentFolderId": folder.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDomainErrorStatusCodes(t *testing.T) {
	s := &Server{}
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("folders/f1: %w", errs.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("folders/f1: %w", errs.ErrAccessDenied), http.StatusForbidden},
		{fmt.Errorf("bad name: %w", errs.ErrInvalidOperation), http.StatusBadRequest},
		{fmt.Errorf("over limit: %w", errs.ErrQuotaExceeded), http.StatusRequestEntityTooLarge},
		{fmt.Errorf("list folders: %w: connection refused", errs.ErrUpstream), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		s.sendDomainError(w, r, tt.err)
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
	}
}

func TestUploads_MultipartFlow(t *testing.T) {
	h, blobs := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/uploads/multipart", "u1", "", map[string]any{
		"name":        "movie.mp4",
		"size":        100 * 1024 * 1024,
		"contentType": "video/mp4",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	session := decode[upload.Session](t, w)
	require.NotEmpty(t, session.UploadID)

	w = doJSON(t, h, http.MethodGet, "/api/v1/uploads/multipart/"+session.UploadID+"/parts/1", "u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	signed := decode[map[string]string](t, w)
	assert.NotEmpty(t, signed["url"])

	// Part number past the end of the object.
	w = doJSON(t, h, http.MethodGet, "/api/v1/uploads/multipart/"+session.UploadID+"/parts/9999", "u1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Abort releases the store session.
	w = doJSON(t, h, http.MethodDelete, "/api/v1/uploads/multipart/"+session.UploadID, "u1", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, blobs.UploadCount())
}

func TestUploads_SessionScopedToOwner(t *testing.T) {
	h, blobs := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/uploads/multipart", "victim", "", map[string]any{
		"name": "secret.bin",
		"size": 100 * 1024 * 1024,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	session := decode[upload.Session](t, w)

	// Another basic owner who learned the upload id gets 403 everywhere.
	w = doJSON(t, h, http.MethodGet, "/api/v1/uploads/multipart/"+session.UploadID+"/parts", "attacker", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/v1/uploads/multipart/"+session.UploadID+"/parts/1", "attacker", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/v1/uploads/multipart/"+session.UploadID+"/complete", "attacker", "",
		map[string]any{"parts": []map[string]any{{"partNumber": 1, "etag": "x"}}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/v1/uploads/multipart/"+session.UploadID, "attacker", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 1, blobs.UploadCount())

	// The owner can still abort their own session.
	w = doJSON(t, h, http.MethodDelete, "/api/v1/uploads/multipart/"+session.UploadID, "victim", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, blobs.UploadCount())
}

func TestUploads_QuotaExceeded(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/uploads/multipart", "u1", "", map[string]any{
		"name": "huge.bin",
		"size": int64(6) * 1024 * 1024 * 1024,
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestUploads_StreamRelay(t *testing.T) {
	h, blobs := newTestServer(t)

	payload := bytes.Repeat([]byte("s"), 4096)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/stream", bytes.NewReader(payload))
	req.Header.Set(headerOwnerID, "u1")
	req.Header.Set("X-File-Name", "stream.bin")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(payload))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	file := decode[metadata.File](t, w)
	assert.True(t, blobs.HasObject(file.ObjectKey))

	// Download URL for the new file.
	dw := doJSON(t, h, http.MethodGet, "/api/v1/files/"+file.ID+"/download", "u1", "", nil)
	require.Equal(t, http.StatusOK, dw.Code)
	signed := decode[map[string]string](t, dw)
	assert.NotEmpty(t, signed["url"])
}

func TestUsage(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/api/v1/usage", "u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	usage := decode[map[string]any](t, w)
	assert.Equal(t, float64(0), usage["usage"])
	assert.Equal(t, false, usage["unlimited"])
}

func TestAdmin_RequiresAdminRole(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPut, "/api/v1/admin/owners/u2/role", "u1", "", map[string]string{"role": "plus"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, http.MethodPut, "/api/v1/admin/owners/u2/role", "boss", "admin", map[string]string{"role": "plus"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodPut, "/api/v1/admin/owners/u2/storage-limit", "boss", "admin", map[string]int64{"limit": 1024})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/v1/admin/owners/u2/storage-limit", "boss", "admin", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAdmin_Stats(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/api/v1/admin/stats", "u1", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, http.MethodPut, "/api/v1/admin/owners/u1/role", "boss", "admin", map[string]string{"role": "basic"})
	require.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(t, h, http.MethodPut, "/api/v1/admin/owners/u2/role", "boss", "admin", map[string]string{"role": "plus"})
	require.Equal(t, http.StatusNoContent, w.Code)

	// u1 stores some bytes through the relay path.
	payload := bytes.Repeat([]byte("s"), 2048)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/stream", bytes.NewReader(payload))
	req.Header.Set(headerOwnerID, "u1")
	req.Header.Set("X-File-Name", "data.bin")
	req.ContentLength = int64(len(payload))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusCreated, rw.Code, rw.Body.String())

	w = doJSON(t, h, http.MethodGet, "/api/v1/admin/stats", "boss", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stats := decode[quota.Stats](t, w)
	assert.Equal(t, 2, stats.TotalOwners)
	assert.Equal(t, 1, stats.OwnersByRole["basic"])
	assert.Equal(t, 1, stats.OwnersByRole["plus"])
	assert.Equal(t, int64(2048), stats.TotalStorage)
}

func TestSharedPool_PlusRoleUsesMainStorage(t *testing.T) {
	h, _ := newTestServer(t)

	// Two plus owners see the same tree.
	w := doJSON(t, h, http.MethodPost, "/api/v1/folders", "alice", "plus", map[string]string{"name": "shared"})
	require.Equal(t, http.StatusCreated, w.Code)
	folder := decode[metadata.Folder](t, w)
	assert.Equal(t, quota.MainStorageOwnerID, folder.OwnerID)

	w = doJSON(t, h, http.MethodGet, "/api/v1/folders/"+folder.ID, "bob", "plus", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// A basic owner stays in their own namespace.
	w = doJSON(t, h, http.MethodGet, "/api/v1/folders/"+folder.ID, "carol", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
