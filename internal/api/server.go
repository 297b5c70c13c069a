// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cirrusdrive/cirrusdrive/internal/archive"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/logging"
	"github.com/cirrusdrive/cirrusdrive/internal/metadata"
	"github.com/cirrusdrive/cirrusdrive/internal/metrics"
	"github.com/cirrusdrive/cirrusdrive/internal/quota"
	"github.com/cirrusdrive/cirrusdrive/internal/upload"
)

// Identity headers. Authentication lives in front of this service; the
// gateway injects the resolved owner on every request.
const (
	headerOwnerID   = "X-Owner-ID"
	headerOwnerRole = "X-Owner-Role"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server is the HTTP server.
type Server struct {
	meta     *metadata.Engine
	uploads  *upload.Coordinator
	quota    *quota.Enforcer
	archiver *archive.Archiver

	// downloadExpiry bounds presigned download URL lifetimes.
	downloadExpiry time.Duration
}

// NewServer creates a new server.
func NewServer(meta *metadata.Engine, uploads *upload.Coordinator, q *quota.Enforcer, archiver *archive.Archiver, downloadExpiry time.Duration) *Server {
	return &Server{
		meta:           meta,
		uploads:        uploads,
		quota:          q,
		archiver:       archiver,
		downloadExpiry: downloadExpiry,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Folders
	mux.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	mux.HandleFunc("GET /api/v1/folders", s.handleListFolders)
	mux.HandleFunc("GET /api/v1/folders/{folderId}", s.handleGetFolder)
	mux.HandleFunc("PATCH /api/v1/folders/{folderId}", s.handleUpdateFolder)
	mux.HandleFunc("DELETE /api/v1/folders/{folderId}", s.handleDeleteFolder)
	mux.HandleFunc("GET /api/v1/folders/{folderId}/size", s.handleFolderSize)
	mux.HandleFunc("GET /api/v1/folders/{folderId}/download", s.handleDownloadFolder)

	// Files
	mux.HandleFunc("GET /api/v1/files", s.handleListFiles)
	mux.HandleFunc("POST /api/v1/files", s.handleRegisterFile)
	mux.HandleFunc("GET /api/v1/files/{fileId}", s.handleGetFile)
	mux.HandleFunc("PATCH /api/v1/files/{fileId}", s.handleUpdateFile)
	mux.HandleFunc("DELETE /api/v1/files/{fileId}", s.handleDeleteFile)
	mux.HandleFunc("GET /api/v1/files/{fileId}/download", s.handleDownloadFile)

	// Uploads
	mux.HandleFunc("POST /api/v1/uploads/sign", s.handleSignUpload)
	mux.HandleFunc("POST /api/v1/uploads/multipart", s.handleStartMultipart)
	mux.HandleFunc("GET /api/v1/uploads/multipart/{uploadId}/parts", s.handleListParts)
	mux.HandleFunc("GET /api/v1/uploads/multipart/{uploadId}/parts/{partNumber}", s.handleSignPart)
	mux.HandleFunc("POST /api/v1/uploads/multipart/{uploadId}/complete", s.handleCompleteMultipart)
	mux.HandleFunc("DELETE /api/v1/uploads/multipart/{uploadId}", s.handleAbortMultipart)
	mux.HandleFunc("POST /api/v1/uploads/stream", s.handleStreamUpload)

	// Usage and admin
	mux.HandleFunc("GET /api/v1/usage", s.handleUsage)
	mux.HandleFunc("GET /api/v1/admin/stats", s.handleAdminStats)
	mux.HandleFunc("PUT /api/v1/admin/owners/{ownerId}/role", s.handleSetRole)
	mux.HandleFunc("PUT /api/v1/admin/owners/{ownerId}/storage-limit", s.handleSetLimit)
	mux.HandleFunc("DELETE /api/v1/admin/owners/{ownerId}/storage-limit", s.handleClearLimit)

	return logging.Middleware(metrics.Middleware(mux))
}

// identity extracts the caller from the gateway headers. A missing
// owner id is a client error; a missing role defaults to basic.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (string, quota.Role, bool) {
	ownerID := r.Header.Get(headerOwnerID)
	if ownerID == "" {
		s.sendError(w, http.StatusUnauthorized, "missing "+headerOwnerID+" header")
		return "", "", false
	}
	role := quota.Role(r.Header.Get(headerOwnerRole))
	switch role {
	case quota.RolePlus, quota.RoleAdmin:
	default:
		role = quota.RoleBasic
	}
	return ownerID, role, true
}

// storageOwner maps a caller to the owner namespace their objects live
// in. Plus and admin callers share the main storage pool.
func storageOwner(ownerID string, role quota.Role) string {
	if role == quota.RolePlus || role == quota.RoleAdmin {
		return quota.MainStorageOwnerID
	}
	return ownerID
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	owner := storageOwner(ownerID, role)

	usage, err := s.meta.StorageUsage(r.Context(), owner)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	_, limit := s.quota.Directory().Lookup(owner)

	s.sendJSON(w, http.StatusOK, map[string]any{
		"ownerId":   owner,
		"usage":     usage,
		"limit":     limit,
		"unlimited": limit == quota.Unlimited,
	})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	stats, err := s.quota.Stats(r.Context())
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	role := quota.Role(req.Role)
	switch role {
	case quota.RoleBasic, quota.RolePlus, quota.RoleAdmin:
	default:
		s.sendError(w, http.StatusBadRequest, "unknown role: "+req.Role)
		return
	}
	s.quota.Directory().SetRole(r.PathValue("ownerId"), role)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req struct {
		Limit int64 `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Limit < 0 {
		s.sendError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}
	s.quota.Directory().SetLimit(r.PathValue("ownerId"), req.Limit)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearLimit(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	s.quota.Directory().ClearLimit(r.PathValue("ownerId"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	_, role, ok := s.identity(w, r)
	if !ok {
		return false
	}
	if role != quota.RoleAdmin {
		s.sendError(w, http.StatusForbidden, "admin role required")
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// sendDomainError maps a domain error onto its HTTP status.
func (s *Server) sendDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrAccessDenied):
		s.sendError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errs.ErrInvalidOperation):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrQuotaExceeded):
		s.sendError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, errs.ErrUpstream):
		logging.WithContext(r.Context()).Error("upstream store failure", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, err.Error())
	default:
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}
