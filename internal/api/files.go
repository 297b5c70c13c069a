package api

import (
	"encoding/json"
	"net/http"

	"github.com/cirrusdrive/cirrusdrive/internal/metadata"
)

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	folderID := r.URL.Query().Get("folder")

	files, err := s.meta.ListFiles(r.Context(), storageOwner(ownerID, role), folderID)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleRegisterFile records a file whose object was uploaded through
// a presigned PUT.
func (s *Server) handleRegisterFile(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Name           string `json:"name"`
		Size           int64  `json:"size"`
		MimeType       string `json:"mimeType"`
		ObjectKey      string `json:"objectKey"`
		ParentFolderID string `json:"parentFolderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	file, err := s.uploads.RegisterObject(r.Context(), metadata.FileMetadata{
		Name:           req.Name,
		Size:           req.Size,
		MimeType:       req.MimeType,
		ObjectKey:      req.ObjectKey,
		OwnerID:        storageOwner(ownerID, role),
		ParentFolderID: req.ParentFolderID,
	})
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, file)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}

	file, err := s.meta.GetFile(r.Context(), r.PathValue("fileId"), storageOwner(ownerID, role))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, file)
}

// handleUpdateFile renames and/or moves a file.
func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Name           *string `json:"name"`
		ParentFolderID *string `json:"parentFolderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == nil && req.ParentFolderID == nil {
		s.sendError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	owner := storageOwner(ownerID, role)
	fileID := r.PathValue("fileId")

	file, err := s.meta.GetFile(r.Context(), fileID, owner)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	if req.Name != nil {
		file, err = s.meta.RenameFile(r.Context(), fileID, *req.Name, owner)
		if err != nil {
			s.sendDomainError(w, r, err)
			return
		}
	}
	if req.ParentFolderID != nil {
		file, err = s.meta.MoveFile(r.Context(), fileID, *req.ParentFolderID, owner)
		if err != nil {
			s.sendDomainError(w, r, err)
			return
		}
	}
	s.sendJSON(w, http.StatusOK, file)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.meta.DeleteFile(r.Context(), r.PathValue("fileId"), storageOwner(ownerID, role)); err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}

	url, err := s.meta.DownloadURL(r.Context(), r.PathValue("fileId"), storageOwner(ownerID, role), s.downloadExpiry)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"url": url})
}
