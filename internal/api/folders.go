package api

import (
	"encoding/json"
	"io"
	"net/http"
)

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Name           string `json:"name"`
		ParentFolderID string `json:"parentFolderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	folder, err := s.meta.CreateFolder(r.Context(), storageOwner(ownerID, role), req.Name, req.ParentFolderID)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	parentID := r.URL.Query().Get("parent")

	folders, err := s.meta.ListFolders(r.Context(), storageOwner(ownerID, role), parentID)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}

	folder, err := s.meta.GetFolder(r.Context(), r.PathValue("folderId"), storageOwner(ownerID, role))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, folder)
}

// handleUpdateFolder renames and/or moves a folder. A rename applies
// first so a failed move never leaves a half-applied rename behind it.
func (s *Server) handleUpdateFolder(w http.ResponseWriter, r *http.Request) {
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
	folderID := r.PathValue("folderId")

	folder, err := s.meta.GetFolder(r.Context(), folderID, owner)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	if req.Name != nil {
		folder, err = s.meta.RenameFolder(r.Context(), folderID, *req.Name, owner)
		if err != nil {
			s.sendDomainError(w, r, err)
			return
		}
	}
	if req.ParentFolderID != nil {
		folder, err = s.meta.MoveFolder(r.Context(), folderID, *req.ParentFolderID, owner)
		if err != nil {
			s.sendDomainError(w, r, err)
			return
		}
	}
	s.sendJSON(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.meta.DeleteFolder(r.Context(), r.PathValue("folderId"), storageOwner(ownerID, role)); err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFolderSize(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	folderID := r.PathValue("folderId")

	if _, err := s.meta.GetFolder(r.Context(), folderID, storageOwner(ownerID, role)); err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	size, err := s.meta.CalculateFolderSize(r.Context(), folderID)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"folderId": folderID, "size": size})
}

func (s *Server) handleDownloadFolder(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}

	body, name, err := s.archiver.StreamFolder(r.Context(), r.PathValue("folderId"), storageOwner(ownerID, role))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	io.Copy(w, body)
}
