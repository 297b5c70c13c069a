package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cirrusdrive/cirrusdrive/internal/blobstore"
	"github.com/cirrusdrive/cirrusdrive/internal/upload"
)

func (s *Server) handleSignUpload(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Size        int64  `json:"size"`
		ContentType string `json:"contentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	signed, err := s.uploads.SignPut(r.Context(), storageOwner(ownerID, role), req.Name, req.ContentType, req.Size)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, signed)
}

func (s *Server) handleStartMultipart(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Name           string `json:"name"`
		Size           int64  `json:"size"`
		ContentType    string `json:"contentType"`
		ParentFolderID string `json:"parentFolderId"`
		NetworkHint    string `json:"networkHint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	session, err := s.uploads.Start(r.Context(), upload.StartRequest{
		OwnerID:        storageOwner(ownerID, role),
		Name:           req.Name,
		Size:           req.Size,
		ContentType:    req.ContentType,
		ParentFolderID: req.ParentFolderID,
		Hint:           upload.NetworkHint(req.NetworkHint),
	})
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}

	parts, err := s.uploads.Parts(r.Context(), r.PathValue("uploadId"), storageOwner(ownerID, role))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	if parts == nil {
		parts = []blobstore.Part{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"parts": parts})
}

func (s *Server) handleSignPart(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	partNumber, err := strconv.ParseInt(r.PathValue("partNumber"), 10, 32)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid part number")
		return
	}

	url, err := s.uploads.SignPart(r.Context(), r.PathValue("uploadId"), storageOwner(ownerID, role), int32(partNumber))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleCompleteMultipart(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Parts []blobstore.CompletedPart `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	file, err := s.uploads.Complete(r.Context(), r.PathValue("uploadId"), storageOwner(ownerID, role), req.Parts)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, file)
}

func (s *Server) handleAbortMultipart(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.uploads.Abort(r.Context(), r.PathValue("uploadId"), storageOwner(ownerID, role)); err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStreamUpload relays the request body through the server into
// the store. Size and name arrive as headers so the body can stay raw.
func (s *Server) handleStreamUpload(w http.ResponseWriter, r *http.Request) {
	ownerID, role, ok := s.identity(w, r)
	if !ok {
		return
	}
	name := r.Header.Get("X-File-Name")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "missing X-File-Name header")
		return
	}
	if r.ContentLength <= 0 {
		s.sendError(w, http.StatusBadRequest, "Content-Length required")
		return
	}

	file, err := s.uploads.Relay(r.Context(), upload.StartRequest{
		OwnerID:        storageOwner(ownerID, role),
		Name:           name,
		Size:           r.ContentLength,
		ContentType:    r.Header.Get("Content-Type"),
		ParentFolderID: r.Header.Get("X-Parent-Folder-ID"),
		Hint:           upload.NetworkHint(r.Header.Get("X-Network-Hint")),
	}, r.Body)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, file)
}
