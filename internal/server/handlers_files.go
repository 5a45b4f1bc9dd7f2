package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"docchat/internal/usertoken"
	"docchat/internal/util"
	"docchat/pkg/domain"
	"docchat/pkg/store"
)

// handleAuthCallback mirrors the verified identity into the local user
// table. Called by the frontend after sign-in; idempotent.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request, identity usertoken.Identity) {
	user, ok, err := s.store.GetUserByID(identity.Subject)
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}
	if !ok {
		user = domain.User{
			ID:        identity.Subject,
			Email:     identity.Email,
			PlanName:  "Free",
			CreatedAt: time.Now().UTC(),
		}
	} else if identity.Email != "" {
		user.Email = identity.Email
	}
	if err := s.store.UpsertUser(user); err != nil {
		s.internalError(w, "upsert user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type presignRequest struct {
	FileName string `json:"fileName"`
}

type presignResponse struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
	Key    string            `json:"key"`
}

// handlePresignUpload grants a short-lived direct upload. The object key
// embeds the caller's ID so registration can verify the upload is theirs.
func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request, identity usertoken.Identity) {
	var req presignRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeRequestInvalid, "invalid request body")
		return
	}
	name := path.Base(strings.TrimSpace(req.FileName))
	if name == "" || name == "." || name == "/" {
		writeError(w, http.StatusBadRequest, codeRequestInvalid, "fileName required")
		return
	}
	if !strings.EqualFold(path.Ext(name), ".pdf") {
		writeError(w, http.StatusBadRequest, codeRequestInvalid, "only PDF uploads are supported")
		return
	}
	userPlan := s.planFor(identity.Subject)
	count, err := s.store.CountFilesByOwner(identity.Subject)
	if err != nil {
		s.internalError(w, "count files", err)
		return
	}
	if count >= userPlan.Quota {
		writeError(w, http.StatusForbidden, codeQuotaExceeded,
			fmt.Sprintf("the %s plan allows up to %d files", userPlan.Name, userPlan.Quota))
		return
	}
	key := fmt.Sprintf("uploads/%s/%s/%s", identity.Subject, util.NewID(), name)
	upload, err := s.objects.PresignPost(r.Context(), key, userPlan.MaxSizeBytes, presignExpiry)
	if err != nil {
		writeError(w, http.StatusBadGateway, codeUpstreamFailure, "could not presign upload")
		s.logger.Error("presign upload", "error", err, "user_id", identity.Subject)
		return
	}
	writeJSON(w, http.StatusOK, presignResponse{URL: upload.URL, Fields: upload.Fields, Key: key})
}

func (s *Server) handleListFiles(w http.ResponseWriter, _ *http.Request, identity usertoken.Identity) {
	files, err := s.store.ListFilesByOwner(identity.Subject)
	if err != nil {
		s.internalError(w, "list files", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

type registerFileRequest struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// handleRegisterFile records an uploaded object as a PROCESSING file and
// schedules its ingestion.
func (s *Server) handleRegisterFile(w http.ResponseWriter, r *http.Request, identity usertoken.Identity) {
	var req registerFileRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeRequestInvalid, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	key := strings.TrimSpace(req.Key)
	if name == "" || key == "" {
		writeError(w, http.StatusBadRequest, codeRequestInvalid, "name and key required")
		return
	}
	// Keys are minted by the presign endpoint and carry the owner's ID.
	if !strings.HasPrefix(key, "uploads/"+identity.Subject+"/") {
		writeError(w, http.StatusBadRequest, codeRequestInvalid, "key does not belong to caller")
		return
	}
	userPlan := s.planFor(identity.Subject)
	count, err := s.store.CountFilesByOwner(identity.Subject)
	if err != nil {
		s.internalError(w, "count files", err)
		return
	}
	if count >= userPlan.Quota {
		writeError(w, http.StatusForbidden, codeQuotaExceeded,
			fmt.Sprintf("the %s plan allows up to %d files", userPlan.Name, userPlan.Quota))
		return
	}

	url, err := s.objects.PresignGet(r.Context(), key, 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadGateway, codeUpstreamFailure, "could not locate uploaded object")
		s.logger.Error("presign get", "error", err, "key", key)
		return
	}
	now := time.Now().UTC()
	file := domain.File{
		ID:         util.NewID(),
		OwnerID:    identity.Subject,
		Name:       name,
		StorageKey: key,
		URL:        url,
		Status:     domain.StatusProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateFile(file); err != nil {
		if errors.Is(err, store.ErrDuplicateStorageKey) {
			writeError(w, http.StatusConflict, codeFileConflict, "file already registered")
			return
		}
		s.internalError(w, "create file", err)
		return
	}
	if _, err := s.queue.Enqueue(r.Context(), file.ID); err != nil {
		// The file record exists but will never progress; settle it now
		// rather than leaving a forever-PROCESSING row.
		_ = s.store.SetFileStatus(file.ID, domain.StatusFailed, "Could not schedule processing.")
		s.internalError(w, "enqueue ingest", err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

// handleFileStatus reports ingestion progress. An unknown or foreign ID
// reads as PENDING so pollers cannot probe for other users' files.
func (s *Server) handleFileStatus(w http.ResponseWriter, r *http.Request, identity usertoken.Identity) {
	file, ok, err := s.store.GetFileForOwner(identity.Subject, r.PathValue("id"))
	if err != nil {
		s.internalError(w, "load file", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusPending)})
		return
	}
	resp := map[string]string{"status": string(file.Status)}
	if file.ErrorMessage != "" {
		resp["errorMessage"] = file.ErrorMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

const (
	defaultMessagePageSize = 10
	maxMessagePageSize     = 100
)

func (s *Server) handleFileMessages(w http.ResponseWriter, r *http.Request, identity usertoken.Identity) {
	fileID := r.PathValue("id")
	if _, ok, err := s.store.GetFileForOwner(identity.Subject, fileID); err != nil {
		s.internalError(w, "load file", err)
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, codeFileNotFound, "file not found")
		return
	}
	limit := defaultMessagePageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, codeRequestInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}
	page, err := s.store.ListMessagesPage(fileID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		s.internalError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, identity usertoken.Identity) {
	file, ok, err := s.store.DeleteFileForOwner(identity.Subject, r.PathValue("id"))
	if err != nil {
		s.internalError(w, "delete file", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, codeFileNotFound, "file not found")
		return
	}
	// Object cleanup is best-effort; the record is already gone.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.objects.Delete(ctx, file.StorageKey); err != nil {
		s.logger.Warn("delete stored object", "key", file.StorageKey, "error", err)
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, "error", err)
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
