package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"docchat/internal/chat"
	"docchat/internal/usertoken"
	"docchat/pkg/plan"
)

type messageRequest struct {
	FileID  string `json:"fileId"`
	Message string `json:"message"`
}

// handleMessage streams the assistant's answer as chunked plain text.
// Errors are only expressible as JSON before the first byte is written;
// once streaming starts a failure just ends the body early (the full or
// partial transcript is persisted server-side either way).
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, identity usertoken.Identity) {
	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeRequestInvalid, "invalid request body")
		return
	}
	flusher, _ := w.(http.Flusher)
	started := false
	err := s.responder.Respond(r.Context(), identity.Subject, req.FileID, req.Message, func(delta string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(w, delta); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err == nil || started {
		return
	}
	switch {
	case errors.Is(err, chat.ErrQuestionRequired):
		writeError(w, http.StatusBadRequest, codeRequestInvalid, "message required")
	case errors.Is(err, chat.ErrFileNotFound):
		writeError(w, http.StatusNotFound, codeFileNotFound, "file not found")
	case errors.Is(err, chat.ErrFileNotReady):
		writeError(w, http.StatusConflict, codeFileConflict, "file is not ready for chat")
	case errors.Is(err, chat.ErrUpstream):
		writeError(w, http.StatusBadGateway, codeUpstreamFailure, "answer generation failed")
		s.logger.Error("answer generation", "error", err, "file_id", req.FileID)
	default:
		s.internalError(w, "chat respond", err)
	}
}

type billingSessionRequest struct {
	Plan string `json:"plan"`
}

// handleBillingSession starts a checkout for a paid plan and returns the
// hosted payment page URL.
func (s *Server) handleBillingSession(w http.ResponseWriter, r *http.Request, identity usertoken.Identity) {
	if s.billing == nil {
		writeError(w, http.StatusNotImplemented, codeRequestInvalid, "billing is not configured")
		return
	}
	var req billingSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, codeRequestInvalid, "invalid request body")
		return
	}
	slug := strings.ToLower(strings.TrimSpace(req.Plan))
	if slug == "" {
		slug = plan.Pro.Slug
	}
	target := plan.ByName(slug)
	if target.Slug != slug || target.PriceAmount == 0 {
		writeError(w, http.StatusBadRequest, codeRequestInvalid, "unknown or free plan")
		return
	}
	user, ok, err := s.store.GetUserByID(identity.Subject)
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}
	email := identity.Email
	if ok && user.Email != "" {
		email = user.Email
	}
	url, err := s.billing.CreateCheckoutSession(r.Context(), identity.Subject, email, target)
	if err != nil {
		writeError(w, http.StatusBadGateway, codeUpstreamFailure, "could not start checkout")
		s.logger.Error("create checkout session", "error", err, "user_id", identity.Subject)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
