package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docchat/internal/usertoken"
	"docchat/internal/util"
	"docchat/pkg/plan"
	"docchat/pkg/queue"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

const presignExpiry = 5 * time.Minute

// Enqueuer schedules ingestion jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, fileID string) (queue.JobStatus, error)
}

// Answerer streams a chat answer for one owned file.
type Answerer interface {
	Respond(ctx context.Context, ownerID, fileID, question string, onDelta func(string) error) error
}

// TokenVerifier validates a bearer token and returns the caller's identity.
type TokenVerifier interface {
	Verify(token string) (usertoken.Identity, error)
}

// CheckoutClient starts an upgrade checkout session.
type CheckoutClient interface {
	CreateCheckoutSession(ctx context.Context, userID, email string, target plan.Plan) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store          store.Store
	Objects        storage.ObjectStore
	Queue          Enqueuer
	Responder      Answerer
	Verifier       TokenVerifier
	Billing        CheckoutClient
	Logger         *slog.Logger
	AllowedOrigins []string
}

// Server exposes the document-chat HTTP API.
type Server struct {
	store     store.Store
	objects   storage.ObjectStore
	queue     Enqueuer
	responder Answerer
	verifier  TokenVerifier
	billing   CheckoutClient
	logger    *slog.Logger
	origins   []string
	mux       *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue required")
	}
	if cfg.Responder == nil {
		return nil, errors.New("responder required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:     cfg.Store,
		objects:   cfg.Objects,
		queue:     cfg.Queue,
		responder: cfg.Responder,
		verifier:  cfg.Verifier,
		billing:   cfg.Billing,
		logger:    logger,
		origins:   cfg.AllowedOrigins,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("POST /api/auth/callback", s.withUser(s.handleAuthCallback))
	s.mux.Handle("POST /api/uploads/presign", s.withUser(s.handlePresignUpload))
	s.mux.Handle("GET /api/files", s.withUser(s.handleListFiles))
	s.mux.Handle("POST /api/files", s.withUser(s.handleRegisterFile))
	s.mux.Handle("GET /api/files/{id}/status", s.withUser(s.handleFileStatus))
	s.mux.Handle("GET /api/files/{id}/messages", s.withUser(s.handleFileMessages))
	s.mux.Handle("DELETE /api/files/{id}", s.withUser(s.handleDeleteFile))
	s.mux.Handle("POST /api/message", s.withUser(s.handleMessage))
	s.mux.Handle("POST /api/billing/session", s.withUser(s.handleBillingSession))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, codeAuthInvalidToken, "unauthorized")
			return
		}
		identity, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeAuthInvalidToken, "unauthorized")
			return
		}
		next(w, r, identity)
	})
}

// planFor resolves the caller's plan, defaulting to Free for users that
// have not completed the auth callback yet.
func (s *Server) planFor(userID string) plan.Plan {
	user, ok, err := s.store.GetUserByID(userID)
	if err != nil || !ok {
		return plan.Free
	}
	return plan.ByName(user.PlanName)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
