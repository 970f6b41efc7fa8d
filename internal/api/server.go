// Package api serves account and conversation administration over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/process"

	"chatrelay/internal/conversation"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Accounts is the slice of the store the API needs.
type Accounts interface {
	interfaces.AccountStore
	HealthCheck(ctx context.Context) error
}

// Conversations creates and loads conversations through the access guard.
type Conversations interface {
	CreateConversation(ctx context.Context, memberIDs []string) (*types.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error)
}

// Directory reports who is online.
type Directory interface {
	Lookup(identity string) (interfaces.Connection, bool)
	ListOnline(excluding string) []string
	Snapshot() []types.Session
	Stats() map[string]int
}

// Server is the administration API. It holds no business logic of its own.
type Server struct {
	accounts      Accounts
	conversations Conversations
	directory     Directory
	router        *http.ServeMux
	log           *slog.Logger
	startedAt     time.Time
}

// NewServer creates the API server and sets up its routes.
func NewServer(accounts Accounts, conversations Conversations, directory Directory, log *slog.Logger) *Server {
	s := &Server{
		accounts:      accounts,
		conversations: conversations,
		directory:     directory,
		router:        http.NewServeMux(),
		log:           log,
		startedAt:     time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/users", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleUsers))))
	s.router.Handle("/api/users/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleUserByID))))
	s.router.Handle("/api/conversations", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleConversations))))
	s.router.Handle("/api/conversations/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleConversationByID))))
	s.router.Handle("/api/online", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleOnline))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type CreateUserRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=100"`
}

type UserResponse struct {
	User   *types.User `json:"user"`
	Online bool        `json:"online"`
}

type CreateConversationRequest struct {
	MemberIDs []string `json:"member_ids" validate:"required,min=2,dive,uuid"`
}

type ConversationResponse struct {
	Conversation  *types.Conversation `json:"conversation"`
	OnlineMembers []string            `json:"online_members"`
}

type OnlineResponse struct {
	Identities []string        `json:"identities"`
	Sessions   []types.Session `json:"sessions"`
	Count      int             `json:"count"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	RSSBytes    uint64         `json:"rss_bytes"`
	Goroutines  int            `json:"goroutines"`
	Uptime      string         `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createUser(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "/api/users/")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getUser(w, r, id)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createConversation(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "/api/conversations/")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getConversation(w, r, id)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// pathID extracts the id segment following prefix.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	id := strings.Split(strings.TrimPrefix(r.URL.Path, prefix), "/")[0]
	if id == "" {
		s.sendError(w, "ID required", http.StatusBadRequest)
		return "", false
	}
	if !types.IsValidIdentity(id) {
		s.sendError(w, "Invalid ID format", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// POST /api/users
func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := types.ValidateStruct(req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user := &types.User{
		ID:          uuid.NewString(),
		DisplayName: req.DisplayName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.accounts.CreateUser(r.Context(), user); err != nil {
		s.sendStoreError(w, "Failed to create user", err)
		return
	}

	s.log.Info("User created", "identity", types.ShortID(user.ID))
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(UserResponse{User: user})
}

// GET /api/users/{id}
func (s *Server) getUser(w http.ResponseWriter, r *http.Request, id string) {
	user, err := s.accounts.GetUser(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, "Failed to get user", err)
		return
	}
	_, online := s.directory.Lookup(id)
	_ = json.NewEncoder(w).Encode(UserResponse{User: user, Online: online})
}

// POST /api/conversations
func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := types.ValidateStruct(req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	conv, err := s.conversations.CreateConversation(r.Context(), req.MemberIDs)
	if err != nil {
		s.sendStoreError(w, "Failed to create conversation", err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ConversationResponse{
		Conversation:  conv,
		OnlineMembers: s.onlineMembers(conv),
	})
}

// GET /api/conversations/{id}
func (s *Server) getConversation(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := s.conversations.GetConversation(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, "Failed to get conversation", err)
		return
	}
	_ = json.NewEncoder(w).Encode(ConversationResponse{
		Conversation:  conv,
		OnlineMembers: s.onlineMembers(conv),
	})
}

func (s *Server) onlineMembers(conv *types.Conversation) []string {
	return lo.Filter(conv.MemberIDs, func(id string, _ int) bool {
		_, ok := s.directory.Lookup(id)
		return ok
	})
}

// GET /api/online
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := s.directory.Snapshot()
	identities := lo.Map(sessions, func(session types.Session, _ int) string { return session.Identity })
	_ = json.NewEncoder(w).Encode(OnlineResponse{Identities: identities, Sessions: sessions, Count: len(sessions)})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.accounts.HealthCheck(ctx); err != nil {
		s.log.Error("Database health check failed", "error", err)
		status = "unhealthy"
		dbStatus = "unavailable"
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: s.directory.Stats(),
		RSSBytes:    residentMemory(),
		Goroutines:  runtime.NumGoroutine(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// residentMemory returns the RSS of this process, or 0 when unavailable.
func residentMemory() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0
	}
	return memInfo.RSS
}

// sendStoreError maps the error taxonomy onto HTTP status codes. Internal
// details are logged, never returned.
func (s *Server) sendStoreError(w http.ResponseWriter, fallback string, err error) {
	if errors.Is(err, conversation.ErrGuardUnavailable) {
		s.log.Error(fallback, "error", err)
		s.sendError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	switch types.KindOf(err) {
	case types.KindValidation:
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case types.KindNotFound:
		s.sendError(w, err.Error(), http.StatusNotFound)
	case types.KindAuthorization:
		s.sendError(w, err.Error(), http.StatusForbidden)
	case types.KindAuthentication:
		s.sendError(w, err.Error(), http.StatusUnauthorized)
	default:
		s.log.Error(fallback, "error", err)
		s.sendError(w, fallback, http.StatusInternalServerError)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
