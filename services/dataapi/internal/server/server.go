package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"bolashakai/internal/servicetoken"
	"bolashakai/internal/util"
	"bolashakai/pkg/auth"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store        store.Store
	Verifier     *servicetoken.Verifier
	CORSOrigins  []string
	MaxBodyBytes int64
	// HashPassword defaults to bcrypt at the default cost.
	HashPassword func(string) (string, error)
}

// Server exposes the portal schema as resource endpoints.
type Server struct {
	store        store.Store
	verifier     *servicetoken.Verifier
	mux          *http.ServeMux
	corsOrigins  []string
	maxBodyBytes int64
	hash         func(string) (string, error)
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("service token verifier is required")
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	hash := cfg.HashPassword
	if hash == nil {
		hash = auth.HashPassword
	}
	s := &Server{
		store:        cfg.Store,
		verifier:     cfg.Verifier,
		mux:          http.NewServeMux(),
		corsOrigins:  cfg.CORSOrigins,
		maxBodyBytes: maxBody,
		hash:         hash,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("dataapi", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/users", s.withService(s.handleUsers))
	s.mux.Handle("/api/auth", s.withService(s.handleAuth))
	s.mux.Handle("/api/messages", s.withService(s.handleMessages))
	s.mux.Handle("/api/docs", s.withService(s.handleDocs))
	s.mux.Handle("/api/notifications", s.withService(s.handleNotifications))
	s.mux.Handle("/api/feedback", s.withService(s.handleFeedback))
	s.mux.Handle("/api/audit", s.withService(s.handleAudit))
	s.mux.Handle("/api/cases", s.withService(s.handleCases))
	s.mux.Handle("/api/case-messages", s.withService(s.handleCaseMessages))
	s.mux.Handle("/api/ui-items", s.withService(s.handleUiItems))
	s.mux.Handle("/api/backup", s.withService(s.handleBackup))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withService(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("service token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		logger := util.LoggerFromContext(r.Context()).With("caller", claims.Issuer)
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		next(w, r.WithContext(util.ContextWithLogger(r.Context(), logger)))
	})
}

// users

type newUserRequest struct {
	Email      string      `json:"email"`
	Name       string      `json:"name"`
	Role       domain.Role `json:"role"`
	Avatar     string      `json:"avatar"`
	Department string      `json:"department"`
	Password   string      `json:"password"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		users, err := s.store.Users(ctx)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		for i := range users {
			users[i] = users[i].Public()
		}
		writeList(w, users)
	case http.MethodPost:
		var req newUserRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		u := domain.User{Email: req.Email, Name: req.Name, Role: req.Role, Avatar: req.Avatar, Department: req.Department}
		if req.Password != "" {
			hash, err := s.hash(req.Password)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			u.PasswordHash = hash
		}
		created, err := s.store.CreateUser(ctx, u)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created.Public())
	case http.MethodPatch:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		var patch domain.UserPatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		if patch.Password != nil {
			hash, err := s.hash(*patch.Password)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			patch.PasswordHash = &hash
			patch.Password = nil
		}
		updated, err := s.store.UpdateUser(ctx, id, patch)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated.Public())
	default:
		methodNotAllowed(w)
	}
}

type credentialsRequest struct {
	Email      string      `json:"email"`
	Password   string      `json:"password"`
	Name       string      `json:"name"`
	Role       domain.Role `json:"role"`
	Department string      `json:"department"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	switch r.URL.Query().Get("mode") {
	case "login":
		if strings.TrimSpace(req.Email) == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "email and password required")
			return
		}
		u, ok, err := s.store.UserByEmail(ctx, req.Email)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		if !auth.CheckPassword(req.Password, u.PasswordHash) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeJSON(w, http.StatusOK, u.Public())
	case "register":
		if strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, "name required")
			return
		}
		if err := auth.ValidatePassword(req.Password); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Role == domain.RoleAdmin {
			writeError(w, http.StatusBadRequest, "admin accounts cannot self-register")
			return
		}
		hash, err := s.hash(req.Password)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, err := s.store.CreateUser(ctx, domain.User{
			Email:        req.Email,
			Name:         req.Name,
			Role:         req.Role,
			Department:   req.Department,
			PasswordHash: hash,
		})
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created.Public())
	default:
		writeError(w, http.StatusBadRequest, "mode must be login or register")
	}
}

// messages

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	userID, agentID := q.Get("userId"), domain.AgentID(q.Get("agentId"))
	switch r.Method {
	case http.MethodGet:
		if userID == "" && agentID == "" {
			rows, err := s.store.Messages(ctx)
			if err != nil {
				writeStoreError(w, r, err)
				return
			}
			writeList(w, rows)
			return
		}
		if userID == "" || agentID == "" {
			writeError(w, http.StatusBadRequest, "userId and agentId required together")
			return
		}
		rows, err := s.store.MessagesFor(ctx, userID, agentID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeList(w, rows)
	case http.MethodPost:
		var m domain.Message
		if !decodeJSON(w, r, &m) {
			return
		}
		saved, err := s.store.SaveMessage(ctx, m)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	case http.MethodDelete:
		if userID == "" || agentID == "" {
			writeError(w, http.StatusBadRequest, "userId and agentId required")
			return
		}
		removed, err := s.store.ClearMessages(ctx, userID, agentID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	default:
		methodNotAllowed(w)
	}
}

// docs

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		var rows []domain.Doc
		var err error
		if userID := q.Get("userId"); userID != "" {
			rows, err = s.store.DocsFor(ctx, userID)
		} else {
			rows, err = s.store.Docs(ctx)
		}
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeList(w, rows)
	case http.MethodPost:
		var d domain.Doc
		if !decodeJSON(w, r, &d) {
			return
		}
		created, err := s.store.CreateDoc(ctx, d)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodPatch:
		id := q.Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		var patch domain.DocPatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		updated, err := s.store.UpdateDoc(ctx, id, patch)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		id := q.Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		if err := s.store.RemoveDoc(ctx, id); err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// notifications

type broadcastRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	domain.BroadcastOptions
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		userID := q.Get("userId")
		if q.Get("mode") == "count" {
			if userID == "" {
				writeError(w, http.StatusBadRequest, "userId required")
				return
			}
			n, err := s.store.CountUnread(ctx, userID)
			if err != nil {
				writeStoreError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"count": n})
			return
		}
		var rows []domain.Notification
		var err error
		if userID != "" {
			rows, err = s.store.NotificationsFor(ctx, userID)
		} else {
			rows, err = s.store.Notifications(ctx)
		}
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeList(w, rows)
	case http.MethodPost:
		if q.Get("mode") == "broadcast" {
			var req broadcastRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			rows, err := s.store.Broadcast(ctx, req.Title, req.Message, req.BroadcastOptions)
			if err != nil {
				writeStoreError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, listResponse(rows))
			return
		}
		var n domain.Notification
		if !decodeJSON(w, r, &n) {
			return
		}
		created, err := s.store.CreateNotification(ctx, n)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodPatch:
		id := q.Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		if err := s.store.MarkRead(ctx, id); err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// feedback

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		if messageID := r.URL.Query().Get("messageId"); messageID != "" {
			fb, ok, err := s.store.FeedbackFor(ctx, messageID)
			if err != nil {
				writeStoreError(w, r, err)
				return
			}
			rows := []domain.MessageFeedback{}
			if ok {
				rows = append(rows, fb)
			}
			writeList(w, rows)
			return
		}
		rows, err := s.store.Feedback(ctx)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeList(w, rows)
	case http.MethodPost:
		var fb domain.MessageFeedback
		if !decodeJSON(w, r, &fb) {
			return
		}
		saved, err := s.store.UpsertFeedback(ctx, fb)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		methodNotAllowed(w)
	}
}

// audit

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		rows, err := s.store.AuditLog(ctx)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if len(rows) > store.AuditListLimit {
			rows = rows[:store.AuditListLimit]
		}
		writeList(w, rows)
	case http.MethodPost:
		var ev domain.AuditEvent
		if !decodeJSON(w, r, &ev) {
			return
		}
		saved, err := s.store.LogAudit(ctx, ev)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	case http.MethodDelete:
		if err := s.store.ClearAudit(ctx); err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// agent tools

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		if id := q.Get("id"); id != "" {
			c, err := s.store.Case(ctx, id)
			if err != nil {
				writeStoreError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, c)
			return
		}
		userID, agentID := q.Get("userId"), q.Get("agentId")
		if userID == "" || agentID == "" {
			writeError(w, http.StatusBadRequest, "userId and agentId required")
			return
		}
		rows, err := s.store.Cases(ctx, userID, domain.AgentID(agentID))
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeList(w, rows)
	case http.MethodPost:
		var c domain.WorkflowCase
		if !decodeJSON(w, r, &c) {
			return
		}
		created, err := s.store.CreateCase(ctx, c)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodPatch:
		id := q.Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		var patch domain.CasePatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		updated, err := s.store.UpdateCase(ctx, id, patch)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCaseMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		caseID := r.URL.Query().Get("caseId")
		if caseID == "" {
			writeError(w, http.StatusBadRequest, "caseId required")
			return
		}
		rows, err := s.store.CaseMessages(ctx, caseID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeList(w, rows)
	case http.MethodPost:
		var m domain.CaseMessage
		if !decodeJSON(w, r, &m) {
			return
		}
		created, err := s.store.AddCaseMessage(ctx, m)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUiItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	agentID, kind := q.Get("agentId"), q.Get("kind")
	if agentID == "" || kind == "" {
		writeError(w, http.StatusBadRequest, "agentId and kind required")
		return
	}
	rows, err := s.store.UiItems(r.Context(), domain.AgentID(agentID), domain.UiItemKind(kind), q.Get("groupKey"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeList(w, rows)
}

// backup

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		b, err := s.store.ExportAll(ctx)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := backup.Encode(w, b); err != nil {
			util.LoggerFromContext(ctx).Error("encode backup failed", "err", err)
		}
	case http.MethodPost:
		mode, err := backup.ParseMode(r.URL.Query().Get("mode"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		b, err := backup.Decode(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.ImportAll(ctx, b, mode); err != nil {
			writeStoreError(w, r, err)
			return
		}
		util.LoggerFromContext(ctx).Info("backup imported", "mode", string(mode))
		writeJSON(w, http.StatusOK, map[string]string{"status": "imported", "mode": string(mode)})
	default:
		methodNotAllowed(w)
	}
}

// helpers

type listBody[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func listResponse[T any](rows []T) listBody[T] {
	if rows == nil {
		rows = []T{}
	}
	return listBody[T]{Items: rows, Count: len(rows)}
}

func writeList[T any](w http.ResponseWriter, rows []T) {
	writeJSON(w, http.StatusOK, listResponse(rows))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body required")
		default:
			writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		}
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("store error",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.String("err", err.Error()),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
