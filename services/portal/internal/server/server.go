package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bolashakai/internal/ratelimit"
	"bolashakai/internal/util"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/dataaccess"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/jobs"
	"bolashakai/pkg/queue"
	"bolashakai/services/portal/internal/app"
)

const (
	defaultMaxUploadBytes = 10 << 20
	// chat turns may carry a base64 image
	maxJSONBytes = 16 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	RedisAddr      string
	RedisPassword  string
	CORSOrigins    []string
	TrustedProxies []string
	MaxUploadBytes int64

	LoginRateLimitPerMinute    int
	RegisterRateLimitPerMinute int
	ChatRateLimitPerMinute     int
}

// Server exposes the portal API.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	proxies        *util.ProxyTrust
	corsOrigins    []string
	maxUploadBytes int64

	loginLimiter    *ratelimit.FixedWindowLimiter
	registerLimiter *ratelimit.FixedWindowLimiter
	chatLimiter     *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	proxies, err := util.ParseProxyTrust(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	newLimiter := func(name string, limit, fallback int) (*ratelimit.FixedWindowLimiter, error) {
		if limit <= 0 {
			limit = fallback
		}
		prefix := "bolashak:portal:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	loginLimiter, err := newLimiter("login", cfg.LoginRateLimitPerMinute, 10)
	if err != nil {
		return nil, err
	}
	registerLimiter, err := newLimiter("register", cfg.RegisterRateLimitPerMinute, 5)
	if err != nil {
		return nil, err
	}
	chatLimiter, err := newLimiter("chat", cfg.ChatRateLimitPerMinute, 30)
	if err != nil {
		return nil, err
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		proxies:         proxies,
		corsOrigins:     cfg.CORSOrigins,
		maxUploadBytes:  maxUpload,
		loginLimiter:    loginLimiter,
		registerLimiter: registerLimiter,
		chatLimiter:     chatLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("portal", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

// Close releases the limiter connections.
func (s *Server) Close() error {
	return errors.Join(s.loginLimiter.Close(), s.registerLimiter.Close(), s.chatLimiter.Close())
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/auth/me", s.authenticated(s.handleMe))

	// agents
	s.mux.Handle("/api/agents", s.authenticated(s.handleAgents))
	s.mux.Handle("/api/agents/", s.authenticated(s.handleAgentRoutes))
	s.mux.Handle("/api/messages/", s.authenticated(s.handleMessageFeedback))
	s.mux.Handle("/api/jobs", s.authenticated(s.handleJobs))

	// personal data
	s.mux.Handle("/api/docs", s.authenticated(s.handleDocs))
	s.mux.Handle("/api/docs/", s.authenticated(s.handleDocByID))
	s.mux.Handle("/api/notifications", s.authenticated(s.handleNotifications))
	s.mux.Handle("/api/notifications/", s.authenticated(s.handleNotificationByID))
	s.mux.Handle("/api/cases/", s.authenticated(s.handleCaseByID))

	// admin
	s.mux.Handle("/api/admin/dashboard", s.adminOnly(s.handleAdminDashboard))
	s.mux.Handle("/api/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("/api/admin/users/", s.adminOnly(s.handleAdminUserByID))
	s.mux.Handle("/api/admin/notifications/broadcast", s.adminOnly(s.handleAdminBroadcast))
	s.mux.Handle("/api/admin/audit", s.adminOnly(s.handleAdminAudit))
	s.mux.Handle("/api/admin/backup", s.adminOnly(s.handleAdminBackup))
	s.mux.Handle("/api/admin/backup/archive", s.adminOnly(s.handleAdminArchive))
	s.mux.Handle("/api/admin/backup/archive/", s.adminOnly(s.handleAdminArchiveByKey))
	s.mux.Handle("/api/admin/backup/jobs", s.adminOnly(s.handleAdminBackupJobs))
	s.mux.Handle("/api/admin/backup/jobs/", s.adminOnly(s.handleAdminBackupJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, app.Principal)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, r, ok := s.authorize(w, r, "portal.authorize")
		if !ok {
			return
		}
		next(w, r, p)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, r, ok := s.authorize(w, r, "portal.admin.authorize")
		if !ok {
			return
		}
		if !p.IsAdmin() {
			s.audit(r, "portal.admin.authorize", "fail", "user_id", p.UserID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, p)
	})
}

// authorize resolves the bearer token and attaches the caller to the request
// context for audit and logging.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, event string) (app.Principal, *http.Request, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, event, "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return app.Principal{}, r, false
	}
	p, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		s.audit(r, event, "fail", "reason", "invalid_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return app.Principal{}, r, false
	}
	ctx := dataaccess.WithActor(r.Context(), p.UserID)
	ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", p.UserID))
	return p, r.WithContext(ctx), true
}

// auth

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "login|"+s.proxies.ClientIP(r), "too many login attempts") {
		s.audit(r, "portal.login", "rate_limited")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "portal.login", "fail", "email", domain.NormalizeEmail(req.Email))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "portal.login", "success", "user_id", res.User.ID)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "register|"+s.proxies.ClientIP(r), "too many registration attempts") {
		s.audit(r, "portal.register", "rate_limited")
		return
	}
	var req dataaccess.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.app.Register(r.Context(), req)
	if err != nil {
		s.audit(r, "portal.register", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "portal.register", "success", "user_id", res.User.ID)
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "portal.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, p app.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	u, err := s.app.Me(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// agents

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request, p app.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeList(w, s.app.Agents(p.Role))
}

// handleAgentRoutes serves /api/agents/{agent}/{messages|chat|cases|ui-items}.
func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request, p app.Principal) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	agent, sub, _ := strings.Cut(rest, "/")
	if agent == "" || sub == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	agentID := domain.AgentID(agent)
	switch sub {
	case "messages":
		s.handleAgentMessages(w, r, p, agentID)
	case "chat":
		s.handleChat(w, r, p, agentID)
	case "cases":
		s.handleAgentCases(w, r, p, agentID)
	case "ui-items":
		s.handleUiItems(w, r, agentID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleAgentMessages(w http.ResponseWriter, r *http.Request, p app.Principal, agentID domain.AgentID) {
	switch r.Method {
	case http.MethodGet:
		msgs, err := s.app.History(r.Context(), p, agentID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, msgs)
	case http.MethodDelete:
		n, err := s.app.ClearHistory(r.Context(), p, agentID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, p app.Principal, agentID domain.AgentID) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.chatLimiter, "chat|"+p.UserID, "too many chat requests") {
		s.audit(r, "portal.chat", "rate_limited", "user_id", p.UserID)
		return
	}
	var in app.ChatInput
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := s.app.Chat(r.Context(), p, agentID, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgentCases(w http.ResponseWriter, r *http.Request, p app.Principal, agentID domain.AgentID) {
	switch r.Method {
	case http.MethodGet:
		cases, err := s.app.Cases(r.Context(), p, agentID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, cases)
	case http.MethodPost:
		var in app.NewCase
		if !decodeJSON(w, r, &in) {
			return
		}
		in.AgentID = agentID
		c, err := s.app.CreateCase(r.Context(), p, in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUiItems(w http.ResponseWriter, r *http.Request, agentID domain.AgentID) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	items, err := s.app.UiItems(r.Context(), agentID, domain.UiItemKind(q.Get("kind")), q.Get("group"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, items)
}

// handleMessageFeedback serves POST /api/messages/{id}/feedback.
func (s *Server) handleMessageFeedback(w http.ResponseWriter, r *http.Request, p app.Principal) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/messages/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" || sub != "feedback" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in app.FeedbackInput
	if !decodeJSON(w, r, &in) {
		return
	}
	fb, err := s.app.RateMessage(r.Context(), p, id, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request, _ app.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	query := jobs.Query{Text: q.Get("text"), Area: q.Get("area")}
	query.Page, _ = strconv.Atoi(q.Get("page"))
	query.PerPage, _ = strconv.Atoi(q.Get("perPage"))
	res, err := s.app.SearchJobs(r.Context(), query)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("job search failed", slog.String("err", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// docs

type docRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request, p app.Principal) {
	switch r.Method {
	case http.MethodGet:
		docs, err := s.app.Docs(r.Context(), p)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, docs)
	case http.MethodPost:
		var req docRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		d, err := s.app.CreateDoc(r.Context(), p, req.Title, req.Content)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDocByID(w http.ResponseWriter, r *http.Request, p app.Principal) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/docs/"), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if id == "import" {
		s.handleDocImport(w, r, p)
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var patch domain.DocPatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		d, err := s.app.UpdateDoc(r.Context(), p, id, patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case http.MethodDelete:
		if err := s.app.RemoveDoc(r.Context(), p, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDocImport(w http.ResponseWriter, r *http.Request, p app.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	d, err := s.app.ImportDoc(r.Context(), p, header.Filename, r.FormValue("title"), file)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// notifications

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, p app.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rows, err := s.app.Notifications(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, rows)
}

// handleNotificationByID serves GET /api/notifications/unread and
// POST /api/notifications/{id}/read.
func (s *Server) handleNotificationByID(w http.ResponseWriter, r *http.Request, p app.Principal) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/notifications/"), "/")
	if rest == "unread" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		n, err := s.app.UnreadCount(r.Context(), p)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": n})
		return
	}
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" || sub != "read" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.MarkRead(r.Context(), p, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cases

type caseMessageRequest struct {
	Message string `json:"message"`
}

// handleCaseByID serves PATCH /api/cases/{id} and /api/cases/{id}/messages.
func (s *Server) handleCaseByID(w http.ResponseWriter, r *http.Request, p app.Principal) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/cases/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch {
	case sub == "" && r.Method == http.MethodPatch:
		var patch domain.CasePatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		c, err := s.app.UpdateCase(r.Context(), p, id, patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case sub == "messages" && r.Method == http.MethodGet:
		msgs, err := s.app.CaseMessages(r.Context(), p, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, msgs)
	case sub == "messages" && r.Method == http.MethodPost:
		var req caseMessageRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		m, err := s.app.PostCaseMessage(r.Context(), p, id, req.Message)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	case sub == "" || sub == "messages":
		methodNotAllowed(w)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// admin

func (s *Server) handleAdminDashboard(w http.ResponseWriter, r *http.Request, _ app.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	d, err := s.app.Dashboard(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ app.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.Users(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, users)
}

type roleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleAdminUserByID(w http.ResponseWriter, r *http.Request, p app.Principal) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/users/"), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req roleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	role := domain.Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	if !domain.ValidRole(role) {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}
	u, err := s.app.SetUserRole(r.Context(), p, id, role)
	if err != nil {
		s.audit(r, "portal.admin.user_role", "fail", "user_id", p.UserID, "target_user_id", id)
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "portal.admin.user_role", "success", "user_id", p.UserID, "target_user_id", id, "role", string(role))
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleAdminBroadcast(w http.ResponseWriter, r *http.Request, p app.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in app.BroadcastInput
	if !decodeJSON(w, r, &in) {
		return
	}
	sent, err := s.app.Broadcast(r.Context(), p, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"sent": len(sent)})
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request, p app.Principal) {
	switch r.Method {
	case http.MethodGet:
		events, err := s.app.AuditLog(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, events)
	case http.MethodDelete:
		if err := s.app.ClearAudit(r.Context()); err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "portal.admin.audit_clear", "success", "user_id", p.UserID)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAdminBackup(w http.ResponseWriter, r *http.Request, p app.Principal) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		b, err := s.app.Export(ctx)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		filename := "bolashak-backup-" + b.ExportedAt.UTC().Format("20060102-150405") + ".json"
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
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
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
		b, err := backup.Decode(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.app.Import(ctx, b, mode); err != nil {
			s.audit(r, "portal.admin.backup_import", "fail", "user_id", p.UserID, "mode", string(mode))
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "portal.admin.backup_import", "success", "user_id", p.UserID, "mode", string(mode))
		writeJSON(w, http.StatusOK, map[string]string{"status": "imported", "mode": string(mode)})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAdminArchive(w http.ResponseWriter, r *http.Request, p app.Principal) {
	switch r.Method {
	case http.MethodGet:
		keys, err := s.app.ArchivedBackups(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, keys)
	case http.MethodPost:
		saved, err := s.app.ArchiveBackup(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "portal.admin.backup_archive", "success", "user_id", p.UserID, "key", saved.Key)
		writeJSON(w, http.StatusCreated, saved)
	default:
		methodNotAllowed(w)
	}
}

// handleAdminArchiveByKey serves GET (download link) and POST (restore) for
// /api/admin/backup/archive/{key}. Keys contain slashes.
func (s *Server) handleAdminArchiveByKey(w http.ResponseWriter, r *http.Request, p app.Principal) {
	key := strings.TrimPrefix(r.URL.Path, "/api/admin/backup/archive/")
	if key == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		link, err := s.app.ArchivedBackupURL(r.Context(), key)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, link)
	case http.MethodPost:
		mode, err := backup.ParseMode(r.URL.Query().Get("mode"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.app.RestoreArchivedBackup(r.Context(), key, mode); err != nil {
			s.audit(r, "portal.admin.backup_restore", "fail", "user_id", p.UserID, "key", key)
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "portal.admin.backup_restore", "success", "user_id", p.UserID, "key", key, "mode", string(mode))
		writeJSON(w, http.StatusOK, map[string]string{"status": "restored", "mode": string(mode)})
	default:
		methodNotAllowed(w)
	}
}

type backupJobRequest struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
	Mode string `json:"mode"`
}

func (s *Server) handleAdminBackupJobs(w http.ResponseWriter, r *http.Request, p app.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req backupJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		job queue.Job
		err error
	)
	switch req.Kind {
	case queue.KindArchive:
		job, err = s.app.QueueArchive(r.Context(), p)
	case queue.KindRestore:
		mode, perr := backup.ParseMode(req.Mode)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		job, err = s.app.QueueRestore(r.Context(), p, strings.TrimSpace(req.Key), mode)
	default:
		writeError(w, http.StatusBadRequest, "kind must be archive or restore")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "portal.admin.backup_job", "queued", "user_id", p.UserID, "job_id", job.ID, "kind", job.Kind)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleAdminBackupJobByID(w http.ResponseWriter, r *http.Request, _ app.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/admin/backup/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	job, err := s.app.BackupJob(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// helpers

type listBody[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func writeList[T any](w http.ResponseWriter, rows []T) {
	if rows == nil {
		rows = []T{}
	}
	writeJSON(w, http.StatusOK, listBody[T]{Items: rows, Count: len(rows)})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
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

// writeAppError maps application errors onto HTTP statuses. Internal detail
// is logged, never returned.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, app.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, app.ErrUnknownAgent), errors.Is(err, app.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, app.ErrArchiveDisabled), errors.Is(err, app.ErrJobsDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		status = domain.HTTPStatus(err)
	}
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Int("status", status),
			slog.String("err", err.Error()),
		)
		if status != http.StatusServiceUnavailable {
			writeError(w, status, http.StatusText(status))
			return
		}
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

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.proxies.ClientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key, msg string) bool {
	d := limiter.Allow(r.Context(), key)
	if d.Allowed {
		return true
	}
	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
