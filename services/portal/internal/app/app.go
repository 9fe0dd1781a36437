package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bolashakai/pkg/ai"
	"bolashakai/pkg/analytics"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/dataaccess"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/jobs"
	"bolashakai/services/portal/internal/session"
)

// Data is the persisted-data surface the portal uses. *dataaccess.Facade
// implements it.
type Data interface {
	analytics.Source

	UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error)
	Login(ctx context.Context, email, password string) (domain.User, error)
	Register(ctx context.Context, in dataaccess.Credentials) (domain.User, error)

	MessagesFor(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.Message, error)
	SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	ClearMessages(ctx context.Context, userID string, agentID domain.AgentID) (int, error)

	DocsFor(ctx context.Context, userID string) ([]domain.Doc, error)
	CreateDoc(ctx context.Context, d domain.Doc) (domain.Doc, error)
	UpdateDoc(ctx context.Context, id string, patch domain.DocPatch) (domain.Doc, error)
	RemoveDoc(ctx context.Context, id string) error

	NotificationsFor(ctx context.Context, userID string) ([]domain.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id string) error
	Broadcast(ctx context.Context, title, message string, opts domain.BroadcastOptions) ([]domain.Notification, error)

	UpsertFeedback(ctx context.Context, fb domain.MessageFeedback) (domain.MessageFeedback, error)

	LogAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error)
	ClearAudit(ctx context.Context) error

	ExportAll(ctx context.Context) (backup.Bundle, error)
	ImportAll(ctx context.Context, b backup.Bundle, mode backup.Mode) error

	dataaccess.CaseProvider
	dataaccess.CatalogProvider
}

// JobSearcher is the vacancy search used by the career agent.
type JobSearcher interface {
	Search(ctx context.Context, q jobs.Query) (jobs.Result, error)
}

// Config holds runtime dependencies for the portal application.
type Config struct {
	Data     Data
	Sessions *session.Manager
	// Generator may be nil; chat then answers with the missing-key reply.
	Generator ai.ChatGenerator
	Jobs      JobSearcher
	// Archive may be nil when no object store is configured.
	Archive *backup.Archive
	// BackupJobs may be nil; archive work then only runs inline.
	BackupJobs BackupQueue
	Now        func() time.Time
}

// App is the portal application service.
type App struct {
	data     Data
	sessions *session.Manager
	gen      ai.ChatGenerator
	jobs     JobSearcher
	archive  *backup.Archive
	queue    BackupQueue
	now      func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Data == nil {
		return nil, fmt.Errorf("data layer required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager required")
	}
	jobSearch := cfg.Jobs
	if jobSearch == nil {
		jobSearch = jobs.NewClient("", 0)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		data:     cfg.Data,
		sessions: cfg.Sessions,
		gen:      cfg.Generator,
		jobs:     jobSearch,
		archive:  cfg.Archive,
		queue:    cfg.BackupJobs,
		now:      now,
	}, nil
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   domain.Role
}

func (p Principal) IsAdmin() bool { return p.Role == domain.RoleAdmin }

// AuthResult is returned by Login and Register.
type AuthResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      domain.User `json:"user"`
}

func (a *App) issue(u domain.User) (AuthResult, error) {
	token, err := a.sessions.Issue(u.ID, string(u.Role))
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue session: %w", err)
	}
	return AuthResult{
		Token:     token,
		ExpiresAt: a.now().UTC().Add(a.sessions.TTL()),
		User:      u.Public(),
	}, nil
}

// Login checks credentials and opens a session.
func (a *App) Login(ctx context.Context, email, password string) (AuthResult, error) {
	u, err := a.data.Login(ctx, domain.NormalizeEmail(email), password)
	if err != nil {
		if domain.IsNotFound(err) || domain.HTTPStatus(err) == 401 {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, err
	}
	return a.issue(u)
}

// Register creates an account and opens a session. Self-registration cannot
// pick the admin role.
func (a *App) Register(ctx context.Context, in dataaccess.Credentials) (AuthResult, error) {
	if in.Role == "" {
		in.Role = domain.RoleStudent
	}
	if in.Role == domain.RoleAdmin {
		return AuthResult{}, domain.Invalid("role", "admin accounts cannot self-register")
	}
	in.Email = domain.NormalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	u, err := a.data.Register(ctx, in)
	if err != nil {
		return AuthResult{}, err
	}
	return a.issue(u)
}

// Logout revokes the presented token.
func (a *App) Logout(ctx context.Context, token string) error {
	return a.sessions.Revoke(ctx, token)
}

// Authenticate resolves a bearer token into the caller.
func (a *App) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := a.sessions.Verify(ctx, token)
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	return Principal{UserID: claims.Subject, Role: domain.Role(claims.Role)}, nil
}

// Me loads the caller's public profile.
func (a *App) Me(ctx context.Context, p Principal) (domain.User, error) {
	users, err := a.data.Users(ctx)
	if err != nil {
		return domain.User{}, err
	}
	for _, u := range users {
		if u.ID == p.UserID {
			return u.Public(), nil
		}
	}
	return domain.User{}, &domain.NotFoundError{Resource: "user", ID: p.UserID}
}

// Agents lists the agents the role may open.
func (a *App) Agents(role domain.Role) []domain.Agent {
	var out []domain.Agent
	for _, ag := range domain.Agents() {
		if ag.CanUse(role) {
			out = append(out, ag)
		}
	}
	return out
}

func (a *App) agentFor(p Principal, id domain.AgentID) (domain.Agent, error) {
	ag, ok := domain.LookupAgent(id)
	if !ok {
		return domain.Agent{}, ErrUnknownAgent
	}
	if !ag.CanUse(p.Role) {
		return domain.Agent{}, ErrForbidden
	}
	return ag, nil
}
