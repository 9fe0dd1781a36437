// Package dataaccess is the single entry point the portal uses for persisted
// data. Calls go to the remote data API; agent-tool resources can fall back
// to a local store according to a Policy.
package dataaccess

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bolashakai/internal/util"
	"bolashakai/pkg/auth"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/localstore"
)

// DefaultAuditTimeout bounds each background audit write.
const DefaultAuditTimeout = 5 * time.Second

// Remote is the data API surface the facade depends on. *RemoteClient
// implements it.
type Remote interface {
	CaseProvider
	CatalogProvider

	Users(ctx context.Context) ([]domain.User, error)
	CreateUser(ctx context.Context, in NewUser) (domain.User, error)
	UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error)
	Login(ctx context.Context, email, password string) (domain.User, error)
	Register(ctx context.Context, in Credentials) (domain.User, error)

	Messages(ctx context.Context) ([]domain.Message, error)
	MessagesFor(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.Message, error)
	SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	ClearMessages(ctx context.Context, userID string, agentID domain.AgentID) (int, error)

	Notifications(ctx context.Context) ([]domain.Notification, error)
	NotificationsFor(ctx context.Context, userID string) ([]domain.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id string) error
	CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
	Broadcast(ctx context.Context, title, message string, opts domain.BroadcastOptions) ([]domain.Notification, error)

	Docs(ctx context.Context) ([]domain.Doc, error)
	DocsFor(ctx context.Context, userID string) ([]domain.Doc, error)
	CreateDoc(ctx context.Context, d domain.Doc) (domain.Doc, error)
	UpdateDoc(ctx context.Context, id string, patch domain.DocPatch) (domain.Doc, error)
	RemoveDoc(ctx context.Context, id string) error

	Feedback(ctx context.Context) ([]domain.MessageFeedback, error)
	FeedbackFor(ctx context.Context, messageID string) (domain.MessageFeedback, bool, error)
	UpsertFeedback(ctx context.Context, fb domain.MessageFeedback) (domain.MessageFeedback, error)

	AuditLog(ctx context.Context) ([]domain.AuditEvent, error)
	LogAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error)
	ClearAudit(ctx context.Context) error

	ExportAll(ctx context.Context) (backup.Bundle, error)
	ImportAll(ctx context.Context, b backup.Bundle, mode backup.Mode) error
}

// Local serves fallback reads and writes for agent-tool resources.
type Local interface {
	CaseProvider
	CatalogProvider
}

// Options configures a Facade.
type Options struct {
	// Local is the fallback provider. Nil disables fallback.
	Local        Local
	Policy       Policy
	AuditTimeout time.Duration
}

// Facade validates input, routes calls and records audit events.
type Facade struct {
	remote       Remote
	cases        CaseProvider
	catalog      CatalogProvider
	auditTimeout time.Duration
	pending      sync.WaitGroup
}

// New builds a facade over remote.
func New(remote Remote, opts Options) *Facade {
	timeout := opts.AuditTimeout
	if timeout <= 0 {
		timeout = DefaultAuditTimeout
	}
	f := &Facade{remote: remote, auditTimeout: timeout}
	var secCases CaseProvider
	var secCatalog CatalogProvider
	if opts.Local != nil {
		secCases, secCatalog = opts.Local, opts.Local
	}
	f.cases = &FallbackCases{Primary: remote, Secondary: secCases, Policy: opts.Policy}
	f.catalog = &FallbackCatalog{Primary: remote, Secondary: secCatalog, Enabled: opts.Policy.Catalog}
	return f
}

type actorContextKey struct{}

// WithActor records the acting user id for audit events.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, userID)
}

// ActorFromContext returns the acting user id, or "".
func ActorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(actorContextKey{}).(string)
	return id
}

// Wait blocks until pending audit writes finish.
func (f *Facade) Wait() {
	f.pending.Wait()
}

// audit appends one event in the background. A done ctx records nothing.
func (f *Facade) audit(ctx context.Context, eventType string, details domain.Attrs) {
	if ctx.Err() != nil {
		return
	}
	ev := domain.AuditEvent{
		At:          time.Now().UTC(),
		ActorUserID: ActorFromContext(ctx),
		Type:        eventType,
		Details:     details,
	}
	logger := util.LoggerFromContext(ctx)
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.auditTimeout)
	f.pending.Add(1)
	go func() {
		defer f.pending.Done()
		defer cancel()
		if _, err := f.remote.LogAudit(bg, ev); err != nil {
			logger.Warn("audit write failed", slog.String("type", eventType), slog.String("err", err.Error()))
		}
	}()
}

// finish returns ctx.Err() when the caller gave up, otherwise records the
// audit event for a successful mutation.
func finish[T any](f *Facade, ctx context.Context, v T, err error, eventType string, details func(T) domain.Attrs) (T, error) {
	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if err != nil {
		return zero, err
	}
	var d domain.Attrs
	if details != nil {
		d = details(v)
	}
	f.audit(ctx, eventType, d)
	return v, nil
}

func ready(ctx context.Context, checks ...error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return domain.Required(field)
	}
	return nil
}

func validRole(r domain.Role) error {
	if r != "" && !domain.ValidRole(r) {
		return domain.Invalid("role", "unknown role "+string(r))
	}
	return nil
}

func passwordPolicy(password string) error {
	if err := auth.ValidatePassword(password); err != nil {
		return domain.Invalid("password", err.Error())
	}
	return nil
}

// users

func (f *Facade) Users(ctx context.Context) ([]domain.User, error) {
	if err := ready(ctx); err != nil {
		return nil, err
	}
	return f.remote.Users(ctx)
}

func (f *Facade) CreateUser(ctx context.Context, in NewUser) (domain.User, error) {
	var pw error
	if in.Password != "" {
		pw = passwordPolicy(in.Password)
	}
	if err := ready(ctx, required("email", in.Email), required("name", in.Name), validRole(in.Role), pw); err != nil {
		return domain.User{}, err
	}
	u, err := f.remote.CreateUser(ctx, in)
	return finish(f, ctx, u, err, "user_create", func(u domain.User) domain.Attrs {
		return domain.Attrs{"userId": u.ID, "role": string(u.Role)}
	})
}

func (f *Facade) UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error) {
	var role, pw, email error
	if patch.Role != nil {
		role = validRole(*patch.Role)
	}
	if patch.Password != nil {
		pw = passwordPolicy(*patch.Password)
	}
	if patch.Email != nil {
		email = required("email", *patch.Email)
	}
	if err := ready(ctx, required("id", id), role, pw, email); err != nil {
		return domain.User{}, err
	}
	u, err := f.remote.UpdateUser(ctx, id, patch)
	return finish(f, ctx, u, err, "user_update", func(u domain.User) domain.Attrs {
		return domain.Attrs{"userId": u.ID, "passwordChanged": patch.Password != nil}
	})
}

// Login checks credentials. It does not mutate data and records no audit.
func (f *Facade) Login(ctx context.Context, email, password string) (domain.User, error) {
	if err := ready(ctx, required("email", email), required("password", password)); err != nil {
		return domain.User{}, err
	}
	return f.remote.Login(ctx, email, password)
}

func (f *Facade) Register(ctx context.Context, in Credentials) (domain.User, error) {
	if err := ready(ctx, required("email", in.Email), required("name", in.Name), validRole(in.Role), passwordPolicy(in.Password)); err != nil {
		return domain.User{}, err
	}
	u, err := f.remote.Register(ctx, in)
	return finish(f, ctx, u, err, "user_register", func(u domain.User) domain.Attrs {
		return domain.Attrs{"userId": u.ID, "role": string(u.Role)}
	})
}

// messages

func (f *Facade) Messages(ctx context.Context) ([]domain.Message, error) {
	if err := ready(ctx); err != nil {
		return nil, err
	}
	return f.remote.Messages(ctx)
}

func (f *Facade) MessagesFor(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.Message, error) {
	if err := ready(ctx, required("userId", userID), required("agentId", string(agentID))); err != nil {
		return nil, err
	}
	return f.remote.MessagesFor(ctx, userID, agentID)
}

// SaveMessage stores one chat turn. User turns are audited as chat_message,
// model turns as ai_response with their latency.
func (f *Facade) SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	if err := ready(ctx, localstore.ValidateMessage(m)); err != nil {
		return domain.Message{}, err
	}
	saved, err := f.remote.SaveMessage(ctx, m)
	eventType := "chat_message"
	if m.Role == domain.MessageRoleModel {
		eventType = "ai_response"
	}
	return finish(f, ctx, saved, err, eventType, func(m domain.Message) domain.Attrs {
		d := domain.Attrs{"agentId": string(m.AgentID), "messageId": m.ID}
		if m.Role == domain.MessageRoleModel {
			d["latencyMs"] = float64(m.LatencyMs)
		}
		return d
	})
}

func (f *Facade) ClearMessages(ctx context.Context, userID string, agentID domain.AgentID) (int, error) {
	if err := ready(ctx, required("userId", userID), required("agentId", string(agentID))); err != nil {
		return 0, err
	}
	n, err := f.remote.ClearMessages(ctx, userID, agentID)
	return finish(f, ctx, n, err, "chat_clear", func(n int) domain.Attrs {
		return domain.Attrs{"agentId": string(agentID), "removed": float64(n)}
	})
}

// docs

func (f *Facade) Docs(ctx context.Context) ([]domain.Doc, error) {
	if err := ready(ctx); err != nil {
		return nil, err
	}
	return f.remote.Docs(ctx)
}

func (f *Facade) DocsFor(ctx context.Context, userID string) ([]domain.Doc, error) {
	if err := ready(ctx, required("userId", userID)); err != nil {
		return nil, err
	}
	return f.remote.DocsFor(ctx, userID)
}

func (f *Facade) CreateDoc(ctx context.Context, d domain.Doc) (domain.Doc, error) {
	if err := ready(ctx, required("userId", d.UserID), required("title", d.Title)); err != nil {
		return domain.Doc{}, err
	}
	created, err := f.remote.CreateDoc(ctx, d)
	return finish(f, ctx, created, err, "doc_create", func(d domain.Doc) domain.Attrs {
		return domain.Attrs{"docId": d.ID, "chars": float64(len([]rune(d.Content)))}
	})
}

func (f *Facade) UpdateDoc(ctx context.Context, id string, patch domain.DocPatch) (domain.Doc, error) {
	var title error
	if patch.Title != nil {
		title = required("title", *patch.Title)
	}
	if err := ready(ctx, required("id", id), title); err != nil {
		return domain.Doc{}, err
	}
	updated, err := f.remote.UpdateDoc(ctx, id, patch)
	return finish(f, ctx, updated, err, "doc_update", func(d domain.Doc) domain.Attrs {
		return domain.Attrs{"docId": d.ID}
	})
}

func (f *Facade) RemoveDoc(ctx context.Context, id string) error {
	if err := ready(ctx, required("id", id)); err != nil {
		return err
	}
	_, err := finish(f, ctx, struct{}{}, f.remote.RemoveDoc(ctx, id), "doc_remove", func(struct{}) domain.Attrs {
		return domain.Attrs{"docId": id}
	})
	return err
}

// notifications

func (f *Facade) Notifications(ctx context.Context) ([]domain.Notification, error) {
	if err := ready(ctx); err != nil {
		return nil, err
	}
	return f.remote.Notifications(ctx)
}

func (f *Facade) NotificationsFor(ctx context.Context, userID string) ([]domain.Notification, error) {
	if err := ready(ctx, required("userId", userID)); err != nil {
		return nil, err
	}
	return f.remote.NotificationsFor(ctx, userID)
}

func (f *Facade) CountUnread(ctx context.Context, userID string) (int, error) {
	if err := ready(ctx, required("userId", userID)); err != nil {
		return 0, err
	}
	return f.remote.CountUnread(ctx, userID)
}

func (f *Facade) MarkRead(ctx context.Context, id string) error {
	if err := ready(ctx, required("id", id)); err != nil {
		return err
	}
	_, err := finish(f, ctx, struct{}{}, f.remote.MarkRead(ctx, id), "notification_read", func(struct{}) domain.Attrs {
		return domain.Attrs{"notificationId": id}
	})
	return err
}

func validSeverity(s domain.Severity) error {
	if s != "" && !domain.ValidSeverity(s) {
		return domain.Invalid("severity", "unknown severity "+string(s))
	}
	return nil
}

func (f *Facade) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if err := ready(ctx, required("userId", n.UserID), required("title", n.Title), required("message", n.Message), validSeverity(n.Severity)); err != nil {
		return domain.Notification{}, err
	}
	created, err := f.remote.CreateNotification(ctx, n)
	return finish(f, ctx, created, err, "notification_create", func(n domain.Notification) domain.Attrs {
		return domain.Attrs{"notificationId": n.ID, "userId": n.UserID}
	})
}

func (f *Facade) Broadcast(ctx context.Context, title, message string, opts domain.BroadcastOptions) ([]domain.Notification, error) {
	if err := ready(ctx, required("title", title), required("message", message), validSeverity(opts.Severity)); err != nil {
		return nil, err
	}
	rows, err := f.remote.Broadcast(ctx, title, message, opts)
	return finish(f, ctx, rows, err, "notification_broadcast", func(rows []domain.Notification) domain.Attrs {
		return domain.Attrs{"recipients": float64(len(rows)), "title": title}
	})
}

// feedback

func (f *Facade) Feedback(ctx context.Context) ([]domain.MessageFeedback, error) {
	if err := ready(ctx); err != nil {
		return nil, err
	}
	return f.remote.Feedback(ctx)
}

func (f *Facade) FeedbackFor(ctx context.Context, messageID string) (domain.MessageFeedback, bool, error) {
	if err := ready(ctx, required("messageId", messageID)); err != nil {
		return domain.MessageFeedback{}, false, err
	}
	return f.remote.FeedbackFor(ctx, messageID)
}

func (f *Facade) UpsertFeedback(ctx context.Context, fb domain.MessageFeedback) (domain.MessageFeedback, error) {
	if err := ready(ctx, localstore.ValidateFeedback(fb)); err != nil {
		return domain.MessageFeedback{}, err
	}
	saved, err := f.remote.UpsertFeedback(ctx, fb)
	return finish(f, ctx, saved, err, "feedback", func(fb domain.MessageFeedback) domain.Attrs {
		return domain.Attrs{"messageId": fb.MessageID, "agentId": string(fb.AgentID), "rating": float64(fb.Rating)}
	})
}

// audit

func (f *Facade) AuditLog(ctx context.Context) ([]domain.AuditEvent, error) {
	if err := ready(ctx); err != nil {
		return nil, err
	}
	return f.remote.AuditLog(ctx)
}

// LogAudit writes an event synchronously. It is the audit sink itself and is
// not audited again.
func (f *Facade) LogAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	if err := ready(ctx, required("type", ev.Type), ev.Details.Validate()); err != nil {
		return domain.AuditEvent{}, err
	}
	if ev.ActorUserID == "" {
		ev.ActorUserID = ActorFromContext(ctx)
	}
	return f.remote.LogAudit(ctx, ev)
}

// ClearAudit empties the log, then records who cleared it.
func (f *Facade) ClearAudit(ctx context.Context) error {
	if err := ready(ctx); err != nil {
		return err
	}
	_, err := finish(f, ctx, struct{}{}, f.remote.ClearAudit(ctx), "audit_clear", nil)
	return err
}

// backup

func (f *Facade) ExportAll(ctx context.Context) (backup.Bundle, error) {
	if err := ready(ctx); err != nil {
		return backup.Bundle{}, err
	}
	return f.remote.ExportAll(ctx)
}

func (f *Facade) ImportAll(ctx context.Context, b backup.Bundle, mode backup.Mode) error {
	parsed, modeErr := backup.ParseMode(string(mode))
	if err := ready(ctx, b.Validate(), modeErr); err != nil {
		return err
	}
	_, err := finish(f, ctx, struct{}{}, f.remote.ImportAll(ctx, b, parsed), "backup_import", func(struct{}) domain.Attrs {
		return domain.Attrs{"mode": string(parsed), "version": float64(b.Version)}
	})
	return err
}

// agent tools

func (f *Facade) Cases(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.WorkflowCase, error) {
	if err := ready(ctx, required("userId", userID), required("agentId", string(agentID))); err != nil {
		return nil, err
	}
	return f.cases.Cases(ctx, userID, agentID)
}

func (f *Facade) Case(ctx context.Context, id string) (domain.WorkflowCase, error) {
	if err := ready(ctx, required("id", id)); err != nil {
		return domain.WorkflowCase{}, err
	}
	return f.cases.Case(ctx, id)
}

func (f *Facade) CreateCase(ctx context.Context, c domain.WorkflowCase) (domain.WorkflowCase, error) {
	if err := ready(ctx, localstore.ValidateCase(c)); err != nil {
		return domain.WorkflowCase{}, err
	}
	created, err := f.cases.CreateCase(ctx, c)
	return finish(f, ctx, created, err, "case_create", func(c domain.WorkflowCase) domain.Attrs {
		return domain.Attrs{"caseId": c.ID, "caseType": c.CaseType, "agentId": string(c.AgentID)}
	})
}

func (f *Facade) UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.WorkflowCase, error) {
	if err := ready(ctx, required("id", id), localstore.ValidateCasePatch(patch)); err != nil {
		return domain.WorkflowCase{}, err
	}
	updated, err := f.cases.UpdateCase(ctx, id, patch)
	return finish(f, ctx, updated, err, "case_update", func(c domain.WorkflowCase) domain.Attrs {
		return domain.Attrs{"caseId": c.ID, "status": string(c.Status)}
	})
}

func (f *Facade) CaseMessages(ctx context.Context, caseID string) ([]domain.CaseMessage, error) {
	if err := ready(ctx, required("caseId", caseID)); err != nil {
		return nil, err
	}
	return f.cases.CaseMessages(ctx, caseID)
}

func (f *Facade) AddCaseMessage(ctx context.Context, m domain.CaseMessage) (domain.CaseMessage, error) {
	if err := ready(ctx, localstore.ValidateCaseMessage(m)); err != nil {
		return domain.CaseMessage{}, err
	}
	created, err := f.cases.AddCaseMessage(ctx, m)
	return finish(f, ctx, created, err, "case_message", func(m domain.CaseMessage) domain.Attrs {
		return domain.Attrs{"caseId": m.CaseID, "messageId": m.ID}
	})
}

func (f *Facade) UiItems(ctx context.Context, agentID domain.AgentID, kind domain.UiItemKind, groupKey string) ([]domain.UiItem, error) {
	var kindErr error
	if kind != "" && !domain.ValidUiItemKind(kind) {
		kindErr = domain.Invalid("kind", "unknown kind "+string(kind))
	}
	if err := ready(ctx, required("agentId", string(agentID)), required("kind", string(kind)), kindErr); err != nil {
		return nil, err
	}
	return f.catalog.UiItems(ctx, agentID, kind, groupKey)
}

var _ Remote = (*RemoteClient)(nil)
var _ Local = (*localstore.Store)(nil)
