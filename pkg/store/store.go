package store

import (
	"context"
	"sort"
	"time"

	"bolashakai/pkg/backup"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/localstore"
)

// Store defines persistence operations behind the data API.
type Store interface {
	// users
	Users(ctx context.Context) ([]domain.User, error)
	UserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	UserByID(ctx context.Context, id string) (domain.User, bool, error)
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error)

	// messages
	Messages(ctx context.Context) ([]domain.Message, error)
	MessagesFor(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.Message, error)
	SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	ClearMessages(ctx context.Context, userID string, agentID domain.AgentID) (int, error)

	// notifications
	Notifications(ctx context.Context) ([]domain.Notification, error)
	NotificationsFor(ctx context.Context, userID string) ([]domain.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id string) error
	CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
	Broadcast(ctx context.Context, title, message string, opts domain.BroadcastOptions) ([]domain.Notification, error)

	// docs
	Docs(ctx context.Context) ([]domain.Doc, error)
	DocsFor(ctx context.Context, userID string) ([]domain.Doc, error)
	CreateDoc(ctx context.Context, d domain.Doc) (domain.Doc, error)
	UpdateDoc(ctx context.Context, id string, patch domain.DocPatch) (domain.Doc, error)
	RemoveDoc(ctx context.Context, id string) error

	// feedback
	Feedback(ctx context.Context) ([]domain.MessageFeedback, error)
	FeedbackFor(ctx context.Context, messageID string) (domain.MessageFeedback, bool, error)
	UpsertFeedback(ctx context.Context, fb domain.MessageFeedback) (domain.MessageFeedback, error)

	// audit
	AuditLog(ctx context.Context) ([]domain.AuditEvent, error)
	LogAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error)
	ClearAudit(ctx context.Context) error

	// agent tools
	Cases(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.WorkflowCase, error)
	Case(ctx context.Context, id string) (domain.WorkflowCase, error)
	CreateCase(ctx context.Context, c domain.WorkflowCase) (domain.WorkflowCase, error)
	UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.WorkflowCase, error)
	CaseMessages(ctx context.Context, caseID string) ([]domain.CaseMessage, error)
	AddCaseMessage(ctx context.Context, m domain.CaseMessage) (domain.CaseMessage, error)
	UiItems(ctx context.Context, agentID domain.AgentID, kind domain.UiItemKind, groupKey string) ([]domain.UiItem, error)
	PutUiItems(ctx context.Context, items []domain.UiItem) error

	// backup
	ExportAll(ctx context.Context) (backup.Bundle, error)
	ImportAll(ctx context.Context, b backup.Bundle, mode backup.Mode) error
}

// AuditListLimit caps audit listings.
const AuditListLimit = 500

// MemoryStore keeps the remote schema in-process for tests and local runs.
type MemoryStore struct {
	*localstore.Store
}

// NewMemoryStore builds a seeded in-memory store, catalog included.
func NewMemoryStore(opts localstore.Options) (*MemoryStore, error) {
	if opts.IDPrefix == "" {
		opts.IDPrefix = "mem_"
	}
	ls := localstore.New(localstore.NewMemoryKV(), opts)
	ctx := context.Background()
	if err := ls.Init(ctx); err != nil {
		return nil, err
	}
	if err := ls.PutUiItems(ctx, domain.CatalogSeed(time.Now().UTC())); err != nil {
		return nil, err
	}
	return &MemoryStore{Store: ls}, nil
}

// Messages returns every message, newest first.
func (m *MemoryStore) Messages(ctx context.Context) ([]domain.Message, error) {
	rows, err := m.Store.Messages(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.After(rows[j].Timestamp) })
	return rows, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*GormStore)(nil)
