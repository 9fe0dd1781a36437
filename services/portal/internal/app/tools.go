package app

import (
	"context"
	"io"
	"strings"

	"bolashakai/pkg/docimport"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/jobs"
)

// docs

func (a *App) Docs(ctx context.Context, p Principal) ([]domain.Doc, error) {
	return a.data.DocsFor(ctx, p.UserID)
}

func (a *App) CreateDoc(ctx context.Context, p Principal, title, content string) (domain.Doc, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Doc{}, domain.Required("title")
	}
	return a.data.CreateDoc(ctx, domain.Doc{
		UserID:    p.UserID,
		Title:     title,
		Content:   content,
		CreatedAt: a.now().UTC(),
	})
}

// ImportDoc extracts text from an uploaded file and stores it as a doc. An
// empty title falls back to the file name.
func (a *App) ImportDoc(ctx context.Context, p Principal, filename, title string, r io.Reader) (domain.Doc, error) {
	extracted, err := docimport.Extract(filename, r)
	if err != nil {
		return domain.Doc{}, err
	}
	if strings.TrimSpace(title) == "" {
		title = extracted.Title
	}
	return a.CreateDoc(ctx, p, title, extracted.Content)
}

func (a *App) UpdateDoc(ctx context.Context, p Principal, id string, patch domain.DocPatch) (domain.Doc, error) {
	if err := a.ownDoc(ctx, p, id); err != nil {
		return domain.Doc{}, err
	}
	return a.data.UpdateDoc(ctx, id, patch)
}

func (a *App) RemoveDoc(ctx context.Context, p Principal, id string) error {
	if err := a.ownDoc(ctx, p, id); err != nil {
		return err
	}
	return a.data.RemoveDoc(ctx, id)
}

// ownDoc reports other users' docs as missing.
// Admins may manage every doc.
func (a *App) ownDoc(ctx context.Context, p Principal, id string) error {
	var docs []domain.Doc
	var err error
	if p.IsAdmin() {
		docs, err = a.data.Docs(ctx)
	} else {
		docs, err = a.data.DocsFor(ctx, p.UserID)
	}
	if err != nil {
		return err
	}
	for _, d := range docs {
		if d.ID == id {
			return nil
		}
	}
	return &domain.NotFoundError{Resource: "doc", ID: id}
}

// notifications

func (a *App) Notifications(ctx context.Context, p Principal) ([]domain.Notification, error) {
	return a.data.NotificationsFor(ctx, p.UserID)
}

func (a *App) UnreadCount(ctx context.Context, p Principal) (int, error) {
	return a.data.CountUnread(ctx, p.UserID)
}

func (a *App) MarkRead(ctx context.Context, p Principal, id string) error {
	rows, err := a.data.NotificationsFor(ctx, p.UserID)
	if err != nil {
		return err
	}
	for _, n := range rows {
		if n.ID == id {
			return a.data.MarkRead(ctx, id)
		}
	}
	return &domain.NotFoundError{Resource: "notification", ID: id}
}

// cases

// NewCase opens a workflow case for the caller.
type NewCase struct {
	AgentID  domain.AgentID `json:"agentId"`
	CaseType string         `json:"caseType"`
	Title    string         `json:"title,omitempty"`
	Payload  domain.Attrs   `json:"payload,omitempty"`
}

func (a *App) Cases(ctx context.Context, p Principal, agentID domain.AgentID) ([]domain.WorkflowCase, error) {
	if _, err := a.agentFor(p, agentID); err != nil {
		return nil, err
	}
	return a.data.Cases(ctx, p.UserID, agentID)
}

func (a *App) CreateCase(ctx context.Context, p Principal, in NewCase) (domain.WorkflowCase, error) {
	if _, err := a.agentFor(p, in.AgentID); err != nil {
		return domain.WorkflowCase{}, err
	}
	now := a.now().UTC()
	return a.data.CreateCase(ctx, domain.WorkflowCase{
		UserID:    p.UserID,
		AgentID:   in.AgentID,
		CaseType:  strings.TrimSpace(in.CaseType),
		Title:     strings.TrimSpace(in.Title),
		Status:    domain.CaseOpen,
		Payload:   in.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// UpdateCase changes a case. Only admins may move the status.
func (a *App) UpdateCase(ctx context.Context, p Principal, id string, patch domain.CasePatch) (domain.WorkflowCase, error) {
	if !p.IsAdmin() {
		if patch.Status != nil && *patch.Status != domain.CaseClosed {
			return domain.WorkflowCase{}, ErrForbidden
		}
		if err := a.ownCase(ctx, p, id); err != nil {
			return domain.WorkflowCase{}, err
		}
	}
	return a.data.UpdateCase(ctx, id, patch)
}

func (a *App) CaseMessages(ctx context.Context, p Principal, caseID string) ([]domain.CaseMessage, error) {
	if !p.IsAdmin() {
		if err := a.ownCase(ctx, p, caseID); err != nil {
			return nil, err
		}
	}
	return a.data.CaseMessages(ctx, caseID)
}

func (a *App) PostCaseMessage(ctx context.Context, p Principal, caseID, text string) (domain.CaseMessage, error) {
	role := domain.AuthorAdmin
	if !p.IsAdmin() {
		if err := a.ownCase(ctx, p, caseID); err != nil {
			return domain.CaseMessage{}, err
		}
		role = domain.AuthorUser
	}
	return a.data.AddCaseMessage(ctx, domain.CaseMessage{
		CaseID:       caseID,
		AuthorUserID: p.UserID,
		AuthorRole:   role,
		Message:      strings.TrimSpace(text),
		CreatedAt:    a.now().UTC(),
	})
}

// ownCase reports a foreign case as missing.
func (a *App) ownCase(ctx context.Context, p Principal, id string) error {
	c, err := a.data.Case(ctx, id)
	if err != nil {
		return err
	}
	if c.UserID != p.UserID {
		return &domain.NotFoundError{Resource: "case", ID: id}
	}
	return nil
}

// catalog

func (a *App) UiItems(ctx context.Context, agentID domain.AgentID, kind domain.UiItemKind, groupKey string) ([]domain.UiItem, error) {
	if !domain.ValidAgentID(agentID) {
		return nil, ErrUnknownAgent
	}
	return a.data.UiItems(ctx, agentID, kind, groupKey)
}

// jobs

func (a *App) SearchJobs(ctx context.Context, q jobs.Query) (jobs.Result, error) {
	return a.jobs.Search(ctx, q)
}
