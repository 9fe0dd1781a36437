package app

import (
	"context"
	"strings"

	"bolashakai/pkg/analytics"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/domain"
)

func (a *App) Dashboard(ctx context.Context) (analytics.Dashboard, error) {
	return analytics.Load(ctx, a.data)
}

// Users lists every account without credentials.
func (a *App) Users(ctx context.Context) ([]domain.User, error) {
	users, err := a.data.Users(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i] = users[i].Public()
	}
	return users, nil
}

// SetUserRole changes a role and ends the user's open sessions so the new
// role takes effect on next login.
func (a *App) SetUserRole(ctx context.Context, admin Principal, id string, role domain.Role) (domain.User, error) {
	if id == admin.UserID {
		return domain.User{}, domain.Invalid("id", "admins cannot change their own role")
	}
	u, err := a.data.UpdateUser(ctx, id, domain.UserPatch{Role: &role})
	if err != nil {
		return domain.User{}, err
	}
	if err := a.sessions.RevokeUser(ctx, id); err != nil {
		return domain.User{}, err
	}
	return u.Public(), nil
}

// BroadcastInput is one notification fanned out to every user.
type BroadcastInput struct {
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	Severity domain.Severity `json:"severity,omitempty"`
	Link     string          `json:"link,omitempty"`
}

func (a *App) Broadcast(ctx context.Context, admin Principal, in BroadcastInput) ([]domain.Notification, error) {
	title, message := strings.TrimSpace(in.Title), strings.TrimSpace(in.Message)
	if title == "" {
		return nil, domain.Required("title")
	}
	if message == "" {
		return nil, domain.Required("message")
	}
	return a.data.Broadcast(ctx, title, message, domain.BroadcastOptions{
		Severity:  in.Severity,
		CreatedBy: admin.UserID,
		Link:      strings.TrimSpace(in.Link),
	})
}

func (a *App) AuditLog(ctx context.Context) ([]domain.AuditEvent, error) {
	return a.data.AuditLog(ctx)
}

func (a *App) ClearAudit(ctx context.Context) error {
	return a.data.ClearAudit(ctx)
}

func (a *App) Export(ctx context.Context) (backup.Bundle, error) {
	return a.data.ExportAll(ctx)
}

func (a *App) Import(ctx context.Context, b backup.Bundle, mode backup.Mode) error {
	return a.data.ImportAll(ctx, b, mode)
}

// ArchivedBackup describes a bundle stored in object storage.
type ArchivedBackup struct {
	Key string `json:"key"`
	URL string `json:"url,omitempty"`
}

// ArchiveBackup exports the data and stores the bundle in object storage.
func (a *App) ArchiveBackup(ctx context.Context) (ArchivedBackup, error) {
	if a.archive == nil {
		return ArchivedBackup{}, ErrArchiveDisabled
	}
	b, err := a.data.ExportAll(ctx)
	if err != nil {
		return ArchivedBackup{}, err
	}
	key, err := a.archive.Save(ctx, b)
	if err != nil {
		return ArchivedBackup{}, err
	}
	url, err := a.archive.DownloadURL(ctx, key)
	if err != nil {
		return ArchivedBackup{}, err
	}
	return ArchivedBackup{Key: key, URL: url}, nil
}

func (a *App) ArchivedBackups(ctx context.Context) ([]string, error) {
	if a.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return a.archive.List(ctx)
}

func (a *App) ArchivedBackupURL(ctx context.Context, key string) (ArchivedBackup, error) {
	if a.archive == nil {
		return ArchivedBackup{}, ErrArchiveDisabled
	}
	url, err := a.archive.DownloadURL(ctx, key)
	if err != nil {
		return ArchivedBackup{}, err
	}
	return ArchivedBackup{Key: key, URL: url}, nil
}

// RestoreArchivedBackup imports an archived bundle.
func (a *App) RestoreArchivedBackup(ctx context.Context, key string, mode backup.Mode) error {
	if a.archive == nil {
		return ErrArchiveDisabled
	}
	b, err := a.archive.Load(ctx, key)
	if err != nil {
		return err
	}
	return a.data.ImportAll(ctx, b, mode)
}
