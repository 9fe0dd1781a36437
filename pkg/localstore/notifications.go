package localstore

import (
	"context"
	"sort"
	"strings"

	"bolashakai/pkg/domain"
)

func newestNotificationsFirst(rows []domain.Notification) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
}

// Notifications returns every notification, newest first.
func (s *Store) Notifications(ctx context.Context) ([]domain.Notification, error) {
	s.mu.Lock()
	rows, err := load[domain.Notification](ctx, s.kv, keyNotifications)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	newestNotificationsFirst(rows)
	return rows, nil
}

// NotificationsFor returns one user's notifications, newest first.
func (s *Store) NotificationsFor(ctx context.Context, userID string) ([]domain.Notification, error) {
	all, err := s.Notifications(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Notification, 0)
	for _, n := range all {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

// CountUnread counts a user's unread notifications.
func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	rows, err := s.NotificationsFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if !r.IsRead {
			n++
		}
	}
	return n, nil
}

// MarkRead flags one notification as read.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.Notification](ctx, s.kv, keyNotifications)
	if err != nil {
		return err
	}
	for i := range rows {
		if rows[i].ID == id {
			rows[i].IsRead = true
			return save(ctx, s.kv, keyNotifications, rows)
		}
	}
	return &domain.NotFoundError{Resource: "notification", ID: id}
}

// CreateNotification appends one notification.
func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.UserID == "" {
		return domain.Notification{}, domain.Required("userId")
	}
	if strings.TrimSpace(n.Title) == "" {
		return domain.Notification{}, domain.Required("title")
	}
	if strings.TrimSpace(n.Message) == "" {
		return domain.Notification{}, domain.Required("message")
	}
	if n.Severity == "" {
		n.Severity = domain.SeverityInfo
	}
	if !domain.ValidSeverity(n.Severity) {
		return domain.Notification{}, domain.Invalid("severity", "unknown severity "+string(n.Severity))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.Notification](ctx, s.kv, keyNotifications)
	if err != nil {
		return domain.Notification{}, err
	}
	if n.ID == "" {
		n.ID = s.newID("n_")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	rows = append(rows, n)
	if err := save(ctx, s.kv, keyNotifications, rows); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

// Broadcast inserts one notification per current user. Every copy shares
// title, message, severity, createdBy, link and timestamp.
func (s *Store) Broadcast(ctx context.Context, title, message string, opts domain.BroadcastOptions) ([]domain.Notification, error) {
	title, message = strings.TrimSpace(title), strings.TrimSpace(message)
	if title == "" {
		return nil, domain.Required("title")
	}
	if message == "" {
		return nil, domain.Required("message")
	}
	if opts.Severity == "" {
		opts.Severity = domain.SeverityInfo
	}
	if !domain.ValidSeverity(opts.Severity) {
		return nil, domain.Invalid("severity", "unknown severity "+string(opts.Severity))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.usersLocked(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := load[domain.Notification](ctx, s.kv, keyNotifications)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	created := make([]domain.Notification, 0, len(users))
	for _, u := range users {
		created = append(created, domain.Notification{
			ID:        s.newID("n_"),
			UserID:    u.ID,
			Title:     title,
			Message:   message,
			Severity:  opts.Severity,
			Link:      opts.Link,
			CreatedBy: opts.CreatedBy,
			CreatedAt: now,
		})
	}
	rows = append(rows, created...)
	if err := save(ctx, s.kv, keyNotifications, rows); err != nil {
		return nil, err
	}
	return created, nil
}
