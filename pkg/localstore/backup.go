package localstore

import (
	"context"

	"bolashakai/pkg/backup"
	"bolashakai/pkg/domain"
)

// ExportAll snapshots the covered tables in storage order.
func (s *Store) ExportAll(ctx context.Context) (backup.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tablesLocked(ctx)
	if err != nil {
		return backup.Bundle{}, err
	}
	return backup.New(t, s.now()), nil
}

// ImportAll validates the bundle and then applies it. An invalid bundle
// leaves the store untouched.
func (s *Store) ImportAll(ctx context.Context, b backup.Bundle, mode backup.Mode) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if mode != backup.ModeReplace && mode != backup.ModeMerge {
		return domain.Invalid("mode", "unsupported import mode "+string(mode))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.tablesLocked(ctx)
	if err != nil {
		return err
	}
	// The audit cap applies on LogAudit, not here, so a merge never drops rows.
	next := backup.Apply(current, *b.Tables, mode)
	writes := []struct {
		table string
		write func() error
	}{
		{backup.TableUsers, func() error { return save(ctx, s.kv, keyUsers, next.Users) }},
		{backup.TableMessages, func() error { return save(ctx, s.kv, keyMessages, next.Messages) }},
		{backup.TableNotifications, func() error { return save(ctx, s.kv, keyNotifications, next.Notifications) }},
		{backup.TableDocs, func() error { return save(ctx, s.kv, keyDocs, next.Docs) }},
		{backup.TableFeedback, func() error { return save(ctx, s.kv, keyFeedback, next.Feedback) }},
		{backup.TableAudit, func() error { return save(ctx, s.kv, keyAudit, next.Audit) }},
	}
	for _, w := range writes {
		if !b.Tables.Has(w.table) {
			continue
		}
		if err := w.write(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) tablesLocked(ctx context.Context) (backup.Tables, error) {
	var (
		t   backup.Tables
		err error
	)
	if t.Users, err = s.usersLocked(ctx); err != nil {
		return t, err
	}
	if t.Messages, err = load[domain.Message](ctx, s.kv, keyMessages); err != nil {
		return t, err
	}
	if t.Notifications, err = load[domain.Notification](ctx, s.kv, keyNotifications); err != nil {
		return t, err
	}
	if t.Docs, err = load[domain.Doc](ctx, s.kv, keyDocs); err != nil {
		return t, err
	}
	if t.Feedback, err = load[domain.MessageFeedback](ctx, s.kv, keyFeedback); err != nil {
		return t, err
	}
	if t.Audit, err = load[domain.AuditEvent](ctx, s.kv, keyAudit); err != nil {
		return t, err
	}
	return backup.FullTables(t), nil
}
