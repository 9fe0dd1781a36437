package localstore

import (
	"context"
	"strings"

	"bolashakai/pkg/domain"
)

// AuditLog returns events newest first.
func (s *Store) AuditLog(ctx context.Context) ([]domain.AuditEvent, error) {
	s.mu.Lock()
	rows, err := load[domain.AuditEvent](ctx, s.kv, keyAudit)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// LogAudit appends an event and drops the oldest beyond MaxAuditEntries.
func (s *Store) LogAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	if strings.TrimSpace(ev.Type) == "" {
		return domain.AuditEvent{}, domain.Required("type")
	}
	if err := ev.Details.Validate(); err != nil {
		return domain.AuditEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.AuditEvent](ctx, s.kv, keyAudit)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	if ev.ID == "" {
		ev.ID = s.newID("a_")
	}
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	rows = append(rows, ev)
	if len(rows) > MaxAuditEntries {
		rows = rows[len(rows)-MaxAuditEntries:]
	}
	if err := save(ctx, s.kv, keyAudit, rows); err != nil {
		return domain.AuditEvent{}, err
	}
	return ev, nil
}

// ClearAudit empties the audit log.
func (s *Store) ClearAudit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return save(ctx, s.kv, keyAudit, []domain.AuditEvent{})
}
