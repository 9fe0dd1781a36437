package localstore

import (
	"context"
	"sort"

	"bolashakai/pkg/domain"
)

// Messages returns every message in insertion order.
func (s *Store) Messages(ctx context.Context) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return load[domain.Message](ctx, s.kv, keyMessages)
}

// MessagesFor returns one conversation, oldest first.
func (s *Store) MessagesFor(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.Message, error) {
	all, err := s.Messages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0)
	for _, m := range all {
		if m.UserID == userID && m.AgentID == agentID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SaveMessage appends a chat turn.
func (s *Store) SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	if err := ValidateMessage(m); err != nil {
		return domain.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.Message](ctx, s.kv, keyMessages)
	if err != nil {
		return domain.Message{}, err
	}
	if m.ID == "" {
		m.ID = s.newID("m_")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}
	rows = append(rows, m)
	if err := save(ctx, s.kv, keyMessages, rows); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// ClearMessages removes one conversation and reports how many rows went.
func (s *Store) ClearMessages(ctx context.Context, userID string, agentID domain.AgentID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.Message](ctx, s.kv, keyMessages)
	if err != nil {
		return 0, err
	}
	kept := rows[:0]
	for _, m := range rows {
		if m.UserID == userID && m.AgentID == agentID {
			continue
		}
		kept = append(kept, m)
	}
	removed := len(rows) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, save(ctx, s.kv, keyMessages, kept)
}

// ValidateMessage checks required fields and the role.
func ValidateMessage(m domain.Message) error {
	switch {
	case m.UserID == "":
		return domain.Required("userId")
	case m.AgentID == "":
		return domain.Required("agentId")
	case m.Role != domain.MessageRoleUser && m.Role != domain.MessageRoleModel:
		return domain.Invalid("role", "role must be user or model")
	}
	return nil
}
