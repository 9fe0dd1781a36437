package localstore

import (
	"context"

	"bolashakai/pkg/backup"
	"bolashakai/pkg/domain"
)

// Feedback returns every feedback row.
func (s *Store) Feedback(ctx context.Context) ([]domain.MessageFeedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return load[domain.MessageFeedback](ctx, s.kv, keyFeedback)
}

// FeedbackFor returns the feedback for one message.
func (s *Store) FeedbackFor(ctx context.Context, messageID string) (domain.MessageFeedback, bool, error) {
	rows, err := s.Feedback(ctx)
	if err != nil {
		return domain.MessageFeedback{}, false, err
	}
	for _, fb := range rows {
		if fb.MessageID == messageID {
			return fb, true, nil
		}
	}
	return domain.MessageFeedback{}, false, nil
}

// UpsertFeedback replaces any row for the same message with fb.
func (s *Store) UpsertFeedback(ctx context.Context, fb domain.MessageFeedback) (domain.MessageFeedback, error) {
	if err := ValidateFeedback(fb); err != nil {
		return domain.MessageFeedback{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.MessageFeedback](ctx, s.kv, keyFeedback)
	if err != nil {
		return domain.MessageFeedback{}, err
	}
	if fb.ID == "" {
		fb.ID = s.newID("f_")
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now().UTC()
	}
	rows = backup.UpsertFeedback(rows, fb)
	if err := save(ctx, s.kv, keyFeedback, rows); err != nil {
		return domain.MessageFeedback{}, err
	}
	return fb, nil
}

// ValidateFeedback checks required fields and the +1/-1 rating.
func ValidateFeedback(fb domain.MessageFeedback) error {
	switch {
	case fb.MessageID == "":
		return domain.Required("messageId")
	case fb.UserID == "":
		return domain.Required("userId")
	case fb.AgentID == "":
		return domain.Required("agentId")
	case fb.Rating != 1 && fb.Rating != -1:
		return domain.Invalid("rating", "rating must be 1 or -1")
	}
	return nil
}
