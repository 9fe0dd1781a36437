package localstore

import (
	"context"
	"sort"
	"strings"

	"bolashakai/pkg/domain"
)

// Cases returns a user's cases for one agent, newest first, capped at 100.
func (s *Store) Cases(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.WorkflowCase, error) {
	s.mu.Lock()
	rows, err := load[domain.WorkflowCase](ctx, s.kv, keyCases)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]domain.WorkflowCase, 0)
	for _, c := range rows {
		if c.UserID == userID && c.AgentID == agentID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > maxCases {
		out = out[:maxCases]
	}
	return out, nil
}

// Case returns one case by id.
func (s *Store) Case(ctx context.Context, id string) (domain.WorkflowCase, error) {
	s.mu.Lock()
	rows, err := load[domain.WorkflowCase](ctx, s.kv, keyCases)
	s.mu.Unlock()
	if err != nil {
		return domain.WorkflowCase{}, err
	}
	for _, c := range rows {
		if c.ID == id {
			return c, nil
		}
	}
	return domain.WorkflowCase{}, &domain.NotFoundError{Resource: "case", ID: id}
}

// CreateCase opens a case.
func (s *Store) CreateCase(ctx context.Context, c domain.WorkflowCase) (domain.WorkflowCase, error) {
	if err := ValidateCase(c); err != nil {
		return domain.WorkflowCase{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.WorkflowCase](ctx, s.kv, keyCases)
	if err != nil {
		return domain.WorkflowCase{}, err
	}
	now := s.now().UTC()
	if c.ID == "" {
		c.ID = s.newID("c_")
	}
	if c.Status == "" {
		c.Status = domain.CaseOpen
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	rows = append(rows, c)
	if err := save(ctx, s.kv, keyCases, rows); err != nil {
		return domain.WorkflowCase{}, err
	}
	return c, nil
}

// UpdateCase merges status, title and payload and stamps updatedAt.
func (s *Store) UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.WorkflowCase, error) {
	if err := ValidateCasePatch(patch); err != nil {
		return domain.WorkflowCase{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.WorkflowCase](ctx, s.kv, keyCases)
	if err != nil {
		return domain.WorkflowCase{}, err
	}
	for i := range rows {
		if rows[i].ID != id {
			continue
		}
		if patch.Status != nil {
			rows[i].Status = *patch.Status
		}
		if patch.Title != nil {
			rows[i].Title = *patch.Title
		}
		if patch.Payload != nil {
			rows[i].Payload = patch.Payload.Clone()
		}
		rows[i].UpdatedAt = s.now().UTC()
		if err := save(ctx, s.kv, keyCases, rows); err != nil {
			return domain.WorkflowCase{}, err
		}
		return rows[i], nil
	}
	return domain.WorkflowCase{}, &domain.NotFoundError{Resource: "case", ID: id}
}

// CaseMessages returns a case thread oldest first, capped at 500.
func (s *Store) CaseMessages(ctx context.Context, caseID string) ([]domain.CaseMessage, error) {
	s.mu.Lock()
	rows, err := load[domain.CaseMessage](ctx, s.kv, keyCaseMessages)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]domain.CaseMessage, 0)
	for _, m := range rows {
		if m.CaseID == caseID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > maxCaseMessages {
		out = out[:maxCaseMessages]
	}
	return out, nil
}

// AddCaseMessage appends to a case thread.
func (s *Store) AddCaseMessage(ctx context.Context, m domain.CaseMessage) (domain.CaseMessage, error) {
	if err := ValidateCaseMessage(m); err != nil {
		return domain.CaseMessage{}, err
	}
	if m.AuthorRole != domain.AuthorAdmin {
		m.AuthorRole = domain.AuthorUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.CaseMessage](ctx, s.kv, keyCaseMessages)
	if err != nil {
		return domain.CaseMessage{}, err
	}
	if m.ID == "" {
		m.ID = s.newID("cm_")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	rows = append(rows, m)
	if err := save(ctx, s.kv, keyCaseMessages, rows); err != nil {
		return domain.CaseMessage{}, err
	}
	return m, nil
}

// UiItems returns catalog items for agent and kind, and group when set,
// ordered by sort then title.
func (s *Store) UiItems(ctx context.Context, agentID domain.AgentID, kind domain.UiItemKind, groupKey string) ([]domain.UiItem, error) {
	s.mu.Lock()
	rows, err := load[domain.UiItem](ctx, s.kv, keyUiItems)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return domain.FilterUiItems(rows, agentID, kind, groupKey), nil
}

// PutUiItems upserts catalog items by id.
func (s *Store) PutUiItems(ctx context.Context, items []domain.UiItem) error {
	for _, it := range items {
		if err := it.Meta.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.UiItem](ctx, s.kv, keyUiItems)
	if err != nil {
		return err
	}
	index := make(map[string]int, len(rows))
	for i, r := range rows {
		index[r.ID] = i
	}
	for _, it := range items {
		if i, ok := index[it.ID]; ok {
			rows[i] = it
			continue
		}
		index[it.ID] = len(rows)
		rows = append(rows, it)
	}
	return save(ctx, s.kv, keyUiItems, rows)
}

// ValidateCase checks a new case.
func ValidateCase(c domain.WorkflowCase) error {
	switch {
	case c.UserID == "":
		return domain.Required("userId")
	case c.AgentID == "":
		return domain.Required("agentId")
	case strings.TrimSpace(c.CaseType) == "":
		return domain.Required("caseType")
	case c.Status != "" && !domain.ValidCaseStatus(c.Status):
		return domain.Invalid("status", "unknown status "+string(c.Status))
	}
	return c.Payload.Validate()
}

// ValidateCasePatch checks a case update.
func ValidateCasePatch(p domain.CasePatch) error {
	if p.Status != nil && !domain.ValidCaseStatus(*p.Status) {
		return domain.Invalid("status", "unknown status "+string(*p.Status))
	}
	return p.Payload.Validate()
}

// ValidateCaseMessage checks a new case message.
func ValidateCaseMessage(m domain.CaseMessage) error {
	switch {
	case m.CaseID == "":
		return domain.Required("caseId")
	case strings.TrimSpace(m.Message) == "":
		return domain.Required("message")
	}
	return nil
}
