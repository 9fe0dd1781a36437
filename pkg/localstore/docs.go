package localstore

import (
	"context"
	"sort"
	"strings"

	"bolashakai/pkg/domain"
)

// Docs returns every doc, newest first.
func (s *Store) Docs(ctx context.Context) ([]domain.Doc, error) {
	s.mu.Lock()
	rows, err := load[domain.Doc](ctx, s.kv, keyDocs)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return rows, nil
}

// DocsFor returns one user's docs, newest first.
func (s *Store) DocsFor(ctx context.Context, userID string) ([]domain.Doc, error) {
	all, err := s.Docs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Doc, 0)
	for _, d := range all {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

// CreateDoc appends a doc.
func (s *Store) CreateDoc(ctx context.Context, d domain.Doc) (domain.Doc, error) {
	if d.UserID == "" {
		return domain.Doc{}, domain.Required("userId")
	}
	if strings.TrimSpace(d.Title) == "" {
		return domain.Doc{}, domain.Required("title")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.Doc](ctx, s.kv, keyDocs)
	if err != nil {
		return domain.Doc{}, err
	}
	if d.ID == "" {
		d.ID = s.newID("d_")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	rows = append(rows, d)
	if err := save(ctx, s.kv, keyDocs, rows); err != nil {
		return domain.Doc{}, err
	}
	return d, nil
}

// UpdateDoc merges the patch and stamps updatedAt.
func (s *Store) UpdateDoc(ctx context.Context, id string, patch domain.DocPatch) (domain.Doc, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return domain.Doc{}, domain.Required("title")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.Doc](ctx, s.kv, keyDocs)
	if err != nil {
		return domain.Doc{}, err
	}
	for i := range rows {
		if rows[i].ID != id {
			continue
		}
		if patch.Title != nil {
			rows[i].Title = *patch.Title
		}
		if patch.Content != nil {
			rows[i].Content = *patch.Content
		}
		now := s.now().UTC()
		rows[i].UpdatedAt = &now
		if err := save(ctx, s.kv, keyDocs, rows); err != nil {
			return domain.Doc{}, err
		}
		return rows[i], nil
	}
	return domain.Doc{}, &domain.NotFoundError{Resource: "doc", ID: id}
}

// RemoveDoc deletes a doc by id.
func (s *Store) RemoveDoc(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := load[domain.Doc](ctx, s.kv, keyDocs)
	if err != nil {
		return err
	}
	kept := rows[:0]
	for _, d := range rows {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	if len(kept) == len(rows) {
		return &domain.NotFoundError{Resource: "doc", ID: id}
	}
	return save(ctx, s.kv, keyDocs, kept)
}
