package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"bolashakai/pkg/auth"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/localstore"
)

func newMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(localstore.Options{
		HashPassword: func(pw string) (string, error) { return auth.HashPasswordCost(pw, bcrypt.MinCost) },
	})
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	return s
}

func TestMemoryStoreSeedsCatalog(t *testing.T) {
	s := newMemoryStore(t)
	items, err := s.UiItems(context.Background(), domain.AgentAbitur, domain.KindCategory, "")
	if err != nil {
		t.Fatalf("ui items: %v", err)
	}
	if len(items) != 3 || items[0].Title != "Поступление" {
		t.Fatalf("abitur categories = %+v", items)
	}
	users, _ := s.Users(context.Background())
	if len(users) != 3 {
		t.Fatalf("users = %d, want 3", len(users))
	}
}

func TestMemoryStoreMessagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, text := range []string{"first", "second", "third"} {
		_, err := s.SaveMessage(ctx, domain.Message{
			UserID: "2", AgentID: domain.AgentNav, Role: domain.MessageRoleUser,
			Content: text, Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	all, err := s.Messages(ctx)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if all[0].Content != "third" || all[2].Content != "first" {
		t.Fatalf("messages not newest first: %+v", all)
	}
	conv, _ := s.MessagesFor(ctx, "2", domain.AgentNav)
	if conv[0].Content != "first" {
		t.Fatalf("conversation not oldest first: %+v", conv)
	}
}

func TestModelConversionKeepsFields(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := domain.WorkflowCase{
		ID: "c_1", UserID: "2", AgentID: domain.AgentKadr, CaseType: "certificate",
		Status: domain.CaseOpen, Payload: domain.Attrs{"purpose": "visa", "copies": float64(2)},
		CreatedAt: now, UpdatedAt: now,
	}
	back := caseFromModel(caseToModel(c))
	purpose, _ := back.Payload.String("purpose")
	if purpose != "visa" || back.AgentID != domain.AgentKadr || !back.CreatedAt.Equal(now) {
		t.Fatalf("case round trip = %+v", back)
	}

	ev := domain.AuditEvent{ID: "a_1", Type: "chat_clear", At: now}
	model := auditToModel(ev)
	if model.Details != nil {
		t.Fatalf("nil details must be stored as NULL, got %s", model.Details)
	}
	if got := auditFromModel(model); got.Details != nil {
		t.Fatalf("details = %v, want nil", got.Details)
	}

	d := domain.Doc{ID: "d_1", UserID: "2", Title: "t", CreatedAt: now}
	if got := docFromModel(docToModel(d)); got.UpdatedAt != nil {
		t.Fatalf("untouched doc must not gain updatedAt")
	}
}

func TestImportErrorMapsDuplicateKeyToConflict(t *testing.T) {
	dup := fmt.Errorf("batch insert: %w", gorm.ErrDuplicatedKey)
	cases := []struct {
		name     string
		table    string
		err      error
		conflict bool
		resource string
	}{
		{"user email", backup.TableUsers, dup, true, "user"},
		{"other table", backup.TableDocs, dup, true, backup.TableDocs},
		{"driver failure", backup.TableUsers, errors.New("connection reset"), false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := importError(tc.table, tc.err)
			if domain.IsConflict(got) != tc.conflict {
				t.Fatalf("conflict = %v, want %v (err %v)", domain.IsConflict(got), tc.conflict, got)
			}
			if !tc.conflict {
				if !errors.Is(got, tc.err) || !strings.Contains(got.Error(), tc.table) {
					t.Fatalf("err = %v", got)
				}
				return
			}
			var ce *domain.ConflictError
			if !errors.As(got, &ce) || ce.Resource != tc.resource {
				t.Fatalf("err = %#v", got)
			}
			if status := domain.HTTPStatus(got); status != http.StatusConflict {
				t.Fatalf("status = %d, want 409", status)
			}
		})
	}
}
