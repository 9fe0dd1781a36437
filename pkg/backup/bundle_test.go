package backup

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"bolashakai/pkg/domain"
	"bolashakai/pkg/storage"
)

func sampleTables() Tables {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	return Tables{
		Users:         []domain.User{{ID: "1", Email: "admin@bolashak.kz", Name: "Admin", Role: domain.RoleAdmin, PasswordHash: "h", JoinedAt: now}},
		Messages:      []domain.Message{{ID: "m1", UserID: "1", AgentID: domain.AgentAbitur, Role: domain.MessageRoleModel, Content: "hi", LatencyMs: 120, Timestamp: now}},
		Notifications: []domain.Notification{{ID: "n1", UserID: "1", Title: "t", Message: "m", Severity: domain.SeverityInfo, CreatedAt: now}},
		Docs:          []domain.Doc{{ID: "d1", UserID: "1", Title: "Doc", Content: "body", CreatedAt: now}},
		Feedback:      []domain.MessageFeedback{{ID: "f1", MessageID: "m1", UserID: "1", AgentID: domain.AgentAbitur, Rating: 1, CreatedAt: now}},
		Audit:         []domain.AuditEvent{{ID: "a1", At: now, Type: "feedback", Details: domain.Attrs{"rating": float64(1)}}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := New(sampleTables(), time.Now())
	var buf bytes.Buffer
	if err := Encode(&buf, b); err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, name := range TableNames {
		if !strings.Contains(buf.String(), `"`+name+`"`) {
			t.Fatalf("encoded bundle missing %s", name)
		}
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, name := range TableNames {
		if !got.Tables.Has(name) {
			t.Fatalf("decoded bundle lost %s", name)
		}
	}
	if got.Tables.Users[0].PasswordHash != "h" {
		t.Fatalf("password hash must survive backup")
	}
	if got.Tables.Messages[0].LatencyMs != 120 {
		t.Fatalf("latency = %d", got.Tables.Messages[0].LatencyMs)
	}
	if r, _ := got.Tables.Audit[0].Details.Number("rating"); r != 1 {
		t.Fatalf("audit details lost: %v", got.Tables.Audit[0].Details)
	}
}

func TestDecodeRejectsInvalidBundles(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "wrong version", body: `{"version":2,"exportedAt":"2025-01-01T00:00:00Z","tables":{}}`},
		{name: "missing version", body: `{"tables":{}}`},
		{name: "missing tables", body: `{"version":1,"exportedAt":"2025-01-01T00:00:00Z"}`},
		{name: "null tables", body: `{"version":1,"tables":null}`},
		{name: "garbage", body: `not json`},
		{name: "bad rows", body: `{"version":1,"tables":{"tbl_users":{"id":1}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBytes([]byte(tt.body))
			if !domain.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDecodeTracksPresentTables(t *testing.T) {
	b, err := DecodeBytes([]byte(`{"version":1,"tables":{"tbl_docs":[],"tbl_custom":[1]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !b.Tables.Has(TableDocs) {
		t.Fatalf("docs should be present")
	}
	if b.Tables.Has(TableUsers) {
		t.Fatalf("users should be absent")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeReplace {
		t.Fatalf("empty mode = %v %v", m, err)
	}
	if m, err := ParseMode("MERGE"); err != nil || m != ModeMerge {
		t.Fatalf("merge mode = %v %v", m, err)
	}
	if _, err := ParseMode("append"); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyReplaceAndMerge(t *testing.T) {
	current := FullTables(sampleTables())
	incoming := Tables{
		Docs:     []domain.Doc{{ID: "d2", UserID: "1", Title: "New"}},
		Feedback: []domain.MessageFeedback{{ID: "f2", MessageID: "m1", Rating: -1}, {ID: "f3", MessageID: "m9", Rating: 1}},
	}
	incoming.Mark(TableDocs)
	incoming.Mark(TableFeedback)

	replaced := Apply(current, incoming, ModeReplace)
	if len(replaced.Docs) != 1 || replaced.Docs[0].ID != "d2" {
		t.Fatalf("replace docs = %+v", replaced.Docs)
	}
	if len(replaced.Users) != 1 {
		t.Fatalf("absent tables must be untouched, users = %+v", replaced.Users)
	}

	merged := Apply(current, incoming, ModeMerge)
	if len(merged.Docs) != 2 || merged.Docs[0].ID != "d1" || merged.Docs[1].ID != "d2" {
		t.Fatalf("merge must keep old rows then append, got %+v", merged.Docs)
	}
	if len(merged.Feedback) != 2 {
		t.Fatalf("feedback = %+v", merged.Feedback)
	}
	for _, fb := range merged.Feedback {
		if fb.MessageID == "m1" && fb.Rating != -1 {
			t.Fatalf("incoming feedback must win for m1, got %+v", fb)
		}
	}
}

func TestArchiveSaveLoad(t *testing.T) {
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	archive := NewArchive(objects, 0)
	ctx := context.Background()
	key, err := archive.Save(ctx, New(sampleTables(), time.Now()))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	keys, err := archive.List(ctx)
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Fatalf("list = %v %v", keys, err)
	}
	b, err := archive.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(b.Tables.Docs) != 1 {
		t.Fatalf("docs = %+v", b.Tables.Docs)
	}
	if _, err := archive.Load(ctx, "backups/missing.json"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := archive.Load(ctx, "secrets/x"); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
