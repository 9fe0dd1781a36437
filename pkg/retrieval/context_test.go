package retrieval

import (
	"strings"
	"testing"

	"bolashakai/pkg/domain"
)

func doc(id, title, content string) domain.Doc {
	return domain.Doc{ID: id, UserID: "2", Title: title, Content: content}
}

func TestBuildContextAdmissionScenario(t *testing.T) {
	docs := []domain.Doc{
		doc("d1", "Dormitory rules", "Quiet hours start at 23:00."),
		doc("d2", "Admission Deadlines", "Apply before March 1. Submit transcript and passport copy."),
	}
	ctx, ok := BuildContext("What documents are needed for admission?", docs)
	if !ok {
		t.Fatalf("expected context")
	}
	if !strings.Contains(ctx, "### Admission Deadlines") {
		t.Fatalf("context missing admission doc: %q", ctx)
	}
	if strings.Contains(ctx, "Dormitory") {
		t.Fatalf("unrelated doc leaked into context: %q", ctx)
	}
}

func TestBuildContextAbsent(t *testing.T) {
	docs := []domain.Doc{doc("d1", "Admission", "deadlines")}
	tests := []struct {
		name  string
		query string
		docs  []domain.Doc
	}{
		{name: "empty query", query: "   ", docs: docs},
		{name: "no docs", query: "admission", docs: nil},
		{name: "no match", query: "scholarship", docs: docs},
		{name: "only short tokens", query: "ad, mi? on!", docs: docs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ctx, ok := BuildContext(tt.query, tt.docs); ok || ctx != "" {
				t.Fatalf("expected no context, got %q", ctx)
			}
		})
	}
}

func TestBuildContextTopTwoStable(t *testing.T) {
	docs := []domain.Doc{
		doc("d1", "Alpha", "exam schedule"),
		doc("d2", "Beta", "exam schedule rooms"),
		doc("d3", "Gamma", "exam schedule"),
		doc("d4", "Delta", "exam"),
	}
	ctx, ok := BuildContext("exam schedule rooms", docs)
	if !ok {
		t.Fatalf("expected context")
	}
	if strings.Count(ctx, "### ") != MaxDocs {
		t.Fatalf("expected %d blocks, got %q", MaxDocs, ctx)
	}
	beta := strings.Index(ctx, "### Beta")
	alpha := strings.Index(ctx, "### Alpha")
	if beta < 0 || alpha < 0 || beta > alpha {
		t.Fatalf("expected Beta then Alpha (ties keep input order), got %q", ctx)
	}
	if strings.Contains(ctx, "Gamma") {
		t.Fatalf("third doc must be dropped: %q", ctx)
	}
}

func TestScoreCountsDistinctTokens(t *testing.T) {
	tokens := Tokenize("exam exam EXAM schedule")
	if len(tokens) != 2 {
		t.Fatalf("tokens = %v, want 2 distinct", tokens)
	}
	if got := Score(tokens, doc("d", "Exam", "exam exam schedule")); got != 2 {
		t.Fatalf("score = %d, want 2", got)
	}
	if got := Tokenize("«Сроки» приема: документы, (экзамены)"); len(got) != 4 {
		t.Fatalf("cyrillic tokens = %v", got)
	}
}

func TestBuildContextTruncatesAndBudgets(t *testing.T) {
	long := strings.Repeat("а", MaxDocChars+50)
	ctx, ok := BuildContext("ааа", []domain.Doc{doc("d1", "Long", long)})
	if !ok {
		t.Fatalf("expected context")
	}
	if !strings.HasSuffix(ctx, "\n…") {
		t.Fatalf("expected truncation marker")
	}
	body := strings.TrimPrefix(ctx, "### Long\n")
	if n := len([]rune(strings.TrimSuffix(body, "\n…"))); n != MaxDocChars {
		t.Fatalf("chunk length = %d, want %d", n, MaxDocChars)
	}

	hugeTitle := "match " + strings.Repeat("t", 2000)
	docs := []domain.Doc{
		doc("d1", "match first", strings.Repeat("x", MaxDocChars)),
		doc("d2", hugeTitle, "match"),
	}
	ctx, ok = BuildContext("match", docs)
	if !ok {
		t.Fatalf("expected context")
	}
	if strings.Contains(ctx, hugeTitle) {
		t.Fatalf("overflowing block must be omitted in full")
	}
	if n := len([]rune(ctx)); n > MaxContextChars {
		t.Fatalf("context length %d exceeds budget", n)
	}
}

func TestComposePrompt(t *testing.T) {
	if got := ComposePrompt("hello", "", ""); got != "hello" {
		t.Fatalf("prompt without context = %q", got)
	}
	got := ComposePrompt("hello", "Docs:", "### A\nbody")
	if got != "hello\n\n---\nDocs:\n### A\nbody" {
		t.Fatalf("prompt = %q", got)
	}
}
