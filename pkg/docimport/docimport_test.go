package docimport

import (
	"bytes"
	"strings"
	"testing"

	"bolashakai/pkg/domain"
)

func TestExtractHTMLSkipsScripts(t *testing.T) {
	page := `<html><head><title>ignored</title><style>p{}</style></head><body>
<h1>Правила   приема</h1><script>alert(1)</script>
<p>Документы принимаются
 до 25 августа.</p><ul><li>Паспорт</li><li>Аттестат</li></ul></body></html>`
	doc, err := Extract("uploads/pravila_priema.html", strings.NewReader(page))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.Title != "pravila priema" {
		t.Fatalf("title = %q", doc.Title)
	}
	want := "Правила приема\nДокументы принимаются до 25 августа.\nПаспорт\nАттестат"
	if doc.Content != want {
		t.Fatalf("content = %q, want %q", doc.Content, want)
	}
}

func TestExtractPlainTextKeepsParagraphs(t *testing.T) {
	in := "Первая   строка\r\n\r\n\r\n\tВторая строка  \n"
	doc, err := Extract("notes.md", strings.NewReader(in))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.Content != "Первая строка\n\nВторая строка" || doc.Title != "notes" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestExtractRejects(t *testing.T) {
	cases := []struct {
		name string
		file string
		body []byte
	}{
		{"unsupported", "photo.png", []byte("x")},
		{"empty text", "empty.txt", []byte("  \n\t ")},
		{"broken pdf", "scan.pdf", []byte("not a pdf")},
		{"too large", "big.txt", bytes.Repeat([]byte("a"), MaxFileBytes+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Extract(tc.file, bytes.NewReader(tc.body))
			if !domain.IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestSupported(t *testing.T) {
	for name, want := range map[string]bool{"a.PDF": true, "b.htm": true, "c.txt": true, "d.docx": false, "e": false} {
		if got := Supported(name); got != want {
			t.Fatalf("Supported(%q) = %v", name, got)
		}
	}
}
