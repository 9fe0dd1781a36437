// Package docimport turns uploaded files into knowledge-base text.
package docimport

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"bolashakai/pkg/domain"
)

// MaxFileBytes bounds an upload before parsing.
const MaxFileBytes = 10 << 20

// Document is the extracted title and body of a file.
type Document struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Supported reports whether the file extension can be imported.
func Supported(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf", ".html", ".htm", ".txt", ".md":
		return true
	}
	return false
}

// Extract reads r fully and returns normalized text. Unsupported extensions,
// oversize input and files without text yield a ValidationError.
func Extract(filename string, r io.Reader) (Document, error) {
	if !Supported(filename) {
		return Document{}, domain.Invalid("file", "unsupported file type "+strings.ToLower(filepath.Ext(filename)))
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxFileBytes+1))
	if err != nil {
		return Document{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) > MaxFileBytes {
		return Document{}, domain.Invalid("file", "file too large")
	}

	var text string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		text, err = parsePDF(data)
	case ".html", ".htm":
		text, err = parseHTML(data)
	default:
		text = string(data)
	}
	if err != nil {
		return Document{}, err
	}
	text = normalizeText(text)
	if text == "" {
		return Document{}, domain.Invalid("file", "no text extracted")
	}
	return Document{Title: titleFromName(filename), Content: text}, nil
}

func parsePDF(data []byte) (text string, err error) {
	// the pdf package panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			text, err = "", domain.Invalid("file", "unreadable pdf")
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.Invalid("file", "unreadable pdf")
	}
	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, perr := page.GetPlainText(nil)
		if perr != nil {
			// skip broken pages
			continue
		}
		pages = append(pages, pageText)
	}
	return strings.Join(pages, "\n\n"), nil
}

func parseHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", domain.Invalid("file", "unreadable html")
	}
	return extractText(doc), nil
}

var blockElements = map[string]bool{
	"p": true, "br": true, "div": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

func extractText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(strings.Join(strings.Fields(node.Data), " "))
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" || node.Data == "head" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && blockElements[node.Data] {
			buf.WriteString("\n")
		}
	}
	walk(n)
	return buf.String()
}

// normalizeText collapses whitespace inside lines and keeps at most one blank
// line between paragraphs.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var out []string
	blank := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func titleFromName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.TrimSpace(strings.NewReplacer("_", " ").Replace(stem))
	if stem == "" || stem == "." {
		return "Документ"
	}
	return stem
}
