// Package retrieval selects a small slice of a user's documents to ground an
// assistant reply.
package retrieval

import (
	"sort"
	"strings"
	"unicode"

	"bolashakai/pkg/domain"
)

const (
	// MinTokenRunes is the shortest query token that takes part in scoring.
	MinTokenRunes = 3
	// MaxDocs caps how many documents enter the context.
	MaxDocs = 2
	// MaxDocChars caps the content taken from one document.
	MaxDocChars = 1600
	// MaxContextChars caps the whole context.
	MaxContextChars = 3500

	truncationMarker = "\n…"
)

// DefaultHeader separates injected reference text from the user's own words.
const DefaultHeader = "Контекст из ваших документов (используй как справочную информацию):"

func isSeparator(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case ',', '.', ';', ':', '!', '?', '(', ')', '[', ']', '{', '}', '"', '“', '”', '\'', '’':
		return true
	}
	return false
}

// Tokenize lowercases the query and returns its distinct tokens of at least
// MinTokenRunes runes, in first-seen order.
func Tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), isSeparator)
	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < MinTokenRunes {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

// Score counts how many tokens occur anywhere in the document's title or content.
func Score(tokens []string, doc domain.Doc) int {
	text := strings.ToLower(doc.Title + "\n" + doc.Content)
	score := 0
	for _, t := range tokens {
		if strings.Contains(text, t) {
			score++
		}
	}
	return score
}

type scored struct {
	doc   domain.Doc
	score int
}

// Rank returns the documents with a positive score, best first. Ties keep input order.
func Rank(query string, docs []domain.Doc) []domain.Doc {
	tokens := Tokenize(query)
	if len(tokens) == 0 || len(docs) == 0 {
		return nil
	}
	ranked := make([]scored, 0, len(docs))
	for _, d := range docs {
		if s := Score(tokens, d); s > 0 {
			ranked = append(ranked, scored{doc: d, score: s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	out := make([]domain.Doc, len(ranked))
	for i, r := range ranked {
		out[i] = r.doc
	}
	return out
}

// BuildContext renders up to MaxDocs relevant documents as titled blocks
// within MaxContextChars. It reports false when nothing qualifies.
func BuildContext(query string, docs []domain.Doc) (string, bool) {
	if strings.TrimSpace(query) == "" || len(docs) == 0 {
		return "", false
	}
	ranked := Rank(query, docs)
	if len(ranked) > MaxDocs {
		ranked = ranked[:MaxDocs]
	}

	var b strings.Builder
	used := 0
	for _, d := range ranked {
		block := "### " + d.Title + "\n" + truncate(d.Content, MaxDocChars) + "\n\n"
		n := len([]rune(block))
		if used+n > MaxContextChars {
			break
		}
		b.WriteString(block)
		used += n
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", false
	}
	return out, true
}

// ComposePrompt appends the context to the user's text under a delimiter and header.
func ComposePrompt(userText, header, context string) string {
	if strings.TrimSpace(context) == "" {
		return userText
	}
	if strings.TrimSpace(header) == "" {
		header = DefaultHeader
	}
	return userText + "\n\n---\n" + header + "\n" + context
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + truncationMarker
}
