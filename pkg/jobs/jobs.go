// Package jobs queries the hh.ru vacancy search and normalizes the result for
// the career agent.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bolashakai/internal/util"
)

const (
	// DefaultBaseURL is the public vacancy search endpoint.
	DefaultBaseURL = "https://api.hh.ru/vacancies"
	// DefaultArea is Kyzylorda.
	DefaultArea     = "40"
	DefaultPerPage  = 20
	MaxPerPage      = 100
	userAgent       = "bolashak-ai/1.0"
	maxErrorBodyLen = 200
)

// Query is a vacancy search request. Zero values pick defaults.
type Query struct {
	Text    string
	Area    string
	Page    int
	PerPage int
}

func (q Query) normalize() Query {
	q.Text = strings.TrimSpace(q.Text)
	q.Area = strings.TrimSpace(q.Area)
	if q.Area == "" {
		q.Area = DefaultArea
	}
	if q.Page < 0 {
		q.Page = 0
	}
	if q.PerPage <= 0 {
		q.PerPage = DefaultPerPage
	}
	if q.PerPage > MaxPerPage {
		q.PerPage = MaxPerPage
	}
	return q
}

type Salary struct {
	From     *float64 `json:"from"`
	To       *float64 `json:"to"`
	Currency string   `json:"currency,omitempty"`
	Gross    *bool    `json:"gross,omitempty"`
}

type Vacancy struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	EmployerName string  `json:"employerName,omitempty"`
	AreaName     string  `json:"areaName,omitempty"`
	PublishedAt  string  `json:"publishedAt,omitempty"`
	URL          string  `json:"url,omitempty"`
	Salary       *Salary `json:"salary"`
}

// Result is one page of normalized vacancies.
type Result struct {
	Items   []Vacancy `json:"items"`
	Found   int       `json:"found"`
	Page    int       `json:"page"`
	Pages   int       `json:"pages"`
	PerPage int       `json:"perPage"`
}

// Client calls the vacancy API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: base, httpClient: &http.Client{Timeout: timeout}}
}

// Search fetches one page. Cancellation of ctx aborts the upstream call.
func (c *Client) Search(ctx context.Context, q Query) (Result, error) {
	q = q.normalize()
	params := url.Values{}
	if q.Text != "" {
		params.Set("text", q.Text)
	}
	params.Set("area", q.Area)
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("per_page", strconv.Itoa(q.PerPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	util.ForwardRequestID(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("hh request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		snippet := []rune(strings.TrimSpace(string(body)))
		if len(snippet) > maxErrorBodyLen {
			snippet = snippet[:maxErrorBodyLen]
		}
		return Result{}, fmt.Errorf("HH request failed: %s - %s", resp.Status, string(snippet))
	}

	var raw rawPage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Result{}, fmt.Errorf("decode hh response: %w", err)
	}
	return raw.normalize(q), nil
}

type rawPage struct {
	Items   []rawVacancy `json:"items"`
	Found   *int         `json:"found"`
	Page    *int         `json:"page"`
	Pages   *int         `json:"pages"`
	PerPage *int         `json:"per_page"`
}

type rawVacancy struct {
	ID           json.Number `json:"id"`
	Name         string      `json:"name"`
	AlternateURL string      `json:"alternate_url"`
	URL          string      `json:"url"`
	PublishedAt  string      `json:"published_at"`
	Employer     *struct {
		Name string `json:"name"`
	} `json:"employer"`
	Area *struct {
		Name string `json:"name"`
	} `json:"area"`
	Salary *Salary `json:"salary"`
}

func (p rawPage) normalize(q Query) Result {
	out := Result{Items: make([]Vacancy, 0, len(p.Items)), Page: q.Page, PerPage: q.PerPage}
	for _, it := range p.Items {
		v := Vacancy{
			ID:          it.ID.String(),
			Name:        it.Name,
			PublishedAt: it.PublishedAt,
			URL:         it.AlternateURL,
			Salary:      it.Salary,
		}
		if v.URL == "" {
			v.URL = it.URL
		}
		if it.Employer != nil {
			v.EmployerName = it.Employer.Name
		}
		if it.Area != nil {
			v.AreaName = it.Area.Name
		}
		out.Items = append(out.Items, v)
	}
	out.Found = len(out.Items)
	if p.Found != nil {
		out.Found = *p.Found
	}
	if p.Page != nil {
		out.Page = *p.Page
	}
	if p.Pages != nil {
		out.Pages = *p.Pages
	}
	if p.PerPage != nil {
		out.PerPage = *p.PerPage
	}
	return out
}

// FormatSalary renders a salary range for display. It returns "" when no
// bound is known.
func FormatSalary(s *Salary) string {
	if s == nil || (s.From == nil && s.To == nil) {
		return ""
	}
	cur := ""
	if s.Currency != "" {
		cur = " " + s.Currency
	}
	switch {
	case s.From != nil && s.To != nil:
		return groupThousands(*s.From) + "–" + groupThousands(*s.To) + cur
	case s.From != nil:
		return "от " + groupThousands(*s.From) + cur
	default:
		return "до " + groupThousands(*s.To) + cur
	}
}

// groupThousands separates digit groups with a non-breaking space, as the ru locale does.
func groupThousands(v float64) string {
	digits := strconv.FormatInt(int64(v), 10)
	neg := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")
	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			sb.WriteRune('\u00a0')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
