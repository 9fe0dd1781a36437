package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func ptr(v float64) *float64 { return &v }

func TestSearchNormalizesResponse(t *testing.T) {
	var gotQuery, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"items": [
				{"id": "101", "name": "Go developer", "alternate_url": "https://hh.kz/vacancy/101",
				 "published_at": "2026-01-10T10:00:00+0500",
				 "employer": {"name": "KazTech"}, "area": {"name": "Кызылорда"},
				 "salary": {"from": 300000, "to": null, "currency": "KZT", "gross": true}},
				{"id": 102, "name": "Intern", "url": "https://api.hh.ru/vacancies/102", "salary": null}
			],
			"pages": 3, "page": 1, "per_page": 2
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	res, err := c.Search(context.Background(), Query{Text: " golang ", Page: 1, PerPage: 500})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, want := range []string{"text=golang", "area=40", "page=1", "per_page=100"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}
	if gotUA != "bolashak-ai/1.0" {
		t.Fatalf("user agent = %q", gotUA)
	}
	if res.Found != 2 || res.Pages != 3 || res.Page != 1 || res.PerPage != 2 {
		t.Fatalf("page = %+v", res)
	}
	first := res.Items[0]
	if first.ID != "101" || first.EmployerName != "KazTech" || first.AreaName != "Кызылорда" || first.URL != "https://hh.kz/vacancy/101" {
		t.Fatalf("first = %+v", first)
	}
	if first.Salary == nil || first.Salary.To != nil || *first.Salary.From != 300000 {
		t.Fatalf("salary = %+v", first.Salary)
	}
	second := res.Items[1]
	if second.ID != "102" || second.URL != "https://api.hh.ru/vacancies/102" || second.Salary != nil {
		t.Fatalf("second = %+v", second)
	}
}

func TestSearchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(strings.Repeat("x", 500)))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Search(context.Background(), Query{})
	if err == nil || !strings.HasPrefix(err.Error(), "HH request failed: 403") {
		t.Fatalf("err = %v", err)
	}
	if strings.Count(err.Error(), "x") != maxErrorBodyLen {
		t.Fatalf("body snippet not truncated: %d", strings.Count(err.Error(), "x"))
	}
}

func TestSearchCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewClient(srv.URL, time.Second).Search(ctx, Query{}); err != context.Canceled {
		t.Fatalf("err = %v", err)
	}
}

func TestFormatSalary(t *testing.T) {
	cases := []struct {
		name string
		in   *Salary
		want string
	}{
		{"nil", nil, ""},
		{"no bounds", &Salary{Currency: "KZT"}, ""},
		{"range", &Salary{From: ptr(150000), To: ptr(250000), Currency: "KZT"}, "150\u00a0000–250\u00a0000 KZT"},
		{"from", &Salary{From: ptr(90000), Currency: "KZT"}, "от 90\u00a0000 KZT"},
		{"to", &Salary{To: ptr(1200000), Currency: "RUR"}, "до 1\u00a0200\u00a0000 RUR"},
		{"small", &Salary{From: ptr(500)}, "от 500"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatSalary(tc.in); got != tc.want {
				t.Fatalf("FormatSalary = %q, want %q", got, tc.want)
			}
		})
	}
}
