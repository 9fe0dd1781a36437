package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/crypto/bcrypt"

	"bolashakai/pkg/ai"
	"bolashakai/pkg/auth"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/dataaccess"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/localstore"
	"bolashakai/pkg/queue"
	"bolashakai/pkg/storage"
	"bolashakai/services/portal/internal/app"
	"bolashakai/services/portal/internal/session"
)

type stubGenerator struct{ reply string }

func (g stubGenerator) Chat(context.Context, ai.ChatRequest) (string, error) {
	return g.reply, nil
}

func newTestServer(t *testing.T, loginLimit int) *httptest.Server {
	t.Helper()
	ts, _ := newTestServerWith(t, loginLimit, nil)
	return ts
}

func newTestServerWith(t *testing.T, loginLimit int, configure func(*app.Config)) (*httptest.Server, *app.App) {
	t.Helper()
	hash := func(pw string) (string, error) { return auth.HashPasswordCost(pw, bcrypt.MinCost) }
	ls := localstore.New(localstore.NewMemoryKV(), localstore.Options{HashPassword: hash})
	ctx := context.Background()
	if err := ls.Init(ctx); err != nil {
		t.Fatalf("init local store: %v", err)
	}
	if err := ls.PutUiItems(ctx, domain.CatalogSeed(time.Now().UTC())); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	facade := dataaccess.New(dataaccess.NewLocalBackend(ls, hash), dataaccess.Options{})
	t.Cleanup(facade.Wait)
	sessions, err := session.NewManager(session.Options{
		Secret:  "portal-server-test-secret-0123456789",
		Revoker: session.NewMemoryRevoker(),
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	cfg := app.Config{Data: facade, Sessions: sessions, Generator: stubGenerator{reply: "Ответ"}}
	if configure != nil {
		configure(&cfg)
	}
	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	redis := miniredis.RunT(t)
	srv, err := New(Config{
		App:                     a,
		RedisAddr:               redis.Addr(),
		LoginRateLimitPerMinute: loginLimit,
	})
	if err != nil {
		t.Fatalf("new portal server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, a
}

func do(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func login(t *testing.T, baseURL, email string) string {
	t.Helper()
	resp := do(t, http.MethodPost, baseURL+"/api/auth/login", "", map[string]string{"email": email, "password": domain.DefaultPassword})
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("login %s: status %d", email, resp.StatusCode)
	}
	return decode[app.AuthResult](t, resp).Token
}

func TestLoginRateLimit(t *testing.T) {
	ts := newTestServer(t, 1)
	body := map[string]string{"email": "student@bolashak.kz", "password": domain.DefaultPassword}

	resp1 := do(t, http.MethodPost, ts.URL+"/api/auth/login", "", body)
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", resp1.StatusCode)
	}
	resp2 := do(t, http.MethodPost, ts.URL+"/api/auth/login", "", body)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", resp2.StatusCode)
	}
	if resp2.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestServerRequiresRedisRateLimiter(t *testing.T) {
	sessions, err := session.NewManager(session.Options{Secret: strings.Repeat("s", 32)})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	a, err := app.New(app.Config{Data: dataaccess.New(nil, dataaccess.Options{}), Sessions: sessions})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := New(Config{App: a}); err == nil {
		t.Fatalf("expected limiter initialization to fail without redis addr")
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, 10)

	resp := do(t, http.MethodGet, ts.URL+"/api/auth/me", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous me expected 401, got %d", resp.StatusCode)
	}

	bad := do(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{"email": "student@bolashak.kz", "password": "wrong-password"})
	bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login expected 401, got %d", bad.StatusCode)
	}

	token := login(t, ts.URL, "student@bolashak.kz")
	me := decode[domain.User](t, do(t, http.MethodGet, ts.URL+"/api/auth/me", token, nil))
	if me.ID != "2" || me.PasswordHash != "" {
		t.Fatalf("me = %+v", me)
	}

	admin := do(t, http.MethodGet, ts.URL+"/api/admin/users", token, nil)
	admin.Body.Close()
	if admin.StatusCode != http.StatusForbidden {
		t.Fatalf("student admin call expected 403, got %d", admin.StatusCode)
	}

	out := do(t, http.MethodPost, ts.URL+"/api/auth/logout", token, nil)
	out.Body.Close()
	if out.StatusCode != http.StatusNoContent {
		t.Fatalf("logout expected 204, got %d", out.StatusCode)
	}
	after := do(t, http.MethodGet, ts.URL+"/api/auth/me", token, nil)
	after.Body.Close()
	if after.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token expected 401, got %d", after.StatusCode)
	}
}

func TestRegisterRejectsAdmin(t *testing.T) {
	ts := newTestServer(t, 10)
	resp := do(t, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"email": "boss@bolashak.kz", "password": "secret12", "name": "Boss", "role": "ADMIN",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	created := do(t, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"email": "aigerim@bolashak.kz", "password": "secret12", "name": "Айгерим",
	})
	if created.StatusCode != http.StatusCreated {
		created.Body.Close()
		t.Fatalf("expected 201, got %d", created.StatusCode)
	}
	res := decode[app.AuthResult](t, created)
	if res.User.Role != domain.RoleStudent || res.Token == "" {
		t.Fatalf("register result = %+v", res)
	}
}

func TestChatEndpoint(t *testing.T) {
	ts := newTestServer(t, 10)
	token := login(t, ts.URL, "student@bolashak.kz")

	cases := []struct {
		name   string
		agent  string
		body   map[string]string
		status int
	}{
		{"ok", "abitur", map[string]string{"text": "Какие документы нужны?"}, http.StatusOK},
		{"unknown agent", "ghost", map[string]string{"text": "hi"}, http.StatusNotFound},
		{"empty turn", "kadr", map[string]string{"text": " "}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, ts.URL+"/api/agents/"+tc.agent+"/chat", token, tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}

	history := decode[listBody[domain.Message]](t, do(t, http.MethodGet, ts.URL+"/api/agents/abitur/messages", token, nil))
	if history.Count != 2 || history.Items[1].Content != "Ответ" {
		t.Fatalf("history = %+v", history)
	}
}

func TestMessageFeedbackEndpoint(t *testing.T) {
	ts := newTestServer(t, 10)
	student := login(t, ts.URL, "student@bolashak.kz")
	faculty := login(t, ts.URL, "profi@bolashak.kz")

	res := decode[app.ChatResult](t, do(t, http.MethodPost, ts.URL+"/api/agents/nav/chat", student, map[string]string{"text": "Где библиотека?"}))
	if res.Reply.ID == "" {
		t.Fatalf("chat result = %+v", res)
	}

	cases := []struct {
		name   string
		token  string
		id     string
		status int
	}{
		{"own reply", student, res.Reply.ID, http.StatusOK},
		{"foreign reply", faculty, res.Reply.ID, http.StatusNotFound},
		{"user turn", student, res.Message.ID, http.StatusNotFound},
		{"missing message", student, "m_does_not_exist", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := map[string]any{"agentId": "nav", "rating": 1}
			resp := do(t, http.MethodPost, ts.URL+"/api/messages/"+tc.id+"/feedback", tc.token, body)
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestDocImportMultipart(t *testing.T) {
	ts := newTestServer(t, 10)
	token := login(t, ts.URL, "student@bolashak.kz")

	upload := func(filename, content string) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		_, _ = part.Write([]byte(content))
		_ = mw.Close()
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/docs/import", &buf)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		return resp
	}

	ok := upload("syllabus_2026.txt", "Неделя 1: введение")
	if ok.StatusCode != http.StatusCreated {
		ok.Body.Close()
		t.Fatalf("expected 201, got %d", ok.StatusCode)
	}
	doc := decode[domain.Doc](t, ok)
	if doc.Title != "syllabus 2026" || doc.UserID != "2" {
		t.Fatalf("doc = %+v", doc)
	}

	bad := upload("photo.png", "binary")
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsupported file expected 400, got %d", bad.StatusCode)
	}

	del := do(t, http.MethodDelete, ts.URL+"/api/docs/"+doc.ID, token, nil)
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete expected 204, got %d", del.StatusCode)
	}
}

func TestNotificationsEndpoints(t *testing.T) {
	ts := newTestServer(t, 10)
	token := login(t, ts.URL, "student@bolashak.kz")

	rows := decode[listBody[domain.Notification]](t, do(t, http.MethodGet, ts.URL+"/api/notifications", token, nil))
	if rows.Count != 2 {
		t.Fatalf("notifications = %d", rows.Count)
	}
	read := do(t, http.MethodPost, ts.URL+"/api/notifications/"+rows.Items[0].ID+"/read", token, nil)
	read.Body.Close()
	if read.StatusCode != http.StatusNoContent {
		t.Fatalf("mark read expected 204, got %d", read.StatusCode)
	}
	unread := decode[map[string]int](t, do(t, http.MethodGet, ts.URL+"/api/notifications/unread", token, nil))
	if unread["count"] != 1 {
		t.Fatalf("unread = %v", unread)
	}
	missing := do(t, http.MethodPost, ts.URL+"/api/notifications/nope/read", token, nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown notification expected 404, got %d", missing.StatusCode)
	}
}

func TestCaseStatusGating(t *testing.T) {
	ts := newTestServer(t, 10)
	student := login(t, ts.URL, "student@bolashak.kz")
	admin := login(t, ts.URL, "admin@bolashak.kz")

	created := do(t, http.MethodPost, ts.URL+"/api/agents/kadr/cases", student, map[string]any{"caseType": "certificate", "payload": map[string]any{"copies": 2}})
	if created.StatusCode != http.StatusCreated {
		created.Body.Close()
		t.Fatalf("create case expected 201, got %d", created.StatusCode)
	}
	c := decode[domain.WorkflowCase](t, created)

	resolve := map[string]string{"status": "RESOLVED"}
	denied := do(t, http.MethodPatch, ts.URL+"/api/cases/"+c.ID, student, resolve)
	denied.Body.Close()
	if denied.StatusCode != http.StatusForbidden {
		t.Fatalf("student resolve expected 403, got %d", denied.StatusCode)
	}
	updated := decode[domain.WorkflowCase](t, do(t, http.MethodPatch, ts.URL+"/api/cases/"+c.ID, admin, resolve))
	if updated.Status != domain.CaseResolved {
		t.Fatalf("status = %q", updated.Status)
	}
}

func TestAdminBackupRoundTrip(t *testing.T) {
	ts := newTestServer(t, 10)
	token := login(t, ts.URL, "admin@bolashak.kz")

	exported := do(t, http.MethodGet, ts.URL+"/api/admin/backup", token, nil)
	raw, err := io.ReadAll(exported.Body)
	exported.Body.Close()
	if err != nil || exported.StatusCode != http.StatusOK {
		t.Fatalf("export: status %d, %v", exported.StatusCode, err)
	}
	if !strings.HasPrefix(exported.Header.Get("Content-Disposition"), "attachment;") {
		t.Fatalf("content disposition = %q", exported.Header.Get("Content-Disposition"))
	}

	importReq := func(mode string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/admin/backup?mode="+mode, bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		return resp
	}
	merged := importReq("merge")
	merged.Body.Close()
	if merged.StatusCode != http.StatusOK {
		t.Fatalf("merge import expected 200, got %d", merged.StatusCode)
	}
	bogus := importReq("append")
	bogus.Body.Close()
	if bogus.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown mode expected 400, got %d", bogus.StatusCode)
	}

	archive := do(t, http.MethodPost, ts.URL+"/api/admin/backup/archive", token, nil)
	archive.Body.Close()
	if archive.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("archive without object store expected 503, got %d", archive.StatusCode)
	}
	queued := do(t, http.MethodPost, ts.URL+"/api/admin/backup/jobs", token, map[string]string{"kind": "archive"})
	queued.Body.Close()
	if queued.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("archive job without object store expected 503, got %d", queued.StatusCode)
	}
}

func TestAdminBackupJobs(t *testing.T) {
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       miniredis.RunT(t).Addr(),
		Stream:     "test:backup-jobs",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	ts, a := newTestServerWith(t, 10, func(cfg *app.Config) {
		cfg.Archive = backup.NewArchive(objects, time.Minute)
		cfg.BackupJobs = q
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx, 1, a.RunBackupJob)

	token := login(t, ts.URL, "admin@bolashak.kz")
	jobsURL := ts.URL + "/api/admin/backup/jobs"
	await := func(id string) queue.Job {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			job := decode[queue.Job](t, do(t, http.MethodGet, jobsURL+"/"+id, token, nil))
			if job.Status == queue.StatusDone || job.Status == queue.StatusFailed {
				return job
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("job %s did not finish", id)
		return queue.Job{}
	}

	resp := do(t, http.MethodPost, jobsURL, token, map[string]string{"kind": "archive"})
	if resp.StatusCode != http.StatusAccepted {
		resp.Body.Close()
		t.Fatalf("archive job expected 202, got %d", resp.StatusCode)
	}
	archived := await(decode[queue.Job](t, resp).ID)
	if archived.Status != queue.StatusDone || !strings.HasPrefix(archived.Result, "backups/") || archived.RequestedBy != "1" {
		t.Fatalf("archive job = %+v", archived)
	}

	resp = do(t, http.MethodPost, jobsURL, token, map[string]string{"kind": "restore", "key": archived.Result, "mode": "merge"})
	if resp.StatusCode != http.StatusAccepted {
		resp.Body.Close()
		t.Fatalf("restore job expected 202, got %d", resp.StatusCode)
	}
	if restored := await(decode[queue.Job](t, resp).ID); restored.Status != queue.StatusDone {
		t.Fatalf("restore job = %+v", restored)
	}

	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"unknown kind", map[string]string{"kind": "purge"}, http.StatusBadRequest},
		{"foreign key", map[string]string{"kind": "restore", "key": "other/x.json"}, http.StatusBadRequest},
		{"unknown mode", map[string]string{"kind": "restore", "key": archived.Result, "mode": "append"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := do(t, http.MethodPost, jobsURL, token, tc.body)
			r.Body.Close()
			if r.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", r.StatusCode, tc.want)
			}
		})
	}

	missing := do(t, http.MethodGet, jobsURL+"/job_missing", token, nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job expected 404, got %d", missing.StatusCode)
	}

	student := login(t, ts.URL, "student@bolashak.kz")
	forbidden := do(t, http.MethodPost, jobsURL, student, map[string]string{"kind": "archive"})
	forbidden.Body.Close()
	if forbidden.StatusCode != http.StatusForbidden {
		t.Fatalf("student expected 403, got %d", forbidden.StatusCode)
	}
}

func TestAdminDashboardAndRole(t *testing.T) {
	ts := newTestServer(t, 10)
	token := login(t, ts.URL, "admin@bolashak.kz")

	resp := do(t, http.MethodGet, ts.URL+"/api/admin/dashboard", token, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("dashboard expected 200, got %d", resp.StatusCode)
	}
	var dash map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&dash); err != nil {
		t.Fatalf("decode dashboard: %v", err)
	}
	resp.Body.Close()
	if dash["usersCount"] != float64(3) {
		t.Fatalf("usersCount = %v", dash["usersCount"])
	}

	invalid := do(t, http.MethodPatch, ts.URL+"/api/admin/users/3", token, map[string]string{"role": "ROOT"})
	invalid.Body.Close()
	if invalid.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid role expected 400, got %d", invalid.StatusCode)
	}
	u := decode[domain.User](t, do(t, http.MethodPatch, ts.URL+"/api/admin/users/3", token, map[string]string{"role": "alumni"}))
	if u.Role != domain.RoleAlumni {
		t.Fatalf("role = %q", u.Role)
	}
}
