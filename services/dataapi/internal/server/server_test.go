package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"bolashakai/internal/servicetoken"
	"bolashakai/pkg/auth"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/dataaccess"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/localstore"
	"bolashakai/pkg/store"
)

const testSecret = "portal-dataapi-shared-secret"

func fastHash(pw string) (string, error) { return auth.HashPasswordCost(pw, bcrypt.MinCost) }

type harness struct {
	srv    *httptest.Server
	client *dataaccess.RemoteClient
	signer *servicetoken.Signer
	store  *store.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem, err := store.NewMemoryStore(localstore.Options{HashPassword: fastHash})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		Secret:         testSecret,
		Audience:       servicetoken.DataAPIAudience,
		AllowedIssuers: []string{"portal"},
	})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	s, err := New(Config{Store: mem, Verifier: verifier, HashPassword: fastHash})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{Secret: testSecret, Issuer: "portal"})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	client, err := dataaccess.NewRemoteClient(dataaccess.RemoteOptions{BaseURL: srv.URL, Authorizer: signer})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return &harness{srv: srv, client: client, signer: signer, store: mem}
}

func (h *harness) raw(t *testing.T, method, path string, body string) *http.Response {
	t.Helper()
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	} else {
		req, _ = http.NewRequest(method, h.srv.URL+path, nil)
	}
	if err := h.signer.Authorize(req, servicetoken.DataAPIAudience); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func remoteStatus(err error) int {
	var ne *domain.NetworkError
	if errors.As(err, &ne) {
		return ne.Status
	}
	return 0
}

func TestHealthzIsPublic(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestRejectsMissingOrForeignServiceToken(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/api/users")
	if err != nil {
		t.Fatalf("get users: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}

	other, _ := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{Secret: testSecret, Issuer: "stranger"})
	client, _ := dataaccess.NewRemoteClient(dataaccess.RemoteOptions{BaseURL: h.srv.URL, Authorizer: other})
	if _, err := client.Users(context.Background()); remoteStatus(err) != http.StatusUnauthorized {
		t.Fatalf("foreign issuer: %v", err)
	}
}

func TestUsersCreateConflictAndPublicView(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.client.CreateUser(ctx, dataaccess.NewUser{Email: "Aida@Bolashak.kz", Name: "Аида", Password: "secret12"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.Email != "aida@bolashak.kz" || created.Role != domain.RoleStudent || created.PasswordHash != "" {
		t.Fatalf("created = %+v", created)
	}
	if _, err := h.client.CreateUser(ctx, dataaccess.NewUser{Email: "aida@bolashak.kz", Name: "Dup"}); !domain.IsConflict(err) {
		t.Fatalf("duplicate email: %v", err)
	}
	users, err := h.client.Users(ctx)
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(users) != 4 {
		t.Fatalf("users = %d, want 4", len(users))
	}
	for _, u := range users {
		if u.PasswordHash != "" {
			t.Fatalf("password hash leaked for %s", u.Email)
		}
	}
	name := "Аида Н."
	updated, err := h.client.UpdateUser(ctx, created.ID, domain.UserPatch{Name: &name})
	if err != nil || updated.Name != name {
		t.Fatalf("update user = %+v, %v", updated, err)
	}
	if _, err := h.client.UpdateUser(ctx, "missing", domain.UserPatch{Name: &name}); !domain.IsNotFound(err) {
		t.Fatalf("update missing: %v", err)
	}
}

func TestAuthLoginAndRegister(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	u, err := h.client.Login(ctx, "student@bolashak.kz", domain.DefaultPassword)
	if err != nil {
		t.Fatalf("login demo student: %v", err)
	}
	if u.ID != "2" || u.PasswordHash != "" {
		t.Fatalf("login user = %+v", u)
	}
	if _, err := h.client.Login(ctx, "student@bolashak.kz", "wrong-password"); remoteStatus(err) != http.StatusUnauthorized {
		t.Fatalf("bad password: %v", err)
	}
	if _, err := h.client.Login(ctx, "nobody@bolashak.kz", "whatever"); !domain.IsNotFound(err) {
		t.Fatalf("unknown email: %v", err)
	}

	cases := []struct {
		name   string
		in     dataaccess.Credentials
		status int
	}{
		{"short password", dataaccess.Credentials{Email: "n@b.kz", Name: "N", Password: "123"}, http.StatusBadRequest},
		{"missing name", dataaccess.Credentials{Email: "n@b.kz", Password: "secret12"}, http.StatusBadRequest},
		{"self admin", dataaccess.Credentials{Email: "n@b.kz", Name: "N", Password: "secret12", Role: domain.RoleAdmin}, http.StatusBadRequest},
		{"duplicate", dataaccess.Credentials{Email: "admin@bolashak.kz", Name: "N", Password: "secret12"}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.client.Register(ctx, tc.in); remoteStatus(err) != tc.status {
				t.Fatalf("register status = %d (%v), want %d", remoteStatus(err), err, tc.status)
			}
		})
	}

	registered, err := h.client.Register(ctx, dataaccess.Credentials{Email: "new@bolashak.kz", Name: "Новый", Password: "secret12", Role: domain.RoleAlumni})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if registered.Role != domain.RoleAlumni {
		t.Fatalf("role = %s", registered.Role)
	}
	if _, err := h.client.Login(ctx, "NEW@bolashak.kz", "secret12"); err != nil {
		t.Fatalf("login after register: %v", err)
	}
}

func TestMessagesFeedbackAndClear(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.client.SaveMessage(ctx, domain.Message{UserID: "2", AgentID: domain.AgentAbitur, Role: domain.MessageRoleUser, Content: "Какие документы нужны?"})
	if err != nil {
		t.Fatalf("save user turn: %v", err)
	}
	reply, err := h.client.SaveMessage(ctx, domain.Message{UserID: "2", AgentID: domain.AgentAbitur, Role: domain.MessageRoleModel, Content: "Паспорт и аттестат.", LatencyMs: 420})
	if err != nil {
		t.Fatalf("save model turn: %v", err)
	}
	conv, err := h.client.MessagesFor(ctx, "2", domain.AgentAbitur)
	if err != nil || len(conv) != 2 || conv[0].ID != first.ID {
		t.Fatalf("conversation = %+v, %v", conv, err)
	}

	for _, rating := range []int{1, -1} {
		if _, err := h.client.UpsertFeedback(ctx, domain.MessageFeedback{MessageID: reply.ID, UserID: "2", AgentID: domain.AgentAbitur, Rating: rating}); err != nil {
			t.Fatalf("upsert feedback %d: %v", rating, err)
		}
	}
	fb, ok, err := h.client.FeedbackFor(ctx, reply.ID)
	if err != nil || !ok || fb.Rating != -1 {
		t.Fatalf("feedback = %+v ok=%v err=%v", fb, ok, err)
	}
	all, _ := h.client.Feedback(ctx)
	if len(all) != 1 {
		t.Fatalf("feedback rows = %d, want 1", len(all))
	}
	if _, ok, _ := h.client.FeedbackFor(ctx, first.ID); ok {
		t.Fatalf("user turn has no feedback")
	}

	resp := h.raw(t, http.MethodGet, "/api/messages?userId=2", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("half filter status = %d", resp.StatusCode)
	}
	removed, err := h.client.ClearMessages(ctx, "2", domain.AgentAbitur)
	if err != nil || removed != 2 {
		t.Fatalf("clear = %d, %v", removed, err)
	}
}

func TestNotificationsBroadcastCountAndRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rows, err := h.client.Broadcast(ctx, "Каникулы", "С 1 июля", domain.BroadcastOptions{Severity: domain.SeverityInfo, CreatedBy: "1"})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("broadcast rows = %d, want 3", len(rows))
	}
	n, err := h.client.CountUnread(ctx, "2")
	if err != nil || n != 3 {
		t.Fatalf("unread = %d, %v (2 seeded + 1 broadcast)", n, err)
	}
	mine, _ := h.client.NotificationsFor(ctx, "2")
	if err := h.client.MarkRead(ctx, mine[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n, _ = h.client.CountUnread(ctx, "2"); n != 2 {
		t.Fatalf("unread after mark = %d", n)
	}
	if err := h.client.MarkRead(ctx, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("mark missing: %v", err)
	}
}

func TestDocsLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.client.CreateDoc(ctx, domain.Doc{UserID: "2", Title: "Правила приема", Content: "Прием документов до 25 августа"})
	if err != nil {
		t.Fatalf("create doc: %v", err)
	}
	title := "Правила приема 2025"
	updated, err := h.client.UpdateDoc(ctx, d.ID, domain.DocPatch{Title: &title})
	if err != nil || updated.UpdatedAt == nil {
		t.Fatalf("update doc = %+v, %v", updated, err)
	}
	docs, _ := h.client.DocsFor(ctx, "2")
	if len(docs) != 1 {
		t.Fatalf("docs = %d", len(docs))
	}
	if err := h.client.RemoveDoc(ctx, d.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := h.client.RemoveDoc(ctx, d.ID); !domain.IsNotFound(err) {
		t.Fatalf("remove twice: %v", err)
	}
}

func TestCasesAndCatalog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.client.CreateCase(ctx, domain.WorkflowCase{UserID: "2", AgentID: domain.AgentKadr, CaseType: "certificate", Payload: domain.Attrs{"purpose": "военкомат"}})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if c.Status != domain.CaseOpen {
		t.Fatalf("status = %s", c.Status)
	}
	status := domain.CaseInProgress
	if _, err := h.client.UpdateCase(ctx, c.ID, domain.CasePatch{Status: &status}); err != nil {
		t.Fatalf("update case: %v", err)
	}
	if _, err := h.client.AddCaseMessage(ctx, domain.CaseMessage{CaseID: c.ID, AuthorRole: domain.AuthorAdmin, Message: "Готово завтра"}); err != nil {
		t.Fatalf("add case message: %v", err)
	}
	msgs, _ := h.client.CaseMessages(ctx, c.ID)
	if len(msgs) != 1 {
		t.Fatalf("case messages = %d", len(msgs))
	}
	got, err := h.client.Case(ctx, c.ID)
	if err != nil || got.Status != domain.CaseInProgress || got.UserID != "2" {
		t.Fatalf("case by id = %+v, %v", got, err)
	}
	if _, err := h.client.Case(ctx, "c_missing"); !domain.IsNotFound(err) || remoteStatus(err) != http.StatusNotFound {
		t.Fatalf("missing case err = %v", err)
	}

	items, err := h.client.UiItems(ctx, domain.AgentAbitur, domain.KindQuick, "Документы")
	if err != nil || len(items) != 1 || items[0].ID != "ui_abitur_quick_docs_1" {
		t.Fatalf("catalog = %+v, %v", items, err)
	}
	resp := h.raw(t, http.MethodGet, "/api/ui-items?agentId=abitur", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing kind status = %d", resp.StatusCode)
	}
}

func TestBackupExportImport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.client.CreateDoc(ctx, domain.Doc{UserID: "2", Title: "t", Content: "c"}); err != nil {
		t.Fatalf("create doc: %v", err)
	}
	b, err := h.client.ExportAll(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if b.Version != backup.Version || len(b.Tables.Users) != 3 || len(b.Tables.Docs) != 1 {
		t.Fatalf("bundle = %+v", b)
	}
	if err := h.client.ImportAll(ctx, b, backup.ModeReplace); err != nil {
		t.Fatalf("import replace: %v", err)
	}
	docs, _ := h.client.Docs(ctx)
	if len(docs) != 1 {
		t.Fatalf("docs after replace = %d", len(docs))
	}

	resp := h.raw(t, http.MethodPost, "/api/backup?mode=merge", `{"version":2,"tables":{}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad version status = %d", resp.StatusCode)
	}
	resp = h.raw(t, http.MethodPost, "/api/backup?mode=overwrite", `{"version":1,"tables":{}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode status = %d", resp.StatusCode)
	}
}

func TestFacadeAuditsThroughDataAPI(t *testing.T) {
	h := newHarness(t)
	f := dataaccess.New(h.client, dataaccess.Options{Policy: dataaccess.DefaultPolicy()})
	ctx := dataaccess.WithActor(context.Background(), "2")
	if _, err := f.CreateDoc(ctx, domain.Doc{UserID: "2", Title: "Шпаргалка", Content: "ЕНТ"}); err != nil {
		t.Fatalf("create doc: %v", err)
	}
	f.Wait()
	events, err := f.AuditLog(context.Background())
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(events) != 1 || events[0].Type != "doc_create" || events[0].ActorUserID != "2" {
		t.Fatalf("audit = %+v", events)
	}
	if err := f.ClearAudit(ctx); err != nil {
		t.Fatalf("clear audit: %v", err)
	}
	f.Wait()
	events, _ = f.AuditLog(context.Background())
	if len(events) != 1 || events[0].Type != "audit_clear" {
		t.Fatalf("after clear = %+v", events)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	resp := h.raw(t, http.MethodPut, "/api/docs", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
