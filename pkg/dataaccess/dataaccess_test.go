package dataaccess

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"bolashakai/internal/servicetoken"
	"bolashakai/internal/util"
	"bolashakai/pkg/auth"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/localstore"
)

func newRemote(t *testing.T, h http.Handler) (*RemoteClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewRemoteClient(RemoteOptions{BaseURL: srv.URL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new remote client: %v", err)
	}
	return client, srv
}

func newLocal(t *testing.T) *localstore.Store {
	t.Helper()
	ls := localstore.New(localstore.NewMemoryKV(), localstore.Options{
		HashPassword: func(pw string) (string, error) { return auth.HashPasswordCost(pw, bcrypt.MinCost) },
	})
	if err := ls.Init(context.Background()); err != nil {
		t.Fatalf("init local store: %v", err)
	}
	if err := ls.PutUiItems(context.Background(), domain.CatalogSeed(time.Now().UTC())); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return ls
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// auditRecorder accepts audit writes and fails everything else with status.
type auditRecorder struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	status int
	hits   atomic.Int32
}

func (a *auditRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.hits.Add(1)
	if r.URL.Path == "/api/audit" && r.Method == http.MethodPost {
		var ev domain.AuditEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		a.mu.Lock()
		a.events = append(a.events, ev)
		a.mu.Unlock()
		writeJSON(w, http.StatusCreated, ev)
		return
	}
	writeJSON(w, a.status, map[string]string{"error": "backend unavailable"})
}

func (a *auditRecorder) recorded() []domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEvent(nil), a.events...)
}

func TestRemoteErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		kind   string
	}{
		{http.StatusBadRequest, domain.IsValidation, "validation"},
		{http.StatusNotFound, domain.IsNotFound, "not found"},
		{http.StatusConflict, domain.IsConflict, "conflict"},
		{http.StatusInternalServerError, func(err error) bool {
			return !domain.IsValidation(err) && !domain.IsNotFound(err) && !domain.IsConflict(err)
		}, "plain network"},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			client, _ := newRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, map[string]string{"error": "email already exists"})
			}))
			_, err := client.Users(context.Background())
			var ne *domain.NetworkError
			if !errors.As(err, &ne) {
				t.Fatalf("expected NetworkError, got %T %v", err, err)
			}
			if ne.Status != tc.status || ne.Message != "email already exists" {
				t.Fatalf("network error = %d %q", ne.Status, ne.Message)
			}
			if !tc.check(err) {
				t.Fatalf("expected %s error, got %v", tc.kind, err)
			}
		})
	}
}

func TestRemoteNonSuccessStatusIsNetworkError(t *testing.T) {
	client, _ := newRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	users, err := client.Users(context.Background())
	var ne *domain.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %T %v (users %d)", err, err, len(users))
	}
	if ne.Status != http.StatusNotModified {
		t.Fatalf("status = %d", ne.Status)
	}
	if status := domain.HTTPStatus(err); status != http.StatusBadGateway {
		t.Fatalf("reply status = %d, want 502", status)
	}
}

func TestRemoteTransportFailureIsNetworkError(t *testing.T) {
	client, srv := newRemote(t, http.NotFoundHandler())
	srv.Close()
	_, err := client.Docs(context.Background())
	var ne *domain.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if ne.Status != 0 || ne.Err == nil {
		t.Fatalf("transport failure should carry cause without status: %+v", ne)
	}
}

func TestRemoteSendsServiceTokenAndRequestID(t *testing.T) {
	const secret = "portal-dataapi-shared-secret"
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{Secret: secret, Issuer: "portal"})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		Secret:         secret,
		Audience:       servicetoken.DataAPIAudience,
		AllowedIssuers: []string{"portal"},
	})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	var gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if _, err := verifier.Verify(token); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		gotRequestID = r.Header.Get(util.RequestIDHeader)
		writeJSON(w, http.StatusOK, map[string]any{"count": 3})
	}))
	defer srv.Close()
	client, err := NewRemoteClient(RemoteOptions{BaseURL: srv.URL, Authorizer: signer})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	var ctx context.Context
	h := util.WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) { ctx = r.Context() }))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(util.RequestIDHeader, "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	n, err := client.CountUnread(ctx, "2")
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if n != 3 || gotRequestID != "req-42" {
		t.Fatalf("count=%d request id=%q", n, gotRequestID)
	}
}

func TestFacadeValidatesBeforeTransport(t *testing.T) {
	rec := &auditRecorder{status: http.StatusOK}
	client, _ := newRemote(t, rec)
	f := New(client, Options{Policy: DefaultPolicy()})
	ctx := context.Background()

	checks := []struct {
		name string
		call func() error
	}{
		{"doc without title", func() error {
			_, err := f.CreateDoc(ctx, domain.Doc{UserID: "2"})
			return err
		}},
		{"feedback rating", func() error {
			_, err := f.UpsertFeedback(ctx, domain.MessageFeedback{MessageID: "m1", UserID: "2", AgentID: domain.AgentNav, Rating: 5})
			return err
		}},
		{"register short password", func() error {
			_, err := f.Register(ctx, Credentials{Email: "a@b.kz", Name: "A", Password: "123"})
			return err
		}},
		{"case payload nested", func() error {
			_, err := f.CreateCase(ctx, domain.WorkflowCase{
				UserID: "2", AgentID: domain.AgentKadr, CaseType: "certificate",
				Payload: domain.Attrs{"nested": map[string]any{"a": 1}},
			})
			return err
		}},
		{"catalog without kind", func() error {
			_, err := f.UiItems(ctx, domain.AgentAbitur, "", "")
			return err
		}},
		{"message role", func() error {
			_, err := f.SaveMessage(ctx, domain.Message{UserID: "2", AgentID: domain.AgentNav, Role: "system"})
			return err
		}},
	}
	for _, tc := range checks {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !domain.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	f.Wait()
	if hits := rec.hits.Load(); hits != 0 {
		t.Fatalf("validation failures reached the transport %d times", hits)
	}
}

func TestFallbackServesCasesLocally(t *testing.T) {
	rec := &auditRecorder{status: http.StatusServiceUnavailable}
	client, _ := newRemote(t, rec)
	local := newLocal(t)
	f := New(client, Options{Local: local, Policy: DefaultPolicy()})
	ctx := WithActor(context.Background(), "2")

	created, err := f.CreateCase(ctx, domain.WorkflowCase{
		UserID: "2", AgentID: domain.AgentKadr, CaseType: "certificate",
		Payload: domain.Attrs{"purpose": "visa"},
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if !strings.HasPrefix(created.ID, "local_") {
		t.Fatalf("fallback id %q should carry local_ prefix", created.ID)
	}
	listed, err := f.Cases(ctx, "2", domain.AgentKadr)
	if err != nil || len(listed) != 1 {
		t.Fatalf("cases = %v, %v", listed, err)
	}
	if _, err := f.AddCaseMessage(ctx, domain.CaseMessage{CaseID: created.ID, AuthorRole: domain.AuthorUser, Message: "когда будет готово?"}); err != nil {
		t.Fatalf("add case message: %v", err)
	}
	msgs, err := f.CaseMessages(ctx, created.ID)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("case messages = %v, %v", msgs, err)
	}
	items, err := f.UiItems(ctx, domain.AgentAbitur, domain.KindCategory, "")
	if err != nil || len(items) == 0 {
		t.Fatalf("catalog fallback = %v, %v", items, err)
	}
	f.Wait()
	events := rec.recorded()
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2 (case_create, case_message)", len(events))
	}
	if events[0].ActorUserID != "2" {
		t.Fatalf("audit actor = %q", events[0].ActorUserID)
	}
}

func TestFallbackDisabledByPolicy(t *testing.T) {
	rec := &auditRecorder{status: http.StatusServiceUnavailable}
	client, _ := newRemote(t, rec)
	policy, err := ParsePolicy([]string{"catalog"})
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	f := New(client, Options{Local: newLocal(t), Policy: policy})

	_, err = f.Cases(context.Background(), "2", domain.AgentKadr)
	var ne *domain.NetworkError
	if !errors.As(err, &ne) || ne.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected remote 503 to surface, got %v", err)
	}
	if _, err := f.UiItems(context.Background(), domain.AgentAbitur, domain.KindQuick, ""); err != nil {
		t.Fatalf("catalog should still fall back: %v", err)
	}
}

func TestRemoteValidationErrorNeverFallsBack(t *testing.T) {
	client, _ := newRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "caseType not allowed"})
	}))
	local := newLocal(t)
	f := New(client, Options{Local: local, Policy: DefaultPolicy()})
	_, err := f.CreateCase(context.Background(), domain.WorkflowCase{UserID: "2", AgentID: domain.AgentKadr, CaseType: "x"})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	rows, _ := local.Cases(context.Background(), "2", domain.AgentKadr)
	if len(rows) != 0 {
		t.Fatalf("validation error must not reach local store, got %d cases", len(rows))
	}
	f.Wait()
}

func TestCanceledContextSkipsFallbackAndAudit(t *testing.T) {
	rec := &auditRecorder{status: http.StatusServiceUnavailable}
	client, _ := newRemote(t, rec)
	local := newLocal(t)
	f := New(client, Options{Local: local, Policy: DefaultPolicy()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.CreateCase(ctx, domain.WorkflowCase{UserID: "2", AgentID: domain.AgentKadr, CaseType: "certificate"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	f.Wait()
	if rec.hits.Load() != 0 {
		t.Fatalf("canceled call reached the remote")
	}
	rows, _ := local.Cases(context.Background(), "2", domain.AgentKadr)
	if len(rows) != 0 {
		t.Fatalf("canceled call fell back")
	}
}

func TestFacadeAuditsOnceAndSwallowsAuditFailure(t *testing.T) {
	var audits atomic.Int32
	client, _ := newRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/audit":
			audits.Add(1)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit table locked"})
		case "/api/docs":
			var d domain.Doc
			_ = json.NewDecoder(r.Body).Decode(&d)
			d.ID = "d_1"
			writeJSON(w, http.StatusCreated, d)
		default:
			http.NotFound(w, r)
		}
	}))
	f := New(client, Options{})
	doc, err := f.CreateDoc(context.Background(), domain.Doc{UserID: "2", Title: "Правила приема", Content: "ЕНТ"})
	if err != nil {
		t.Fatalf("create doc should succeed despite audit failure: %v", err)
	}
	if doc.ID != "d_1" {
		t.Fatalf("doc = %+v", doc)
	}
	f.Wait()
	if audits.Load() != 1 {
		t.Fatalf("audit writes = %d, want 1", audits.Load())
	}
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in      []string
		want    Policy
		wantErr bool
	}{
		{nil, DefaultPolicy(), false},
		{[]string{"cases"}, Policy{Cases: true}, false},
		{[]string{" caseMessages ", "catalog"}, Policy{CaseMessages: true, Catalog: true}, false},
		{[]string{"none"}, Policy{}, false},
		{[]string{"users"}, Policy{}, true},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.in, ","), func(t *testing.T) {
			got, err := ParsePolicy(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && got != tc.want {
				t.Fatalf("policy = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestLocalBackendServesFacade(t *testing.T) {
	ls := newLocal(t)
	f := New(NewLocalBackend(ls, func(pw string) (string, error) { return auth.HashPasswordCost(pw, bcrypt.MinCost) }), Options{})
	ctx := WithActor(context.Background(), "2")

	u, err := f.Login(ctx, "STUDENT@bolashak.kz", domain.DefaultPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if u.ID != "2" || u.PasswordHash != "" {
		t.Fatalf("login user = %+v", u)
	}
	if _, err := f.Login(ctx, "student@bolashak.kz", "wrong-password"); domain.HTTPStatus(err) != http.StatusUnauthorized {
		t.Fatalf("bad password err = %v", err)
	}
	if _, err := f.Login(ctx, "nobody@bolashak.kz", "whatever"); !domain.IsNotFound(err) {
		t.Fatalf("unknown user err = %v", err)
	}

	reg, err := f.Register(ctx, Credentials{Email: "new@bolashak.kz", Password: "secret12", Name: "Айгерим"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Role != domain.RoleStudent || reg.PasswordHash != "" {
		t.Fatalf("registered = %+v", reg)
	}
	if _, err := f.Register(ctx, Credentials{Email: "boss@bolashak.kz", Password: "secret12", Name: "Boss", Role: domain.RoleAdmin}); !domain.IsValidation(err) {
		t.Fatalf("self-admin err = %v", err)
	}
	f.Wait()

	if _, err := f.SaveMessage(ctx, domain.Message{UserID: "2", AgentID: domain.AgentAbitur, Role: domain.MessageRoleUser, Content: "привет"}); err != nil {
		t.Fatalf("save message: %v", err)
	}
	f.Wait()
	events, err := ls.AuditLog(ctx)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(events) != 2 || events[0].Type != "chat_message" || events[1].Type != "user_register" {
		t.Fatalf("audit = %+v", events)
	}
}
