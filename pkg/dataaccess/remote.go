package dataaccess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bolashakai/internal/servicetoken"
	"bolashakai/internal/util"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/domain"
)

// Authorizer attaches service credentials to outgoing requests.
type Authorizer interface {
	Authorize(r *http.Request, audience string) error
}

// RemoteClient calls the data API over HTTP.
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
	auth       Authorizer
}

// RemoteOptions configures a RemoteClient.
type RemoteOptions struct {
	BaseURL    string
	Timeout    time.Duration
	Authorizer Authorizer
	HTTPClient *http.Client
}

// NewRemoteClient builds a client for the data API at BaseURL.
func NewRemoteClient(opts RemoteOptions) (*RemoteClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("data api base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("data api base url: %w", err)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RemoteClient{baseURL: base, httpClient: client, auth: opts.Authorizer}, nil
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Credentials is the login/register payload.
type Credentials struct {
	Email      string      `json:"email"`
	Password   string      `json:"password"`
	Name       string      `json:"name,omitempty"`
	Role       domain.Role `json:"role,omitempty"`
	Department string      `json:"department,omitempty"`
}

// NewUser is the create-user payload. Password is optional.
type NewUser struct {
	Email      string      `json:"email"`
	Name       string      `json:"name"`
	Role       domain.Role `json:"role,omitempty"`
	Avatar     string      `json:"avatar,omitempty"`
	Department string      `json:"department,omitempty"`
	Password   string      `json:"password,omitempty"`
}

type broadcastRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	domain.BroadcastOptions
}

// users

func (c *RemoteClient) Users(ctx context.Context) ([]domain.User, error) {
	return list[domain.User](ctx, c, "/api/users", nil)
}

func (c *RemoteClient) CreateUser(ctx context.Context, in NewUser) (domain.User, error) {
	var out domain.User
	err := c.do(ctx, http.MethodPost, "/api/users", nil, in, &out)
	return out, err
}

func (c *RemoteClient) UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error) {
	var out domain.User
	err := c.do(ctx, http.MethodPatch, "/api/users", url.Values{"id": {id}}, patch, &out)
	return out, err
}

func (c *RemoteClient) Login(ctx context.Context, email, password string) (domain.User, error) {
	var out domain.User
	body := Credentials{Email: email, Password: password}
	err := c.do(ctx, http.MethodPost, "/api/auth", url.Values{"mode": {"login"}}, body, &out)
	return out, err
}

func (c *RemoteClient) Register(ctx context.Context, in Credentials) (domain.User, error) {
	var out domain.User
	err := c.do(ctx, http.MethodPost, "/api/auth", url.Values{"mode": {"register"}}, in, &out)
	return out, err
}

// messages

func (c *RemoteClient) Messages(ctx context.Context) ([]domain.Message, error) {
	return list[domain.Message](ctx, c, "/api/messages", nil)
}

func (c *RemoteClient) MessagesFor(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.Message, error) {
	return list[domain.Message](ctx, c, "/api/messages", url.Values{"userId": {userID}, "agentId": {string(agentID)}})
}

func (c *RemoteClient) SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	var out domain.Message
	err := c.do(ctx, http.MethodPost, "/api/messages", nil, m, &out)
	return out, err
}

func (c *RemoteClient) ClearMessages(ctx context.Context, userID string, agentID domain.AgentID) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/messages", url.Values{"userId": {userID}, "agentId": {string(agentID)}}, nil, &out)
	return out.Removed, err
}

// notifications

func (c *RemoteClient) Notifications(ctx context.Context) ([]domain.Notification, error) {
	return list[domain.Notification](ctx, c, "/api/notifications", nil)
}

func (c *RemoteClient) NotificationsFor(ctx context.Context, userID string) ([]domain.Notification, error) {
	return list[domain.Notification](ctx, c, "/api/notifications", url.Values{"userId": {userID}})
}

func (c *RemoteClient) CountUnread(ctx context.Context, userID string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/api/notifications", url.Values{"userId": {userID}, "mode": {"count"}}, nil, &out)
	return out.Count, err
}

func (c *RemoteClient) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/api/notifications", url.Values{"id": {id}}, nil, nil)
}

func (c *RemoteClient) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	var out domain.Notification
	err := c.do(ctx, http.MethodPost, "/api/notifications", nil, n, &out)
	return out, err
}

func (c *RemoteClient) Broadcast(ctx context.Context, title, message string, opts domain.BroadcastOptions) ([]domain.Notification, error) {
	var out listResponse[domain.Notification]
	body := broadcastRequest{Title: title, Message: message, BroadcastOptions: opts}
	if err := c.do(ctx, http.MethodPost, "/api/notifications", url.Values{"mode": {"broadcast"}}, body, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// docs

func (c *RemoteClient) Docs(ctx context.Context) ([]domain.Doc, error) {
	return list[domain.Doc](ctx, c, "/api/docs", nil)
}

func (c *RemoteClient) DocsFor(ctx context.Context, userID string) ([]domain.Doc, error) {
	return list[domain.Doc](ctx, c, "/api/docs", url.Values{"userId": {userID}})
}

func (c *RemoteClient) CreateDoc(ctx context.Context, d domain.Doc) (domain.Doc, error) {
	var out domain.Doc
	err := c.do(ctx, http.MethodPost, "/api/docs", nil, d, &out)
	return out, err
}

func (c *RemoteClient) UpdateDoc(ctx context.Context, id string, patch domain.DocPatch) (domain.Doc, error) {
	var out domain.Doc
	err := c.do(ctx, http.MethodPatch, "/api/docs", url.Values{"id": {id}}, patch, &out)
	return out, err
}

func (c *RemoteClient) RemoveDoc(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/docs", url.Values{"id": {id}}, nil, nil)
}

// feedback

func (c *RemoteClient) Feedback(ctx context.Context) ([]domain.MessageFeedback, error) {
	return list[domain.MessageFeedback](ctx, c, "/api/feedback", nil)
}

// FeedbackFor reports found=false when the message has no feedback yet.
func (c *RemoteClient) FeedbackFor(ctx context.Context, messageID string) (domain.MessageFeedback, bool, error) {
	rows, err := list[domain.MessageFeedback](ctx, c, "/api/feedback", url.Values{"messageId": {messageID}})
	if err != nil || len(rows) == 0 {
		return domain.MessageFeedback{}, false, err
	}
	return rows[0], true, nil
}

func (c *RemoteClient) UpsertFeedback(ctx context.Context, fb domain.MessageFeedback) (domain.MessageFeedback, error) {
	var out domain.MessageFeedback
	err := c.do(ctx, http.MethodPost, "/api/feedback", nil, fb, &out)
	return out, err
}

// audit

func (c *RemoteClient) AuditLog(ctx context.Context) ([]domain.AuditEvent, error) {
	return list[domain.AuditEvent](ctx, c, "/api/audit", nil)
}

func (c *RemoteClient) LogAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	var out domain.AuditEvent
	err := c.do(ctx, http.MethodPost, "/api/audit", nil, ev, &out)
	return out, err
}

func (c *RemoteClient) ClearAudit(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/audit", nil, nil, nil)
}

// agent tools

func (c *RemoteClient) Cases(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.WorkflowCase, error) {
	return list[domain.WorkflowCase](ctx, c, "/api/cases", url.Values{"userId": {userID}, "agentId": {string(agentID)}})
}

func (c *RemoteClient) Case(ctx context.Context, id string) (domain.WorkflowCase, error) {
	var out domain.WorkflowCase
	err := c.do(ctx, http.MethodGet, "/api/cases", url.Values{"id": {id}}, nil, &out)
	return out, err
}

func (c *RemoteClient) CreateCase(ctx context.Context, wc domain.WorkflowCase) (domain.WorkflowCase, error) {
	var out domain.WorkflowCase
	err := c.do(ctx, http.MethodPost, "/api/cases", nil, wc, &out)
	return out, err
}

func (c *RemoteClient) UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.WorkflowCase, error) {
	var out domain.WorkflowCase
	err := c.do(ctx, http.MethodPatch, "/api/cases", url.Values{"id": {id}}, patch, &out)
	return out, err
}

func (c *RemoteClient) CaseMessages(ctx context.Context, caseID string) ([]domain.CaseMessage, error) {
	return list[domain.CaseMessage](ctx, c, "/api/case-messages", url.Values{"caseId": {caseID}})
}

func (c *RemoteClient) AddCaseMessage(ctx context.Context, m domain.CaseMessage) (domain.CaseMessage, error) {
	var out domain.CaseMessage
	err := c.do(ctx, http.MethodPost, "/api/case-messages", nil, m, &out)
	return out, err
}

func (c *RemoteClient) UiItems(ctx context.Context, agentID domain.AgentID, kind domain.UiItemKind, groupKey string) ([]domain.UiItem, error) {
	q := url.Values{"agentId": {string(agentID)}, "kind": {string(kind)}}
	if groupKey != "" {
		q.Set("groupKey", groupKey)
	}
	return list[domain.UiItem](ctx, c, "/api/ui-items", q)
}

// backup

func (c *RemoteClient) ExportAll(ctx context.Context) (backup.Bundle, error) {
	var out backup.Bundle
	err := c.do(ctx, http.MethodGet, "/api/backup", nil, nil, &out)
	return out, err
}

func (c *RemoteClient) ImportAll(ctx context.Context, b backup.Bundle, mode backup.Mode) error {
	return c.do(ctx, http.MethodPost, "/api/backup", url.Values{"mode": {string(mode)}}, b, nil)
}

func list[T any](ctx context.Context, c *RemoteClient, path string, query url.Values) ([]T, error) {
	var out listResponse[T]
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	if out.Items == nil {
		return []T{}, nil
	}
	return out.Items, nil
}

// do sends one request. Transport failures and non-2xx replies come back as
// *domain.NetworkError; a done ctx is returned as ctx.Err().
func (c *RemoteClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	util.ForwardRequestID(ctx, req)
	if c.auth != nil {
		if err := c.auth.Authorize(req, servicetoken.DataAPIAudience); err != nil {
			return fmt.Errorf("sign service token: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &domain.NetworkError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return domain.ErrorFromStatus(resp.StatusCode, readErrorMessage(resp))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.NetworkError{Status: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

func readErrorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload errorResponse
	if err := json.Unmarshal(raw, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return payload.Error
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}
