package dataaccess

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"bolashakai/internal/util"
	"bolashakai/pkg/domain"
)

// CaseProvider serves workflow cases and their message threads.
type CaseProvider interface {
	Cases(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.WorkflowCase, error)
	Case(ctx context.Context, id string) (domain.WorkflowCase, error)
	CreateCase(ctx context.Context, c domain.WorkflowCase) (domain.WorkflowCase, error)
	UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.WorkflowCase, error)
	CaseMessages(ctx context.Context, caseID string) ([]domain.CaseMessage, error)
	AddCaseMessage(ctx context.Context, m domain.CaseMessage) (domain.CaseMessage, error)
}

// CatalogProvider serves UI catalog rows.
type CatalogProvider interface {
	UiItems(ctx context.Context, agentID domain.AgentID, kind domain.UiItemKind, groupKey string) ([]domain.UiItem, error)
}

// Resource names accepted by ParsePolicy.
const (
	ResourceCases        = "cases"
	ResourceCaseMessages = "caseMessages"
	ResourceCatalog      = "catalog"
)

// Policy lists the resources allowed to fall back to the local provider.
type Policy struct {
	Cases        bool
	CaseMessages bool
	Catalog      bool
}

// DefaultPolicy enables fallback for every agent-tool resource.
func DefaultPolicy() Policy {
	return Policy{Cases: true, CaseMessages: true, Catalog: true}
}

// ParsePolicy reads resource names such as "cases,caseMessages". "none"
// disables fallback; an empty list yields DefaultPolicy.
func ParsePolicy(names []string) (Policy, error) {
	var p Policy
	seen := false
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		seen = true
		switch name {
		case ResourceCases:
			p.Cases = true
		case ResourceCaseMessages:
			p.CaseMessages = true
		case ResourceCatalog:
			p.Catalog = true
		case "none":
		default:
			return Policy{}, fmt.Errorf("unknown fallback resource %q", name)
		}
	}
	if !seen {
		return DefaultPolicy(), nil
	}
	return p, nil
}

// Resources returns the enabled resource names.
func (p Policy) Resources() []string {
	var out []string
	if p.Cases {
		out = append(out, ResourceCases)
	}
	if p.CaseMessages {
		out = append(out, ResourceCaseMessages)
	}
	if p.Catalog {
		out = append(out, ResourceCatalog)
	}
	return out
}

// withFallback runs primary and, when enabled, serves the call from secondary
// after a primary failure. Validation errors and caller cancellation are
// returned as is.
func withFallback[T any](ctx context.Context, enabled bool, resource, op string, primary, secondary func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	v, err := primary(ctx)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if !enabled || secondary == nil || domain.IsValidation(err) {
		return zero, err
	}
	util.LoggerFromContext(ctx).Warn("data api unavailable, serving locally",
		slog.String("resource", resource),
		slog.String("op", op),
		slog.String("err", err.Error()),
	)
	return secondary(ctx)
}

// FallbackCases composes a primary and a secondary CaseProvider.
type FallbackCases struct {
	Primary   CaseProvider
	Secondary CaseProvider
	Policy    Policy
}

func (f *FallbackCases) secondary() (CaseProvider, bool) {
	return f.Secondary, f.Secondary != nil
}

func (f *FallbackCases) Cases(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.WorkflowCase, error) {
	sec, ok := f.secondary()
	return withFallback(ctx, ok && f.Policy.Cases, ResourceCases, "list",
		func(ctx context.Context) ([]domain.WorkflowCase, error) { return f.Primary.Cases(ctx, userID, agentID) },
		func(ctx context.Context) ([]domain.WorkflowCase, error) { return sec.Cases(ctx, userID, agentID) },
	)
}

func (f *FallbackCases) Case(ctx context.Context, id string) (domain.WorkflowCase, error) {
	sec, ok := f.secondary()
	return withFallback(ctx, ok && f.Policy.Cases, ResourceCases, "get",
		func(ctx context.Context) (domain.WorkflowCase, error) { return f.Primary.Case(ctx, id) },
		func(ctx context.Context) (domain.WorkflowCase, error) { return sec.Case(ctx, id) },
	)
}

func (f *FallbackCases) CreateCase(ctx context.Context, c domain.WorkflowCase) (domain.WorkflowCase, error) {
	sec, ok := f.secondary()
	return withFallback(ctx, ok && f.Policy.Cases, ResourceCases, "create",
		func(ctx context.Context) (domain.WorkflowCase, error) { return f.Primary.CreateCase(ctx, c) },
		func(ctx context.Context) (domain.WorkflowCase, error) { return sec.CreateCase(ctx, c) },
	)
}

func (f *FallbackCases) UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.WorkflowCase, error) {
	sec, ok := f.secondary()
	return withFallback(ctx, ok && f.Policy.Cases, ResourceCases, "update",
		func(ctx context.Context) (domain.WorkflowCase, error) { return f.Primary.UpdateCase(ctx, id, patch) },
		func(ctx context.Context) (domain.WorkflowCase, error) { return sec.UpdateCase(ctx, id, patch) },
	)
}

func (f *FallbackCases) CaseMessages(ctx context.Context, caseID string) ([]domain.CaseMessage, error) {
	sec, ok := f.secondary()
	return withFallback(ctx, ok && f.Policy.CaseMessages, ResourceCaseMessages, "list",
		func(ctx context.Context) ([]domain.CaseMessage, error) { return f.Primary.CaseMessages(ctx, caseID) },
		func(ctx context.Context) ([]domain.CaseMessage, error) { return sec.CaseMessages(ctx, caseID) },
	)
}

func (f *FallbackCases) AddCaseMessage(ctx context.Context, m domain.CaseMessage) (domain.CaseMessage, error) {
	sec, ok := f.secondary()
	return withFallback(ctx, ok && f.Policy.CaseMessages, ResourceCaseMessages, "create",
		func(ctx context.Context) (domain.CaseMessage, error) { return f.Primary.AddCaseMessage(ctx, m) },
		func(ctx context.Context) (domain.CaseMessage, error) { return sec.AddCaseMessage(ctx, m) },
	)
}

// FallbackCatalog composes a primary and a secondary CatalogProvider.
type FallbackCatalog struct {
	Primary   CatalogProvider
	Secondary CatalogProvider
	Enabled   bool
}

func (f *FallbackCatalog) UiItems(ctx context.Context, agentID domain.AgentID, kind domain.UiItemKind, groupKey string) ([]domain.UiItem, error) {
	return withFallback(ctx, f.Enabled && f.Secondary != nil, ResourceCatalog, "list",
		func(ctx context.Context) ([]domain.UiItem, error) {
			return f.Primary.UiItems(ctx, agentID, kind, groupKey)
		},
		func(ctx context.Context) ([]domain.UiItem, error) {
			return f.Secondary.UiItems(ctx, agentID, kind, groupKey)
		},
	)
}

var (
	_ CaseProvider    = (*FallbackCases)(nil)
	_ CatalogProvider = (*FallbackCatalog)(nil)
	_ CaseProvider    = (*RemoteClient)(nil)
	_ CatalogProvider = (*RemoteClient)(nil)
)
