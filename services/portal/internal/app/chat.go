package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"bolashakai/internal/util"
	"bolashakai/pkg/ai"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/retrieval"
)

// HistoryTurns is how many prior messages go to the model.
const HistoryTurns = 8

// Replies saved as the model turn when generation fails.
const (
	ReplyMissingKey = "Система безопасности: Отсутствует ключ API. Обратитесь к администратору."
	ReplyModelError = "Произошла ошибка связи с нейросетью. Попробуйте повторить запрос."
)

// ChatInput is one user turn.
type ChatInput struct {
	Text string `json:"text"`
	// Image is base64 JPEG data, optionally as a data URL.
	Image string `json:"image,omitempty"`
	// UseDocs grounds the reply in the caller's documents.
	UseDocs *bool `json:"useDocs,omitempty"`
}

// ChatResult holds both stored turns.
type ChatResult struct {
	Message         domain.Message `json:"message"`
	Reply           domain.Message `json:"reply"`
	DocsContextUsed bool           `json:"docsContextUsed"`
}

// History returns the caller's conversation with an agent, oldest first.
func (a *App) History(ctx context.Context, p Principal, agentID domain.AgentID) ([]domain.Message, error) {
	if _, err := a.agentFor(p, agentID); err != nil {
		return nil, err
	}
	return a.data.MessagesFor(ctx, p.UserID, agentID)
}

// ClearHistory deletes the caller's conversation with an agent.
func (a *App) ClearHistory(ctx context.Context, p Principal, agentID domain.AgentID) (int, error) {
	if _, err := a.agentFor(p, agentID); err != nil {
		return 0, err
	}
	return a.data.ClearMessages(ctx, p.UserID, agentID)
}

// Chat stores the user turn, asks the model with recent history and the best
// matching documents, and stores the reply. A model failure becomes a stored
// apology reply rather than an error.
func (a *App) Chat(ctx context.Context, p Principal, agentID domain.AgentID, in ChatInput) (ChatResult, error) {
	agent, err := a.agentFor(p, agentID)
	if err != nil {
		return ChatResult{}, err
	}
	if strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.Image) == "" {
		return ChatResult{}, ErrEmptyMessage
	}
	logger := util.LoggerFromContext(ctx)

	prior, err := a.data.MessagesFor(ctx, p.UserID, agentID)
	if err != nil {
		return ChatResult{}, err
	}
	if len(prior) > HistoryTurns {
		prior = prior[len(prior)-HistoryTurns:]
	}
	history := make([]ai.Turn, 0, len(prior))
	for _, m := range prior {
		history = append(history, ai.Turn{Role: string(m.Role), Text: m.Content})
	}

	userMsg, err := a.data.SaveMessage(ctx, domain.Message{
		UserID:     p.UserID,
		AgentID:    agentID,
		Role:       domain.MessageRoleUser,
		Content:    in.Text,
		Attachment: in.Image,
		Timestamp:  a.now().UTC(),
	})
	if err != nil {
		return ChatResult{}, err
	}

	prompt := in.Text
	used := false
	if in.UseDocs == nil || *in.UseDocs {
		docs, err := a.data.DocsFor(ctx, p.UserID)
		if err != nil {
			logger.Warn("load docs for context failed", slog.String("err", err.Error()))
		} else if docsContext, ok := retrieval.BuildContext(in.Text, docs); ok {
			prompt = retrieval.ComposePrompt(in.Text, retrieval.DefaultHeader, docsContext)
			used = true
			a.logAudit(ctx, p, "docs_context_used", domain.Attrs{"agentId": string(agentID)})
		}
	}

	started := time.Now()
	text, genErr := a.generate(ctx, ai.ChatRequest{
		System:      agent.Instruction,
		History:     history,
		Text:        prompt,
		Image:       in.Image,
		Temperature: ai.DefaultTemperature,
		TopP:        ai.DefaultTopP,
	})
	latency := time.Since(started).Milliseconds()
	if genErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ChatResult{}, ctxErr
		}
		logger.Error("model call failed", slog.String("agent", string(agentID)), slog.String("err", genErr.Error()))
		text = ReplyModelError
		if errors.Is(genErr, ai.ErrNotConfigured) {
			text = ReplyMissingKey
		}
	}

	reply, err := a.data.SaveMessage(ctx, domain.Message{
		UserID:    p.UserID,
		AgentID:   agentID,
		Role:      domain.MessageRoleModel,
		Content:   text,
		LatencyMs: latency,
		Timestamp: a.now().UTC(),
	})
	if err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Message: userMsg, Reply: reply, DocsContextUsed: used}, nil
}

func (a *App) generate(ctx context.Context, req ai.ChatRequest) (string, error) {
	if a.gen == nil {
		return "", ai.ErrNotConfigured
	}
	return a.gen.Chat(ctx, req)
}

// logAudit records an event that no data mutation covers. Failures are only
// logged.
func (a *App) logAudit(ctx context.Context, p Principal, eventType string, details domain.Attrs) {
	_, err := a.data.LogAudit(ctx, domain.AuditEvent{
		At:          a.now().UTC(),
		ActorUserID: p.UserID,
		Type:        eventType,
		Details:     details,
	})
	if err != nil {
		util.LoggerFromContext(ctx).Warn("audit write failed", slog.String("type", eventType), slog.String("err", err.Error()))
	}
}

// FeedbackInput rates one model reply.
type FeedbackInput struct {
	AgentID domain.AgentID `json:"agentId"`
	Rating  int            `json:"rating"`
	Comment string         `json:"comment,omitempty"`
}

// RateMessage stores or replaces the caller's rating of a reply. Only model
// replies in the caller's own conversation can be rated.
func (a *App) RateMessage(ctx context.Context, p Principal, messageID string, in FeedbackInput) (domain.MessageFeedback, error) {
	if _, err := a.agentFor(p, in.AgentID); err != nil {
		return domain.MessageFeedback{}, err
	}
	if err := a.ownReply(ctx, p, in.AgentID, messageID); err != nil {
		return domain.MessageFeedback{}, err
	}
	return a.data.UpsertFeedback(ctx, domain.MessageFeedback{
		MessageID: messageID,
		UserID:    p.UserID,
		AgentID:   in.AgentID,
		Rating:    in.Rating,
		Comment:   strings.TrimSpace(in.Comment),
		CreatedAt: a.now().UTC(),
	})
}

func (a *App) ownReply(ctx context.Context, p Principal, agentID domain.AgentID, messageID string) error {
	conv, err := a.data.MessagesFor(ctx, p.UserID, agentID)
	if err != nil {
		return err
	}
	for _, m := range conv {
		if m.ID == messageID && m.Role == domain.MessageRoleModel {
			return nil
		}
	}
	return &domain.NotFoundError{Resource: "message", ID: messageID}
}
