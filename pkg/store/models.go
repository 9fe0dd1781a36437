package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"bolashakai/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	Name         string `gorm:"not null"`
	Role         string `gorm:"not null"`
	Avatar       string
	Department   string
	PasswordHash string    `gorm:"not null"`
	JoinedAt     time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type MessageModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index:idx_messages_user_agent"`
	AgentID    string `gorm:"not null;index:idx_messages_user_agent"`
	Role       string `gorm:"not null"`
	Content    string `gorm:"type:text;not null"`
	Attachment string `gorm:"type:text"`
	LatencyMs  int64
	Timestamp  time.Time `gorm:"not null;index"`
}

func (MessageModel) TableName() string { return "messages" }

type NotificationModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	Title     string `gorm:"not null"`
	Message   string `gorm:"type:text;not null"`
	IsRead    bool   `gorm:"not null;default:false"`
	Severity  string `gorm:"not null;default:INFO"`
	Link      string
	CreatedBy string
	CreatedAt time.Time `gorm:"not null;index"`
}

func (NotificationModel) TableName() string { return "notifications" }

type DocModel struct {
	ID        string     `gorm:"primaryKey"`
	UserID    string     `gorm:"not null;index"`
	Title     string     `gorm:"not null"`
	Content   string     `gorm:"type:text;not null"`
	CreatedAt time.Time  `gorm:"not null;index"`
	UpdatedAt *time.Time `gorm:"autoUpdateTime:false"`
}

func (DocModel) TableName() string { return "docs" }

type FeedbackModel struct {
	ID        string `gorm:"primaryKey"`
	MessageID string `gorm:"uniqueIndex;not null"`
	UserID    string `gorm:"not null"`
	AgentID   string `gorm:"not null"`
	Rating    int    `gorm:"not null"`
	Comment   string
	CreatedAt time.Time `gorm:"not null"`
}

func (FeedbackModel) TableName() string { return "message_feedback" }

type AuditModel struct {
	ID          string    `gorm:"primaryKey"`
	At          time.Time `gorm:"not null;index"`
	ActorUserID string
	Type        string         `gorm:"not null;index"`
	Details     datatypes.JSON `gorm:"type:jsonb"`
}

func (AuditModel) TableName() string { return "audit_log" }

type CaseModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index:idx_cases_user_agent"`
	AgentID   string `gorm:"not null;index:idx_cases_user_agent"`
	CaseType  string `gorm:"not null"`
	Title     string
	Status    string         `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (CaseModel) TableName() string { return "workflow_cases" }

type CaseMessageModel struct {
	ID           string `gorm:"primaryKey"`
	CaseID       string `gorm:"not null;index"`
	AuthorUserID string
	AuthorRole   string    `gorm:"not null"`
	Message      string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

func (CaseMessageModel) TableName() string { return "case_messages" }

type UiItemModel struct {
	ID        string `gorm:"primaryKey"`
	AgentID   string `gorm:"not null;index:idx_ui_items_agent_kind"`
	Kind      string `gorm:"not null;index:idx_ui_items_agent_kind"`
	GroupKey  string
	Title     string `gorm:"not null"`
	Content   string `gorm:"type:text"`
	Meta      datatypes.JSON `gorm:"type:jsonb"`
	Sort      int            `gorm:"not null;default:0"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (UiItemModel) TableName() string { return "ui_items" }

func allModels() []any {
	return []any{
		&UserModel{}, &MessageModel{}, &NotificationModel{}, &DocModel{}, &FeedbackModel{},
		&AuditModel{}, &CaseModel{}, &CaseMessageModel{}, &UiItemModel{},
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		Role:         string(u.Role),
		Avatar:       u.Avatar,
		Department:   u.Department,
		PasswordHash: u.PasswordHash,
		JoinedAt:     u.JoinedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Name:         m.Name,
		Role:         domain.Role(m.Role),
		Avatar:       m.Avatar,
		Department:   m.Department,
		PasswordHash: m.PasswordHash,
		JoinedAt:     m.JoinedAt.UTC(),
	}
}

func messageToModel(m domain.Message) MessageModel {
	return MessageModel{
		ID:         m.ID,
		UserID:     m.UserID,
		AgentID:    string(m.AgentID),
		Role:       string(m.Role),
		Content:    m.Content,
		Attachment: m.Attachment,
		LatencyMs:  m.LatencyMs,
		Timestamp:  m.Timestamp,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:         m.ID,
		UserID:     m.UserID,
		AgentID:    domain.AgentID(m.AgentID),
		Role:       domain.MessageRole(m.Role),
		Content:    m.Content,
		Attachment: m.Attachment,
		LatencyMs:  m.LatencyMs,
		Timestamp:  m.Timestamp.UTC(),
	}
}

func notificationToModel(n domain.Notification) NotificationModel {
	return NotificationModel{
		ID:        n.ID,
		UserID:    n.UserID,
		Title:     n.Title,
		Message:   n.Message,
		IsRead:    n.IsRead,
		Severity:  string(n.Severity),
		Link:      n.Link,
		CreatedBy: n.CreatedBy,
		CreatedAt: n.CreatedAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	return domain.Notification{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		Message:   m.Message,
		IsRead:    m.IsRead,
		Severity:  domain.Severity(m.Severity),
		Link:      m.Link,
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

func docToModel(d domain.Doc) DocModel {
	return DocModel{ID: d.ID, UserID: d.UserID, Title: d.Title, Content: d.Content, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

func docFromModel(m DocModel) domain.Doc {
	d := domain.Doc{ID: m.ID, UserID: m.UserID, Title: m.Title, Content: m.Content, CreatedAt: m.CreatedAt.UTC()}
	if m.UpdatedAt != nil {
		at := m.UpdatedAt.UTC()
		d.UpdatedAt = &at
	}
	return d
}

func feedbackToModel(f domain.MessageFeedback) FeedbackModel {
	return FeedbackModel{
		ID:        f.ID,
		MessageID: f.MessageID,
		UserID:    f.UserID,
		AgentID:   string(f.AgentID),
		Rating:    f.Rating,
		Comment:   f.Comment,
		CreatedAt: f.CreatedAt,
	}
}

func feedbackFromModel(m FeedbackModel) domain.MessageFeedback {
	return domain.MessageFeedback{
		ID:        m.ID,
		MessageID: m.MessageID,
		UserID:    m.UserID,
		AgentID:   domain.AgentID(m.AgentID),
		Rating:    m.Rating,
		Comment:   m.Comment,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

func auditToModel(ev domain.AuditEvent) AuditModel {
	return AuditModel{ID: ev.ID, At: ev.At, ActorUserID: ev.ActorUserID, Type: ev.Type, Details: attrsToJSON(ev.Details)}
}

func auditFromModel(m AuditModel) domain.AuditEvent {
	return domain.AuditEvent{ID: m.ID, At: m.At.UTC(), ActorUserID: m.ActorUserID, Type: m.Type, Details: attrsFromJSON(m.Details)}
}

func caseToModel(c domain.WorkflowCase) CaseModel {
	return CaseModel{
		ID:        c.ID,
		UserID:    c.UserID,
		AgentID:   string(c.AgentID),
		CaseType:  c.CaseType,
		Title:     c.Title,
		Status:    string(c.Status),
		Payload:   attrsToJSON(c.Payload),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func caseFromModel(m CaseModel) domain.WorkflowCase {
	return domain.WorkflowCase{
		ID:        m.ID,
		UserID:    m.UserID,
		AgentID:   domain.AgentID(m.AgentID),
		CaseType:  m.CaseType,
		Title:     m.Title,
		Status:    domain.CaseStatus(m.Status),
		Payload:   attrsFromJSON(m.Payload),
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func caseMessageToModel(m domain.CaseMessage) CaseMessageModel {
	return CaseMessageModel{
		ID:           m.ID,
		CaseID:       m.CaseID,
		AuthorUserID: m.AuthorUserID,
		AuthorRole:   string(m.AuthorRole),
		Message:      m.Message,
		CreatedAt:    m.CreatedAt,
	}
}

func caseMessageFromModel(m CaseMessageModel) domain.CaseMessage {
	return domain.CaseMessage{
		ID:           m.ID,
		CaseID:       m.CaseID,
		AuthorUserID: m.AuthorUserID,
		AuthorRole:   domain.AuthorRole(m.AuthorRole),
		Message:      m.Message,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

func uiItemToModel(it domain.UiItem) UiItemModel {
	return UiItemModel{
		ID:        it.ID,
		AgentID:   string(it.AgentID),
		Kind:      string(it.Kind),
		GroupKey:  it.GroupKey,
		Title:     it.Title,
		Content:   it.Content,
		Meta:      attrsToJSON(it.Meta),
		Sort:      it.Sort,
		CreatedAt: it.CreatedAt,
		UpdatedAt: it.UpdatedAt,
	}
}

func uiItemFromModel(m UiItemModel) domain.UiItem {
	return domain.UiItem{
		ID:        m.ID,
		AgentID:   domain.AgentID(m.AgentID),
		Kind:      domain.UiItemKind(m.Kind),
		GroupKey:  m.GroupKey,
		Title:     m.Title,
		Content:   m.Content,
		Meta:      attrsFromJSON(m.Meta),
		Sort:      m.Sort,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

// attrsToJSON stores nil attrs as SQL NULL.
func attrsToJSON(a domain.Attrs) datatypes.JSON {
	if a == nil {
		return nil
	}
	raw, _ := json.Marshal(a)
	return datatypes.JSON(raw)
}

func attrsFromJSON(raw datatypes.JSON) domain.Attrs {
	if len(raw) == 0 {
		return nil
	}
	var a domain.Attrs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil
	}
	return a
}
