package domain

import "time"

type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleAlumni  Role = "ALUMNI"
	RoleFaculty Role = "FACULTY"
	RoleAdmin   Role = "ADMIN"
)

type MessageRole string

const (
	MessageRoleUser  MessageRole = "user"
	MessageRoleModel MessageRole = "model"
)

type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityAlert Severity = "ALERT"
)

type CaseStatus string

const (
	CaseOpen       CaseStatus = "OPEN"
	CaseInProgress CaseStatus = "IN_PROGRESS"
	CaseResolved   CaseStatus = "RESOLVED"
	CaseClosed     CaseStatus = "CLOSED"
)

type AuthorRole string

const (
	AuthorUser  AuthorRole = "USER"
	AuthorAdmin AuthorRole = "ADMIN"
)

type UiItemKind string

const (
	KindCategory  UiItemKind = "category"
	KindQuick     UiItemKind = "quick"
	KindReference UiItemKind = "reference"
	KindTopic     UiItemKind = "topic"
	KindProcedure UiItemKind = "procedure"
	KindRequest   UiItemKind = "request"
	KindSchedule  UiItemKind = "schedule"
	KindDirection UiItemKind = "direction"
	KindOffer     UiItemKind = "offer"
	KindResumeTip UiItemKind = "resume_tip"
)

// User is a portal account. PasswordHash travels in backup bundles and must be
// stripped with Public before leaving the service boundary.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	Avatar       string    `json:"avatar,omitempty"`
	Department   string    `json:"department,omitempty"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Public returns a copy without credentials.
func (u User) Public() User {
	u.PasswordHash = ""
	return u
}

type Message struct {
	ID         string      `json:"id"`
	UserID     string      `json:"userId"`
	AgentID    AgentID     `json:"agentId"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	Attachment string      `json:"attachment,omitempty"`
	LatencyMs  int64       `json:"latencyMs,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"isRead"`
	Severity  Severity  `json:"severity,omitempty"`
	Link      string    `json:"link,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Doc struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// MessageFeedback is unique per MessageID.
type MessageFeedback struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	AgentID   AgentID   `json:"agentId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type AuditEvent struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	ActorUserID string    `json:"actorUserId,omitempty"`
	Type        string    `json:"type"`
	Details     Attrs     `json:"details,omitempty"`
}

type WorkflowCase struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	AgentID   AgentID    `json:"agentId"`
	CaseType  string     `json:"caseType"`
	Title     string     `json:"title,omitempty"`
	Status    CaseStatus `json:"status"`
	Payload   Attrs      `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type CaseMessage struct {
	ID           string     `json:"id"`
	CaseID       string     `json:"caseId"`
	AuthorUserID string     `json:"authorUserId,omitempty"`
	AuthorRole   AuthorRole `json:"authorRole"`
	Message      string     `json:"message"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// UiItem is a catalog row driving agent quick actions and reference panels.
type UiItem struct {
	ID        string     `json:"id"`
	AgentID   AgentID    `json:"agentId"`
	Kind      UiItemKind `json:"kind"`
	GroupKey  string     `json:"groupKey,omitempty"`
	Title     string     `json:"title"`
	Content   string     `json:"content,omitempty"`
	Meta      Attrs      `json:"meta,omitempty"`
	Sort      int        `json:"sort"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Patch types carry optional fields for shallow-merge updates.

type UserPatch struct {
	Email        *string `json:"email,omitempty"`
	Name         *string `json:"name,omitempty"`
	Role         *Role   `json:"role,omitempty"`
	Avatar       *string `json:"avatar,omitempty"`
	Department   *string `json:"department,omitempty"`
	Password     *string `json:"password,omitempty"`
	PasswordHash *string `json:"-"`
}

type DocPatch struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

type CasePatch struct {
	Status  *CaseStatus `json:"status,omitempty"`
	Title   *string     `json:"title,omitempty"`
	Payload Attrs       `json:"payload,omitempty"`
}

// BroadcastOptions are shared by every fan-out copy.
type BroadcastOptions struct {
	Severity  Severity `json:"severity,omitempty"`
	CreatedBy string   `json:"createdBy,omitempty"`
	Link      string   `json:"link,omitempty"`
}

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleStudent, RoleAlumni, RoleFaculty, RoleAdmin:
		return true
	}
	return false
}

func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityAlert:
		return true
	}
	return false
}

func ValidCaseStatus(s CaseStatus) bool {
	switch s {
	case CaseOpen, CaseInProgress, CaseResolved, CaseClosed:
		return true
	}
	return false
}

func ValidUiItemKind(k UiItemKind) bool {
	switch k {
	case KindCategory, KindQuick, KindReference, KindTopic, KindProcedure,
		KindRequest, KindSchedule, KindDirection, KindOffer, KindResumeTip:
		return true
	}
	return false
}
