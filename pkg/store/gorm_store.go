package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bolashakai/pkg/auth"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/localstore"
)

const migrateLockID int64 = 52190417

const (
	maxCases        = 100
	maxCaseMessages = 500
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db   *gorm.DB
	hash func(string) (string, error)
}

// NewGormStore opens the DB, runs auto-migrations and seeds demo data.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &GormStore{db: db, hash: auth.HashPassword}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(allModels()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return s.seed(tx)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// seed inserts demo users and notifications into an empty users table and
// adds any missing catalog item.
func (s *GormStore) seed(tx *gorm.DB) error {
	var count int64
	if err := tx.Model(&UserModel{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	now := time.Now().UTC()
	if count == 0 {
		hash, err := s.hash(domain.DefaultPassword)
		if err != nil {
			return fmt.Errorf("hash default password: %w", err)
		}
		users := make([]UserModel, 0, 3)
		for _, u := range domain.DemoUsers(hash, now) {
			users = append(users, userToModel(u))
		}
		notes := make([]NotificationModel, 0, 2)
		for _, n := range domain.DemoNotifications(now) {
			notes = append(notes, notificationToModel(n))
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&users).Error; err != nil {
			return fmt.Errorf("seed users: %w", err)
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&notes).Error; err != nil {
			return fmt.Errorf("seed notifications: %w", err)
		}
	}
	items := make([]UiItemModel, 0)
	for _, it := range domain.CatalogSeed(now) {
		items = append(items, uiItemToModel(it))
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&items).Error; err != nil {
		return fmt.Errorf("seed ui items: %w", err)
	}
	return nil
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func emailConflict(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &domain.ConflictError{Resource: "user", Message: "email already exists"}
	}
	return err
}

// Users returns all users ordered by join date.
func (s *GormStore) Users(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("joined_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UserByEmail looks up a user by normalized email.
func (s *GormStore) UserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", domain.NormalizeEmail(email)).First(&model).Error; err != nil {
		if notFound(err) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UserByID returns a user by ID.
func (s *GormStore) UserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if notFound(err) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateUser inserts a user. A duplicate email is a ConflictError.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	u.Email = domain.NormalizeEmail(u.Email)
	u.Name = strings.TrimSpace(u.Name)
	switch {
	case u.Email == "":
		return domain.User{}, domain.Required("email")
	case u.Name == "":
		return domain.User{}, domain.Required("name")
	}
	if u.Role == "" {
		u.Role = domain.RoleStudent
	}
	if !domain.ValidRole(u.Role) {
		return domain.User{}, domain.Invalid("role", "unknown role "+string(u.Role))
	}
	if u.ID == "" {
		u.ID = domain.NewID("u_")
	}
	if u.JoinedAt.IsZero() {
		u.JoinedAt = time.Now().UTC()
	}
	if u.PasswordHash == "" {
		hash, err := s.hash(domain.DefaultPassword)
		if err != nil {
			return domain.User{}, err
		}
		u.PasswordHash = hash
	}
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.User{}, emailConflict(err)
	}
	return u, nil
}

// UpdateUser applies the non-nil patch fields.
func (s *GormStore) UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error) {
	updates := map[string]any{}
	if patch.Email != nil {
		email := domain.NormalizeEmail(*patch.Email)
		if email == "" {
			return domain.User{}, domain.Required("email")
		}
		updates["email"] = email
	}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.Role != nil {
		if !domain.ValidRole(*patch.Role) {
			return domain.User{}, domain.Invalid("role", "unknown role "+string(*patch.Role))
		}
		updates["role"] = string(*patch.Role)
	}
	if patch.Avatar != nil {
		updates["avatar"] = *patch.Avatar
	}
	if patch.Department != nil {
		updates["department"] = *patch.Department
	}
	if patch.PasswordHash != nil {
		updates["password_hash"] = *patch.PasswordHash
	} else if patch.Password != nil {
		hash, err := s.hash(*patch.Password)
		if err != nil {
			return domain.User{}, err
		}
		updates["password_hash"] = hash
	}

	var model UserModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if notFound(err) {
				return &domain.NotFoundError{Resource: "user", ID: id}
			}
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&model).Updates(updates).Error; err != nil {
			return emailConflict(err)
		}
		return tx.First(&model, "id = ?", id).Error
	})
	if err != nil {
		return domain.User{}, err
	}
	return userFromModel(model), nil
}

// Messages returns every message, newest first.
func (s *GormStore) Messages(ctx context.Context) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).Order("timestamp DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// MessagesFor returns one conversation in chronological order.
func (s *GormStore) MessagesFor(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND agent_id = ?", userID, string(agentID)).
		Order("timestamp ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// SaveMessage records a chat turn.
func (s *GormStore) SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	if err := localstore.ValidateMessage(m); err != nil {
		return domain.Message{}, err
	}
	if m.ID == "" {
		m.ID = domain.NewID("m_")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	model := messageToModel(m)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// ClearMessages deletes one conversation.
func (s *GormStore) ClearMessages(ctx context.Context, userID string, agentID domain.AgentID) (int, error) {
	res := s.db.WithContext(ctx).Delete(&MessageModel{}, "user_id = ? AND agent_id = ?", userID, string(agentID))
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Notifications returns every notification, newest first.
func (s *GormStore) Notifications(ctx context.Context) ([]domain.Notification, error) {
	return s.listNotifications(ctx)
}

// NotificationsFor returns one user's notifications, newest first.
func (s *GormStore) NotificationsFor(ctx context.Context, userID string) ([]domain.Notification, error) {
	return s.listNotifications(ctx, "user_id = ?", userID)
}

func (s *GormStore) listNotifications(ctx context.Context, conds ...any) ([]domain.Notification, error) {
	var models []NotificationModel
	tx := s.db.WithContext(ctx).Order("created_at DESC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

// CountUnread counts a user's unread notifications.
func (s *GormStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&NotificationModel{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// MarkRead flags a notification as read.
func (s *GormStore) MarkRead(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&NotificationModel{}).Where("id = ?", id).Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &domain.NotFoundError{Resource: "notification", ID: id}
	}
	return nil
}

// CreateNotification inserts one notification.
func (s *GormStore) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	switch {
	case n.UserID == "":
		return domain.Notification{}, domain.Required("userId")
	case strings.TrimSpace(n.Title) == "":
		return domain.Notification{}, domain.Required("title")
	case strings.TrimSpace(n.Message) == "":
		return domain.Notification{}, domain.Required("message")
	}
	if n.Severity == "" {
		n.Severity = domain.SeverityInfo
	}
	if !domain.ValidSeverity(n.Severity) {
		return domain.Notification{}, domain.Invalid("severity", "unknown severity "+string(n.Severity))
	}
	if n.ID == "" {
		n.ID = domain.NewID("n_")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	model := notificationToModel(n)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

// Broadcast inserts one notification per user in a single transaction.
func (s *GormStore) Broadcast(ctx context.Context, title, message string, opts domain.BroadcastOptions) ([]domain.Notification, error) {
	title, message = strings.TrimSpace(title), strings.TrimSpace(message)
	switch {
	case title == "":
		return nil, domain.Required("title")
	case message == "":
		return nil, domain.Required("message")
	}
	if opts.Severity == "" {
		opts.Severity = domain.SeverityInfo
	}
	if !domain.ValidSeverity(opts.Severity) {
		return nil, domain.Invalid("severity", "unknown severity "+string(opts.Severity))
	}
	var created []domain.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&UserModel{}).Order("joined_at ASC").Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		now := time.Now().UTC()
		models := make([]NotificationModel, 0, len(ids))
		for _, id := range ids {
			n := domain.Notification{
				ID:        domain.NewID("n_"),
				UserID:    id,
				Title:     title,
				Message:   message,
				Severity:  opts.Severity,
				Link:      opts.Link,
				CreatedBy: opts.CreatedBy,
				CreatedAt: now,
			}
			created = append(created, n)
			models = append(models, notificationToModel(n))
		}
		return tx.CreateInBatches(&models, 200).Error
	})
	if err != nil {
		return nil, err
	}
	if created == nil {
		created = []domain.Notification{}
	}
	return created, nil
}

// Docs returns every doc, newest first.
func (s *GormStore) Docs(ctx context.Context) ([]domain.Doc, error) {
	return s.listDocs(ctx)
}

// DocsFor returns one user's docs, newest first.
func (s *GormStore) DocsFor(ctx context.Context, userID string) ([]domain.Doc, error) {
	return s.listDocs(ctx, "user_id = ?", userID)
}

func (s *GormStore) listDocs(ctx context.Context, conds ...any) ([]domain.Doc, error) {
	var models []DocModel
	tx := s.db.WithContext(ctx).Order("created_at DESC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Doc, 0, len(models))
	for _, m := range models {
		res = append(res, docFromModel(m))
	}
	return res, nil
}

// CreateDoc inserts a doc.
func (s *GormStore) CreateDoc(ctx context.Context, d domain.Doc) (domain.Doc, error) {
	switch {
	case d.UserID == "":
		return domain.Doc{}, domain.Required("userId")
	case strings.TrimSpace(d.Title) == "":
		return domain.Doc{}, domain.Required("title")
	}
	if d.ID == "" {
		d.ID = domain.NewID("d_")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	model := docToModel(d)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Doc{}, err
	}
	return d, nil
}

// UpdateDoc keeps fields the patch leaves nil and stamps updated_at.
func (s *GormStore) UpdateDoc(ctx context.Context, id string, patch domain.DocPatch) (domain.Doc, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return domain.Doc{}, domain.Required("title")
	}
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.Content != nil {
		updates["content"] = *patch.Content
	}
	var model DocModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&DocModel{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &domain.NotFoundError{Resource: "doc", ID: id}
		}
		return tx.First(&model, "id = ?", id).Error
	})
	if err != nil {
		return domain.Doc{}, err
	}
	return docFromModel(model), nil
}

// RemoveDoc deletes a doc.
func (s *GormStore) RemoveDoc(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&DocModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &domain.NotFoundError{Resource: "doc", ID: id}
	}
	return nil
}

// Feedback returns every feedback row, newest first.
func (s *GormStore) Feedback(ctx context.Context) ([]domain.MessageFeedback, error) {
	var models []FeedbackModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.MessageFeedback, 0, len(models))
	for _, m := range models {
		res = append(res, feedbackFromModel(m))
	}
	return res, nil
}

// FeedbackFor returns the feedback for one message.
func (s *GormStore) FeedbackFor(ctx context.Context, messageID string) (domain.MessageFeedback, bool, error) {
	var model FeedbackModel
	if err := s.db.WithContext(ctx).First(&model, "message_id = ?", messageID).Error; err != nil {
		if notFound(err) {
			return domain.MessageFeedback{}, false, nil
		}
		return domain.MessageFeedback{}, false, err
	}
	return feedbackFromModel(model), true, nil
}

// UpsertFeedback inserts or overwrites rating and comment on message_id.
func (s *GormStore) UpsertFeedback(ctx context.Context, fb domain.MessageFeedback) (domain.MessageFeedback, error) {
	if err := localstore.ValidateFeedback(fb); err != nil {
		return domain.MessageFeedback{}, err
	}
	if fb.ID == "" {
		fb.ID = domain.NewID("f_")
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	model := feedbackToModel(fb)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rating", "comment"}),
	}).Create(&model).Error; err != nil {
		return domain.MessageFeedback{}, err
	}
	stored, ok, err := s.FeedbackFor(ctx, fb.MessageID)
	if err != nil {
		return domain.MessageFeedback{}, err
	}
	if !ok {
		return fb, nil
	}
	return stored, nil
}

// AuditLog returns the newest AuditListLimit events.
func (s *GormStore) AuditLog(ctx context.Context) ([]domain.AuditEvent, error) {
	var models []AuditModel
	if err := s.db.WithContext(ctx).Order("at DESC").Limit(AuditListLimit).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AuditEvent, 0, len(models))
	for _, m := range models {
		res = append(res, auditFromModel(m))
	}
	return res, nil
}

// LogAudit inserts one event.
func (s *GormStore) LogAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	if strings.TrimSpace(ev.Type) == "" {
		return domain.AuditEvent{}, domain.Required("type")
	}
	if err := ev.Details.Validate(); err != nil {
		return domain.AuditEvent{}, err
	}
	if ev.ID == "" {
		ev.ID = domain.NewID("a_")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	model := auditToModel(ev)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.AuditEvent{}, err
	}
	return ev, nil
}

// ClearAudit truncates the audit log.
func (s *GormStore) ClearAudit(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&AuditModel{}).Error
}

// Cases returns a user's cases for one agent, newest first.
func (s *GormStore) Cases(ctx context.Context, userID string, agentID domain.AgentID) ([]domain.WorkflowCase, error) {
	var models []CaseModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND agent_id = ?", userID, string(agentID)).
		Order("created_at DESC").
		Limit(maxCases).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.WorkflowCase, 0, len(models))
	for _, m := range models {
		res = append(res, caseFromModel(m))
	}
	return res, nil
}

// Case returns one case by id.
func (s *GormStore) Case(ctx context.Context, id string) (domain.WorkflowCase, error) {
	var model CaseModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.WorkflowCase{}, &domain.NotFoundError{Resource: "case", ID: id}
	}
	if err != nil {
		return domain.WorkflowCase{}, err
	}
	return caseFromModel(model), nil
}

// CreateCase opens a case with status OPEN unless one is given.
func (s *GormStore) CreateCase(ctx context.Context, c domain.WorkflowCase) (domain.WorkflowCase, error) {
	if err := localstore.ValidateCase(c); err != nil {
		return domain.WorkflowCase{}, err
	}
	if c.ID == "" {
		c.ID = domain.NewID("c_")
	}
	if c.Status == "" {
		c.Status = domain.CaseOpen
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	model := caseToModel(c)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.WorkflowCase{}, err
	}
	return c, nil
}

// UpdateCase keeps fields the patch leaves nil and stamps updated_at.
func (s *GormStore) UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.WorkflowCase, error) {
	if err := localstore.ValidateCasePatch(patch); err != nil {
		return domain.WorkflowCase{}, err
	}
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.Payload != nil {
		updates["payload"] = attrsToJSON(patch.Payload)
	}
	var model CaseModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CaseModel{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &domain.NotFoundError{Resource: "case", ID: id}
		}
		return tx.First(&model, "id = ?", id).Error
	})
	if err != nil {
		return domain.WorkflowCase{}, err
	}
	return caseFromModel(model), nil
}

// CaseMessages returns a case thread, oldest first.
func (s *GormStore) CaseMessages(ctx context.Context, caseID string) ([]domain.CaseMessage, error) {
	var models []CaseMessageModel
	if err := s.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("created_at ASC").
		Limit(maxCaseMessages).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.CaseMessage, 0, len(models))
	for _, m := range models {
		res = append(res, caseMessageFromModel(m))
	}
	return res, nil
}

// AddCaseMessage appends to a case thread.
func (s *GormStore) AddCaseMessage(ctx context.Context, m domain.CaseMessage) (domain.CaseMessage, error) {
	if err := localstore.ValidateCaseMessage(m); err != nil {
		return domain.CaseMessage{}, err
	}
	if m.AuthorRole != domain.AuthorAdmin {
		m.AuthorRole = domain.AuthorUser
	}
	if m.ID == "" {
		m.ID = domain.NewID("cm_")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	model := caseMessageToModel(m)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.CaseMessage{}, err
	}
	return m, nil
}

// UiItems returns catalog items ordered by sort then title.
func (s *GormStore) UiItems(ctx context.Context, agentID domain.AgentID, kind domain.UiItemKind, groupKey string) ([]domain.UiItem, error) {
	tx := s.db.WithContext(ctx).Where("agent_id = ? AND kind = ?", string(agentID), string(kind))
	if groupKey != "" {
		tx = tx.Where("group_key = ?", groupKey)
	}
	var models []UiItemModel
	if err := tx.Order("sort ASC").Order("title ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.UiItem, 0, len(models))
	for _, m := range models {
		res = append(res, uiItemFromModel(m))
	}
	return res, nil
}

// PutUiItems upserts catalog items by id.
func (s *GormStore) PutUiItems(ctx context.Context, items []domain.UiItem) error {
	if len(items) == 0 {
		return nil
	}
	models := make([]UiItemModel, 0, len(items))
	for _, it := range items {
		if err := it.Meta.Validate(); err != nil {
			return err
		}
		models = append(models, uiItemToModel(it))
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&models).Error
}

// ExportAll snapshots the six bundle tables.
func (s *GormStore) ExportAll(ctx context.Context) (backup.Bundle, error) {
	var t backup.Tables
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var users []UserModel
		if err := tx.Order("joined_at ASC").Find(&users).Error; err != nil {
			return err
		}
		var msgs []MessageModel
		if err := tx.Order("timestamp ASC").Find(&msgs).Error; err != nil {
			return err
		}
		var notes []NotificationModel
		if err := tx.Order("created_at ASC").Find(&notes).Error; err != nil {
			return err
		}
		var docs []DocModel
		if err := tx.Order("created_at ASC").Find(&docs).Error; err != nil {
			return err
		}
		var fbs []FeedbackModel
		if err := tx.Order("created_at ASC").Find(&fbs).Error; err != nil {
			return err
		}
		var audit []AuditModel
		if err := tx.Order("at ASC").Find(&audit).Error; err != nil {
			return err
		}
		t.Users = mapRows(users, userFromModel)
		t.Messages = mapRows(msgs, messageFromModel)
		t.Notifications = mapRows(notes, notificationFromModel)
		t.Docs = mapRows(docs, docFromModel)
		t.Feedback = mapRows(fbs, feedbackFromModel)
		t.Audit = mapRows(audit, auditFromModel)
		return nil
	})
	if err != nil {
		return backup.Bundle{}, err
	}
	return backup.New(t, time.Now()), nil
}

// ImportAll writes the tables present in b. Replace truncates each present
// table before inserting; merge upserts by primary key, feedback by
// message_id. The whole import runs in one transaction. A row that collides
// on another unique key, such as a user email under a new id, is a
// ConflictError.
func (s *GormStore) ImportAll(ctx context.Context, b backup.Bundle, mode backup.Mode) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if mode != backup.ModeReplace && mode != backup.ModeMerge {
		return domain.Invalid("mode", "unsupported import mode "+string(mode))
	}
	in := *b.Tables
	steps := []struct {
		table string
		model any
		rows  func() any
		key   string
	}{
		{backup.TableUsers, &UserModel{}, func() any { return mapRows(in.Users, userToModel) }, "id"},
		{backup.TableMessages, &MessageModel{}, func() any { return mapRows(in.Messages, messageToModel) }, "id"},
		{backup.TableNotifications, &NotificationModel{}, func() any { return mapRows(in.Notifications, notificationToModel) }, "id"},
		{backup.TableDocs, &DocModel{}, func() any { return mapRows(in.Docs, docToModel) }, "id"},
		{backup.TableFeedback, &FeedbackModel{}, func() any { return mapRows(backup.UpsertFeedback(nil, in.Feedback...), feedbackToModel) }, "message_id"},
		{backup.TableAudit, &AuditModel{}, func() any { return mapRows(in.Audit, auditToModel) }, "id"},
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, step := range steps {
			if !in.Has(step.table) {
				continue
			}
			if mode == backup.ModeReplace {
				if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(step.model).Error; err != nil {
					return fmt.Errorf("truncate %s: %w", step.table, err)
				}
			}
			rows := step.rows()
			if isEmpty(rows) {
				continue
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: step.key}},
				UpdateAll: true,
			}).CreateInBatches(rows, 200).Error; err != nil {
				return importError(step.table, err)
			}
		}
		return nil
	})
}

func importError(table string, err error) error {
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("import %s: %w", table, err)
	}
	if table == backup.TableUsers {
		return &domain.ConflictError{Resource: "user", Message: "imported user email already exists"}
	}
	return &domain.ConflictError{Resource: table, Message: "imported row collides with an existing key"}
}

func mapRows[From, To any](rows []From, fn func(From) To) []To {
	out := make([]To, 0, len(rows))
	for _, r := range rows {
		out = append(out, fn(r))
	}
	return out
}

func isEmpty(rows any) bool {
	switch v := rows.(type) {
	case []UserModel:
		return len(v) == 0
	case []MessageModel:
		return len(v) == 0
	case []NotificationModel:
		return len(v) == 0
	case []DocModel:
		return len(v) == 0
	case []FeedbackModel:
		return len(v) == 0
	case []AuditModel:
		return len(v) == 0
	}
	return true
}
