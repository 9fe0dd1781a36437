package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultPassword is assigned to demo accounts and to users migrated without a hash.
const DefaultPassword = "password"

// NewID returns prefix followed by a random UUID.
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DemoUsers returns the three seed accounts, one per tier except ALUMNI.
func DemoUsers(passwordHash string, now time.Time) []User {
	return []User{
		{ID: "1", Email: "admin@bolashak.kz", Name: "Администратор системы", Role: RoleAdmin, PasswordHash: passwordHash, JoinedAt: now},
		{ID: "2", Email: "student@bolashak.kz", Name: "Иван Иванов", Role: RoleStudent, Department: "Информационные системы", PasswordHash: passwordHash, JoinedAt: now},
		{ID: "3", Email: "profi@bolashak.kz", Name: "Д-р Ахметов", Role: RoleFaculty, Department: "Кафедра права", PasswordHash: passwordHash, JoinedAt: now},
	}
}

// DemoNotifications returns the two seed notifications for the demo student.
func DemoNotifications(now time.Time) []Notification {
	return []Notification{
		{
			ID:        "seed_n1",
			UserID:    "2",
			Title:     "Добро пожаловать в Bolashak AI",
			Message:   "Здесь появятся важные уведомления: приказы, дедлайны, объявления кафедры.",
			Severity:  SeverityInfo,
			CreatedBy: "SYSTEM",
			CreatedAt: now,
		},
		{
			ID:        "seed_n2",
			UserID:    "2",
			Title:     "Приказ №124",
			Message:   "Ознакомьтесь с новым приказом и подтвердите прочтение в личном кабинете.",
			Severity:  SeverityWarn,
			CreatedBy: "SYSTEM",
			CreatedAt: now.Add(-20 * time.Hour),
		},
	}
}

// CatalogSeed returns the built-in agent catalog.
func CatalogSeed(now time.Time) []UiItem {
	item := func(id string, agent AgentID, kind UiItemKind, group, title, content string, order int) UiItem {
		return UiItem{ID: id, AgentID: agent, Kind: kind, GroupKey: group, Title: title, Content: content, Sort: order, CreatedAt: now, UpdatedAt: now}
	}
	return []UiItem{
		item("ui_abitur_cat_admission", AgentAbitur, KindCategory, "", "Поступление", "", 10),
		item("ui_abitur_cat_docs", AgentAbitur, KindCategory, "", "Документы", "", 20),
		item("ui_abitur_cat_deadlines", AgentAbitur, KindCategory, "", "Сроки", "", 30),
		item("ui_abitur_quick_admission_1", AgentAbitur, KindQuick, "Поступление", "Как поступить?", "Расскажи, как поступить в университет: шаги, требования и контакты.", 10),
		item("ui_abitur_quick_docs_1", AgentAbitur, KindQuick, "Документы", "Какие документы нужны?", "Перечисли документы для поступления: оригиналы/копии и сроки подачи.", 10),
		item("ui_abitur_quick_deadlines_1", AgentAbitur, KindQuick, "Сроки", "Какие сроки приема?", "Назови ключевые сроки: прием документов, экзамены, зачисление.", 10),
		item("ui_abitur_ref_1", AgentAbitur, KindReference, "", "Справка: список документов", "Обычно требуется: удостоверение личности, аттестат/диплом, фото 3×4, медсправка (если требуется), заявление. Уточните в приемной комиссии.", 10),
		item("ui_kadr_topic_1", AgentKadr, KindTopic, "", "Справки студентам", "", 10),
		item("ui_kadr_topic_2", AgentKadr, KindTopic, "", "Кадровые документы", "", 20),
		item("ui_kadr_proc_1", AgentKadr, KindProcedure, "Справки студентам", "Справка с места учебы", "Подайте запрос, укажите ФИО, группу, цель справки. Срок подготовки зависит от регламента.", 10),
		item("ui_kadr_quick_1", AgentKadr, KindQuick, "", "Нужна справка с места учебы", "Мне нужна справка с места учебы. Какие данные вам нужны и сколько ждать?", 10),
		item("ui_nav_req_1", AgentNav, KindRequest, "", "Справка об обучении", "", 10),
		item("ui_nav_req_2", AgentNav, KindRequest, "", "Перевод/академический отпуск", "", 20),
		item("ui_nav_schedule_1", AgentNav, KindSchedule, "", "Как посмотреть расписание", "Откройте раздел «Расписание» в ЛК или уточните у куратора. Здесь можно хранить ссылки/инструкции.", 10),
		item("ui_career_dir_1", AgentCareer, KindDirection, "", "IT", "", 10),
		item("ui_career_dir_2", AgentCareer, KindDirection, "", "Юриспруденция", "", 20),
		item("ui_career_tip_1", AgentCareer, KindResumeTip, "", "Совет по резюме", "Добавьте 2–3 достижения с цифрами (результат, срок, вклад).", 10),
		item("ui_room_type_1", AgentRoom, KindRequest, "", "Заселение", "", 10),
		item("ui_room_type_2", AgentRoom, KindRequest, "", "Бытовой вопрос", "", 20),
	}
}

// SortUiItems orders items by sort ascending then title ascending.
func SortUiItems(items []UiItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Sort != items[j].Sort {
			return items[i].Sort < items[j].Sort
		}
		return items[i].Title < items[j].Title
	})
}

// FilterUiItems keeps items for agent and kind, and groupKey when non-empty.
func FilterUiItems(items []UiItem, agent AgentID, kind UiItemKind, groupKey string) []UiItem {
	out := make([]UiItem, 0)
	for _, it := range items {
		if it.AgentID != agent || it.Kind != kind {
			continue
		}
		if groupKey != "" && it.GroupKey != groupKey {
			continue
		}
		out = append(out, it)
	}
	SortUiItems(out)
	return out
}
