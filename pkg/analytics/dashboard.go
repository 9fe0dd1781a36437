// Package analytics aggregates the admin dashboard figures.
package analytics

import (
	"context"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"bolashakai/pkg/domain"
)

const (
	// TimelineDays is how many active days the request timeline keeps.
	TimelineDays = 14
	// RecentAuditEvents caps the audit tail shown next to the figures.
	RecentAuditEvents = 80
)

// Source is the read side of the data layer the dashboard needs.
type Source interface {
	Users(ctx context.Context) ([]domain.User, error)
	Messages(ctx context.Context) ([]domain.Message, error)
	Feedback(ctx context.Context) ([]domain.MessageFeedback, error)
	Docs(ctx context.Context) ([]domain.Doc, error)
	Notifications(ctx context.Context) ([]domain.Notification, error)
	AuditLog(ctx context.Context) ([]domain.AuditEvent, error)
}

type AgentStats struct {
	AgentID      domain.AgentID `json:"agentId"`
	AgentName    string         `json:"agentName"`
	Requests     int            `json:"requests"`
	Responses    int            `json:"responses"`
	AvgLatencyMs *int64         `json:"avgLatencyMs"`
	Satisfaction *float64       `json:"satisfaction"`
}

type DayCount struct {
	Day      string `json:"day"`
	Requests int    `json:"requests"`
}

type Dashboard struct {
	UsersCount         int                 `json:"usersCount"`
	DocsCount          int                 `json:"docsCount"`
	NotificationsCount int                 `json:"notificationsCount"`
	TotalRequests      int                 `json:"totalRequests"`
	AvgLatencyMs       int64               `json:"avgLatencyMs"`
	Satisfaction       *float64            `json:"satisfaction"`
	FeedbackTotal      int                 `json:"feedbackTotal"`
	PerAgent           []AgentStats        `json:"perAgent"`
	Timeline           []DayCount          `json:"timeline"`
	RecentAudit        []domain.AuditEvent `json:"recentAudit"`
}

type inputs struct {
	users         []domain.User
	messages      []domain.Message
	feedback      []domain.MessageFeedback
	docs          []domain.Doc
	notifications []domain.Notification
	audit         []domain.AuditEvent
}

// Load fetches every input concurrently and computes the dashboard. The first
// failing load cancels the others.
func Load(ctx context.Context, src Source) (Dashboard, error) {
	var in inputs
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { in.users, err = src.Users(gctx); return })
	g.Go(func() (err error) { in.messages, err = src.Messages(gctx); return })
	g.Go(func() (err error) { in.feedback, err = src.Feedback(gctx); return })
	g.Go(func() (err error) { in.docs, err = src.Docs(gctx); return })
	g.Go(func() (err error) { in.notifications, err = src.Notifications(gctx); return })
	g.Go(func() (err error) { in.audit, err = src.AuditLog(gctx); return })
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return compute(in), nil
}

func compute(in inputs) Dashboard {
	d := Dashboard{
		UsersCount:         len(in.users),
		DocsCount:          len(in.docs),
		NotificationsCount: len(in.notifications),
		PerAgent:           make([]AgentStats, 0, len(domain.Agents())),
		Timeline:           []DayCount{},
	}

	var latencySum int64
	var modelCount int
	perDay := map[string]int{}
	for _, m := range in.messages {
		switch m.Role {
		case domain.MessageRoleUser:
			d.TotalRequests++
			perDay[m.Timestamp.UTC().Format("2006-01-02")]++
		case domain.MessageRoleModel:
			modelCount++
			latencySum += m.LatencyMs
		}
	}
	if modelCount > 0 {
		d.AvgLatencyMs = int64(math.Round(float64(latencySum) / float64(modelCount)))
	}

	up, down := countRatings(in.feedback, "")
	d.FeedbackTotal = up + down
	if d.FeedbackTotal > 0 {
		v := math.Round(float64(up)/float64(up+down)*1000) / 10
		d.Satisfaction = &v
	}

	for _, a := range domain.Agents() {
		st := AgentStats{AgentID: a.ID, AgentName: a.Name}
		var sum int64
		for _, m := range in.messages {
			if m.AgentID != a.ID {
				continue
			}
			switch m.Role {
			case domain.MessageRoleUser:
				st.Requests++
			case domain.MessageRoleModel:
				st.Responses++
				sum += m.LatencyMs
			}
		}
		if st.Responses > 0 {
			avg := int64(math.Round(float64(sum) / float64(st.Responses)))
			st.AvgLatencyMs = &avg
		}
		if u, dn := countRatings(in.feedback, a.ID); u+dn > 0 {
			v := math.Round(float64(u) / float64(u+dn) * 100)
			st.Satisfaction = &v
		}
		d.PerAgent = append(d.PerAgent, st)
	}

	days := make([]string, 0, len(perDay))
	for day := range perDay {
		days = append(days, day)
	}
	sort.Strings(days)
	if len(days) > TimelineDays {
		days = days[len(days)-TimelineDays:]
	}
	for _, day := range days {
		d.Timeline = append(d.Timeline, DayCount{Day: day[5:], Requests: perDay[day]})
	}

	audit := in.audit
	if len(audit) > RecentAuditEvents {
		audit = audit[:RecentAuditEvents]
	}
	d.RecentAudit = append([]domain.AuditEvent{}, audit...)
	return d
}

// countRatings counts thumbs up and down, optionally for one agent.
func countRatings(rows []domain.MessageFeedback, agent domain.AgentID) (up, down int) {
	for _, f := range rows {
		if agent != "" && f.AgentID != agent {
			continue
		}
		switch f.Rating {
		case 1:
			up++
		case -1:
			down++
		}
	}
	return up, down
}
