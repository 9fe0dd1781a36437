package backup

import "bolashakai/pkg/domain"

// Apply computes the table contents after importing incoming into current.
// Tables absent from incoming keep their current rows. Replace swaps present
// tables wholesale; merge appends, except feedback which is upserted by
// messageId so the one-row-per-message rule survives a merge.
func Apply(current, incoming Tables, mode Mode) Tables {
	out := current
	out.present = nil
	for _, name := range TableNames {
		if current.Has(name) || incoming.Has(name) {
			out.Mark(name)
		}
	}
	if mode == ModeReplace {
		if incoming.Has(TableUsers) {
			out.Users = clone(incoming.Users)
		}
		if incoming.Has(TableMessages) {
			out.Messages = clone(incoming.Messages)
		}
		if incoming.Has(TableNotifications) {
			out.Notifications = clone(incoming.Notifications)
		}
		if incoming.Has(TableDocs) {
			out.Docs = clone(incoming.Docs)
		}
		if incoming.Has(TableFeedback) {
			out.Feedback = clone(incoming.Feedback)
		}
		if incoming.Has(TableAudit) {
			out.Audit = clone(incoming.Audit)
		}
		return out
	}

	if incoming.Has(TableUsers) {
		out.Users = concat(current.Users, incoming.Users)
	}
	if incoming.Has(TableMessages) {
		out.Messages = concat(current.Messages, incoming.Messages)
	}
	if incoming.Has(TableNotifications) {
		out.Notifications = concat(current.Notifications, incoming.Notifications)
	}
	if incoming.Has(TableDocs) {
		out.Docs = concat(current.Docs, incoming.Docs)
	}
	if incoming.Has(TableFeedback) {
		out.Feedback = UpsertFeedback(current.Feedback, incoming.Feedback...)
	}
	if incoming.Has(TableAudit) {
		out.Audit = concat(current.Audit, incoming.Audit)
	}
	return out
}

// UpsertFeedback drops rows sharing a messageId with an incoming row, then
// appends the incoming rows. Later incoming rows win over earlier ones.
func UpsertFeedback(rows []domain.MessageFeedback, incoming ...domain.MessageFeedback) []domain.MessageFeedback {
	last := make(map[string]int, len(incoming))
	for i, fb := range incoming {
		last[fb.MessageID] = i
	}
	out := make([]domain.MessageFeedback, 0, len(rows)+len(incoming))
	for _, fb := range rows {
		if _, replaced := last[fb.MessageID]; replaced {
			continue
		}
		out = append(out, fb)
	}
	for i, fb := range incoming {
		if last[fb.MessageID] == i {
			out = append(out, fb)
		}
	}
	return out
}

func clone[T any](rows []T) []T {
	out := make([]T, len(rows))
	copy(out, rows)
	return out
}

func concat[T any](a, b []T) []T {
	out := make([]T, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
