// Package backup encodes and decodes versioned snapshots of the portal tables.
package backup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"bolashakai/pkg/domain"
)

// Version is the only bundle version this codec reads and writes.
const Version = 1

// Wire names of the covered tables.
const (
	TableUsers         = "tbl_users"
	TableMessages      = "tbl_messages"
	TableNotifications = "tbl_notifications"
	TableDocs          = "tbl_docs"
	TableFeedback      = "tbl_feedback"
	TableAudit         = "tbl_audit"
)

// TableNames lists the covered tables in export order.
var TableNames = []string{TableUsers, TableMessages, TableNotifications, TableDocs, TableFeedback, TableAudit}

type Mode string

const (
	ModeReplace Mode = "replace"
	ModeMerge   Mode = "merge"
)

// ParseMode defaults an empty value to replace.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeReplace:
		return ModeReplace, nil
	case ModeMerge:
		return ModeMerge, nil
	}
	return "", domain.Invalid("mode", fmt.Sprintf("unsupported import mode %q", raw))
}

// Tables holds the rows of every covered table. Decoding records which table
// keys were present so imports can skip the rest.
type Tables struct {
	Users         []domain.User
	Messages      []domain.Message
	Notifications []domain.Notification
	Docs          []domain.Doc
	Feedback      []domain.MessageFeedback
	Audit         []domain.AuditEvent

	present map[string]bool
}

// FullTables marks every table present, as an export does.
func FullTables(t Tables) Tables {
	t.present = make(map[string]bool, len(TableNames))
	for _, name := range TableNames {
		t.present[name] = true
	}
	return t
}

// Has reports whether the table was part of the bundle.
func (t Tables) Has(name string) bool {
	if t.present == nil {
		return false
	}
	return t.present[name]
}

// Mark flags a table as present.
func (t *Tables) Mark(name string) {
	if t.present == nil {
		t.present = make(map[string]bool)
	}
	t.present[name] = true
}

func (t Tables) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(TableNames))
	add := func(name string, rows any) {
		if t.Has(name) {
			out[name] = rows
		}
	}
	add(TableUsers, nonNil(t.Users))
	add(TableMessages, nonNil(t.Messages))
	add(TableNotifications, nonNil(t.Notifications))
	add(TableDocs, nonNil(t.Docs))
	add(TableFeedback, nonNil(t.Feedback))
	add(TableAudit, nonNil(t.Audit))
	return json.Marshal(out)
}

func (t *Tables) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Invalid("tables", "tables must be an object")
	}
	var out Tables
	for name, body := range raw {
		var err error
		switch name {
		case TableUsers:
			err = decodeRows(body, &out.Users)
		case TableMessages:
			err = decodeRows(body, &out.Messages)
		case TableNotifications:
			err = decodeRows(body, &out.Notifications)
		case TableDocs:
			err = decodeRows(body, &out.Docs)
		case TableFeedback:
			err = decodeRows(body, &out.Feedback)
		case TableAudit:
			err = decodeRows(body, &out.Audit)
		default:
			continue
		}
		if err != nil {
			return domain.Invalid(name, fmt.Sprintf("decode %s: %v", name, err))
		}
		out.Mark(name)
	}
	*t = out
	return nil
}

func decodeRows[T any](body json.RawMessage, dst *[]T) error {
	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		*dst = []T{}
		return nil
	}
	return json.Unmarshal(body, dst)
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}

// Bundle is the portable snapshot.
type Bundle struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	Tables     *Tables   `json:"tables"`
}

// New wraps a full set of tables into a bundle stamped now.
func New(t Tables, now time.Time) Bundle {
	full := FullTables(t)
	return Bundle{Version: Version, ExportedAt: now.UTC(), Tables: &full}
}

// Validate checks the version and the tables field.
func (b Bundle) Validate() error {
	if b.Version != Version {
		return domain.Invalid("version", fmt.Sprintf("unsupported bundle version %d", b.Version))
	}
	if b.Tables == nil {
		return domain.Required("tables")
	}
	return nil
}

// Decode reads and validates a bundle.
func Decode(r io.Reader) (Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		if domain.IsValidation(err) {
			return Bundle{}, err
		}
		return Bundle{}, domain.Invalid("bundle", fmt.Sprintf("invalid bundle: %v", err))
	}
	if err := b.Validate(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// DecodeBytes is Decode over a byte slice.
func DecodeBytes(data []byte) (Bundle, error) {
	return Decode(bytes.NewReader(data))
}

// Encode writes the bundle as indented JSON.
func Encode(w io.Writer, b Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}
