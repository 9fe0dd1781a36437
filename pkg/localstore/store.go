package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"bolashakai/pkg/auth"
	"bolashakai/pkg/domain"
)

// SchemaVersion is written on Init.
const SchemaVersion = 1

// MaxAuditEntries is how many audit events survive each append.
const MaxAuditEntries = 500

const (
	maxCases        = 100
	maxCaseMessages = 500
)

// Table keys inside the namespace.
const (
	keyUsers         = "tbl_users"
	keyMessages      = "tbl_messages"
	keyNotifications = "tbl_notifications"
	keyDocs          = "tbl_docs"
	keyFeedback      = "tbl_feedback"
	keyAudit         = "tbl_audit"
	keyCases         = "tbl_cases"
	keyCaseMessages  = "tbl_case_messages"
	keyUiItems       = "tbl_ui_items"
	keySchemaVersion = "schema_version"
)

// Options tune a Store. Zero values pick defaults.
type Options struct {
	// IDPrefix is prepended to generated ids so local rows never collide
	// with remote ones. Defaults to "local_".
	IDPrefix string
	// Now defaults to time.Now.
	Now func() time.Time
	// HashPassword defaults to bcrypt at the default cost.
	HashPassword func(string) (string, error)
}

// Store is the local mirror of the portal schema. Read-modify-write cycles
// are serialized within one Store; separate processes sharing a namespace
// are not coordinated and the last write wins.
type Store struct {
	kv       KV
	mu       sync.Mutex
	idPrefix string
	now      func() time.Time
	hash     func(string) (string, error)
}

// New wraps a KV namespace. Call Init before use.
func New(kv KV, opts Options) *Store {
	prefix := opts.IDPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = "local_"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	hash := opts.HashPassword
	if hash == nil {
		hash = auth.HashPassword
	}
	return &Store{kv: kv, idPrefix: prefix, now: now, hash: hash}
}

// Init seeds demo users and notifications when the users table has never been
// written, and creates any other missing table empty. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hasUsers, err := s.kv.Get(ctx, keyUsers)
	if err != nil {
		return fmt.Errorf("check users table: %w", err)
	}
	if !hasUsers {
		hash, err := s.hash(domain.DefaultPassword)
		if err != nil {
			return fmt.Errorf("hash default password: %w", err)
		}
		now := s.now().UTC()
		if err := save(ctx, s.kv, keyUsers, domain.DemoUsers(hash, now)); err != nil {
			return err
		}
		_, hasNotifications, err := s.kv.Get(ctx, keyNotifications)
		if err != nil {
			return err
		}
		if !hasNotifications {
			if err := save(ctx, s.kv, keyNotifications, domain.DemoNotifications(now)); err != nil {
				return err
			}
		}
	}
	for _, key := range []string{keyMessages, keyNotifications, keyDocs, keyFeedback, keyAudit, keyCases, keyCaseMessages, keyUiItems} {
		_, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			if err := s.kv.Set(ctx, key, []byte("[]")); err != nil {
				return fmt.Errorf("create %s: %w", key, err)
			}
		}
	}
	return s.kv.Set(ctx, keySchemaVersion, []byte(fmt.Sprint(SchemaVersion)))
}

func (s *Store) newID(prefix string) string {
	return domain.NewID(s.idPrefix + prefix)
}

func load[T any](ctx context.Context, kv KV, key string) ([]T, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	rows := []T{}
	if !ok || len(raw) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if rows == nil {
		rows = []T{}
	}
	return rows, nil
}

func save[T any](ctx context.Context, kv KV, key string, rows []T) error {
	if rows == nil {
		rows = []T{}
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
