package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bolashakai/pkg/domain"
	"bolashakai/pkg/storage"
)

const archivePrefix = "backups/"

// Archive keeps exported bundles in object storage.
type Archive struct {
	objects storage.ObjectStore
	expiry  time.Duration
}

// NewArchive builds an archive; linkExpiry defaults to 15 minutes.
func NewArchive(objects storage.ObjectStore, linkExpiry time.Duration) *Archive {
	if linkExpiry <= 0 {
		linkExpiry = 15 * time.Minute
	}
	return &Archive{objects: objects, expiry: linkExpiry}
}

// ValidateKey rejects keys outside the archive prefix.
func ValidateKey(key string) error {
	if !strings.HasPrefix(key, archivePrefix) || strings.Contains(key, "..") {
		return domain.Invalid("key", "not a backup key")
	}
	return nil
}

// Save uploads the bundle and returns its key.
func (a *Archive) Save(ctx context.Context, b Bundle) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, b); err != nil {
		return "", err
	}
	key := archivePrefix + b.ExportedAt.UTC().Format("20060102T150405Z") + "-" + domain.NewID("")[:8] + ".json"
	if err := a.objects.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/json"); err != nil {
		return "", fmt.Errorf("archive bundle: %w", err)
	}
	return key, nil
}

// Load reads and validates an archived bundle.
func (a *Archive) Load(ctx context.Context, key string) (Bundle, error) {
	if err := ValidateKey(key); err != nil {
		return Bundle{}, err
	}
	rc, err := a.objects.Get(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Bundle{}, &domain.NotFoundError{Resource: "backup", ID: key}
	}
	if err != nil {
		return Bundle{}, err
	}
	defer rc.Close()
	return Decode(rc)
}

// List returns archived keys, oldest first.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	return a.objects.List(ctx, archivePrefix)
}

// DownloadURL presigns a link to an archived bundle.
func (a *Archive) DownloadURL(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return a.objects.PresignGet(ctx, key, a.expiry)
}
