package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func revokers(t *testing.T) map[string]Revoker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Revoker{
		"memory": NewMemoryRevoker(),
		"redis":  NewRedisRevokerWithClient(client),
	}
}

func TestRevokerTokenRevocation(t *testing.T) {
	ctx := context.Background()
	for name, r := range revokers(t) {
		t.Run(name, func(t *testing.T) {
			if err := r.Revoke(ctx, "jti-1", time.Minute); err != nil {
				t.Fatalf("revoke: %v", err)
			}
			if err := r.Revoke(ctx, "jti-expired", 0); err != nil {
				t.Fatalf("revoke zero ttl: %v", err)
			}
			if ok, err := r.IsRevoked(ctx, "jti-1"); err != nil || !ok {
				t.Fatalf("jti-1 revoked=%v err=%v", ok, err)
			}
			if ok, _ := r.IsRevoked(ctx, "jti-expired"); ok {
				t.Fatalf("zero ttl must not revoke")
			}
		})
	}
}

func TestRevokerUserCutoffMonotonic(t *testing.T) {
	ctx := context.Background()
	first := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	second := time.Now().UTC().Truncate(time.Millisecond)
	for name, r := range revokers(t) {
		t.Run(name, func(t *testing.T) {
			if err := r.RevokeUser(ctx, "user-1", first, time.Hour); err != nil {
				t.Fatalf("revoke user first: %v", err)
			}
			if err := r.RevokeUser(ctx, "user-1", first.Add(-time.Minute), time.Hour); err != nil {
				t.Fatalf("revoke user older cutoff: %v", err)
			}
			got, err := r.RevokedAfter(ctx, "user-1")
			if err != nil {
				t.Fatalf("revoked after: %v", err)
			}
			if !got.Equal(first) {
				t.Fatalf("expected first cutoff to be kept, got %v", got)
			}
			if err := r.RevokeUser(ctx, "user-1", second, time.Hour); err != nil {
				t.Fatalf("revoke user second: %v", err)
			}
			if got, _ = r.RevokedAfter(ctx, "user-1"); !got.Equal(second) {
				t.Fatalf("expected newest cutoff, got %v", got)
			}
			if got, _ = r.RevokedAfter(ctx, "user-2"); !got.IsZero() {
				t.Fatalf("unknown user should have no cutoff, got %v", got)
			}
		})
	}
}
