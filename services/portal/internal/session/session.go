// Package session issues and validates portal user sessions as HS256 JWTs.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "bolashak-portal"
	defaultAudience = "bolashak-web"
	defaultTTL      = 12 * time.Hour
	defaultLeeway   = 30 * time.Second
	minSecretLength = 32
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrRevoked      = errors.New("session revoked")
)

// Claims carry the user id in Subject and the role for cheap gating.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Options configures a Manager.
type Options struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
	Revoker  Revoker
	Now      func() time.Time
}

// Manager signs, verifies and revokes sessions.
type Manager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
	revoker  Revoker
	now      func() time.Time
}

func NewManager(opts Options) (*Manager, error) {
	if len(opts.Secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLength)
	}
	m := &Manager{
		secret:   []byte(opts.Secret),
		issuer:   strings.TrimSpace(opts.Issuer),
		audience: strings.TrimSpace(opts.Audience),
		ttl:      opts.TTL,
		leeway:   opts.Leeway,
		revoker:  opts.Revoker,
		now:      opts.Now,
	}
	if m.issuer == "" {
		m.issuer = defaultIssuer
	}
	if m.audience == "" {
		m.audience = defaultAudience
	}
	if m.ttl <= 0 {
		m.ttl = defaultTTL
	}
	if m.leeway <= 0 {
		m.leeway = defaultLeeway
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// TTL is the lifetime of issued tokens.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue signs a session for userID.
func (m *Manager) Issue(userID, role string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("session subject required")
	}
	now := m.now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        randomHexID(12),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Manager) parse(token string) (Claims, error) {
	var claims Claims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return claims, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return claims, ErrInvalidToken
	}
	return claims, nil
}

// Verify validates the token and checks both revocation lists.
func (m *Manager) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := m.parse(token)
	if err != nil {
		return claims, err
	}
	if m.revoker == nil {
		return claims, nil
	}
	revoked, err := m.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return claims, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return claims, ErrRevoked
	}
	cutoff, err := m.revoker.RevokedAfter(ctx, claims.Subject)
	if err != nil {
		return claims, fmt.Errorf("check user cutoff: %w", err)
	}
	// iat has second precision; tokens from the cutoff's own second survive
	// so a login right after a password change is not rejected.
	if !cutoff.IsZero() && claims.IssuedAt.Time.Before(cutoff.Truncate(time.Second)) {
		return claims, ErrRevoked
	}
	return claims, nil
}

// Revoke invalidates one token until it would have expired. Invalid tokens
// are ignored.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if m.revoker == nil {
		return nil
	}
	claims, err := m.parse(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	return m.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time.Sub(m.now()))
}

// RevokeUser invalidates every session of userID issued before now.
func (m *Manager) RevokeUser(ctx context.Context, userID string) error {
	if m.revoker == nil {
		return nil
	}
	return m.revoker.RevokeUser(ctx, userID, m.now().UTC(), m.ttl+m.leeway)
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}
