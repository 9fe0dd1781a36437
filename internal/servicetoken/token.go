package servicetoken

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is the default lifetime for portal -> data API tokens.
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
	// DefaultKeyID names the active shared secret.
	DefaultKeyID = "primary"
	// DataAPIAudience is the audience the data API accepts.
	DataAPIAudience = "dataapi"
	// MinSecretLength rejects trivially short HMAC secrets.
	MinSecretLength = 16
)

// Signer issues short-lived HS256 service JWTs.
type Signer struct {
	issuer string
	ttl    time.Duration
	secret []byte
	kid    string
}

// SignerOptions configures service token signing.
type SignerOptions struct {
	Secret string
	KeyID  string
	Issuer string
	TTL    time.Duration
}

// Verifier validates service JWTs against audience and issuer allowlist.
type Verifier struct {
	audience       string
	allowedIssuers map[string]struct{}
	leeway         time.Duration
	secrets        map[string][]byte
}

// VerifierOptions configures service token verification. Secret is stored
// under DefaultKeyID; PreviousSecrets keeps rotated keys valid.
type VerifierOptions struct {
	Secret          string
	PreviousSecrets map[string]string
	DefaultKeyID    string
	Audience        string
	AllowedIssuers  []string
	Leeway          time.Duration
}

// NewSignerWithOptions creates an HS256 signer.
func NewSignerWithOptions(opts SignerOptions) (*Signer, error) {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	if opts.Issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTokenTTL
	}
	keyID := strings.TrimSpace(opts.KeyID)
	if keyID == "" {
		keyID = DefaultKeyID
	}
	if err := checkSecret(opts.Secret); err != nil {
		return nil, err
	}
	return &Signer{
		issuer: opts.Issuer,
		ttl:    opts.TTL,
		secret: []byte(opts.Secret),
		kid:    keyID,
	}, nil
}

// Sign issues a token for the given audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        randomHexID(12),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.secret)
}

// Authorize sets the Authorization header on an outgoing request.
func (s *Signer) Authorize(r *http.Request, audience string) error {
	token, err := s.Sign(audience)
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// NewVerifierWithOptions creates an HS256 verifier.
func NewVerifierWithOptions(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	issuers := make(map[string]struct{})
	for _, issuer := range opts.AllowedIssuers {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			continue
		}
		issuers[issuer] = struct{}{}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	verifier := &Verifier{
		audience:       audience,
		allowedIssuers: issuers,
		leeway:         leeway,
		secrets:        make(map[string][]byte),
	}
	defaultKid := strings.TrimSpace(opts.DefaultKeyID)
	if defaultKid == "" {
		defaultKid = DefaultKeyID
	}
	if opts.Secret != "" {
		if err := checkSecret(opts.Secret); err != nil {
			return nil, err
		}
		verifier.secrets[defaultKid] = []byte(opts.Secret)
	}
	for kid, secret := range opts.PreviousSecrets {
		kid = strings.TrimSpace(kid)
		if kid == "" || secret == "" {
			continue
		}
		if err := checkSecret(secret); err != nil {
			return nil, fmt.Errorf("verify key %q: %w", kid, err)
		}
		verifier.secrets[kid] = []byte(secret)
	}
	if len(verifier.secrets) == 0 {
		return nil, errors.New("service token verifier requires a secret")
	}
	return verifier, nil
}

// Verify validates token signature, expiry, audience, and issuer.
func (v *Verifier) Verify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("token required")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		secret, ok := v.secrets[kid]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if _, ok := v.allowedIssuers[claims.Issuer]; !ok {
		return claims, errors.New("issuer not allowed")
	}
	if claims.ID == "" {
		return claims, errors.New("jti required")
	}
	return claims, nil
}

// BearerToken extracts a bearer token from request header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func checkSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("service token secret must be at least %d bytes", MinSecretLength)
	}
	return nil
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

// ParsePreviousSecrets parses "kid=secret,kid2=secret2" into a map.
func ParsePreviousSecrets(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pairs := strings.Split(raw, ",")
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid verify key entry %q", pair)
		}
		kid := strings.TrimSpace(parts[0])
		secret := strings.TrimSpace(parts[1])
		if kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid verify key entry %q", pair)
		}
		out[kid] = secret
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
