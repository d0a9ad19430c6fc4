// Package token issues and verifies the short-lived portal credential.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"portal-auth/internal/account"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Path is the entry path that produced a grant; it selects the TTL.
type Path string

const (
	PathSocial   Path = "social"
	PathCheckout Path = "checkout"
	PathLinkCode Path = "link_code"
)

var (
	ErrInvalidToken   = errors.New("token: invalid")
	ErrSecretTooShort = errors.New("token: secret must be at least 32 bytes")
)

// Claims carried by a portal credential.
type Claims struct {
	ExternalSubjectID string `json:"ext_sub,omitempty"`
	Path              Path   `json:"path,omitempty"`
	jwt.RegisteredClaims
}

// AccountID returns the subject claim.
func (c *Claims) AccountID() string {
	return c.Subject
}

// Issuer signs HS256 credentials. There is no refresh; re-authentication
// runs the full pipeline again.
type Issuer struct {
	secret []byte
	issuer string
	ttls   map[Path]time.Duration
	now    func() time.Time
}

// TTLs per entry path.
type TTLs struct {
	Social   time.Duration
	Checkout time.Duration
	LinkCode time.Duration
}

// DefaultTTLs: social 72h, checkout and link code 24h.
func DefaultTTLs() TTLs {
	return TTLs{Social: 72 * time.Hour, Checkout: 24 * time.Hour, LinkCode: 24 * time.Hour}
}

func NewIssuer(secret, issuer string, ttls TTLs) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}
	def := DefaultTTLs()
	pick := func(v, fallback time.Duration) time.Duration {
		if v <= 0 {
			return fallback
		}
		return v
	}
	return &Issuer{
		secret: []byte(secret),
		issuer: issuer,
		ttls: map[Path]time.Duration{
			PathSocial:   pick(ttls.Social, def.Social),
			PathCheckout: pick(ttls.Checkout, def.Checkout),
			PathLinkCode: pick(ttls.LinkCode, def.LinkCode),
		},
		now: time.Now,
	}, nil
}

// Issue mints a credential for a. Unknown paths use the shortest TTL.
func (i *Issuer) Issue(a *account.Account, path Path) (string, time.Time, error) {
	if a == nil || a.ID == "" {
		return "", time.Time{}, errors.New("token: account id is required")
	}

	ttl, ok := i.ttls[path]
	if !ok {
		ttl = i.ttls[PathCheckout]
	}

	now := i.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	claims := Claims{
		ExternalSubjectID: a.ExternalSubjectID,
		Path:              path,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a credential. Every failure wraps
// ErrInvalidToken.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
