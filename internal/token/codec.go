// Package token signs and verifies the compact session tokens handed to members.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "member-auth"
)

// ErrInvalidToken is returned for every verification failure: malformed input,
// bad signature, wrong algorithm and expiry are not distinguished.
var ErrInvalidToken = errors.New("invalid token")

// Kind separates short-lived access tokens from long-lived refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

func (k Kind) valid() bool {
	return k == KindAccess || k == KindRefresh
}

type Config struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Claims is the verified content of a token.
type Claims struct {
	Subject   string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
}

type signedClaims struct {
	Kind Kind `json:"typ"`
	jwt.RegisteredClaims
}

// Codec is safe for concurrent use; its secret never changes after construction.
type Codec struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewCodec(cfg Config) (*Codec, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token secret is required")
	}

	c := &Codec{
		secret:     []byte(secret),
		issuer:     strings.TrimSpace(cfg.Issuer),
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
	}
	if c.issuer == "" {
		c.issuer = DefaultIssuer
	}
	if cfg.AccessTTL > 0 {
		c.accessTTL = cfg.AccessTTL
	}
	if cfg.RefreshTTL > 0 {
		c.refreshTTL = cfg.RefreshTTL
	}

	return c, nil
}

// TTL returns the lifetime of tokens of the given kind.
func (c *Codec) TTL(kind Kind) time.Duration {
	if kind == KindRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

// Issue signs a token for subject valid from now until now+TTL(kind). Token
// timestamps have whole-second precision: iat is rounded down and exp up, so
// the stamped window always covers the requested one.
func (c *Codec) Issue(subject string, kind Kind, now time.Time) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	if !kind.valid() {
		return "", fmt.Errorf("unknown token kind %q", kind)
	}

	now = now.UTC()
	claims := signedClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now.Truncate(time.Second)),
			ExpiresAt: jwt.NewNumericDate(ceilSecond(now.Add(c.TTL(kind)))),
			ID:        uuid.NewString(),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, nil
}

// Verify checks signature, structure and expiry as of now. A token is valid
// up to and including its expiry instant.
func (c *Codec) Verify(tokenStr string, now time.Time) (Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return Claims{}, ErrInvalidToken
	}

	var claims signedClaims
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now.UTC() }),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		// jwt rejects at exp itself; the leeway lets the exact instant through
		// and the After check below still rejects anything later.
		jwt.WithLeeway(time.Second),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil || !claims.Kind.valid() {
		return Claims{}, ErrInvalidToken
	}
	if now.After(claims.ExpiresAt.Time) {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		Subject:   claims.Subject,
		Kind:      claims.Kind,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		ID:        claims.ID,
	}, nil
}

// VerifyKind is Verify plus a check that the token has the expected kind.
func (c *Codec) VerifyKind(tokenStr string, kind Kind, now time.Time) (Claims, error) {
	claims, err := c.Verify(tokenStr, now)
	if err != nil {
		return Claims{}, err
	}
	if claims.Kind != kind {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func ceilSecond(t time.Time) time.Time {
	truncated := t.Truncate(time.Second)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(time.Second)
}
