// Package token issues and verifies signed, time-bounded access tokens.
//
// Tokens are compact HS256 JWTs carrying subject, roles, scopes, issued-at,
// expiry and a token ID. Verification rejects, in order: a bad signature or
// unknown key, a structurally invalid payload, and an expired token. Every
// rejection matches ErrUnauthorized so transports can collapse them into a
// single outcome while logs keep the specific reason.
package token

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/xenking/gatekeeper/internal/domain/authz"
)

// Type is the token type reported alongside issued tokens.
const Type = "Bearer"

// ErrUnauthorized matches every verification failure.
var ErrUnauthorized = errors.New("unauthorized")

// Verification failures. Each matches ErrUnauthorized.
var (
	ErrMalformedToken   error = &rejection{reason: "malformed"}
	ErrInvalidSignature error = &rejection{reason: "signature"}
	ErrTokenExpired     error = &rejection{reason: "expired"}
	ErrTokenRevoked     error = &rejection{reason: "revoked"}
)

// ErrInvalidTTL is returned by Issue for lifetimes shorter than a second.
var ErrInvalidTTL = errors.New("token ttl must be at least 1s")

type rejection struct {
	reason string
}

func (r *rejection) Error() string { return "token " + r.reason }

func (r *rejection) Is(target error) bool { return target == ErrUnauthorized }

// Reason returns a short label for a verification failure ("malformed",
// "signature", "expired", "revoked"), or "" if err is not one.
func Reason(err error) string {
	var r *rejection
	if errors.As(err, &r) {
		return r.reason
	}
	return ""
}

// Claims is the decoded content of a verified token.
type Claims struct {
	ID        string
	Subject   string
	Roles     []string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Principal returns the authorization view of the claims.
func (c *Claims) Principal() authz.Principal {
	return authz.Principal{
		Subject: c.Subject,
		Roles:   slices.Clone(c.Roles),
		Scopes:  slices.Clone(c.Scopes),
	}
}

type wireClaims struct {
	Roles  []string `json:"roles,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// validate checks the fields every issued token carries.
func (w *wireClaims) validate() error {
	switch {
	case strings.TrimSpace(w.Subject) == "":
		return errors.New("missing subject")
	case w.ID == "":
		return errors.New("missing token id")
	case w.IssuedAt == nil:
		return errors.New("missing issued-at")
	case w.ExpiresAt == nil:
		return errors.New("missing expiry")
	case !w.ExpiresAt.After(w.IssuedAt.Time):
		return errors.New("expiry not after issued-at")
	}
	return nil
}

// Revocations is consulted after a token passes every other check.
type Revocations interface {
	Revoked(id string) bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock sets the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIssuer stamps iss on issued tokens and requires it on verification.
func WithIssuer(issuer string) Option {
	return func(c *Codec) {
		c.issuer = issuer
	}
}

// WithRevocations enables the deny-list check.
func WithRevocations(r Revocations) Option {
	return func(c *Codec) {
		c.revocations = r
	}
}

// Codec signs and verifies tokens with the key held by a KeyHolder.
// It is safe for concurrent use.
type Codec struct {
	keys        *KeyHolder
	now         func() time.Time
	issuer      string
	revocations Revocations
}

// NewCodec returns a Codec that signs with keys.
func NewCodec(keys *KeyHolder, opts ...Option) *Codec {
	c := &Codec{
		keys: keys,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue mints a token for subject valid for ttl from now. Timestamps are
// truncated to whole seconds, matching their wire precision.
func (c *Codec) Issue(subject string, roles, scopes []string, ttl time.Duration) (string, Claims, error) {
	if strings.TrimSpace(subject) == "" {
		return "", Claims{}, errors.New("empty subject")
	}
	if ttl < time.Second {
		return "", Claims{}, ErrInvalidTTL
	}

	now := c.now().UTC().Truncate(time.Second)
	claims := Claims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Roles:     slices.Clone(roles),
		Scopes:    slices.Clone(scopes),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl).Truncate(time.Second),
	}

	key := c.keys.Current()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, wireClaims{
		Roles:  claims.Roles,
		Scopes: claims.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        claims.ID,
			Issuer:    c.issuer,
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})
	t.Header["kid"] = key.ID

	signed, err := t.SignedString(key.Secret)
	if err != nil {
		return "", Claims{}, errors.Wrap(err, "sign token")
	}
	return signed, claims, nil
}

// Verify checks raw and returns its claims. Failures wrap one of
// ErrInvalidSignature, ErrMalformedToken, ErrTokenExpired or ErrTokenRevoked.
func (c *Codec) Verify(raw string) (*Claims, error) {
	key := c.keys.Current()

	var wc wireClaims
	_, err := jwt.ParseWithClaims(raw, &wc, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != key.ID {
			return nil, errors.New("unknown signing key")
		}
		return key.Secret, nil
	}, c.parserOptions()...)
	if err != nil {
		return nil, classify(err, &wc)
	}
	if err := wc.validate(); err != nil {
		return nil, reject(ErrMalformedToken, err)
	}
	if c.revocations != nil && c.revocations.Revoked(wc.ID) {
		return nil, ErrTokenRevoked
	}

	return &Claims{
		ID:        wc.ID,
		Subject:   wc.Subject,
		Roles:     wc.Roles,
		Scopes:    wc.Scopes,
		IssuedAt:  wc.IssuedAt.UTC(),
		ExpiresAt: wc.ExpiresAt.UTC(),
	}, nil
}

func (c *Codec) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	return opts
}

// classify maps a jwt parse error onto a rejection. A signature problem wins
// over anything else; an expired token is only reported as expired when its
// payload is otherwise well formed.
func classify(err error, wc *wireClaims) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return reject(ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		if errors.Is(err, jwt.ErrTokenInvalidIssuer) ||
			errors.Is(err, jwt.ErrTokenUsedBeforeIssued) ||
			errors.Is(err, jwt.ErrTokenRequiredClaimMissing) ||
			wc.validate() != nil {
			return reject(ErrMalformedToken, err)
		}
		return reject(ErrTokenExpired, err)
	default:
		return reject(ErrMalformedToken, err)
	}
}

func reject(kind, cause error) error {
	return fmt.Errorf("%w: %w", kind, cause)
}
