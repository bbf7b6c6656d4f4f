package identity

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned by a Directory when no record matches.
	ErrNotFound = errors.New("identity not found")
	// ErrDuplicate is returned by Directory.Save when the username or email
	// is already taken.
	ErrDuplicate = errors.New("identity already exists")
)

// Record is a registered principal. SecretHash is never the plain secret.
type Record struct {
	ID         string
	Username   string
	Email      string
	SecretHash string
	Roles      []string
	CreatedAt  time.Time
}

// Directory looks up and persists identity records. Implementations must
// enforce username uniqueness.
type Directory interface {
	// FindByIdentifier resolves a normalized identifier (username or email
	// alias) to a record, or returns ErrNotFound.
	FindByIdentifier(ctx context.Context, identifier string) (*Record, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	Save(ctx context.Context, rec Record) (*Record, error)
}

// Identifier is a login identifier after normalization.
type Identifier struct {
	Value   string
	IsEmail bool
}

// NormalizeIdentifier trims surrounding whitespace and lowercases email-style
// aliases. Usernames keep their case.
func NormalizeIdentifier(raw string) Identifier {
	v := strings.TrimSpace(raw)
	if isEmail(v) {
		return Identifier{Value: strings.ToLower(v), IsEmail: true}
	}
	return Identifier{Value: v}
}

// isEmail is a shape check only: one '@' with text on both sides.
func isEmail(v string) bool {
	at := strings.IndexByte(v, '@')
	if at <= 0 || at == len(v)-1 {
		return false
	}
	return strings.IndexByte(v[at+1:], '@') < 0
}
