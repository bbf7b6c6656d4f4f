package auth

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Error kinds returned by Service. Match them with errors.Is.
var (
	// ErrInvalidCredentials covers both an unknown identifier and a wrong
	// secret.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidInput       = errors.New("invalid input")
	// ErrDirectoryUnavailable wraps a storage failure. The cause is kept in
	// the chain.
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)

// IssueError reports a registration whose account was persisted but whose
// token could not be issued. The caller may retry with Login.
type IssueError struct {
	Username string
	Err      error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("account %q created, token not issued: %v", e.Username, e.Err)
}

func (e *IssueError) Unwrap() error {
	return e.Err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDirectoryUnavailable, op, err)
}

func invalidInput(reason string) error {
	return errors.Wrap(ErrInvalidInput, reason)
}
