// Package role resolves role names to scope sets.
//
// The mapping is plain data: adding a role is a catalog entry, never a code
// change. A Table serves lookups from an immutable snapshot that can be
// reloaded from a Source while requests are in flight.
package role

import (
	"context"
	"slices"
	"strings"

	"github.com/go-faster/errors"
)

var (
	// ErrUnknownRole is returned when a role name has no catalog entry.
	ErrUnknownRole = errors.New("unknown role")
	// ErrNotLoaded is returned by a Table that has never loaded a mapping.
	ErrNotLoaded = errors.New("role catalog not loaded")
)

// Catalog maps role names to scopes and names the role given to new accounts.
type Catalog interface {
	DefaultRole(ctx context.Context) (string, error)
	ScopesOf(ctx context.Context, role string) ([]string, error)
}

// Source produces a complete mapping, e.g. from a file or a database table.
type Source interface {
	Load(ctx context.Context) (*Mapping, error)
}

// Mapping is an immutable role → scopes table. Do not modify a Mapping after
// handing it to a Table.
type Mapping struct {
	DefaultRole string              `yaml:"default_role"`
	Roles       map[string][]string `yaml:"roles"`
}

// Validate checks that every role name is non-empty and that the default
// role exists.
func (m *Mapping) Validate() error {
	if m == nil {
		return errors.New("nil mapping")
	}
	if strings.TrimSpace(m.DefaultRole) == "" {
		return errors.New("default role is empty")
	}
	for name, scopes := range m.Roles {
		if strings.TrimSpace(name) == "" {
			return errors.New("role with empty name")
		}
		for _, s := range scopes {
			if strings.TrimSpace(s) == "" {
				return errors.Errorf("role %q has an empty scope", name)
			}
		}
	}
	if _, ok := m.Roles[m.DefaultRole]; !ok {
		return errors.Wrapf(ErrUnknownRole, "default role %q", m.DefaultRole)
	}
	return nil
}

// Names returns the role names in sorted order.
func (m *Mapping) Names() []string {
	names := make([]string, 0, len(m.Roles))
	for name := range m.Roles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Union resolves every scope held through the given roles using the catalog.
// The result is sorted and free of duplicates.
func Union(ctx context.Context, c Catalog, roles []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, r := range roles {
		scopes, err := c.ScopesOf(ctx, r)
		if err != nil {
			return nil, err
		}
		for _, s := range scopes {
			seen[s] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out, nil
}
