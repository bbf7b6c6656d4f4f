package role

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
)

var _ Catalog = (*Table)(nil)

// Table is a Catalog backed by an atomically swapped Mapping snapshot.
// Lookups never block; Reload validates the new mapping before publishing it,
// so readers observe either the old or the new mapping in full.
type Table struct {
	src     Source
	current atomic.Pointer[Mapping]

	// reloadMu serializes Reload so two sources cannot race on Store.
	reloadMu sync.Mutex
}

// NewTable returns an empty Table that loads from src.
func NewTable(src Source) *Table {
	return &Table{src: src}
}

// NewStaticTable returns a Table preloaded with m and no source.
func NewStaticTable(m *Mapping) (*Table, error) {
	if err := m.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate mapping")
	}
	t := &Table{}
	t.current.Store(m)
	return t, nil
}

// Reload fetches a fresh mapping from the source. On error the previous
// mapping stays in effect.
func (t *Table) Reload(ctx context.Context) error {
	if t.src == nil {
		return errors.New("role table has no source")
	}

	t.reloadMu.Lock()
	defer t.reloadMu.Unlock()

	m, err := t.src.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load roles")
	}
	if err := m.Validate(); err != nil {
		return errors.Wrap(err, "validate roles")
	}
	t.current.Store(m)
	return nil
}

// Snapshot returns the mapping currently in effect, or nil before the first
// successful load.
func (t *Table) Snapshot() *Mapping {
	return t.current.Load()
}

// Loaded reports whether a mapping is available.
func (t *Table) Loaded() bool {
	return t.current.Load() != nil
}

// DefaultRole returns the role assigned to new registrations.
func (t *Table) DefaultRole(_ context.Context) (string, error) {
	m := t.current.Load()
	if m == nil {
		return "", ErrNotLoaded
	}
	return m.DefaultRole, nil
}

// ScopesOf returns a copy of the scopes granted by role.
func (t *Table) ScopesOf(_ context.Context, role string) ([]string, error) {
	m := t.current.Load()
	if m == nil {
		return nil, ErrNotLoaded
	}
	scopes, ok := m.Roles[role]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRole, "%q", role)
	}
	return slices.Clone(scopes), nil
}
