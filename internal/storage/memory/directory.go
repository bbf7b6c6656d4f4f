// Package memory provides an in-process identity directory for development
// and tests. Records are lost when the process exits.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/gatekeeper/internal/domain/identity"
)

var _ identity.Directory = (*Directory)(nil)

// Directory implements identity.Directory on top of maps guarded by a
// RWMutex. Usernames and non-empty emails are unique.
type Directory struct {
	mu         sync.RWMutex
	byUsername map[string]*identity.Record
	byEmail    map[string]*identity.Record
	now        func() time.Time
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		byUsername: make(map[string]*identity.Record),
		byEmail:    make(map[string]*identity.Record),
		now:        time.Now,
	}
}

// FindByIdentifier matches identifier against usernames first, then emails.
func (d *Directory) FindByIdentifier(ctx context.Context, identifier string) (*identity.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.byUsername[identifier]
	if !ok {
		rec, ok = d.byEmail[identifier]
	}
	if !ok {
		return nil, identity.ErrNotFound
	}
	return clone(rec), nil
}

func (d *Directory) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.byUsername[username]
	return ok, nil
}

// Save stores rec, assigning an ID and creation time when unset.
func (d *Directory) Save(ctx context.Context, rec identity.Record) (*identity.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byUsername[rec.Username]; ok {
		return nil, identity.ErrDuplicate
	}
	if rec.Email != "" {
		if _, ok := d.byEmail[rec.Email]; ok {
			return nil, identity.ErrDuplicate
		}
	}

	stored := clone(&rec)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = d.now().UTC()
	}
	d.byUsername[stored.Username] = stored
	if stored.Email != "" {
		d.byEmail[stored.Email] = stored
	}
	return clone(stored), nil
}

// Len returns the number of stored records.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUsername)
}

func clone(rec *identity.Record) *identity.Record {
	c := *rec
	c.Roles = slices.Clone(rec.Roles)
	return &c
}
