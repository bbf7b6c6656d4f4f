package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/gatekeeper/internal/domain/identity"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const (
	// An exact username match wins over an email match.
	findUserSQL = `SELECT id::text, username, COALESCE(email, ''), secret_hash, roles, created_at
	FROM users WHERE username = $1 OR email = $1
	ORDER BY username = $1 DESC LIMIT 1`

	existsUserSQL = `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`

	insertUserSQL = `INSERT INTO users (id, username, email, secret_hash, roles, created_at)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`

	importUserSQL = insertUserSQL + ` ON CONFLICT DO NOTHING`
)

var _ identity.Directory = (*Directory)(nil)

// Directory implements identity.Directory backed by the users table.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory returns a Directory that uses the given pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// FindByIdentifier looks up a user by username or email. Returns
// identity.ErrNotFound when no row matches.
func (d *Directory) FindByIdentifier(ctx context.Context, identifier string) (*identity.Record, error) {
	var rec identity.Record
	err := d.pool.QueryRow(ctx, findUserSQL, identifier).Scan(
		&rec.ID, &rec.Username, &rec.Email, &rec.SecretHash, &rec.Roles, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("finding user %q: %w", identifier, err)
	}
	return &rec, nil
}

func (d *Directory) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var exists bool
	if err := d.pool.QueryRow(ctx, existsUserSQL, username).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking user %q: %w", username, err)
	}
	return exists, nil
}

// Save inserts rec. A username or email collision returns
// identity.ErrDuplicate.
func (d *Directory) Save(ctx context.Context, rec identity.Record) (*identity.Record, error) {
	id, createdAt, err := prepare(&rec)
	if err != nil {
		return nil, err
	}

	_, err = d.pool.Exec(ctx, insertUserSQL,
		id, rec.Username, rec.Email, rec.SecretHash, rec.Roles, createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("saving user %q: %w", rec.Username, identity.ErrDuplicate)
		}
		return nil, fmt.Errorf("saving user %q: %w", rec.Username, err)
	}
	return &rec, nil
}

// Import inserts records in a single batch, skipping any whose username or
// email already exists. It returns the number of rows inserted.
func (d *Directory) Import(ctx context.Context, recs []identity.Record) (int, error) {
	batch := &pgx.Batch{}
	for i := range recs {
		id, createdAt, err := prepare(&recs[i])
		if err != nil {
			return 0, err
		}
		r := recs[i]
		batch.Queue(importUserSQL, id, r.Username, r.Email, r.SecretHash, r.Roles, createdAt)
	}

	results := d.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for _, r := range recs {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("importing user %q: %w", r.Username, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// prepare fills in ID, Roles and CreatedAt and returns the ID and CreatedAt
// column values.
func prepare(rec *identity.Record) (uuid.UUID, time.Time, error) {
	var id uuid.UUID
	if rec.ID == "" {
		id = uuid.New()
		rec.ID = id.String()
	} else {
		parsed, err := uuid.Parse(rec.ID)
		if err != nil {
			return uuid.Nil, time.Time{}, fmt.Errorf("user id %q: %w", rec.ID, err)
		}
		id = parsed
	}
	if rec.Roles == nil {
		rec.Roles = []string{}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	return id, rec.CreatedAt, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
