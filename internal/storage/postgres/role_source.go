package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/gatekeeper/internal/domain/role"
)

const listRolesSQL = `SELECT name, scopes, is_default FROM roles ORDER BY name`

var _ role.Source = (*RoleSource)(nil)

type roleRow struct {
	Name      string
	Scopes    []string
	IsDefault bool
}

// RoleSource loads the role catalog from the roles table.
type RoleSource struct {
	pool *pgxpool.Pool
}

// NewRoleSource returns a RoleSource that uses the given pool.
func NewRoleSource(pool *pgxpool.Pool) *RoleSource {
	return &RoleSource{pool: pool}
}

// Load reads every role. The mapping is validated by the role.Table that
// consumes it.
func (s *RoleSource) Load(ctx context.Context) (*role.Mapping, error) {
	rows, err := s.pool.Query(ctx, listRolesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByPos[roleRow])
	if err != nil {
		return nil, fmt.Errorf("scanning roles: %w", err)
	}

	m := &role.Mapping{Roles: make(map[string][]string, len(list))}
	for _, r := range list {
		m.Roles[r.Name] = r.Scopes
		if r.IsDefault {
			m.DefaultRole = r.Name
		}
	}
	return m, nil
}
