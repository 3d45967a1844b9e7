// Package identity resolves a site to the user that owns it.
package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/icp-miner/internal/db"
)

// ErrUnknownSite is returned when a site has no registered owner.
var ErrUnknownSite = errors.New("identity: unknown site")

// Resolver maps a site scope to its owning user scope.
type Resolver interface {
	OwnerOf(ctx context.Context, siteID string) (string, error)
}

// PostgresResolver reads owners from the sites table.
type PostgresResolver struct {
	pool db.Pool
}

// NewPostgresResolver creates a resolver over pool.
func NewPostgresResolver(pool db.Pool) *PostgresResolver {
	return &PostgresResolver{pool: pool}
}

// OwnerOf implements Resolver.
func (r *PostgresResolver) OwnerOf(ctx context.Context, siteID string) (string, error) {
	var owner string
	err := r.pool.QueryRow(ctx, `SELECT owner_user_id FROM sites WHERE id = $1`, siteID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUnknownSite
	}
	if err != nil {
		return "", eris.Wrapf(err, "identity: lookup owner of site %s", siteID)
	}
	return owner, nil
}

// SQLResolver reads owners from the sites table through database/sql (SQLite).
type SQLResolver struct {
	db *sql.DB
}

// NewSQLResolver creates a resolver over a database/sql handle.
func NewSQLResolver(db *sql.DB) *SQLResolver {
	return &SQLResolver{db: db}
}

// OwnerOf implements Resolver.
func (r *SQLResolver) OwnerOf(ctx context.Context, siteID string) (string, error) {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT owner_user_id FROM sites WHERE id = ?`, siteID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownSite
	}
	if err != nil {
		return "", eris.Wrapf(err, "identity: lookup owner of site %s", siteID)
	}
	return owner, nil
}
