package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/icp-miner/internal/db"
	"github.com/sells-group/icp-miner/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that share it
// (audit log, site resolver).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS mining_profiles (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	search_query_ref  TEXT NOT NULL,
	site_id           TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	total_targets     INTEGER,
	processed_targets INTEGER NOT NULL DEFAULT 0,
	found_matches     INTEGER NOT NULL DEFAULT 0,
	current_page      INTEGER NOT NULL DEFAULT 0,
	page_size         INTEGER,
	last_error        TEXT,
	lease_version     BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_mining_profiles_site_status ON mining_profiles(site_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_mining_profiles_status ON mining_profiles(status);

CREATE TABLE IF NOT EXISTS sites (
	id            TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	name          TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	event       TEXT NOT NULL,
	level       TEXT NOT NULL DEFAULT 'info',
	site_id     TEXT,
	profile_id  TEXT,
	payload     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_log_profile ON audit_log(profile_id, created_at);
`

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool when this store created it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const profileColumns = `id, search_query_ref, site_id, status, total_targets, processed_targets,
	found_matches, current_page, page_size, last_error, lease_version, created_at, updated_at`

// CreateProfile registers a new pending profile. An empty ID is assigned a UUID.
func (s *PostgresStore) CreateProfile(ctx context.Context, p model.MiningProfile) (*model.MiningProfile, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = model.ProfileStatusPending
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO mining_profiles (id, search_query_ref, site_id, status, total_targets, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.SearchQueryRef, p.SiteID, string(p.Status), p.TotalTargets, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert profile %s", p.ID)
	}
	return &p, nil
}

// ImportProfiles bulk-registers profiles, leaving existing ids untouched.
func (s *PostgresStore) ImportProfiles(ctx context.Context, profiles []model.MiningProfile) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(profiles))
	for _, p := range profiles {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{id, p.SearchQueryRef, p.SiteID, string(model.ProfileStatusPending), now, now})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "mining_profiles",
		Columns:      []string{"id", "search_query_ref", "site_id", "status", "created_at", "updated_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import profiles")
	}
	return n, nil
}

// GetProfile loads one profile by id.
func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*model.MiningProfile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM mining_profiles WHERE id = $1`,
		id,
	)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get profile %s", id)
	}
	return p, nil
}

// ListPending returns pending or running profiles for a site, oldest first.
func (s *PostgresStore) ListPending(ctx context.Context, siteID string, limit int) ([]model.MiningProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM mining_profiles
		WHERE site_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at, id
		LIMIT $2`,
		siteID, filterLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list pending profiles for site %s", siteID)
	}
	return collectProfiles(rows)
}

// ListProfiles returns profiles matching the filter, newest first.
func (s *PostgresStore) ListProfiles(ctx context.Context, filter ProfileFilter) ([]model.MiningProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM mining_profiles WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SiteID != "" {
		query += fmt.Sprintf(` AND site_id = $%d`, argIdx)
		args = append(args, filter.SiteID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY updated_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, filterLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list profiles")
	}
	return collectProfiles(rows)
}

// MarkStarted claims the profile: status becomes running and the lease
// version is bumped. The returned profile carries the claimed version.
func (s *PostgresStore) MarkStarted(ctx context.Context, id string) (*model.MiningProfile, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE mining_profiles SET
			status = 'running',
			lease_version = lease_version + 1,
			updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING `+profileColumns,
		id,
	)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.claimFailure(ctx, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: mark started %s", id)
	}
	return p, nil
}

// UpdateProgress applies an incremental progress write. Deltas are added,
// current_page only moves forward, and last_error is appended to.
func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, upd model.ProgressUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mining_profiles SET
			processed_targets = processed_targets + $2,
			found_matches = found_matches + $3,
			current_page = GREATEST(current_page, COALESCE($4, current_page)),
			total_targets = COALESCE($5, total_targets),
			page_size = COALESCE($6, page_size),
			status = COALESCE($7, status),
			last_error = CASE
				WHEN $8 = '' THEN last_error
				WHEN last_error IS NULL OR last_error = '' THEN $8
				ELSE last_error || '`+appendSeparator+`' || $8
			END,
			updated_at = now()
		WHERE id = $1 AND ($9 = 0 OR lease_version = $9)`,
		id, upd.DeltaProcessed, upd.DeltaFound, upd.CurrentPage, upd.TotalTargets,
		upd.PageSize, statusArg(upd.Status), upd.AppendError, upd.LeaseVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseFailure(ctx, id)
	}
	return nil
}

// MarkCompleted moves the profile into its terminal state. A successful
// completion clears last_error.
func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, opts model.CompleteOptions) error {
	status := model.ProfileStatusCompleted
	var lastErr *string
	if opts.Failed {
		status = model.ProfileStatusFailed
		if opts.LastError != "" {
			lastErr = &opts.LastError
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE mining_profiles SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND ($4 = 0 OR lease_version = $4)`,
		id, string(status), lastErr, opts.LeaseVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark completed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseFailure(ctx, id)
	}
	return nil
}

// CountByStatus returns the number of profiles per status, optionally scoped to a site.
func (s *PostgresStore) CountByStatus(ctx context.Context, siteID string) (map[model.ProfileStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM mining_profiles
		WHERE ($1 = '' OR site_id = $1)
		GROUP BY status`,
		siteID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[model.ProfileStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.ProfileStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by status iterate")
}

// ListActiveSites returns every site that has pending or running profiles.
func (s *PostgresStore) ListActiveSites(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT site_id FROM mining_profiles
		WHERE status IN ('pending', 'running')
		ORDER BY site_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active sites")
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, eris.Wrap(err, "postgres: scan site")
		}
		sites = append(sites, site)
	}
	return sites, eris.Wrap(rows.Err(), "postgres: list active sites iterate")
}

// claimFailure explains why MarkStarted matched no row.
func (s *PostgresStore) claimFailure(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM mining_profiles WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lookup profile %s", id)
	}
	return ErrTerminal
}

// leaseFailure explains why a conditional write matched no row.
func (s *PostgresStore) leaseFailure(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM mining_profiles WHERE id = $1)`,
		id,
	).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "postgres: check profile exists %s", id)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLeaseLost
}

func scanProfile(row pgx.Row) (*model.MiningProfile, error) {
	var p model.MiningProfile
	var status string
	if err := row.Scan(
		&p.ID, &p.SearchQueryRef, &p.SiteID, &status, &p.TotalTargets, &p.ProcessedTargets,
		&p.FoundMatches, &p.CurrentPage, &p.PageSize, &p.LastError, &p.LeaseVersion,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = model.ProfileStatus(status)
	return &p, nil
}

func collectProfiles(rows pgx.Rows) ([]model.MiningProfile, error) {
	defer rows.Close()

	var profiles []model.MiningProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan profile")
		}
		profiles = append(profiles, *p)
	}
	return profiles, eris.Wrap(rows.Err(), "postgres: iterate profiles")
}
