package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/icp-miner/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps the additive updates serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle for subsystems sharing the file (site resolver).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS mining_profiles (
	id                TEXT PRIMARY KEY,
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
	lease_version     INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mining_profiles_site_status ON mining_profiles(site_id, status, created_at);

CREATE TABLE IF NOT EXISTS sites (
	id            TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	name          TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteProfileColumns = `id, search_query_ref, site_id, status, total_targets, processed_targets,
	found_matches, current_page, page_size, last_error, lease_version, created_at, updated_at`

// CreateProfile registers a new pending profile. An empty ID is assigned a UUID.
func (s *SQLiteStore) CreateProfile(ctx context.Context, p model.MiningProfile) (*model.MiningProfile, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = model.ProfileStatusPending
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mining_profiles (id, search_query_ref, site_id, status, total_targets, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SearchQueryRef, p.SiteID, string(p.Status), nullInt(p.TotalTargets), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert profile %s", p.ID)
	}
	return &p, nil
}

// ImportProfiles bulk-registers profiles, leaving existing ids untouched.
func (s *SQLiteStore) ImportProfiles(ctx context.Context, profiles []model.MiningProfile) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var inserted int64
	for _, p := range profiles {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO mining_profiles (id, search_query_ref, site_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, p.SearchQueryRef, p.SiteID, string(model.ProfileStatusPending), now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import profile %s", id)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import commit")
	}
	return inserted, nil
}

// GetProfile loads one profile by id.
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*model.MiningProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProfileColumns+` FROM mining_profiles WHERE id = ?`,
		id,
	)
	p, err := scanSQLiteProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get profile %s", id)
	}
	return p, nil
}

// ListPending returns pending or running profiles for a site, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context, siteID string, limit int) ([]model.MiningProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProfileColumns+` FROM mining_profiles
		WHERE site_id = ? AND status IN ('pending', 'running')
		ORDER BY created_at, rowid
		LIMIT ?`,
		siteID, filterLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list pending profiles for site %s", siteID)
	}
	return collectSQLiteProfiles(rows)
}

// ListProfiles returns profiles matching the filter, newest first.
func (s *SQLiteStore) ListProfiles(ctx context.Context, filter ProfileFilter) ([]model.MiningProfile, error) {
	query := `SELECT ` + sqliteProfileColumns + ` FROM mining_profiles WHERE 1=1`
	var args []any

	if filter.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, filter.SiteID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, filterLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list profiles")
	}
	return collectSQLiteProfiles(rows)
}

// MarkStarted claims the profile: status becomes running and the lease
// version is bumped.
func (s *SQLiteStore) MarkStarted(ctx context.Context, id string) (*model.MiningProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE mining_profiles SET status = 'running', lease_version = lease_version + 1, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
		RETURNING `+sqliteProfileColumns,
		time.Now().UTC(), id,
	)
	p, err := scanSQLiteProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.claimFailure(ctx, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: mark started %s", id)
	}
	return p, nil
}

// claimFailure explains why a claim matched no row.
func (s *SQLiteStore) claimFailure(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM mining_profiles WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: lookup profile %s", id)
	}
	return ErrTerminal
}

// UpdateProgress applies an incremental progress write.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, upd model.ProgressUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mining_profiles SET
			processed_targets = processed_targets + ?,
			found_matches = found_matches + ?,
			current_page = MAX(current_page, COALESCE(?, current_page)),
			total_targets = COALESCE(?, total_targets),
			page_size = COALESCE(?, page_size),
			status = COALESCE(?, status),
			last_error = CASE
				WHEN ? = '' THEN last_error
				WHEN last_error IS NULL OR last_error = '' THEN ?
				ELSE last_error || '`+appendSeparator+`' || ?
			END,
			updated_at = ?
		WHERE id = ? AND (? = 0 OR lease_version = ?)`,
		upd.DeltaProcessed, upd.DeltaFound, nullInt(upd.CurrentPage), nullInt(upd.TotalTargets),
		nullInt(upd.PageSize), nullString(statusArg(upd.Status)),
		upd.AppendError, upd.AppendError, upd.AppendError,
		time.Now().UTC(), id, upd.LeaseVersion, upd.LeaseVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update progress %s", id)
	}
	return s.checkConditional(ctx, res, id)
}

// MarkCompleted moves the profile into its terminal state.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, opts model.CompleteOptions) error {
	status := model.ProfileStatusCompleted
	var lastErr sql.NullString
	if opts.Failed {
		status = model.ProfileStatusFailed
		lastErr = sql.NullString{String: opts.LastError, Valid: opts.LastError != ""}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE mining_profiles SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND (? = 0 OR lease_version = ?)`,
		string(status), lastErr, time.Now().UTC(), id, opts.LeaseVersion, opts.LeaseVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark completed %s", id)
	}
	return s.checkConditional(ctx, res, id)
}

// CountByStatus returns the number of profiles per status, optionally scoped to a site.
func (s *SQLiteStore) CountByStatus(ctx context.Context, siteID string) (map[model.ProfileStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM mining_profiles WHERE (? = '' OR site_id = ?) GROUP BY status`,
		siteID, siteID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.ProfileStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.ProfileStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by status iterate")
}

// ListActiveSites returns every site that has pending or running profiles.
func (s *SQLiteStore) ListActiveSites(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT site_id FROM mining_profiles WHERE status IN ('pending', 'running') ORDER BY site_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active sites")
	}
	defer rows.Close() //nolint:errcheck

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan site")
		}
		sites = append(sites, site)
	}
	return sites, eris.Wrap(rows.Err(), "sqlite: list active sites iterate")
}

func (s *SQLiteStore) checkConditional(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM mining_profiles WHERE id = ?)`, id,
	).Scan(&exists); err != nil {
		return eris.Wrapf(err, "sqlite: check profile exists %s", id)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLeaseLost
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteProfile(row scannable) (*model.MiningProfile, error) {
	var p model.MiningProfile
	var status string
	var total, pageSize sql.NullInt64
	var lastErr sql.NullString

	if err := row.Scan(
		&p.ID, &p.SearchQueryRef, &p.SiteID, &status, &total, &p.ProcessedTargets,
		&p.FoundMatches, &p.CurrentPage, &pageSize, &lastErr, &p.LeaseVersion,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = model.ProfileStatus(status)
	if total.Valid {
		p.TotalTargets = model.IntPtr(int(total.Int64))
	}
	if pageSize.Valid {
		p.PageSize = model.IntPtr(int(pageSize.Int64))
	}
	if lastErr.Valid {
		p.LastError = &lastErr.String
	}
	return &p, nil
}

func collectSQLiteProfiles(rows *sql.Rows) ([]model.MiningProfile, error) {
	defer rows.Close() //nolint:errcheck

	var profiles []model.MiningProfile
	for rows.Next() {
		p, err := scanSQLiteProfile(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan profile")
		}
		profiles = append(profiles, *p)
	}
	return profiles, eris.Wrap(rows.Err(), "sqlite: iterate profiles")
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
