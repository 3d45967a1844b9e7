// Package store persists mining profiles and their scan progress.
package store

import (
	"context"
	"errors"

	"github.com/sells-group/icp-miner/internal/model"
)

var (
	// ErrNotFound is returned when the requested profile does not exist.
	ErrNotFound = errors.New("store: profile not found")

	// ErrLeaseLost is returned when a conditional write finds a lease version
	// other than the one the caller claimed: another invocation has taken
	// over the profile.
	ErrLeaseLost = errors.New("store: profile lease lost")

	// ErrTerminal is returned when claiming a profile that is already
	// completed or failed.
	ErrTerminal = errors.New("store: profile is in a terminal state")
)

// ProfileFilter specifies criteria for listing profiles.
type ProfileFilter struct {
	SiteID string              `json:"site_id,omitempty"`
	Status model.ProfileStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// ProgressStore is the durable record of every mining profile and the
// source of truth for resumption. Each call is individually atomic; callers
// must not assume atomicity across calls.
type ProgressStore interface {
	GetProfile(ctx context.Context, id string) (*model.MiningProfile, error)
	// ListPending returns at most limit pending or running profiles for the
	// site, oldest first.
	ListPending(ctx context.Context, siteID string, limit int) ([]model.MiningProfile, error)
	// MarkStarted moves the profile to running and bumps its lease version.
	MarkStarted(ctx context.Context, id string) (*model.MiningProfile, error)
	UpdateProgress(ctx context.Context, id string, upd model.ProgressUpdate) error
	MarkCompleted(ctx context.Context, id string, opts model.CompleteOptions) error
}

// Store extends ProgressStore with registration, reporting and lifecycle.
type Store interface {
	ProgressStore

	CreateProfile(ctx context.Context, p model.MiningProfile) (*model.MiningProfile, error)
	ImportProfiles(ctx context.Context, profiles []model.MiningProfile) (int64, error)
	ListProfiles(ctx context.Context, filter ProfileFilter) ([]model.MiningProfile, error)
	CountByStatus(ctx context.Context, siteID string) (map[model.ProfileStatus]int, error)
	ListActiveSites(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// appendSeparator joins successive errors appended to last_error.
const appendSeparator = "; "

func statusArg(s *model.ProfileStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func filterLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
