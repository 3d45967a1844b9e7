// Package model defines the persisted mining profile and its progress types.
package model

import (
	"time"
)

// ProfileStatus represents the lifecycle state of a mining profile.
type ProfileStatus string

const (
	ProfileStatusPending   ProfileStatus = "pending"
	ProfileStatusRunning   ProfileStatus = "running"
	ProfileStatusCompleted ProfileStatus = "completed"
	ProfileStatusFailed    ProfileStatus = "failed"
)

// IsTerminal reports whether the status ends a profile's lifecycle.
func (s ProfileStatus) IsTerminal() bool {
	return s == ProfileStatusCompleted || s == ProfileStatusFailed
}

// Valid reports whether s is a known status.
func (s ProfileStatus) Valid() bool {
	switch s {
	case ProfileStatusPending, ProfileStatusRunning, ProfileStatusCompleted, ProfileStatusFailed:
		return true
	default:
		return false
	}
}

// MiningProfile is a saved search criterion (an Ideal Client Profile) plus
// its persisted scan progress.
type MiningProfile struct {
	ID             string        `json:"id"`
	SearchQueryRef string        `json:"search_query_ref"`
	SiteID         string        `json:"site_id"`
	Status         ProfileStatus `json:"status"`

	// TotalTargets is nil until the provider reports a population size.
	TotalTargets     *int `json:"total_targets,omitempty"`
	ProcessedTargets int  `json:"processed_targets"`
	FoundMatches     int  `json:"found_matches"`
	CurrentPage      int  `json:"current_page"`

	// PageSize is the page size the provider actually serves, once learned.
	PageSize *int `json:"page_size,omitempty"`

	LastError *string `json:"last_error,omitempty"`

	// LeaseVersion is bumped by every claim; writes from an invocation are
	// conditioned on the version it claimed.
	LeaseVersion int64 `json:"lease_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining returns totalTargets - processedTargets, or 0 when the total is unknown.
func (p MiningProfile) Remaining() int {
	if p.TotalTargets == nil {
		return 0
	}
	r := *p.TotalTargets - p.ProcessedTargets
	if r < 0 {
		return 0
	}
	return r
}

// HasTotal reports whether the population size has been hydrated.
func (p MiningProfile) HasTotal() bool {
	return p.TotalTargets != nil
}

// ProgressUpdate is an incremental write against a profile. Deltas are
// additive; CurrentPage is absolute and never moves the cursor backwards.
type ProgressUpdate struct {
	DeltaProcessed int            `json:"delta_processed,omitempty"`
	DeltaFound     int            `json:"delta_found,omitempty"`
	CurrentPage    *int           `json:"current_page,omitempty"`
	TotalTargets   *int           `json:"total_targets,omitempty"`
	PageSize       *int           `json:"page_size,omitempty"`
	Status         *ProfileStatus `json:"status,omitempty"`
	AppendError    string         `json:"append_error,omitempty"`

	// LeaseVersion, when non-zero, must match the stored lease version.
	LeaseVersion int64 `json:"lease_version,omitempty"`
}

// CompleteOptions finalises a profile into a terminal state.
type CompleteOptions struct {
	Failed    bool   `json:"failed"`
	LastError string `json:"last_error,omitempty"`

	// LeaseVersion, when non-zero, must match the stored lease version.
	LeaseVersion int64 `json:"lease_version,omitempty"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// StatusPtr returns a pointer to s.
func StatusPtr(s ProfileStatus) *ProfileStatus {
	return &s
}
