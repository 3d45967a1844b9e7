// Package mining runs resumable lead-mining scans over the people search
// provider. One invocation claims one profile, scans a bounded number of
// pages from its checkpoint, persists progress after every page, and either
// completes the profile or puts it back in the pool.
package mining

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/icp-miner/internal/audit"
	"github.com/sells-group/icp-miner/internal/metrics"
	"github.com/sells-group/icp-miner/internal/model"
	"github.com/sells-group/icp-miner/internal/store"
	"github.com/sells-group/icp-miner/pkg/peoplesearch"
)

// Defaults applied to zero-valued Options.
const (
	DefaultPageSize      = 25
	DefaultTargetMatches = 50
	DefaultMaxPages      = 10
	DefaultPoolWindow    = 50
)

// Outcome is the disposition of one invocation.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeRequeued   Outcome = "requeued"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeIdle       Outcome = "idle"
)

// Options bound one invocation.
type Options struct {
	UserID string `json:"user_id,omitempty"`
	// PageSize is advisory; the provider's own page size wins once reported.
	PageSize      int `json:"page_size,omitempty"`
	TargetMatches int `json:"target_matches,omitempty"`
	MaxPages      int `json:"max_pages,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.TargetMatches <= 0 {
		o.TargetMatches = DefaultTargetMatches
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	return o
}

// Result summarises one invocation.
type Result struct {
	ProfileID string              `json:"profile_id,omitempty"`
	SiteID    string              `json:"site_id,omitempty"`
	Outcome   Outcome             `json:"outcome"`
	Status    model.ProfileStatus `json:"status,omitempty"`

	StartPage    int `json:"start_page"`
	CurrentPage  int `json:"current_page"`
	PagesFetched int `json:"pages_fetched"`
	Processed    int `json:"processed"`
	Found        int `json:"found"`
	LeadsCreated int `json:"leads_created"`

	BudgetExhausted bool     `json:"budget_exhausted"`
	Hydrated        bool     `json:"hydrated"`
	Guarded         bool     `json:"guarded"`
	Errors          []string `json:"errors,omitempty"`
}

// Engine is the pagination resume engine.
type Engine struct {
	store  store.ProgressStore
	search peoplesearch.Client
	audit  audit.Logger
}

// NewEngine creates an Engine. A nil audit logger discards events.
func NewEngine(st store.ProgressStore, search peoplesearch.Client, al audit.Logger) *Engine {
	if al == nil {
		al = audit.Nop{}
	}
	return &Engine{store: st, search: search, audit: al}
}

// Run claims the profile and scans it. The returned error is
// ErrProfileNotFound when the profile vanished, or an infrastructure
// failure from the store; page failures and lost leases are reported in
// the Result.
func (e *Engine) Run(ctx context.Context, profileID string, opts Options) (*Result, error) {
	claimed, err := e.store.MarkStarted(ctx, profileID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrProfileNotFound
	case errors.Is(err, store.ErrTerminal):
		return &Result{ProfileID: profileID, Outcome: OutcomeSkipped}, nil
	case err != nil:
		return nil, eris.Wrapf(err, "mining: claim profile %s", profileID)
	}

	s := &scan{
		Engine: e,
		p:      *claimed,
		opts:   opts.withDefaults(),
		log: zap.L().With(
			zap.String("profile_id", claimed.ID),
			zap.String("site_id", claimed.SiteID),
			zap.Int64("lease", claimed.LeaseVersion),
		),
		res: &Result{
			ProfileID:   claimed.ID,
			SiteID:      claimed.SiteID,
			CurrentPage: claimed.CurrentPage,
		},
		lastCommitted: -1,
	}
	s.pageSize = effectivePageSize(0, claimed.PageSize, s.opts.PageSize)

	err = s.run(ctx)
	if errors.Is(err, store.ErrLeaseLost) {
		s.log.Warn("mining: lease lost, another invocation owns this profile")
		s.res.Outcome = OutcomeSuperseded
		s.event(ctx, audit.EventSuperseded, audit.LevelWarn, nil)
		return s.res, nil
	}
	if err != nil {
		return s.res, err
	}
	return s.res, nil
}

// scan is the state of one invocation. p mirrors what has been persisted.
type scan struct {
	*Engine

	p        model.MiningProfile
	opts     Options
	log      *zap.Logger
	res      *Result
	pageSize int
	guarded  bool
	fetched  int

	// last page committed by this invocation, -1 until one lands
	lastCommitted int
}

func (s *scan) run(ctx context.Context) error {
	s.event(ctx, audit.EventStart, audit.LevelInfo, map[string]any{
		"current_page":   s.p.CurrentPage,
		"processed":      s.p.ProcessedTargets,
		"found":          s.p.FoundMatches,
		"target_matches": s.opts.TargetMatches,
		"max_pages":      s.opts.MaxPages,
	})

	var probe *peoplesearch.PageResponse
	if !s.p.HasTotal() {
		var err error
		if probe, err = s.hydrate(ctx); err != nil {
			return err
		}
	}
	s.res.Guarded = s.guarded

	page := ResumePage(s.p.CurrentPage, s.p.ProcessedTargets, s.pageSize)
	s.res.StartPage = page
	s.log.Info("mining: scan starting",
		zap.Int("start_page", page),
		zap.Int("page_size", s.pageSize),
		zap.Bool("guarded", s.guarded),
		zap.Bool("hydrated", s.res.Hydrated),
	)

	for {
		var resp *peoplesearch.PageResponse
		if probe != nil && page == 0 {
			resp = probe
		} else {
			if s.fetched >= s.opts.MaxPages {
				s.res.BudgetExhausted = true
				return s.requeue(ctx)
			}
			var ferr *FetchError
			if resp, ferr = s.fetch(ctx, page); ferr != nil {
				if ctx.Err() != nil {
					return eris.Wrap(ctx.Err(), "mining: scan interrupted")
				}
				if err := s.recordFailure(ctx, ferr); err != nil {
					return err
				}
				return s.requeue(ctx)
			}
		}
		probe = nil

		done, err := s.commit(ctx, page, resp)
		if err != nil {
			return err
		}
		if done {
			return s.complete(ctx)
		}
		if s.fetched >= s.opts.MaxPages {
			s.res.BudgetExhausted = true
			return s.requeue(ctx)
		}
		page++
	}
}

// hydrate probes page 0 to learn the population size. A miss switches the
// scan to guarded mode. The probe response is returned for reuse as page 0.
func (s *scan) hydrate(ctx context.Context) (*peoplesearch.PageResponse, error) {
	resp, ferr := s.fetch(ctx, 0)
	if ferr != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "mining: hydration interrupted")
		}
		metrics.Hydrations.WithLabelValues("error").Inc()
		s.guarded = true
		s.log.Warn("mining: hydration probe failed, continuing guarded", zap.Error(ferr))
		return nil, s.recordFailure(ctx, &FetchError{Page: 0, Err: eris.Wrap(ferr.Err, "hydration")})
	}

	upd := model.ProgressUpdate{LeaseVersion: s.p.LeaseVersion}
	s.adoptPageSize(resp, &upd)
	if resp.Total != nil && *resp.Total > 0 {
		upd.TotalTargets = model.IntPtr(*resp.Total)
		upd.Status = model.StatusPtr(model.ProfileStatusRunning)
	}

	if upd.TotalTargets != nil || upd.PageSize != nil {
		if err := s.write(ctx, upd); err != nil {
			return nil, err
		}
	}

	if upd.TotalTargets == nil {
		metrics.Hydrations.WithLabelValues("miss").Inc()
		s.guarded = true
		s.log.Info("mining: provider reported no total, continuing guarded")
		return resp, nil
	}

	s.p.TotalTargets = upd.TotalTargets
	s.res.Hydrated = true
	metrics.Hydrations.WithLabelValues("hydrated").Inc()
	s.event(ctx, audit.EventHydrated, audit.LevelInfo, map[string]any{
		"total_targets": *upd.TotalTargets,
		"page_size":     s.pageSize,
	})
	return resp, nil
}

func (s *scan) fetch(ctx context.Context, page int) (*peoplesearch.PageResponse, *FetchError) {
	s.fetched++
	s.res.PagesFetched++

	start := time.Now()
	resp, err := s.search.SearchPage(ctx, peoplesearch.PageRequest{
		Query:     s.p.SearchQueryRef,
		Page:      page,
		PageSize:  s.pageSize,
		SiteID:    s.p.SiteID,
		UserID:    s.opts.UserID,
		ProfileID: s.p.ID,
	})
	elapsed := time.Since(start)

	switch {
	case err != nil:
	case resp == nil:
		err = eris.New("provider returned no response")
	case !resp.Success:
		err = eris.Errorf("provider reported failure: %s", strings.Join(resp.Errors, "; "))
	}
	if err != nil {
		metrics.ObservePage("error", elapsed, 0, 0)
		return nil, &FetchError{Page: page, Err: err}
	}

	result := "ok"
	if len(resp.Persons) == 0 {
		result = "empty"
	}
	metrics.ObservePage(result, elapsed, 0, 0)
	s.log.Debug("mining: page fetched",
		zap.Int("page", page),
		zap.Int("persons", len(resp.Persons)),
		zap.Int("processed", resp.Processed),
		zap.Int("found", resp.FoundMatches),
		zap.Bool("has_more", resp.HasMore),
		zap.Duration("elapsed", elapsed),
	)
	return resp, nil
}

// commit persists one page's progress and reports whether a success
// condition fired.
func (s *scan) commit(ctx context.Context, page int, resp *peoplesearch.PageResponse) (bool, error) {
	upd := model.ProgressUpdate{
		CurrentPage:  model.IntPtr(page),
		LeaseVersion: s.p.LeaseVersion,
	}
	if !s.p.HasTotal() && resp.Total != nil && *resp.Total > 0 {
		upd.TotalTargets = model.IntPtr(*resp.Total)
	}
	s.adoptPageSize(resp, &upd)

	processed := max(resp.Processed, 0)
	total := s.p.TotalTargets
	if upd.TotalTargets != nil {
		total = upd.TotalTargets
	}
	if total != nil {
		processed = min(processed, max(*total-s.p.ProcessedTargets, 0))
	}
	found := max(resp.FoundMatches, 0)
	upd.DeltaProcessed = processed
	upd.DeltaFound = found

	if err := s.write(ctx, upd); err != nil {
		return false, err
	}

	s.p.ProcessedTargets += processed
	s.p.FoundMatches += found
	s.p.CurrentPage = max(s.p.CurrentPage, page)
	s.lastCommitted = max(s.lastCommitted, page)
	if upd.TotalTargets != nil {
		s.p.TotalTargets = upd.TotalTargets
		s.guarded = false
		s.log.Info("mining: total learned from page", zap.Int("page", page), zap.Int("total_targets", *upd.TotalTargets))
	}
	s.res.CurrentPage = s.p.CurrentPage
	s.res.Processed += processed
	s.res.Found += found
	s.res.LeadsCreated += len(resp.LeadsCreated)
	metrics.TargetsProcessed.Add(float64(processed))
	metrics.MatchesFound.Add(float64(found))

	switch {
	case s.p.FoundMatches >= s.opts.TargetMatches:
		s.log.Info("mining: target matches reached", zap.Int("found", s.p.FoundMatches))
		return true, nil
	case s.p.HasTotal() && s.p.ProcessedTargets >= *s.p.TotalTargets:
		s.log.Info("mining: population exhausted", zap.Int("processed", s.p.ProcessedTargets))
		return true, nil
	case s.guarded && !resp.HasMore:
		s.log.Info("mining: provider has no more pages")
		return true, nil
	case !resp.HasMore && len(resp.Persons) == 0:
		s.log.Info("mining: provider returned an empty final page")
		return true, nil
	}
	return false, nil
}

func (s *scan) adoptPageSize(resp *peoplesearch.PageResponse, upd *model.ProgressUpdate) {
	if resp.PageSize <= 0 {
		return
	}
	if s.p.PageSize == nil || *s.p.PageSize != resp.PageSize {
		upd.PageSize = model.IntPtr(resp.PageSize)
		s.p.PageSize = upd.PageSize
	}
	s.pageSize = resp.PageSize
}

func (s *scan) recordFailure(ctx context.Context, ferr *FetchError) error {
	msg := ferr.Error()
	s.res.Errors = append(s.res.Errors, msg)
	s.log.Warn("mining: page fetch failed", zap.Int("page", ferr.Page), zap.Error(ferr.Err))
	s.event(ctx, audit.EventPageFailed, audit.LevelWarn, map[string]any{
		"page":  ferr.Page,
		"error": msg,
	})
	return s.write(ctx, model.ProgressUpdate{
		AppendError:  msg,
		LeaseVersion: s.p.LeaseVersion,
	})
}

// requeue hands the profile back to the pool. The cursor moves past the
// last committed page so the next invocation never refetches it, even when
// that page processed fewer targets than the page size.
func (s *scan) requeue(ctx context.Context) error {
	upd := model.ProgressUpdate{
		Status:       model.StatusPtr(model.ProfileStatusPending),
		LeaseVersion: s.p.LeaseVersion,
	}
	if s.lastCommitted >= 0 {
		upd.CurrentPage = model.IntPtr(s.lastCommitted + 1)
	}
	if err := s.write(ctx, upd); err != nil {
		return err
	}
	if upd.CurrentPage != nil {
		s.p.CurrentPage = max(s.p.CurrentPage, *upd.CurrentPage)
		s.res.CurrentPage = s.p.CurrentPage
	}
	s.res.Outcome = OutcomeRequeued
	s.res.Status = model.ProfileStatusPending
	s.log.Info("mining: profile requeued",
		zap.Int("current_page", s.p.CurrentPage),
		zap.Int("pages_fetched", s.res.PagesFetched),
		zap.Bool("budget_exhausted", s.res.BudgetExhausted),
	)
	s.event(ctx, audit.EventRequeue, audit.LevelInfo, s.summary())
	return nil
}

func (s *scan) complete(ctx context.Context) error {
	err := s.store.MarkCompleted(ctx, s.p.ID, model.CompleteOptions{LeaseVersion: s.p.LeaseVersion})
	if err != nil {
		return s.storeErr(err, "mark completed")
	}
	s.res.Outcome = OutcomeCompleted
	s.res.Status = model.ProfileStatusCompleted
	s.log.Info("mining: profile completed",
		zap.Int("processed", s.p.ProcessedTargets),
		zap.Int("found", s.p.FoundMatches),
	)
	s.event(ctx, audit.EventComplete, audit.LevelInfo, s.summary())
	return nil
}

func (s *scan) write(ctx context.Context, upd model.ProgressUpdate) error {
	if err := s.store.UpdateProgress(ctx, s.p.ID, upd); err != nil {
		return s.storeErr(err, "update progress")
	}
	return nil
}

func (s *scan) storeErr(err error, op string) error {
	if !errors.Is(err, store.ErrLeaseLost) {
		s.log.Error("mining: store write failed", zap.String("op", op), zap.Error(err))
	}
	return eris.Wrapf(err, "mining: %s %s", op, s.p.ID)
}

func (s *scan) summary() map[string]any {
	return map[string]any{
		"start_page":       s.res.StartPage,
		"current_page":     s.p.CurrentPage,
		"pages_fetched":    s.res.PagesFetched,
		"processed":        s.res.Processed,
		"found":            s.res.Found,
		"total_processed":  s.p.ProcessedTargets,
		"total_found":      s.p.FoundMatches,
		"budget_exhausted": s.res.BudgetExhausted,
	}
}

func (s *scan) event(ctx context.Context, typ, level string, payload map[string]any) {
	s.audit.Log(ctx, audit.Event{
		Type:      typ,
		Level:     level,
		SiteID:    s.p.SiteID,
		ProfileID: s.p.ID,
		Payload:   payload,
	})
}
