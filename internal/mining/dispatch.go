package mining

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/icp-miner/internal/audit"
	"github.com/sells-group/icp-miner/internal/identity"
	"github.com/sells-group/icp-miner/internal/metrics"
	"github.com/sells-group/icp-miner/internal/model"
	"github.com/sells-group/icp-miner/internal/store"
)

// Target selects what an invocation works on: SingleTarget or PoolTarget.
type Target interface {
	isTarget()
}

// SingleTarget runs one named profile.
type SingleTarget struct {
	ProfileID string
}

// PoolTarget picks the next profile from a site's pending pool.
type PoolTarget struct {
	SiteID string
}

func (SingleTarget) isTarget() {}
func (PoolTarget) isTarget()   {}

// Request is one dispatch invocation.
type Request struct {
	Target Target
	Options
}

// Dispatcher runs at most one profile per invocation.
type Dispatcher struct {
	store      store.ProgressStore
	engine     *Engine
	resolver   identity.Resolver
	audit      audit.Logger
	poolWindow int
}

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

// WithResolver sets the site owner resolver used when a request has no user.
func WithResolver(r identity.Resolver) DispatchOption {
	return func(d *Dispatcher) { d.resolver = r }
}

// WithPoolWindow bounds how many pending profiles pool mode considers.
func WithPoolWindow(n int) DispatchOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.poolWindow = n
		}
	}
}

// WithAudit sets the audit logger for dispatch-level events.
func WithAudit(l audit.Logger) DispatchOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.audit = l
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.ProgressStore, engine *Engine, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{
		store:      st,
		engine:     engine,
		audit:      audit.Nop{},
		poolWindow: DefaultPoolWindow,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch runs one invocation. Only a missing profile is returned as an
// error (ErrProfileNotFound); incomplete work comes back as
// OutcomeRequeued and an empty pool as OutcomeIdle.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	var (
		res *Result
		err error
	)
	switch t := req.Target.(type) {
	case SingleTarget:
		res, err = d.single(ctx, t, req.Options)
	case PoolTarget:
		res, err = d.pool(ctx, t, req.Options)
	default:
		err = eris.Errorf("mining: unsupported target %T", req.Target)
	}

	outcome := "error"
	switch {
	case errors.Is(err, ErrProfileNotFound):
		outcome = string(OutcomeFailed)
	case err == nil && res != nil:
		outcome = string(res.Outcome)
	}
	metrics.Invocations.WithLabelValues(outcome).Inc()
	return res, err
}

func (d *Dispatcher) single(ctx context.Context, t SingleTarget, opts Options) (*Result, error) {
	if t.ProfileID == "" {
		return nil, eris.New("mining: single mode requires a profile id")
	}

	p, err := d.store.GetProfile(ctx, t.ProfileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, d.notFound(ctx, t.ProfileID, "")
	}
	if err != nil {
		return nil, eris.Wrapf(err, "mining: load profile %s", t.ProfileID)
	}
	if p.Status.IsTerminal() {
		zap.L().Info("mining: profile already finished, skipping",
			zap.String("profile_id", p.ID),
			zap.String("status", string(p.Status)),
		)
		return &Result{ProfileID: p.ID, SiteID: p.SiteID, Outcome: OutcomeSkipped, Status: p.Status}, nil
	}
	return d.run(ctx, p, opts)
}

func (d *Dispatcher) pool(ctx context.Context, t PoolTarget, opts Options) (*Result, error) {
	if t.SiteID == "" {
		return nil, eris.New("mining: pool mode requires a site id")
	}

	candidates, err := d.store.ListPending(ctx, t.SiteID, d.poolWindow)
	if err != nil {
		return nil, eris.Wrapf(err, "mining: list pending for site %s", t.SiteID)
	}
	chosen, ok := SelectProfile(candidates)
	if !ok {
		zap.L().Debug("mining: pool empty", zap.String("site_id", t.SiteID))
		return &Result{SiteID: t.SiteID, Outcome: OutcomeIdle}, nil
	}
	return d.run(ctx, &chosen, opts)
}

func (d *Dispatcher) run(ctx context.Context, p *model.MiningProfile, opts Options) (*Result, error) {
	if opts.UserID == "" {
		opts.UserID = d.resolveOwner(ctx, p.SiteID)
	}
	res, err := d.engine.Run(ctx, p.ID, opts)
	if errors.Is(err, ErrProfileNotFound) {
		return nil, d.notFound(ctx, p.ID, p.SiteID)
	}
	return res, err
}

func (d *Dispatcher) resolveOwner(ctx context.Context, siteID string) string {
	if d.resolver == nil || siteID == "" {
		return ""
	}
	owner, err := d.resolver.OwnerOf(ctx, siteID)
	if err != nil {
		zap.L().Warn("mining: could not resolve site owner, continuing without user scope",
			zap.String("site_id", siteID),
			zap.Error(err),
		)
		return ""
	}
	return owner
}

// notFound marks the profile failed where it still can and returns the
// hard failure.
func (d *Dispatcher) notFound(ctx context.Context, profileID, siteID string) error {
	const msg = "profile not found"
	err := d.store.MarkCompleted(ctx, profileID, model.CompleteOptions{Failed: true, LastError: msg})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		zap.L().Warn("mining: could not mark missing profile failed",
			zap.String("profile_id", profileID),
			zap.Error(err),
		)
	}
	d.audit.Log(ctx, audit.Event{
		Type:      audit.EventFail,
		Level:     audit.LevelError,
		SiteID:    siteID,
		ProfileID: profileID,
		Payload:   map[string]any{"error": msg},
	})
	return eris.Wrapf(ErrProfileNotFound, "mining: profile %s", profileID)
}
