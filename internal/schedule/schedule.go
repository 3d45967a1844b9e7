// Package schedule is the external scheduler for mining: a Temporal workflow
// that drains one site's pool by issuing pool-mode dispatch invocations one
// after another, sleeping between them.
package schedule

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/icp-miner/internal/mining"
)

// DefaultMaxInvocations caps a workflow run when the input leaves it unset.
const DefaultMaxInvocations = 100

const errTypeNotFound = "PROFILE_NOT_FOUND"

var dispatchActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 30 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:        5 * time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        5 * time.Minute,
		MaximumAttempts:        3,
		NonRetryableErrorTypes: []string{errTypeNotFound},
	},
}

// Dispatcher runs one mining invocation.
type Dispatcher interface {
	Dispatch(ctx context.Context, req mining.Request) (*mining.Result, error)
}

// Activities holds the mining activities.
type Activities struct {
	dispatcher Dispatcher
}

// NewActivities creates the activity set.
func NewActivities(d Dispatcher) *Activities {
	return &Activities{dispatcher: d}
}

// DispatchInput selects the invocation target: ProfileID for single mode,
// otherwise SiteID for pool mode.
type DispatchInput struct {
	SiteID    string         `json:"site_id,omitempty"`
	ProfileID string         `json:"profile_id,omitempty"`
	Options   mining.Options `json:"options"`
}

// Dispatch runs one invocation. A missing profile is a non-retryable
// application error; everything else the dispatcher returns is retried.
func (a *Activities) Dispatch(ctx context.Context, in DispatchInput) (*mining.Result, error) {
	req := mining.Request{Options: in.Options}
	if in.ProfileID != "" {
		req.Target = mining.SingleTarget{ProfileID: in.ProfileID}
	} else {
		req.Target = mining.PoolTarget{SiteID: in.SiteID}
	}

	res, err := a.dispatcher.Dispatch(ctx, req)
	if errors.Is(err, mining.ErrProfileNotFound) {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), errTypeNotFound, err)
	}
	if err != nil {
		zap.L().Error("schedule: dispatch failed",
			zap.String("site_id", in.SiteID),
			zap.String("profile_id", in.ProfileID),
			zap.Error(err),
		)
		return nil, err
	}
	return res, nil
}

// MineSiteInput is the input for MineSiteWorkflow.
type MineSiteInput struct {
	SiteID         string         `json:"site_id"`
	Options        mining.Options `json:"options"`
	IntervalSecs   int            `json:"interval_secs"`
	MaxInvocations int            `json:"max_invocations"`
}

// MineSiteResult tallies a workflow run.
type MineSiteResult struct {
	Invocations int  `json:"invocations"`
	Completed   int  `json:"completed"`
	Requeued    int  `json:"requeued"`
	Superseded  int  `json:"superseded"`
	Missing     int  `json:"missing"`
	Processed   int  `json:"processed"`
	Found       int  `json:"found"`
	Drained     bool `json:"drained"`
}

// MineSiteWorkflow keeps dispatching pool invocations for one site until the
// pool is empty or MaxInvocations is reached. Starting it with a per-site
// workflow ID keeps invocations for a site strictly sequential.
func MineSiteWorkflow(ctx workflow.Context, in MineSiteInput) (*MineSiteResult, error) {
	if in.SiteID == "" {
		return nil, temporal.NewApplicationError("site_id is required", "INVALID_INPUT")
	}
	limit := in.MaxInvocations
	if limit <= 0 {
		limit = DefaultMaxInvocations
	}
	interval := time.Duration(in.IntervalSecs) * time.Second

	logger := workflow.GetLogger(ctx)
	actCtx := workflow.WithActivityOptions(ctx, dispatchActivityOptions)
	out := &MineSiteResult{}

	var a *Activities
	for out.Invocations < limit {
		var res mining.Result
		err := workflow.ExecuteActivity(actCtx, a.Dispatch, DispatchInput{
			SiteID:  in.SiteID,
			Options: in.Options,
		}).Get(ctx, &res)
		out.Invocations++

		var appErr *temporal.ApplicationError
		switch {
		case errors.As(err, &appErr) && appErr.Type() == errTypeNotFound:
			// The chosen profile vanished between listing and claiming.
			out.Missing++
		case err != nil:
			return out, err
		default:
			out.tally(&res)
		}

		if out.Drained {
			logger.Info("site pool drained", "site_id", in.SiteID, "invocations", out.Invocations)
			break
		}
		if interval > 0 && out.Invocations < limit {
			if err := workflow.Sleep(ctx, interval); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func (r *MineSiteResult) tally(res *mining.Result) {
	switch res.Outcome {
	case mining.OutcomeIdle:
		r.Drained = true
	case mining.OutcomeCompleted:
		r.Completed++
	case mining.OutcomeRequeued:
		r.Requeued++
	case mining.OutcomeSuperseded:
		r.Superseded++
	}
	r.Processed += res.Processed
	r.Found += res.Found
}

// WorkflowID is the per-site workflow ID.
func WorkflowID(siteID string) string {
	return "mine-site-" + siteID
}

// StartMineSite starts MineSiteWorkflow for a site on the given task queue.
func StartMineSite(ctx context.Context, c client.Client, taskQueue string, in MineSiteInput) (client.WorkflowRun, error) {
	return c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.SiteID),
		TaskQueue: taskQueue,
	}, MineSiteWorkflow, in)
}
