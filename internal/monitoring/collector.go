package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/icp-miner/internal/metrics"
	"github.com/sells-group/icp-miner/internal/model"
)

// StatusCounts holds profile counts for one scope.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Backlog is the number of profiles still waiting on work.
func (c StatusCounts) Backlog() int {
	return c.Pending + c.Running
}

// FailRate is failed / (completed + failed), or 0 when nothing finished.
func (c StatusCounts) FailRate() float64 {
	finished := c.Completed + c.Failed
	if finished == 0 {
		return 0
	}
	return float64(c.Failed) / float64(finished)
}

// Total is the number of profiles counted.
func (c StatusCounts) Total() int {
	return c.Pending + c.Running + c.Completed + c.Failed
}

// SiteSnapshot holds the counts for one site with open work.
type SiteSnapshot struct {
	SiteID string `json:"site_id"`
	StatusCounts
}

// MetricsSnapshot holds a point-in-time view of the mining backlog.
type MetricsSnapshot struct {
	StatusCounts
	Sites []SiteSnapshot `json:"sites,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// StatusQuerier is the part of the store the collector reads.
type StatusQuerier interface {
	CountByStatus(ctx context.Context, siteID string) (map[model.ProfileStatus]int, error)
	ListActiveSites(ctx context.Context) ([]string, error)
}

// Collector gathers status counts from the store.
type Collector struct {
	store StatusQuerier
}

// NewCollector creates a new metrics collector.
func NewCollector(st StatusQuerier) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot. With perSite set, every site that still has
// pending or running profiles gets its own breakdown. The global counts are
// also published to the icp_miner_profiles gauge.
func (c *Collector) Collect(ctx context.Context, perSite bool) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.store.CountByStatus(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count profiles")
	}
	snap.StatusCounts = fromMap(counts)
	publish(snap.StatusCounts)

	if !perSite {
		return snap, nil
	}

	sites, err := c.store.ListActiveSites(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list active sites")
	}
	for _, site := range sites {
		sc, err := c.store.CountByStatus(ctx, site)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count profiles for site %s", site)
		}
		snap.Sites = append(snap.Sites, SiteSnapshot{SiteID: site, StatusCounts: fromMap(sc)})
	}
	return snap, nil
}

func fromMap(m map[model.ProfileStatus]int) StatusCounts {
	return StatusCounts{
		Pending:   m[model.ProfileStatusPending],
		Running:   m[model.ProfileStatusRunning],
		Completed: m[model.ProfileStatusCompleted],
		Failed:    m[model.ProfileStatusFailed],
	}
}

func publish(c StatusCounts) {
	metrics.Profiles.WithLabelValues(string(model.ProfileStatusPending)).Set(float64(c.Pending))
	metrics.Profiles.WithLabelValues(string(model.ProfileStatusRunning)).Set(float64(c.Running))
	metrics.Profiles.WithLabelValues(string(model.ProfileStatusCompleted)).Set(float64(c.Completed))
	metrics.Profiles.WithLabelValues(string(model.ProfileStatusFailed)).Set(float64(c.Failed))
}
