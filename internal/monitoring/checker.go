package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/icp-miner/internal/config"
)

// Checker refreshes the status gauges and sends alerts in the background.
// An alert type that was sent is held back for the cooldown while its
// condition persists, and re-arms as soon as a check comes back clean.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	cooldown time.Duration
	lastSent map[AlertType]time.Time
	now      func() time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	cooldown := time.Duration(cfg.AlertCooldownMins) * time.Minute
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		cooldown:  cooldown,
		lastSent:  make(map[AlertType]time.Time),
		now:       time.Now,
	}
}

// Run checks once immediately, then every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Duration("cooldown", c.cooldown),
	)

	if ctx.Err() == nil {
		c.check(ctx, log)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check collects a snapshot and sends the alerts not in cooldown. It returns
// the number sent.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, false)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}

	alerts := c.alerter.Evaluate(snap)
	due := c.due(alerts)
	if len(due) == 0 {
		log.Debug("monitoring: no alerts due", zap.Int("alerts_triggered", len(alerts)))
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, due)
	if sent > 0 {
		now := c.now()
		for _, a := range due {
			c.lastSent[a.Type] = now
		}
	}
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_due", len(due)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}

// due filters out alerts still in cooldown and clears the cooldown of types
// that no longer fire.
func (c *Checker) due(alerts []Alert) []Alert {
	firing := make(map[AlertType]bool, len(alerts))
	var out []Alert
	now := c.now()
	for _, a := range alerts {
		firing[a.Type] = true
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < c.cooldown {
			continue
		}
		out = append(out, a)
	}
	for t := range c.lastSent {
		if !firing[t] {
			delete(c.lastSent, t)
		}
	}
	return out
}
