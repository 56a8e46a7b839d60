package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/config"
)

// Checker periodically alerts on batches left waiting for approval.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background approval checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{collector: collector, alerter: alerter, cfg: cfg}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting approval checker",
		zap.Duration("interval", interval),
		zap.Int("stale_approval_hours", c.cfg.StaleApprovalHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("approval checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	maxWait := time.Duration(c.cfg.StaleApprovalHours) * time.Hour
	if maxWait <= 0 {
		maxWait = 48 * time.Hour
	}
	stale, err := c.collector.StaleApprovals(ctx, maxWait)
	if err != nil {
		log.Error("monitoring: failed to collect pending approvals", zap.Error(err))
		return nil
	}

	now := time.Now().UTC()
	alerts := make([]Alert, 0, len(stale))
	for _, s := range stale {
		alerts = append(alerts, Alert{
			Type:     AlertStaleApproval,
			Severity: "medium",
			Message: fmt.Sprintf("Batch %s has waited %s for approval (submitted by %s)",
				s.BatchID, s.Waiting.Truncate(time.Minute), s.SubmittedBy),
			Details: map[string]any{
				"batch_id":  s.BatchID,
				"tenant_id": s.TenantID,
			},
			Timestamp: now,
		})
	}
	if len(alerts) == 0 {
		log.Debug("monitoring: no stale approvals")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: approval check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
