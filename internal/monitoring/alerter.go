package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/config"
	"github.com/sells-group/comp-engine/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertEntityFailureRate AlertType = "entity_failure_rate"
	AlertOutliers          AlertType = "payout_outliers"
	AlertNoData            AlertType = "no_source_data"
	AlertStaleApproval     AlertType = "stale_approval"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates batch snapshots against configured thresholds and
// sends alerts via webhook. It is also a pipeline observer.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *BatchSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.FailedEntities > 0 && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertEntityFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Batch %s: entity failure rate %.1f%% exceeds threshold %.1f%% (%d of %d)",
				snap.BatchID, snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.FailedEntities, snap.EntityCount,
			),
			Details: map[string]any{
				"batch_id":     snap.BatchID,
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.FailedEntities,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxOutliers > 0 && snap.OutlierCount > a.cfg.MaxOutliers {
		alerts = append(alerts, Alert{
			Type:     AlertOutliers,
			Severity: "medium",
			Message: fmt.Sprintf("Batch %s: %d payout outliers (limit %d)",
				snap.BatchID, snap.OutlierCount, a.cfg.MaxOutliers),
			Details: map[string]any{
				"batch_id": snap.BatchID,
				"outliers": snap.OutlierCount,
			},
			Timestamp: now,
		})
	}

	evaluated := snap.EntityCount - snap.FailedEntities
	if evaluated > 0 && snap.MissingData == evaluated {
		alerts = append(alerts, Alert{
			Type:     AlertNoData,
			Severity: "high",
			Message: fmt.Sprintf("Batch %s: no entity had source data for period %s",
				snap.BatchID, snap.PeriodID),
			Details: map[string]any{
				"batch_id":  snap.BatchID,
				"period_id": snap.PeriodID,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// EntityEvaluated is a no-op; alerts are batch-level.
func (a *Alerter) EntityEvaluated(context.Context, string, model.EntityTrace) error { return nil }

// BatchCompleted evaluates and sends alerts for a finished batch.
func (a *Alerter) BatchCompleted(ctx context.Context, b *model.Batch, traces []model.EntityTrace) error {
	alerts := a.Evaluate(Snapshot(b, traces))
	if sent := a.SendAlerts(ctx, alerts); sent < len(alerts) && a.cfg.WebhookURL != "" {
		return eris.Errorf("monitoring: sent %d of %d alerts", sent, len(alerts))
	}
	return nil
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
