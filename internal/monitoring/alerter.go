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

	"github.com/sells-group/listing-analytics/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate   AlertType = "run_failure_rate"
	AlertRejectionRate    AlertType = "rejection_rate"
	AlertPendingRollups   AlertType = "pending_rollups"
	AlertWatermarkStalled AlertType = "watermark_stalled"
)

// minFinishedRuns is the sample size below which the failure rate is noise.
const minFinishedRuns = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Pipeline  string         `json:"pipeline"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A zero threshold disables its check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsComplete + snap.RunsFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedRuns && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Window failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
		})
	}

	// A rising rejection rate is the earliest sign that upstream renamed a
	// property the extractor does not know yet.
	if a.cfg.RejectionRateThreshold > 0 && snap.EventsFetched > 0 && snap.RejectionRate > a.cfg.RejectionRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRejectionRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Event rejection rate %.1f%% exceeds threshold %.1f%% (%d of %d events, %d unattributable)",
				snap.RejectionRate*100, a.cfg.RejectionRateThreshold*100,
				snap.EventsRejected, snap.EventsFetched, snap.Unattributable,
			),
			Details: map[string]any{
				"rejection_rate": snap.RejectionRate,
				"threshold":      a.cfg.RejectionRateThreshold,
				"rejected":       snap.EventsRejected,
				"unattributable": snap.Unattributable,
				"malformed":      snap.Malformed,
			},
		})
	}

	if a.cfg.PendingRollupThreshold > 0 && snap.PendingRollups > a.cfg.PendingRollupThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPendingRollups,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d entities have pending rollup deltas (threshold %d)",
				snap.PendingRollups, a.cfg.PendingRollupThreshold,
			),
			Details: map[string]any{
				"pending":       snap.PendingRollups,
				"threshold":     a.cfg.PendingRollupThreshold,
				"rollups_stale": snap.RollupsStale,
			},
		})
	}

	lookback := time.Duration(snap.LookbackHours) * time.Hour
	if snap.Watermark != nil && lookback > 0 && snap.WatermarkLag > lookback {
		alerts = append(alerts, Alert{
			Type:     AlertWatermarkStalled,
			Severity: "high",
			Message: fmt.Sprintf(
				"Watermark has not advanced past %s (lag %s)",
				snap.Watermark.Format(time.RFC3339), snap.WatermarkLag.Truncate(time.Minute),
			),
			Details: map[string]any{
				"watermark":   snap.Watermark,
				"lag_seconds": snap.WatermarkLag.Seconds(),
			},
		})
	}

	for i := range alerts {
		alerts[i].Pipeline = snap.Pipeline
		alerts[i].Timestamp = now
	}
	return alerts
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
