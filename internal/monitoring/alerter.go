package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate  AlertType = "run_failure_rate"
	AlertItemFailureRate AlertType = "item_failure_rate"
	AlertFailureQueue    AlertType = "failure_queue_depth"
	AlertCircuitOpen     AlertType = "circuit_open"
)

// minFinishedRuns keeps one bad run from tripping the rate alert.
const minFinishedRuns = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *resty.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg: cfg,
		client: resty.New().
			SetTimeout(10*time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= minFinishedRuns && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	items := snap.ItemsSucceeded + snap.ItemsFailed
	if items > 0 && snap.ItemFailRate > a.cfg.ItemFailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertItemFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Parcel failure rate %.1f%% exceeds threshold %.1f%% (%d of %d in last %dh)",
				snap.ItemFailRate*100, a.cfg.ItemFailureRateThreshold*100,
				snap.ItemsFailed, items, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.ItemFailRate,
				"threshold":    a.cfg.ItemFailureRateThreshold,
				"failed":       snap.ItemsFailed,
				"attempted":    items,
			},
			Timestamp: now,
		})
	}

	if a.cfg.FailureQueueThreshold > 0 && snap.FailureQueueDepth > a.cfg.FailureQueueThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureQueue,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Failure queue holds %d parcels (threshold %d)",
				snap.FailureQueueDepth, a.cfg.FailureQueueThreshold,
			),
			Details: map[string]any{
				"depth":     snap.FailureQueueDepth,
				"threshold": a.cfg.FailureQueueThreshold,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenCircuits) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "high",
			Message:  "Circuit open for " + strings.Join(snap.OpenCircuits, ", "),
			Details: map[string]any{
				"sources": snap.OpenCircuits,
			},
			Timestamp: now,
		})
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

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(alert).
		Post(a.cfg.WebhookURL)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	if resp.IsError() {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode())
	}
	return nil
}
