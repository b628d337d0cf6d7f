package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/config"
)

// Checker watches acquisition health on an interval and notifies the
// webhook when a condition starts firing. A condition that keeps firing is
// not re-sent until it has cleared once.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	// firing holds the alert types raised by the last successful pass.
	firing map[AlertType]bool
}

// NewChecker creates a Checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once immediately, then every check interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	every := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if every <= 0 {
		every = 5 * time.Minute
	}
	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("run health checks started",
		zap.Duration("every", every),
		zap.Int("window_hours", c.cfg.LookbackWindowHours),
		zap.Bool("webhook", c.cfg.WebhookURL != ""),
	)

	c.check(ctx, log)

	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("run health checks stopped")
			return
		case <-tick.C:
			c.check(ctx, log)
		}
	}
}

// check evaluates the current window and returns the alerts that started
// firing on this pass. A failed collection leaves the firing set unchanged.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect run health", zap.Error(err))
		return nil
	}

	now := make(map[AlertType]bool)
	var raised []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		now[a.Type] = true
		if !c.firing[a.Type] {
			raised = append(raised, a)
		}
	}
	for t := range c.firing {
		if !now[t] {
			log.Info("monitoring: condition cleared", zap.String("alert", string(t)))
		}
	}
	c.firing = now

	if len(raised) == 0 {
		log.Debug("monitoring: nothing new",
			zap.Int("firing", len(now)),
			zap.Int("runs", snap.RunsTotal),
			zap.Int("failure_queue", snap.FailureQueueDepth),
		)
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, raised)
	log.Warn("monitoring: conditions raised",
		zap.Int("raised", len(raised)),
		zap.Int("sent", sent),
		zap.Int("firing", len(now)),
	)
	return raised
}
