package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/common/expfmt"

	"sandbox/internal/config"
	"sandbox/internal/logging"
)

// Pusher mirrors the registry to a remote endpoint. It runs independently of
// the sampler so a slow remote never delays gauge refreshes.
type Pusher struct {
	metrics  *Metrics
	cfg      config.MetricsPushConfig
	client   *http.Client
	interval time.Duration
	logger   logging.Logger
}

func NewPusher(m *Metrics, cfg config.MetricsPushConfig) *Pusher {
	return &Pusher{
		metrics:  m,
		cfg:      cfg,
		client:   &http.Client{Timeout: 15 * time.Second},
		interval: SampleInterval,
		logger:   logging.NewComponentLogger("MetricsPush"),
	}
}

// Run pushes every interval until the context is cancelled. Push failures
// are logged and retried on the next tick.
func (p *Pusher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pushOnce(ctx); err != nil {
				p.logger.Warn("Metrics push failed: %v", err)
			}
		}
	}
}

func (p *Pusher) pushOnce(ctx context.Context) error {
	families, err := p.metrics.Registry().Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return fmt.Errorf("failed to encode metric family: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, &buf)
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if p.cfg.Username != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("metrics push returned status %d", resp.StatusCode)
	}
	return nil
}
