// Package notify delivers task lifecycle events to the observer service.
// Delivery is fire-and-forget: a dead observer never blocks or fails the
// task pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vespo92/boonerd/pkg/telemetry"
)

// defaultTimeout bounds a single delivery attempt so a hung observer cannot
// pin a reconciler goroutine.
const defaultTimeout = 5 * time.Second

// ObserverSink posts events to the observer's notification endpoint.
type ObserverSink struct {
	endpoint string
	apiKey   string
	source   string
	client   *http.Client
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

type event struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
}

// NewObserverSink creates a sink posting to endpoint. metrics may be nil.
func NewObserverSink(endpoint, apiKey string, logger *telemetry.Logger, metrics *telemetry.Metrics) *ObserverSink {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &ObserverSink{
		endpoint: endpoint,
		apiKey:   apiKey,
		source:   "boonerd",
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   logger.NewComponentLogger("notify"),
		metrics:  metrics,
	}
}

// Notify implements orchestrator.NotificationSink. Failures are logged and
// swallowed.
func (s *ObserverSink) Notify(ctx context.Context, eventType string, payload map[string]any) {
	if err := s.deliver(ctx, eventType, payload); err != nil {
		s.metrics.RecordNotification(false)
		s.logger.WithError(err).WithField("event_type", eventType).Warn("notification dropped")
		return
	}
	s.metrics.RecordNotification(true)
	s.logger.WithField("event_type", eventType).Debug("notification delivered")
}

func (s *ObserverSink) deliver(ctx context.Context, eventType string, payload map[string]any) error {
	body, err := json.Marshal(event{EventType: eventType, Source: s.source, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.endpoint+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("observer unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("observer returned status %d", resp.StatusCode)
	}
	return nil
}

// NopSink discards all events. Used when no observer is configured and in
// tests.
type NopSink struct{}

func (NopSink) Notify(ctx context.Context, eventType string, payload map[string]any) {}
