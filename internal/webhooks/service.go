// Package webhooks delivers operational alerts (fail-closed appends,
// integrity violations) to configured HTTP receivers. Bodies are signed
// with HMAC-SHA256 over the target's secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-Vault-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Dispatcher fans events out to the targets subscribed to them.
type Dispatcher struct {
	targets    []Target
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A nil or empty target list yields a
// Dispatcher whose Dispatch is a no-op.
func NewDispatcher(targets []Target, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		targets:    targets,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with exponential backoff: 1s, 5s, 25s.
		delays: []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// Enabled reports whether any target is configured.
func (d *Dispatcher) Enabled() bool { return d != nil && len(d.targets) > 0 }

// Dispatch sends the event to every matching target in the background.
// Deliveries stop retrying once ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if !d.Enabled() {
		return
	}
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	for _, t := range d.targets {
		if !t.wants(eventType) {
			continue
		}
		d.wg.Add(1)
		go func(t Target) {
			defer d.wg.Done()
			d.deliver(ctx, t, eventType, body)
		}(t)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// deliver sends body to a single target with retries.
func (d *Dispatcher) deliver(ctx context.Context, t Target, eventType string, body []byte) {
	signature := Sign(body, t.Secret)

	for attempt := 1; attempt <= len(d.delays)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(d.delays[attempt-2]):
			case <-ctx.Done():
				return
			}
		}

		success, errMsg := d.doDelivery(ctx, t.URL, body, signature)
		if d.onMetrics != nil {
			d.onMetrics(success)
		}
		if success {
			return
		}

		d.logger.Warn("webhook: delivery failed",
			zap.String("url", t.URL),
			zap.String("event", eventType),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (d *Dispatcher) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// Sign computes the HMAC-SHA256 signature sent in SignatureHeader. An empty
// secret yields no signature.
func Sign(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
