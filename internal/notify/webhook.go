// ABOUTME: Outbound webhook delivery: HMAC signing, safeurl client, response body discard.
// ABOUTME: DeliverHandler runs deliveries as "webhook.deliver" jobs with retry classification.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maefbyyas/maef-backend/internal/queue"
)

// WebhookKind is the job kind executed by DeliverHandler.
const WebhookKind = "webhook.deliver"

// WebhookConfig is the delivery-time view of a partner endpoint.
type WebhookConfig struct {
	URL                    string
	SigningSecret          string
	SigningSecretSecondary string            // non-empty during rotation grace period
	CustomHeaders          map[string]string // applied after denylist filtering
}

// deniedHeaders are custom header keys that callers must not override.
var deniedHeaders = map[string]bool{
	"host":                       true,
	"content-type":               true,
	"content-length":             true,
	"transfer-encoding":          true,
	"connection":                 true,
	"x-maef-timestamp":           true,
	"x-maef-signature":           true,
	"x-maef-signature-secondary": true,
	"x-maef-event":               true,
}

// StatusError is returned by Send for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook POST: unexpected status %d", e.Code)
}

// sign returns "sha256=<hex>" over "timestamp.body".
func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send posts payload to the webhook URL, signs with HMAC-SHA256, and discards the response body.
// The caller constructs client once at startup (safeurl-wrapped, redirect-disabled, 10s timeout).
func Send(ctx context.Context, client *http.Client, cfg WebhookConfig, event string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	for k, v := range cfg.CustomHeaders {
		if !deniedHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Maef-Timestamp", ts)
	req.Header.Set("X-Maef-Event", event)
	req.Header.Set("X-Maef-Signature", sign(cfg.SigningSecret, ts, payload))
	// Recipients can verify against either secret during a rotation window.
	if cfg.SigningSecretSecondary != "" {
		req.Header.Set("X-Maef-Signature-Secondary", sign(cfg.SigningSecretSecondary, ts, payload))
	}

	resp, err := client.Do(req) //nolint:gosec // G107: SSRF is enforced architecturally by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // G104: discard errors are irrelevant for io.Discard writes

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// DeliveryPayload is the job payload of a webhook.deliver job.
type DeliveryPayload struct {
	URL     string            `json:"url"`
	Event   string            `json:"event"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Secrets holds the signing secrets shared with partner endpoints.
type Secrets struct {
	Primary   string
	Secondary string
}

// DeliverHandler returns the job handler for webhook.deliver. Malformed
// payloads and 4xx responses other than 408 and 429 are permanent failures;
// network errors and 5xx responses are retried.
func DeliverHandler(client *http.Client, secrets Secrets) func(ctx context.Context, payload json.RawMessage) error {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p DeliveryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return queue.Permanent(fmt.Errorf("decode delivery payload: %w", err))
		}
		if p.URL == "" || p.Event == "" || len(p.Body) == 0 {
			return queue.Permanent(errors.New("delivery payload needs url, event and body"))
		}
		err := Send(ctx, client, WebhookConfig{
			URL:                    p.URL,
			SigningSecret:          secrets.Primary,
			SigningSecretSecondary: secrets.Secondary,
			CustomHeaders:          p.Headers,
		}, p.Event, p.Body)
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 &&
			se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests {
			return queue.Permanent(err)
		}
		return err
	}
}
