// ABOUTME: Constructs the production SSRF-safe HTTP client for outbound calls.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled and a caller-chosen timeout.
package notify

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe *http.Client used for webhook delivery
// and story media downloads. Redirect following is disabled; requests to
// private and loopback addresses are refused.
func BuildSafeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
