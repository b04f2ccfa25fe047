// Package ingest pulls external social-media stories into the blob store.
//
// The Instagram Graph API is polled by the "ingest.stories" job, which the
// scheduler enqueues once per STORY_INGEST_INTERVAL window. Each story's
// media is downloaded through the SSRF-safe client, stored as a
// content-addressed asset, linked from a stories row, and queued for a
// thumbnail derivative.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the Instagram Graph API root.
	DefaultBaseURL = "https://graph.instagram.com"

	storyFields = "id,media_type,media_url,permalink,caption,timestamp"

	// maxPages bounds pagination so a misbehaving cursor cannot loop forever.
	maxPages = 20

	userAgent = "maef-backend/1.0 story ingest"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL     string
	AccessToken string
	UserID      string
	// HTTPClient defaults to http.DefaultClient. Production wiring passes the
	// safeurl client.
	HTTPClient *http.Client
	// Every is the minimum spacing between requests. Defaults to 200ms.
	Every time.Duration
}

// Client reads stories from the Instagram Graph API.
type Client struct {
	base        *url.URL
	token       string
	userID      string
	client      *http.Client
	rateLimiter *rate.Limiter
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.AccessToken == "" || cfg.UserID == "" {
		return nil, errors.New("instagram: access token and user id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("instagram: invalid base url %q", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Every <= 0 {
		cfg.Every = 200 * time.Millisecond
	}
	return &Client{
		base:        base,
		token:       cfg.AccessToken,
		userID:      cfg.UserID,
		client:      cfg.HTTPClient,
		rateLimiter: rate.NewLimiter(rate.Every(cfg.Every), 1),
	}, nil
}

// Story is one entry of the stories edge.
type Story struct {
	ID        string `json:"id"`
	MediaType string `json:"media_type"`
	MediaURL  string `json:"media_url"`
	Permalink string `json:"permalink"`
	Caption   string `json:"caption"`
	Timestamp string `json:"timestamp"`
}

type storiesPage struct {
	Data   []Story `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// APIError is a non-2xx response from the Graph API or a media host.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("instagram: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("instagram: HTTP %d", e.StatusCode)
}

// Retryable reports whether the request may succeed later: rate limiting,
// timeouts and server errors are retryable; other 4xx responses are not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// Stories returns the account's currently published stories, following
// pagination on the API host only.
func (c *Client) Stories(ctx context.Context) ([]Story, error) {
	u := c.base.JoinPath(c.userID, "stories")
	q := u.Query()
	q.Set("fields", storyFields)
	u.RawQuery = q.Encode()

	var out []Story
	next := u.String()
	for page := 0; next != "" && page < maxPages; page++ {
		var p storiesPage
		if err := c.getJSON(ctx, next, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Data...)
		next = ""
		if p.Paging.Next != "" {
			nu, err := url.Parse(p.Paging.Next)
			if err != nil || nu.Host != c.base.Host {
				return nil, fmt.Errorf("instagram: refusing pagination link %q", p.Paging.Next)
			}
			next = p.Paging.Next
		}
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, dst any) error {
	resp, err := c.get(ctx, rawURL, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("instagram: decode response: %w", err)
	}
	return nil
}

// Download opens the media at mediaURL. The caller closes the body.
func (c *Client) Download(ctx context.Context, mediaURL string) (io.ReadCloser, error) {
	resp, err := c.get(ctx, mediaURL, false)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// get issues a rate-limited GET; authenticated requests carry the access
// token as a bearer header, never in the URL.
func (c *Client) get(ctx context.Context, rawURL string, authenticated bool) (*http.Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("instagram: rate limit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("instagram: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if authenticated {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req) //nolint:gosec // G107: media hosts are reached through the safeurl client
	if err != nil {
		return nil, fmt.Errorf("instagram: fetch: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close() //nolint:errcheck
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	return resp, nil
}

// errorMessage extracts the Graph API error message from a failed response.
func errorMessage(body io.Reader) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 8192)).Decode(&e); err != nil {
		return ""
	}
	return e.Error.Message
}
