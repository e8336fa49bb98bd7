// Package hubspot provides the HubSpot CRM v3 client with rate limiting,
// retry/backoff, and typed error handling for the deals extraction pipeline.
package hubspot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dealsync/hubspot-etl/pkg/ratelimit"
)

// Prometheus metrics for HubSpot client operations.
var (
	hubspotRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_hubspot_requests_total",
		Help: "Total HubSpot API requests by status",
	}, []string{"status"})

	hubspotRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "etl_hubspot_request_duration_seconds",
		Help:    "HubSpot API request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	hubspotRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_hubspot_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	hubspotRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_hubspot_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

const (
	// dealsEndpoint is the CRM v3 deals collection path.
	dealsEndpoint = "/crm/v3/objects/deals"

	// MaxPageSize is the largest page the API accepts.
	MaxPageSize = 100
)

// DefaultProperties are the deal properties requested when the caller does
// not supply a property list.
var DefaultProperties = []string{
	"dealname", "amount", "dealstage", "pipeline", "closedate",
	"createdate", "hs_lastmodifieddate", "description", "dealtype",
}

// Deal is one raw deal as returned by the CRM API.
type Deal struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
	CreatedAt  string            `json:"createdAt,omitempty"`
	UpdatedAt  string            `json:"updatedAt,omitempty"`
	Archived   bool              `json:"archived"`
}

// Page is one page of deals. NextCursor is empty when the source reports no
// further pages.
type Page struct {
	Results    []Deal
	NextCursor string
}

// dealsResponse mirrors the CRM v3 list response body.
type dealsResponse struct {
	Results []Deal `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the HubSpot API.
	BaseURL string

	// AccessToken is the private app bearer credential.
	AccessToken string

	// Limiter gates every outgoing request. The quota is global to the
	// credential, so all scans must share one limiter instance.
	Limiter *ratelimit.Limiter

	// Timeout per HTTP request.
	Timeout time.Duration

	// Archived includes archived deals when true.
	Archived bool

	// Policy controls retry/backoff behavior.
	Policy Policy
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(accessToken string, limiter *ratelimit.Limiter) Config {
	return Config{
		BaseURL:     "https://api.hubapi.com",
		AccessToken: accessToken,
		Limiter:     limiter,
		Timeout:     30 * time.Second,
		Archived:    false,
		Policy:      DefaultPolicy(),
	}
}

// Client fetches deal pages from the HubSpot CRM API. It is stateless across
// calls except for the shared rate limiter.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new HubSpot client.
func New(cfg Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.hubapi.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultPolicy()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: log.With().Str("component", "hubspot-client").Logger(),
	}, nil
}

// FetchPage fetches one page of deals starting at cursor ("" for the first
// page). Retryable failures (429, 5xx, network) are resolved internally per
// the retry policy; the error surfaces only once the budget is exhausted.
// 401/403 return an *AuthorizationError immediately without retry.
func (c *Client) FetchPage(ctx context.Context, cursor string, pageSize int, properties []string) (Page, error) {
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if len(properties) == 0 {
		properties = DefaultProperties
	}

	reqURL := c.buildURL(cursor, pageSize, properties)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := c.config.Limiter.Acquire(ctx); err != nil {
			return Page{}, fmt.Errorf("acquire rate limit: %w", err)
		}

		page, retryAfter, err := c.doFetch(ctx, reqURL)
		if err == nil {
			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return page, nil
		}

		class := errorClassOf(err)
		if !shouldRetry(class) {
			return Page{}, err
		}
		lastErr = err

		wait, ok := c.config.Policy.Next(attempt, class)
		if !ok {
			hubspotRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
			c.logger.Warn().
				Str("error_class", string(class)).
				Int("max_attempts", c.config.Policy.MaxAttempts).
				Msg("Retry attempts exhausted")
			return Page{}, &APIError{
				Class:   class,
				Message: fmt.Sprintf("giving up after %d attempts", attempt),
				Err:     fmt.Errorf("%w: %v", ErrRetryExhausted, lastErr),
			}
		}

		// The server's Retry-After wins over the policy default.
		if class == ErrorClassRateLimit && retryAfter > 0 {
			wait = retryAfter
		} else {
			wait = withJitter(wait)
		}

		hubspotRetriesTotal.WithLabelValues(string(class)).Inc()
		c.logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Page{}, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Validate checks the credential by fetching a single deal.
func (c *Client) Validate(ctx context.Context) error {
	_, err := c.FetchPage(ctx, "", 1, nil)
	return err
}

// doFetch performs a single request attempt. The second return value carries
// the Retry-After duration when the response was a 429.
func (c *Client) doFetch(ctx context.Context, reqURL string) (Page, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Page{}, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	hubspotRequestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		hubspotRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Warn().Err(err).Msg("HTTP request failed")
		return Page{}, 0, &APIError{
			Class:   ErrorClassNetwork,
			Message: "request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	hubspotRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusOK {
		var body dealsResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return Page{}, 0, &APIError{
				StatusCode: resp.StatusCode,
				Class:      ErrorClassServer,
				Message:    "decode response",
				Err:        err,
			}
		}

		page := Page{Results: body.Results}
		if body.Paging != nil && body.Paging.Next != nil {
			page.NextCursor = body.Paging.Next.After
		}
		return page, 0, nil
	}

	class := classifyStatus(resp.StatusCode)
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	c.logger.Warn().
		Int("status", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("HubSpot request error")

	switch class {
	case ErrorClassAuth:
		return Page{}, 0, &AuthorizationError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(detail)),
		}
	case ErrorClassRateLimit:
		retryAfter := parseRetryAfter(resp.Header)
		return Page{}, retryAfter, &RateLimitError{RetryAfter: retryAfter}
	default:
		return Page{}, 0, &APIError{
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    strings.TrimSpace(string(detail)),
		}
	}
}

// buildURL assembles the deals request with cursor, page size, property list,
// and archived flag.
func (c *Client) buildURL(cursor string, pageSize int, properties []string) string {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(pageSize))
	params.Set("archived", strconv.FormatBool(c.config.Archived))
	params.Set("properties", strings.Join(properties, ","))
	if cursor != "" {
		params.Set("after", cursor)
	}
	return c.config.BaseURL + dealsEndpoint + "?" + params.Encode()
}

// parseRetryAfter reads the Retry-After header in seconds. Returns 0 when
// absent or malformed.
func parseRetryAfter(headers http.Header) time.Duration {
	val := headers.Get("Retry-After")
	if val == "" {
		return 0
	}
	seconds, err := strconv.Atoi(val)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// errorClassOf extracts the class from a request attempt error.
func errorClassOf(err error) ErrorClass {
	switch e := err.(type) {
	case *AuthorizationError:
		return ErrorClassAuth
	case *RateLimitError:
		return ErrorClassRateLimit
	case *APIError:
		return e.Class
	default:
		return ErrorClassNetwork
	}
}
