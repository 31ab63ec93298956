// Package client provides the ServiceDesk Plus API client: authenticated,
// rate limited calls returning a timed response envelope.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/sdp-client/pkg/oauth"
	"github.com/Sternrassler/sdp-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for SDP client operations.
var (
	sdpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdp_requests_total",
		Help: "Total SDP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	sdpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sdp_request_duration_seconds",
		Help:    "SDP HTTP exchange duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	sdpParseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sdp_parse_duration_seconds",
		Help:    "SDP response decoding duration in seconds by endpoint",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"endpoint"})

	sdpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdp_errors_total",
		Help: "Total SDP errors by class",
	}, []string{"class"})
)

const (
	// DefaultAccept selects the v3 API media type.
	DefaultAccept = "application/vnd.manageengine.sdp.v3+json"

	// DefaultTimeout bounds one HTTP exchange.
	DefaultTimeout = 10 * time.Second

	authScheme = "Zoho-oauthtoken "
)

// TokenSource provides access tokens for a client. *oauth.Tracker implements it.
type TokenSource interface {
	AccessToken(ctx context.Context, creds oauth.Credentials) (string, error)
	Invalidate(clientID string)
}

// Client is the main SDP client.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// ServiceURL is the instance base URL, e.g. https://sdpondemand.manageengine.com
	ServiceURL string

	// Credentials of the API client used for every call.
	Credentials oauth.Credentials

	// Tokens supplies access tokens (REQUIRED).
	Tokens TokenSource

	// Limiter throttles calls (REQUIRED). Share one limiter per API account.
	Limiter ratelimit.Limiter

	// Accept header, DefaultAccept if empty.
	Accept string

	// Timeout per HTTP exchange when HTTPClient is nil.
	Timeout time.Duration

	// HTTPClient overrides the transport.
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration with default transport settings.
func DefaultConfig(serviceURL string, creds oauth.Credentials, tokens TokenSource, limiter ratelimit.Limiter) Config {
	return Config{
		ServiceURL:  serviceURL,
		Credentials: creds,
		Tokens:      tokens,
		Limiter:     limiter,
		Accept:      DefaultAccept,
		Timeout:     DefaultTimeout,
	}
}

// New creates a new SDP client.
func New(cfg Config) (*Client, error) {
	if cfg.ServiceURL == "" {
		return nil, fmt.Errorf("service url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.ServiceURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid service url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("service url must be absolute (got %q)", cfg.ServiceURL)
	}

	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}

	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}

	if cfg.Credentials.ID == "" {
		return nil, fmt.Errorf("client id is required")
	}

	if cfg.Accept == "" {
		cfg.Accept = DefaultAccept
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
			// Redirects are reported to the caller through Response.Link.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	logger := log.With().Str("component", "sdp-client").Logger()

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Query describes one resource call.
type Query struct {
	// Endpoint is the resource path, e.g. /api/v3/assets
	Endpoint string

	// ResultField names the body field holding the records, e.g. "assets".
	ResultField string

	// ListInfo is sent as input_data when set.
	ListInfo *ListInfo
}

// Call performs one authenticated, rate limited GET and returns its envelope.
//
// The error is non-nil only when no usable reply was received: token or
// limiter failure, ErrTransport or ErrMalformedResponse. HTTP statuses of 300
// and above are reported through Response.Err. The envelope is returned in
// every case with the timing checkpoints reached so far.
func (c *Client) Call(ctx context.Context, q Query) (*Response, error) {
	resp := &Response{Endpoint: q.Endpoint}
	resp.TransactionStart = time.Now()
	defer func() {
		resp.TransactionEnd = time.Now()
	}()

	if q.ListInfo != nil {
		if err := q.ListInfo.Validate(); err != nil {
			return resp, fmt.Errorf("list_info: %w", err)
		}
	}

	token, err := c.config.Tokens.AccessToken(ctx, c.config.Credentials)
	if err != nil {
		sdpErrorsTotal.WithLabelValues(string(ErrorClassAuth)).Inc()
		return resp, fmt.Errorf("acquire token: %w", err)
	}

	if err := c.config.Limiter.Acquire(ctx); err != nil {
		return resp, fmt.Errorf("rate limit: %w", err)
	}

	req, err := c.newRequest(ctx, q, token)
	if err != nil {
		return resp, err
	}

	c.logger.Debug().
		Str("endpoint", q.Endpoint).
		Str("client_id", c.config.Credentials.ID).
		Msg("Executing SDP request")

	resp.RequestStart = time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		resp.RequestEnd = time.Now()
		return resp, c.transportError(q.Endpoint, err)
	}
	body, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	resp.RequestEnd = time.Now()
	if err != nil {
		return resp, c.transportError(q.Endpoint, fmt.Errorf("read body: %w", err))
	}

	resp.StatusCode = httpResp.StatusCode
	sdpRequestDuration.WithLabelValues(q.Endpoint).Observe(resp.RequestElapsed().Seconds())
	sdpRequestsTotal.WithLabelValues(q.Endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusOK:
		resp.ParseStart = time.Now()
		err := decodeBody(body, q.ResultField, resp, c.logger)
		resp.ParseEnd = time.Now()
		sdpParseDuration.WithLabelValues(q.Endpoint).Observe(resp.ParsingElapsed().Seconds())
		if err != nil {
			sdpErrorsTotal.WithLabelValues(string(ErrorClassMalformed)).Inc()
			c.logger.Error().Err(err).Str("endpoint", q.Endpoint).Msg("SDP response could not be decoded")
			return resp, err
		}

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		resp.Link = httpResp.Header.Get("Location")
		c.recordError(resp)

	case resp.StatusCode >= 400:
		resp.ErrorPayload = errorPayload(body)
		c.recordError(resp)
		if resp.StatusCode == http.StatusUnauthorized {
			c.config.Tokens.Invalidate(c.config.Credentials.ID)
		}
	}

	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, q Query, token string) (*http.Request, error) {
	u := *c.baseURL
	u.Path = u.Path + "/" + strings.TrimLeft(q.Endpoint, "/")

	if q.ListInfo != nil {
		input, err := InputData{ListInfo: q.ListInfo}.Encode()
		if err != nil {
			return nil, err
		}
		u.RawQuery = url.Values{"input_data": {input}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", authScheme+token)
	req.Header.Set("Accept", c.config.Accept)

	return req, nil
}

func (c *Client) transportError(endpoint string, err error) error {
	sdpErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
	sdpRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
	c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")

	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (c *Client) recordError(resp *Response) {
	class := ClassifyStatus(resp.StatusCode)
	sdpErrorsTotal.WithLabelValues(string(class)).Inc()

	c.logger.Warn().
		Str("endpoint", resp.Endpoint).
		Int("status_code", resp.StatusCode).
		Str("error_class", string(class)).
		Str("link", resp.Link).
		Msg("SDP request error")
}

// PageSource fetches pages of one collection through a Client.
type PageSource struct {
	Client      *Client
	Endpoint    string
	ResultField string
}

// FetchPage requests the page described by li.
func (s PageSource) FetchPage(ctx context.Context, li ListInfo) (*Response, error) {
	return s.Client.Call(ctx, Query{
		Endpoint:    s.Endpoint,
		ResultField: s.ResultField,
		ListInfo:    &li,
	})
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
