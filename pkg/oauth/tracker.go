// Package oauth caches OAuth access tokens per API client and refreshes them
// with the refresh-token grant shortly before they expire.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/sdp-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	// DefaultTokenURL is the Zoho accounts OAuth base; "/token" is appended.
	DefaultTokenURL = "https://accounts.zoho.com/oauth/v2"

	// DefaultExpiryWindow is how long before expiry a token is refreshed.
	DefaultExpiryWindow = 60 * time.Second

	// DefaultExpiresIn applies when the token response has no expires_in.
	DefaultExpiresIn = 3600 * time.Second

	// DefaultTimeout bounds a single refresh call.
	DefaultTimeout = 10 * time.Second
)

var (
	// ErrTokenUnavailable is returned when no valid access token can be provided.
	ErrTokenUnavailable = errors.New("access token unavailable")

	// ErrNoRefreshToken is returned when a client was registered without a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// Prometheus metrics for token refreshes.
var (
	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdp_token_refreshes_total",
		Help: "Total access token refreshes by result",
	}, []string{"result"})

	tokenRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sdp_token_refresh_duration_seconds",
		Help:    "Access token refresh duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	tokenStaleServedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdp_token_stale_served_total",
		Help: "Total times a cached token was served after a failed refresh",
	})
)

// Credentials identify one API client.
type Credentials struct {
	ID           string
	Secret       string
	RefreshToken string
}

// Record is the cached token state of one client.
// A zero ExpiresAt means the record was never refreshed.
type Record struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token"`
	ClientSecret string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Config holds the tracker configuration.
type Config struct {
	// TokenURL is the OAuth base URL; refreshes POST to TokenURL + "/token".
	TokenURL string

	// ExpiryWindow is the safety margin before expiry at which tokens are refreshed.
	ExpiryWindow time.Duration

	// ServeStaleOnFailure returns a cached, not yet expired token when a
	// refresh fails instead of surfacing the error. Off by default: a token
	// inside the expiry window is close to causing 401s downstream.
	ServeStaleOnFailure bool

	// Timeout bounds each refresh call when HTTPClient is nil.
	Timeout time.Duration

	// HTTPClient overrides the client used for refresh calls.
	HTTPClient *http.Client

	// Store optionally persists records so rotated refresh tokens survive restarts.
	Store Store

	// Clock overrides the time source (tests).
	Clock func() time.Time
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		TokenURL:     DefaultTokenURL,
		ExpiryWindow: DefaultExpiryWindow,
		Timeout:      DefaultTimeout,
	}
}

// Tracker hands out access tokens per client identifier.
//
// Each client has its own lock, held across the refresh call: concurrent
// callers for the same client wait for one refresh and then share its token,
// while callers for other clients are not blocked.
type Tracker struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	mu     sync.Mutex
	record Record
	loaded bool
}

// NewTracker creates a token tracker.
func NewTracker(cfg Config, logger zerolog.Logger) (*Tracker, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if _, err := url.Parse(cfg.TokenURL); err != nil {
		return nil, fmt.Errorf("invalid token url: %w", err)
	}
	if cfg.ExpiryWindow < 0 {
		return nil, fmt.Errorf("expiry window must be >= 0 (got %s)", cfg.ExpiryWindow)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Tracker{
		cfg:        cfg,
		httpClient: httpClient,
		now:        now,
		logger:     logger,
		clients:    make(map[string]*clientEntry),
	}, nil
}

// Register inserts or replaces the record for creds.ID with no access token.
// A registered record is the newest state of the client: it is not merged
// with a stored record. A refresh still running for the old record completes
// on the old record and is discarded.
func (t *Tracker) Register(creds Credentials) {
	e := newEntry(creds)
	e.loaded = true

	t.mu.Lock()
	t.clients[creds.ID] = e
	t.mu.Unlock()

	t.logger.Debug().Str("client_id", creds.ID).Msg("Client registered")
}

func newEntry(creds Credentials) *clientEntry {
	return &clientEntry{
		record: Record{
			RefreshToken: creds.RefreshToken,
			ClientSecret: creds.Secret,
		},
	}
}

// entry returns the entry for creds.ID, registering it on first use.
func (t *Tracker) entry(creds Credentials) *clientEntry {
	t.mu.RLock()
	e, ok := t.clients[creds.ID]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.clients[creds.ID]; ok {
		return e
	}
	e = newEntry(creds)
	t.clients[creds.ID] = e
	return e
}

// AccessToken returns a valid access token for creds, refreshing it first when
// none is cached or it expires within the expiry window.
func (t *Tracker) AccessToken(ctx context.Context, creds Credentials) (string, error) {
	if creds.ID == "" {
		return "", fmt.Errorf("%w: client id is required", ErrTokenUnavailable)
	}

	e := t.entry(creds)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		t.load(ctx, creds.ID, e)
	}

	now := t.now()
	if !t.shouldRefresh(&e.record, now) {
		t.logger.Trace().Str("client_id", creds.ID).Msg("Token cache hit")
		return e.record.AccessToken, nil
	}

	err := t.refresh(ctx, creds.ID, &e.record)
	if err != nil && creds.RefreshToken != "" && creds.RefreshToken != e.record.RefreshToken {
		// The stored refresh token was rejected; the configured one may have
		// been replaced since it was stored.
		t.logger.Warn().
			Str("client_id", creds.ID).
			Str("token", logging.Fingerprint(creds.RefreshToken)).
			Msg("Stored refresh token rejected, retrying with configured refresh token")
		fallback := e.record
		fallback.RefreshToken = creds.RefreshToken
		fallback.ClientSecret = creds.Secret
		if err = t.refresh(ctx, creds.ID, &fallback); err == nil {
			e.record = fallback
		}
	}
	if err == nil {
		t.save(ctx, creds.ID, e.record)
		return e.record.AccessToken, nil
	}

	if t.cfg.ServeStaleOnFailure && e.record.AccessToken != "" && now.Before(e.record.ExpiresAt) {
		tokenStaleServedTotal.Inc()
		t.logger.Warn().
			Err(err).
			Str("client_id", creds.ID).
			Time("expires_at", e.record.ExpiresAt).
			Msg("Token refresh failed, serving cached token")
		return e.record.AccessToken, nil
	}

	return "", fmt.Errorf("%w: client %s: %w", ErrTokenUnavailable, creds.ID, err)
}

// Invalidate drops the cached access token of clientID so the next
// AccessToken call refreshes it. Used after the API rejects a token.
func (t *Tracker) Invalidate(clientID string) {
	t.mu.RLock()
	e, ok := t.clients[clientID]
	t.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.record.AccessToken = ""
	e.record.ExpiresAt = time.Time{}
	e.mu.Unlock()

	t.logger.Info().Str("client_id", clientID).Msg("Access token invalidated")
}

// Record returns a copy of the cached record of clientID.
func (t *Tracker) Record(clientID string) (Record, bool) {
	t.mu.RLock()
	e, ok := t.clients[clientID]
	t.mu.RUnlock()
	if !ok {
		return Record{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, true
}

func (t *Tracker) shouldRefresh(r *Record, now time.Time) bool {
	if r.AccessToken == "" || r.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(t.cfg.ExpiryWindow).Before(r.ExpiresAt)
}

// tokenResponse is the token endpoint's success body. expires_in is accepted
// as a number or a numeric string.
type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	Error        string      `json:"error"`
}

// refresh performs the refresh-token grant. r is only modified on success.
func (t *Tracker) refresh(ctx context.Context, clientID string, r *Record) error {
	if r.RefreshToken == "" {
		tokenRefreshesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w for client %s", ErrNoRefreshToken, clientID)
	}

	form := url.Values{
		"refresh_token": {r.RefreshToken},
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"client_secret": {r.ClientSecret},
	}

	start := time.Now()
	defer func() {
		tokenRefreshDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := t.post(ctx, form)
	if err != nil {
		tokenRefreshesTotal.WithLabelValues("failure").Inc()
		t.logger.Error().Err(err).Str("client_id", clientID).Msg("Token refresh failed")
		return err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		tokenRefreshesTotal.WithLabelValues("failure").Inc()
		t.logger.Error().Err(err).Str("client_id", clientID).Msg("Token response could not be decoded")
		return fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		tokenRefreshesTotal.WithLabelValues("failure").Inc()
		msg := tr.Error
		if msg == "" {
			msg = "access_token missing"
		}
		t.logger.Error().Str("client_id", clientID).Str("error", msg).Msg("Token refresh rejected")
		return fmt.Errorf("token response: %s", msg)
	}

	expiresIn := DefaultExpiresIn
	if tr.ExpiresIn != "" {
		if secs, err := tr.ExpiresIn.Int64(); err == nil {
			expiresIn = time.Duration(secs) * time.Second
		} else {
			t.logger.Warn().Str("expires_in", tr.ExpiresIn.String()).Msg("Invalid expires_in, using default")
		}
	}

	r.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		r.RefreshToken = tr.RefreshToken
	}
	r.ExpiresAt = t.now().Add(expiresIn)

	tokenRefreshesTotal.WithLabelValues("success").Inc()
	t.logger.Info().
		Str("client_id", clientID).
		Str("token", logging.Fingerprint(r.AccessToken)).
		Bool("refresh_token_rotated", tr.RefreshToken != "").
		Time("expires_at", r.ExpiresAt).
		Msg("Access token refreshed")

	return nil
}

func (t *Tracker) post(ctx context.Context, form url.Values) ([]byte, error) {
	endpoint := strings.TrimRight(t.cfg.TokenURL, "/") + "/token"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}

	return body, nil
}

// load seeds e from the store once. The secret always comes from the
// registered credentials; a stored refresh token wins because it may have
// been rotated since the credentials were issued.
func (t *Tracker) load(ctx context.Context, clientID string, e *clientEntry) {
	e.loaded = true
	if t.cfg.Store == nil {
		return
	}

	stored, err := t.cfg.Store.Load(ctx, clientID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			t.logger.Warn().Err(err).Str("client_id", clientID).Msg("Token store load failed")
		}
		return
	}

	if stored.RefreshToken != "" {
		e.record.RefreshToken = stored.RefreshToken
	}
	e.record.AccessToken = stored.AccessToken
	e.record.ExpiresAt = stored.ExpiresAt

	t.logger.Debug().
		Str("client_id", clientID).
		Time("expires_at", stored.ExpiresAt).
		Msg("Token record loaded from store")
}

func (t *Tracker) save(ctx context.Context, clientID string, r Record) {
	if t.cfg.Store == nil {
		return
	}
	if err := t.cfg.Store.Save(ctx, clientID, r); err != nil {
		t.logger.Warn().Err(err).Str("client_id", clientID).Msg("Token store save failed")
	}
}
