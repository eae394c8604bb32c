// Package registry is an authenticated client of the civil-registration
// registry API. It caches one bearer token per Client and refreshes it on
// expiry; calls are never retried here, event replay owns retries.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"civreg/internal/platform/config"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/circuit"
)

const (
	tokenPath         = "/realms/Hera/protocol/openid-connect/token"
	subscriptionsPath = "/v1/subscriptions"
	personsPath       = "/v1/persons"

	// maxResponseBytes caps how much of a registry response is read.
	maxResponseBytes = 4 << 20
)

// Client talks to the registry. It is safe for concurrent use.
type Client struct {
	clientID       string
	secret         string
	webhookAddress string
	attributes     []string

	tokenURL         string
	subscriptionsURL string
	personsURL       string

	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	breaker    *circuit.Breaker
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	refresh   singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithBreaker replaces the default breaker, which opens after five
// consecutive failures and probes again after 30 seconds.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// WithClock replaces time.Now for token expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New builds a Client. It fails with a setup error when any of the login
// URL, data URL, secret or webhook address is missing.
func New(cfg config.Registry, opts ...Option) (*Client, error) {
	if missing := cfg.Missing(); len(missing) > 0 {
		return nil, dErrors.New(dErrors.CodeSetup, "registry configuration missing: "+strings.Join(missing, ", "))
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "hera-m2m"
	}
	attributes := cfg.PersonAttributes
	if len(attributes) == 0 {
		attributes = config.DefaultPersonAttributes
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	loginURL := strings.TrimRight(cfg.LoginURL, "/")
	dataURL := strings.TrimRight(cfg.DataURL, "/")

	c := &Client{
		clientID:         clientID,
		secret:           cfg.Secret,
		webhookAddress:   cfg.WebhookAddress,
		attributes:       attributes,
		tokenURL:         loginURL + tokenPath,
		subscriptionsURL: dataURL + subscriptionsPath,
		personsURL:       dataURL + personsPath,
		httpClient:       &http.Client{Timeout: timeout},
		logger:           slog.Default(),
		tracer:           otel.Tracer("civreg/internal/registry"),
		breaker:          circuit.New("registry"),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        *int64 `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// EnsureToken returns a valid bearer token, logging in when none is held or
// the held one has expired. Concurrent callers share one login request; it
// is detached from any single caller's cancellation and bounded by the HTTP
// timeout instead.
func (c *Client) EnsureToken(ctx context.Context) (string, error) {
	if token, ok := c.cachedToken(); ok {
		return token, nil
	}
	ch := c.refresh.DoChan("token", func() (any, error) {
		if token, ok := c.cachedToken(); ok {
			return token, nil
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loginTimeout())
		defer cancel()
		return c.login(loginCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) loginTimeout() time.Duration {
	if c.httpClient.Timeout > 0 {
		return c.httpClient.Timeout
	}
	return 30 * time.Second
}

func (c *Client) cachedToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || !c.now().Before(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

func (c *Client) login(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "registry.login")
	defer span.End()
	start := time.Now()

	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.secret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.logger.InfoContext(ctx, "fetching registry token")
	status, body, err := c.send(req)
	if err != nil {
		c.metrics.ObserveCall("login", "transport", start)
		c.metrics.IncTokenRefresh("transport")
		recordSpanError(span, err)
		return "", err
	}
	if !isSuccess(status) {
		c.metrics.ObserveCall("login", "rejected", start)
		c.metrics.IncTokenRefresh("rejected")
		err := dErrors.New(dErrors.CodeAuth, fmt.Sprintf("registry token request failed (%d): %s", status, upstreamMessage(body)))
		recordSpanError(span, err)
		return "", err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.metrics.IncTokenRefresh("rejected")
		return "", dErrors.Wrap(err, dErrors.CodeAuth, "registry token response is not valid JSON")
	}
	if resp.AccessToken == "" {
		c.metrics.IncTokenRefresh("rejected")
		err := dErrors.New(dErrors.CodeAuth, fmt.Sprintf("registry returned no token: %s - %s", resp.Error, resp.ErrorDescription))
		recordSpanError(span, err)
		return "", err
	}

	now := c.now()
	var expiresAt time.Time
	if resp.ExpiresIn != nil {
		expiresAt = now.Add(time.Duration(*resp.ExpiresIn) * time.Second)
	} else {
		expiresAt, err = tokenExpiry(resp.AccessToken)
		if err != nil {
			c.metrics.IncTokenRefresh("rejected")
			return "", err
		}
	}

	c.mu.Lock()
	c.token = resp.AccessToken
	c.expiresAt = expiresAt
	c.mu.Unlock()

	c.metrics.ObserveCall("login", "ok", start)
	c.metrics.IncTokenRefresh("ok")
	c.logger.InfoContext(ctx, "registry token fetched", "expires_at", expiresAt)
	return resp.AccessToken, nil
}

// tokenExpiry reads the exp claim without verifying the signature. The
// token is only forwarded to the registry that issued it.
func tokenExpiry(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, dErrors.Wrap(err, dErrors.CodeAuth, "registry token has no expires_in and cannot be parsed")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, dErrors.New(dErrors.CodeAuth, "registry token has neither expires_in nor an exp claim")
	}
	return exp.Time, nil
}

// authorized sends req with a bearer token and returns the status and body.
func (c *Client) authorized(ctx context.Context, op string, req *http.Request) (int, []byte, error) {
	token, err := c.EnsureToken(ctx)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	status, body, err := c.send(req)
	switch {
	case err != nil:
		c.metrics.ObserveCall(op, "transport", start)
	case !isSuccess(status):
		c.metrics.ObserveCall(op, "rejected", start)
	default:
		c.metrics.ObserveCall(op, "ok", start)
	}
	return status, body, err
}

// send performs req unless the breaker is open. Transport errors and 5xx
// responses count as breaker failures; anything else counts as a success.
func (c *Client) send(req *http.Request) (int, []byte, error) {
	if !c.breaker.Allow() {
		return 0, nil, dErrors.New(dErrors.CodeFetch, "registry unavailable: circuit open")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure(req)
		return 0, nil, fmt.Errorf("registry %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.recordFailure(req)
		return resp.StatusCode, nil, fmt.Errorf("read registry response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		c.recordFailure(req)
	} else if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.metrics.SetBreakerOpen(false)
		c.logger.InfoContext(req.Context(), "registry circuit closed")
	}
	return resp.StatusCode, body, nil
}

func (c *Client) recordFailure(req *http.Request) {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.metrics.SetBreakerOpen(true)
		c.logger.WarnContext(req.Context(), "registry circuit opened", "path", req.URL.Path)
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// upstreamMessage renders an error body for operators. OAuth style bodies
// are flattened to "error - description".
func upstreamMessage(body []byte) string {
	var oauth tokenResponse
	if err := json.Unmarshal(body, &oauth); err == nil && oauth.Error != "" {
		if oauth.ErrorDescription != "" {
			return oauth.Error + " - " + oauth.ErrorDescription
		}
		return oauth.Error
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "empty response"
	}
	return text
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func spanAttrs(span trace.Span, kv ...string) {
	for i := 0; i+1 < len(kv); i += 2 {
		span.SetAttributes(attribute.String(kv[i], kv[i+1]))
	}
}
