// Package proxmoxapi is the authenticated, retrying REST client over the
// Proxmox VE API that every other component in this module is built on
// (§4.1). It resolves the active endpoint once, when the client is built
// (at startup and on each configuration reload; it does not re-probe
// between daemon cycles), paces retries with a token-bucket limiter, and
// exposes the typed read/write operations C2-C5 need.
package proxmoxapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/proxlb/pkg/cluster"
	"github.com/cuemby/proxlb/pkg/health"
	"github.com/cuemby/proxlb/pkg/log"
	"github.com/cuemby/proxlb/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config mirrors the recognized `proxmox_api` section (§4.1, §6).
type Config struct {
	Hosts           []string
	User            string
	Pass            string
	TokenID         string
	TokenSecret     string
	SSLVerification bool
	Timeout         time.Duration
	Retries         int
	WaitTime        time.Duration
}

// Client is a Proxmox VE API client bound to the single endpoint that
// answered the probe in New; it keeps that endpoint for its whole lifetime.
type Client struct {
	cfg    Config
	http   *http.Client
	active Endpoint
	logger zerolog.Logger

	retryLimiter *rate.Limiter

	ticket    string
	csrfToken string

	warnedConntrack bool
}

// New resolves the active endpoint (probing each configured host in order)
// and returns a ready client. The first endpoint that answers within
// cfg.Timeout wins; if none do, the last probe's error is returned wrapped
// in a TransportError.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.TokenID != "" && strings.Contains(cfg.TokenID, "@") && strings.Contains(cfg.TokenID, "!") {
		return nil, &cluster.ConfigError{Reason: "token_id must not embed 'user@realm!token-name'"}
	}
	if cfg.TokenID != "" && cfg.Pass != "" {
		log.WithComponent("proxmoxapi").Warn().Msg("both token and password configured; token takes precedence")
		cfg.Pass = ""
	}

	endpoints, err := ParseEndpoints(cfg.Hosts)
	if err != nil {
		return nil, &cluster.ConfigError{Reason: err.Error()}
	}
	if len(endpoints) == 0 {
		return nil, &cluster.ConfigError{Reason: "proxmox_api.hosts is empty"}
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.SSLVerification}, //nolint:gosec // operator opt-in via ssl_verification=false
		},
	}

	logger := log.WithComponent("proxmoxapi")

	var active *Endpoint
	var lastErr error
	for _, ep := range endpoints {
		checker := health.NewHTTPChecker(fmt.Sprintf("https://%s/api2/json/version", ep.String()))
		checker.Client = httpClient // reuse so the probe honors ssl_verification and timeout too
		result := checker.Check(ctx)
		if result.Healthy {
			e := ep
			active = &e
			break
		}
		logger.Debug().Str("endpoint", ep.String()).Str("reason", result.Message).Msg("endpoint probe failed, trying next host")
		lastErr = fmt.Errorf("%s: %s", ep.String(), result.Message)
	}
	if active == nil {
		return nil, &cluster.TransportError{Reason: "no configured endpoint answered the startup probe", Err: lastErr}
	}

	wait := cfg.WaitTime
	if wait <= 0 {
		wait = time.Second
	}

	c := &Client{
		cfg:          cfg,
		http:         httpClient,
		active:       *active,
		logger:       logger.With().Str("endpoint", active.String()).Logger(),
		retryLimiter: rate.NewLimiter(rate.Every(wait), 1),
	}
	c.logger.Info().Msg("selected active proxmox endpoint")
	return c, nil
}

// ActiveEndpoint returns the endpoint this client is bound to.
func (c *Client) ActiveEndpoint() Endpoint { return c.active }

func (c *Client) authHeader(req *http.Request) {
	if c.cfg.TokenID != "" {
		req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s!%s=%s", c.cfg.User, c.cfg.TokenID, c.cfg.TokenSecret))
		return
	}
	// Password auth exchanges credentials for a ticket/CSRF token via
	// /access/ticket first; request() does that through ensureTicket before
	// its first call and the resulting ticket is cached on the client.
	if c.ticket != "" {
		req.Header.Set("Cookie", "PVEAuthCookie="+c.ticket)
		req.Header.Set("CSRFPreventionToken", c.csrfToken)
	}
}

// apiResponse is the {"data": ...} envelope every Proxmox API response uses.
type apiResponse struct {
	Data json.RawMessage `json:"data"`
}

// request performs one HTTP call against the active endpoint, making at
// most cfg.Retries attempts in total (at least one) on transient transport
// failures, with retries paced by retryLimiter. method is an HTTP verb; path
// is the API path beginning with "/api2/json"; form, if non-nil, is sent as
// a url-encoded body on POST and PUT.
func (c *Client) request(ctx context.Context, operation, method, path string, form map[string]string) (json.RawMessage, error) {
	timer := telemetry.NewTimer()
	var lastErr error

	if c.cfg.TokenID == "" {
		if err := c.ensureTicket(ctx); err != nil {
			return nil, err
		}
	}

	attempts := c.cfg.Retries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.retryLimiter.Wait(ctx); err != nil {
				return nil, &cluster.TransportError{Reason: "context cancelled while waiting to retry", Err: err}
			}
		}

		data, err := c.doOnce(ctx, method, path, form)
		if err == nil {
			telemetry.APIRequestsTotal.WithLabelValues(operation, "ok").Inc()
			timer.ObserveDurationVec(telemetry.APIRequestDuration, operation)
			return data, nil
		}

		var authErr *cluster.AuthError
		if isAuthError(err, &authErr) {
			telemetry.APIRequestsTotal.WithLabelValues(operation, "auth_error").Inc()
			return nil, err // not retried
		}

		lastErr = err
		c.logger.Debug().Err(err).Int("attempt", attempt+1).Str("operation", operation).Msg("transient API failure, will retry")
	}

	telemetry.APIRequestsTotal.WithLabelValues(operation, "failed").Inc()
	return nil, &cluster.TransportError{Reason: fmt.Sprintf("%s: retries exhausted", operation), Err: lastErr}
}

// ensureTicket performs the password-auth ticket exchange against
// /access/ticket if this client has not already cached one. Token auth
// never calls this.
func (c *Client) ensureTicket(ctx context.Context) error {
	if c.ticket != "" {
		return nil
	}
	form := map[string]string{"username": c.cfg.User, "password": c.cfg.Pass}
	data, err := c.doOnce(ctx, http.MethodPost, "/api2/json/access/ticket", form)
	if err != nil {
		return err
	}
	var parsed struct {
		Ticket              string `json:"ticket"`
		CSRFPreventionToken string `json:"CSRFPreventionToken"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return &cluster.AuthError{Reason: "malformed ticket response"}
	}
	if parsed.Ticket == "" {
		return &cluster.AuthError{Reason: "credentials rejected"}
	}
	c.ticket = parsed.Ticket
	c.csrfToken = parsed.CSRFPreventionToken
	return nil
}

func isAuthError(err error, target **cluster.AuthError) bool {
	ae, ok := err.(*cluster.AuthError)
	if ok {
		*target = ae
	}
	return ok
}

func (c *Client) doOnce(ctx context.Context, method, path string, form map[string]string) (json.RawMessage, error) {
	url := fmt.Sprintf("https://%s%s", c.active.String(), path)

	var bodyReader io.Reader
	if form != nil && (method == http.MethodPost || method == http.MethodPut) {
		bodyReader = strings.NewReader(encodeForm(form))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, &cluster.TransportError{Reason: "building request", Err: err}
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	c.authHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &cluster.TransportError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &cluster.TransportError{Reason: "reading response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if len(body) == 0 {
			return nil, &cluster.AuthError{Reason: "401 with empty body (credentials rejected)"}
		}
		return nil, &cluster.AuthError{Reason: "401: " + string(body)}
	case resp.StatusCode == 595 || resp.StatusCode == 596:
		// Proxmox-specific "node unreachable" / "no response" codes; these
		// are transient and should be retried like any transport failure.
		return nil, &cluster.TransportError{Reason: fmt.Sprintf("hypervisor returned %d (node unreachable)", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &cluster.TransportError{Reason: fmt.Sprintf("hypervisor returned %d: %s", resp.StatusCode, string(body))}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("request to %s failed with status %d: %s", path, resp.StatusCode, string(body))
	}

	var env apiResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &cluster.TransportError{Reason: "decoding response envelope", Err: err}
	}
	return env.Data, nil
}

func encodeForm(form map[string]string) string {
	v := url.Values{}
	for k, val := range form {
		v.Set(k, val)
	}
	return v.Encode()
}
