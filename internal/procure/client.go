// Package procure wraps the VPS provider's HTTP API: locations, tariff
// selection, server creation, asynchronous status and credential polling, and
// deletion. Every step fails with a typed *Error; CreateServer is never
// retried because a duplicate create is a duplicate billable resource.
package procure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tunnelbay/tunnelbay/internal/cache"
	"github.com/tunnelbay/tunnelbay/pkg/logger"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 5 * time.Second
	defaultPollTimeout  = 5 * time.Minute
	defaultMaxRetries   = 3
	defaultRetryDelay   = 2 * time.Second
	defaultCacheTTL     = 10 * time.Minute
	defaultMaxBodySize  = 1 << 20
)

// Config configures the provider client.
type Config struct {
	// BaseURL of the provider API, e.g. https://api.provider.example/v1.
	BaseURL string
	// Token is the API bearer token.
	Token string
	// Timeout per HTTP request.
	Timeout time.Duration
	// MaxRetries bounds retries of transient request failures. CreateServer
	// is exempt and never retried.
	MaxRetries int
	// RetryDelay is the linear backoff base.
	RetryDelay time.Duration
	// PollInterval/PollTimeout bound PollUntilReady.
	PollInterval time.Duration
	PollTimeout  time.Duration
	// RequestsPerSecond rate-limits outbound calls. 0 disables limiting.
	RequestsPerSecond float64
	// CacheTTL for datacenter/tariff lists.
	CacheTTL time.Duration
	// FailOpenAvailability controls how availability probes treat provider
	// query errors: true reproduces the legacy fail-open behavior (an
	// unreachable provider counts as available), false fails closed.
	FailOpenAvailability bool
}

// Client talks to the provider.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      cache.Cache
	log        *logger.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, c cache.Cache, log *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("procure: BaseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("procure: BaseURL must be a valid URL")
	}
	cfg.BaseURL = baseURL

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if c == nil {
		c = cache.NewMemory()
	}
	if log == nil {
		log = logger.NewDefault("procure")
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		cache:      c,
		log:        log,
	}, nil
}

// do executes one request; retry decides whether transient failures are
// retried with linear backoff.
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, target interface{}, retry bool) error {
	attempts := 1
	if retry {
		attempts = c.config.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return &Error{Op: op, Msg: ctx.Err().Error()}
			case <-time.After(time.Duration(attempt-1) * c.config.RetryDelay):
			}
		}
		if err := c.doOnce(ctx, op, method, path, body, target); err != nil {
			var pErr *Error
			// Provider 5xx and transport errors are worth retrying;
			// 4xx means the request itself is wrong.
			if errors.As(err, &pErr) && pErr.StatusCode >= 400 && pErr.StatusCode < 500 {
				return err
			}
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, body interface{}, target interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Op: op, Msg: err.Error()}
		}
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Msg: fmt.Sprintf("marshal request: %v", err)}
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bodyReader)
	if err != nil {
		return &Error{Op: op, Msg: fmt.Sprintf("create request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Msg: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBodySize))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Msg: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode >= 400 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
	}
	if target != nil {
		if err := json.Unmarshal(raw, target); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode, Msg: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}

// ListDatacenters returns the provider's locations, cached for the configured
// TTL.
func (c *Client) ListDatacenters(ctx context.Context) ([]Datacenter, error) {
	raw, err := c.cache.GetOrRefresh(ctx, "procure:datacenters", c.config.CacheTTL, func(ctx context.Context) ([]byte, error) {
		var dcs []Datacenter
		if err := c.do(ctx, "listDatacenters", http.MethodGet, "/datacenters", nil, &dcs, true); err != nil {
			return nil, err
		}
		return json.Marshal(dcs)
	})
	if err != nil {
		return nil, err
	}
	var dcs []Datacenter
	if err := json.Unmarshal(raw, &dcs); err != nil {
		return nil, &Error{Op: "listDatacenters", Msg: fmt.Sprintf("decode cache: %v", err)}
	}
	return dcs, nil
}

// ListTariffs returns the tariffs for a datacenter, cached for the configured
// TTL.
func (c *Client) ListTariffs(ctx context.Context, datacenterID string) ([]Tariff, error) {
	key := "procure:tariffs:" + datacenterID
	raw, err := c.cache.GetOrRefresh(ctx, key, c.config.CacheTTL, func(ctx context.Context) ([]byte, error) {
		var tariffs []Tariff
		path := "/datacenters/" + url.PathEscape(datacenterID) + "/tariffs"
		if err := c.do(ctx, "listTariffs", http.MethodGet, path, nil, &tariffs, true); err != nil {
			return nil, err
		}
		return json.Marshal(tariffs)
	})
	if err != nil {
		return nil, err
	}
	var tariffs []Tariff
	if err := json.Unmarshal(raw, &tariffs); err != nil {
		return nil, &Error{Op: "listTariffs", Msg: fmt.Sprintf("decode cache: %v", err)}
	}
	return tariffs, nil
}

// DatacenterAvailable probes whether a datacenter can currently provision:
// its first tariff must have at least one deployable image. Provider query
// errors fail open only when configured to.
func (c *Client) DatacenterAvailable(ctx context.Context, datacenterID string) (bool, error) {
	tariffs, err := c.ListTariffs(ctx, datacenterID)
	if err != nil {
		if c.config.FailOpenAvailability {
			c.log.WithError(err).
				WithField("datacenter", datacenterID).
				Warn("availability probe failed, failing open")
			return true, nil
		}
		return false, err
	}
	if len(tariffs) == 0 {
		return false, nil
	}
	return len(tariffs[0].Images) > 0, nil
}

// SelectCheapestTariff picks the cheapest tariff in the datacenter that
// satisfies the plan and has a deployable image.
func (c *Client) SelectCheapestTariff(ctx context.Context, datacenterID string, plan Plan) (Tariff, error) {
	tariffs, err := c.ListTariffs(ctx, datacenterID)
	if err != nil {
		return Tariff{}, err
	}

	var candidates []Tariff
	for _, t := range tariffs {
		if t.Satisfies(plan) && len(t.Images) > 0 {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Tariff{}, &Error{Op: "selectTariff", Msg: fmt.Sprintf("no tariff in %s satisfies cpu=%d ram=%dMB disk=%dGB", datacenterID, plan.CPU, plan.RAMMB, plan.DiskGB)}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].MonthlyPrice < candidates[j].MonthlyPrice
	})
	return candidates[0], nil
}

// CreateServer asks the provider to create a server on the tariff and returns
// the pending external id. It is deliberately not retried: a lost response
// could mean a created, billable server.
func (c *Client) CreateServer(ctx context.Context, tariff Tariff) (string, error) {
	image := ""
	if len(tariff.Images) > 0 {
		image = tariff.Images[0]
	}
	var created Server
	req := map[string]string{
		"tariff_id": tariff.ID,
		"image":     image,
	}
	if err := c.do(ctx, "createServer", http.MethodPost, "/servers", req, &created, false); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &Error{Op: "createServer", Msg: "provider returned empty server id"}
	}
	c.log.WithField("external_id", created.ID).
		WithField("tariff", tariff.ID).
		Info("server create accepted")
	return created.ID, nil
}

// GetStatus fetches the provider's view of the server.
func (c *Client) GetStatus(ctx context.Context, externalID string) (Server, error) {
	var srv Server
	err := c.do(ctx, "getStatus", http.MethodGet, "/servers/"+url.PathEscape(externalID), nil, &srv, true)
	return srv, err
}

// PollUntilReady polls GetStatus with linear backoff until the server is
// active with an address, the poll timeout elapses, or the context is done.
func (c *Client) PollUntilReady(ctx context.Context, externalID string) (string, error) {
	deadline := time.Now().Add(c.config.PollTimeout)
	interval := c.config.PollInterval

	for attempt := 1; ; attempt++ {
		srv, err := c.GetStatus(ctx, externalID)
		if err == nil && srv.State == "active" && srv.Address != "" {
			return srv.Address, nil
		}
		if err != nil {
			c.log.WithError(err).
				WithField("external_id", externalID).
				Warnf("status poll %d failed", attempt)
		}

		if time.Now().After(deadline) {
			return "", &Error{Op: "pollUntilReady", Msg: fmt.Sprintf("server %s not ready within %s", externalID, c.config.PollTimeout)}
		}
		select {
		case <-ctx.Done():
			return "", &Error{Op: "pollUntilReady", Msg: ctx.Err().Error()}
		case <-time.After(interval):
		}
		// Linear backoff, capped so the deadline stays meaningful.
		if interval < 30*time.Second {
			interval += c.config.PollInterval
		}
	}
}

// FetchCredentials retrieves the admin login for a server. Credential
// assignment is asynchronous on the provider side, so empty credentials are
// retried within the client's bounded retry budget.
func (c *Client) FetchCredentials(ctx context.Context, externalID string) (Credentials, error) {
	var creds Credentials
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return Credentials{}, &Error{Op: "fetchCredentials", Msg: ctx.Err().Error()}
			case <-time.After(time.Duration(attempt-1) * c.config.RetryDelay):
			}
		}
		err := c.do(ctx, "fetchCredentials", http.MethodGet, "/servers/"+url.PathEscape(externalID)+"/credentials", nil, &creds, false)
		if err == nil && creds.Login != "" && creds.Secret != "" {
			return creds, nil
		}
		if err != nil {
			c.log.WithError(err).
				WithField("external_id", externalID).
				Warnf("credentials fetch %d failed", attempt)
		}
	}
	return Credentials{}, &Error{Op: "fetchCredentials", Msg: fmt.Sprintf("credentials for %s not available", externalID)}
}

// DeleteServer removes a server. Used both for order teardown and for
// compensation after failed provisioning.
func (c *Client) DeleteServer(ctx context.Context, externalID string) (bool, error) {
	err := c.do(ctx, "deleteServer", http.MethodDelete, "/servers/"+url.PathEscape(externalID), nil, nil, true)
	if err != nil {
		var pErr *Error
		if errors.As(err, &pErr) && pErr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
