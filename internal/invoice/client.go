// Package invoice integrates a hosted payment page provider. The provider is
// generic: invoice creation posts a JSON body and the fields locating the
// invoice ID, payment URL, and settlement status in responses are configured
// as JSONPath expressions, so switching providers is a config change.
package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PaesslerAG/jsonpath"
)

// Config holds provider endpoints and response-shape mappings.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	CreatePath string
	StatusPath string

	// JSONPath expressions into provider responses.
	IDField     string
	URLField    string
	StatusField string

	// PaidValues are the provider status strings that mean settled.
	PaidValues []string
}

func (c *Config) withDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CreatePath == "" {
		c.CreatePath = "/invoices"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/invoices/%s"
	}
	if c.IDField == "" {
		c.IDField = "$.id"
	}
	if c.URLField == "" {
		c.URLField = "$.url"
	}
	if c.StatusField == "" {
		c.StatusField = "$.status"
	}
	if len(c.PaidValues) == 0 {
		c.PaidValues = []string{"paid", "settled", "completed"}
	}
}

// Invoice is a created hosted invoice.
type Invoice struct {
	ID  string
	URL string
}

// Client talks to the hosted invoice provider.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates an invoice client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("invoice: base URL required")
	}
	cfg.withDefaults()
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Create opens an invoice for the given amount (minor units) and currency.
func (c *Client) Create(ctx context.Context, amount int64, currency, reference string) (Invoice, error) {
	body, err := json.Marshal(map[string]interface{}{
		"amount":    amount,
		"currency":  currency,
		"reference": reference,
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: marshal request: %w", err)
	}

	doc, err := c.do(ctx, "POST", c.config.CreatePath, body)
	if err != nil {
		return Invoice{}, err
	}

	id, err := c.extractString(doc, c.config.IDField)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: response missing id: %w", err)
	}
	url, err := c.extractString(doc, c.config.URLField)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: response missing payment url: %w", err)
	}
	return Invoice{ID: id, URL: url}, nil
}

// Paid reports whether the invoice has settled.
func (c *Client) Paid(ctx context.Context, invoiceID string) (bool, error) {
	doc, err := c.do(ctx, "GET", fmt.Sprintf(c.config.StatusPath, invoiceID), nil)
	if err != nil {
		return false, err
	}
	status, err := c.extractString(doc, c.config.StatusField)
	if err != nil {
		return false, fmt.Errorf("invoice: response missing status: %w", err)
	}
	for _, v := range c.config.PaidValues {
		if status == v {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (interface{}, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("invoice: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoice: execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("invoice: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("invoice: provider returned %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var doc interface{}
	if err := json.Unmarshal(respBody, &doc); err != nil {
		return nil, fmt.Errorf("invoice: unmarshal response: %w", err)
	}
	return doc, nil
}

func (c *Client) extractString(doc interface{}, path string) (string, error) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("value at %s is %T, not string", path, v)
	}
	return s, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
