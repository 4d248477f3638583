package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultTimeout bounds each API call when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config holds the configuration for connecting to the viralloop API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	APIKey  string        // Optional bearer token for a fronting gateway
	Timeout time.Duration // Per-request timeout
}

// Client is a pure HTTP client for the viralloop API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Rejected reports whether the API refused the request itself, as opposed
// to failing to answer it.
func (e *APIError) Rejected() bool {
	return e.Status >= 400 && e.Status < 500
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// SuggestionContext narrows a suggestion to a time slot and audience.
type SuggestionContext struct {
	Hour      int    `json:"hour"`
	DayOfWeek int    `json:"dayOfWeek"`
	UserTier  string `json:"userTier,omitempty"`
}

// GetSuggestion asks the orchestrator which variant to generate next.
func (c *Client) GetSuggestion(ctx context.Context, sc *SuggestionContext) (json.RawMessage, error) {
	body := map[string]any{}
	if sc != nil {
		body["context"] = sc
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/suggestions", nil, body)
}

// GetVerifiedMetrics replays the audit ledger for a content instance.
func (c *Client) GetVerifiedMetrics(ctx context.Context, contentID string) (json.RawMessage, error) {
	path := "/v1/content/" + url.PathEscape(contentID) + "/verified-metrics"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// Reconcile compares a content instance's ledger with its live counters.
func (c *Client) Reconcile(ctx context.Context, contentID string) (json.RawMessage, error) {
	path := "/v1/content/" + url.PathEscape(contentID) + "/reconcile"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetVariantStats returns the discounted statistics of one variant.
func (c *Client) GetVariantStats(ctx context.Context, variantID string, windowDays int) (json.RawMessage, error) {
	q := url.Values{}
	if windowDays > 0 {
		q.Set("windowDays", strconv.Itoa(windowDays))
	}
	path := "/v1/variants/" + url.PathEscape(variantID) + "/stats"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// ListVariants returns variants ranked by windowed score.
func (c *Client) ListVariants(ctx context.Context, windowDays int) (json.RawMessage, error) {
	q := url.Values{}
	if windowDays > 0 {
		q.Set("windowDays", strconv.Itoa(windowDays))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/variants", q, nil)
}

// VerifyReferralLink checks the signature and age carried by a referral
// link's query string.
func (c *Client) VerifyReferralLink(ctx context.Context, params url.Values) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/referral-links/verify", params, nil)
}
