// Package research provides a client for the research job-execution service REST API.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the local job-execution service
	DefaultBaseURL = "http://localhost:8000"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateInterval is the default minimum gap between requests.
	DefaultRateInterval = 200 * time.Millisecond

	// maxErrorBody caps how much of a failed response is kept in APIError
	maxErrorBody = 4096
)

// ErrEmptyResponse is returned when the service answers 2xx without the expected fields
var ErrEmptyResponse = errors.New("research service returned an incomplete response")

// Client is a research service REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the HTTP timeout on the default client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the minimum gap between requests. Zero disables limiting.
func WithRateLimit(interval time.Duration) ClientOption {
	return func(c *Client) {
		if interval <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// NewClient creates a new research service client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Every(DefaultRateInterval), 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ interfaces.ResearchClient = (*Client)(nil)

// APIError represents a non-2xx answer from the research service.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("research API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, statusCode int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == statusCode
}

type submitRequest struct {
	Ticker string `json:"ticker"`
}

type explainRequest struct {
	Error string `json:"error"`
}

type explainResponse struct {
	Explanation string `json:"explanation"`
}

// SubmitJob asks the service to start researching ticker and returns the assigned job ID.
func (c *Client) SubmitJob(ctx context.Context, ticker string) (*interfaces.SubmittedJob, error) {
	var submitted interfaces.SubmittedJob
	if err := c.post(ctx, "/api/research/jobs", submitRequest{Ticker: ticker}, &submitted); err != nil {
		return nil, fmt.Errorf("failed to submit research job for %s: %w", ticker, err)
	}
	if submitted.JobID == "" {
		return nil, fmt.Errorf("failed to submit research job for %s: %w", ticker, ErrEmptyResponse)
	}
	if submitted.Ticker == "" {
		submitted.Ticker = ticker
	}
	return &submitted, nil
}

// ExplainError asks the service for a plain-language explanation of a failed job's error.
func (c *Client) ExplainError(ctx context.Context, jobID, errorText string) (string, error) {
	path := fmt.Sprintf("/api/research/jobs/%s/explain", url.PathEscape(jobID))

	var explained explainResponse
	if err := c.post(ctx, path, explainRequest{Error: errorText}, &explained); err != nil {
		return "", fmt.Errorf("failed to explain error for job %s: %w", jobID, err)
	}
	if explained.Explanation == "" {
		return "", fmt.Errorf("failed to explain error for job %s: %w", jobID, ErrEmptyResponse)
	}
	return explained.Explanation, nil
}

// post performs a JSON POST request to the API.
func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.logger != nil {
		c.logger.Debug().
			Str("url", c.baseURL+path).
			Msg("Research API request")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if c.logger != nil {
			c.logger.Warn().
				Str("endpoint", path).
				Int("status", resp.StatusCode).
				Dur("elapsed", time.Since(start)).
				Msg("Research API request failed")
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
			Endpoint:   path,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
