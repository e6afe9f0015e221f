package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/statline-io/statline/internal/config"
)

// HTTP client defaults.
const (
	DefaultBaseURL   = "https://stats.example.com/api"
	DefaultUserAgent = "statline/1.0"

	maxResponseBytes = 32 << 20 // a season of per-player rows fits well under this
)

// ErrMalformedResponse means the upstream answered 200 with a body that does
// not decode to the expected result-set shape. Retriable: the upstream is
// known to serve truncated bodies under load.
var ErrMalformedResponse = errors.New("malformed upstream response")

type (
	// HTTPConfig holds stats API transport settings.
	HTTPConfig struct {
		// BaseURL is the API root; endpoint keys are appended as path
		// segments.
		BaseURL string

		// UserAgent and Referer are required by some stats providers, which
		// reject the Go default agent.
		UserAgent string
		Referer   string
	}

	// HTTPClient implements Client over the stats provider's JSON API.
	//
	// The provider's payload is {"resultSets": [{"name", "headers",
	// "rowSet"}, ...]}; names, order, and set count vary across calls and
	// are passed through untrusted as ResultSet.Label.
	HTTPClient struct {
		cfg  HTTPConfig
		http *http.Client
	}

	apiPayload struct {
		ResultSets []apiResultSet `json:"resultSets"`
	}

	apiResultSet struct {
		Name    string   `json:"name"`
		Headers []string `json:"headers"`
		RowSet  [][]any  `json:"rowSet"`
	}
)

// Compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// LoadHTTPConfig reads stats API settings from the environment.
func LoadHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:   config.GetEnvStr("STATS_API_BASE_URL", DefaultBaseURL),
		UserAgent: config.GetEnvStr("STATS_API_USER_AGENT", DefaultUserAgent),
		Referer:   config.GetEnvStr("STATS_API_REFERER", ""),
	}
}

// NewHTTPClient creates a stats API client.
//
// Timeouts are deliberately absent here: the executor bounds every call with
// its own per-call context, and a second transport timeout would race it.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	return &HTTPClient{cfg: cfg, http: &http.Client{}}
}

// Call performs one GET against the endpoint and decodes the result sets.
func (c *HTTPClient) Call(ctx context.Context, endpointKey, paramKey, paramValue string) (*Response, error) {
	endpoint, err := c.buildURL(endpointKey, paramKey, paramValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	if c.cfg.Referer != "" {
		req.Header.Set("Referer", c.cfg.Referer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrUnavailable, err)
	}

	var payload apiPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	sets := make([]ResultSet, len(payload.ResultSets))
	for i, set := range payload.ResultSets {
		sets[i] = ResultSet{
			Label:   set.Name,
			Columns: set.Headers,
			Rows:    set.RowSet,
		}
	}

	return &Response{ResultSets: sets}, nil
}

func (c *HTTPClient) buildURL(endpointKey, paramKey, paramValue string) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(c.cfg.BaseURL, "/"))
	if err != nil {
		return "", err
	}

	base.Path += "/" + url.PathEscape(endpointKey)

	query := base.Query()
	query.Set(paramKey, paramValue)
	base.RawQuery = query.Encode()

	return base.String(), nil
}

// classifyStatus maps an HTTP status to the client error contract.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", ErrNotFound, status)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d", ErrBadRequest, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrThrottled, status)
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	default:
		// Unexpected 3xx/4xx: treat as transient and let the retry budget
		// decide.
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, status)
	}
}
