package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eidolon-project/eidolon/internal/auth"
)

// HTTP status code constants.
const statusBadRequest = 400

// APIClient is an authenticated HTTP client for the collector API.
type APIClient struct {
	baseURL      string
	userID       string
	httpClient   *http.Client
	streamClient *http.Client
}

// APIError represents a non-2xx collector API response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("collector API error (status %d): %s", e.StatusCode, e.Body)
}

// NewAPIClient builds an APIClient from the loaded config's API address and
// the caller identity resolved from --user-id/$EIDOLON_USER_ID.
func NewAPIClient() (*APIClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	uid, err := resolveUserID()
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if cfg.API.TLS.Enabled {
		scheme = "https"
	}

	return &APIClient{
		baseURL: fmt.Sprintf("%s://%s", scheme, cfg.GetAPIAddress()),
		userID:  uid,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		// The stream endpoint is long-lived by design (spec.md §4.5); a
		// fixed request timeout would sever it mid-scan.
		streamClient: &http.Client{},
	}, nil
}

// Get performs a GET request against endpoint, decoding the JSON response
// into out (which may be nil to discard the body).
func (c *APIClient) Get(endpoint string, out interface{}) error {
	return c.do(http.MethodGet, endpoint, nil, out)
}

// Post performs a POST request with a JSON payload.
func (c *APIClient) Post(endpoint string, payload, out interface{}) error {
	return c.do(http.MethodPost, endpoint, payload, out)
}

// Put performs a PUT request with a JSON payload.
func (c *APIClient) Put(endpoint string, payload, out interface{}) error {
	return c.do(http.MethodPut, endpoint, payload, out)
}

func (c *APIClient) do(method, endpoint string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(auth.HeaderUserID, c.userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= statusBadRequest {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// StreamRequest opens a streaming request to endpoint and returns the raw
// response for the caller to read line-by-line (used for GET /tasks/stream,
// whose SSE body never closes on success).
func (c *APIClient) StreamRequest(endpoint string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(auth.HeaderUserID, c.userID)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode >= statusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}
