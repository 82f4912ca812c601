// Package client provides the metadata service API client used by the
// collector and the integrity agent.
//
// # Operations
//
// - StoreBaseline: Upload a baseline (collector)
// - GetBaseline: Fetch the trusted baseline for an image (agent)
// - Heartbeat: Periodic health reporting (agent)
// - ReportAlert: Append an alert (agent)
// - Ping: Liveness check
//
// # Errors
//
// Transport failures and 5xx responses wrap ErrUnavailable so callers can
// retry them; a 404 on GetBaseline is ErrNotFound and must not be retried
// as if it were an outage.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

var (
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks connectivity failures and server errors.
	ErrUnavailable = errors.New("metadata service unavailable")
)

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// Unwrap classifies server-side failures as ErrUnavailable.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return ErrUnavailable
	}
	return nil
}

// Client communicates with the metadata service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	agentID    string
	authToken  string
	userAgent  string
}

// Config for the client.
type Config struct {
	BaseURL            string
	AuthToken          string
	AgentID            string
	UserAgent          string
	HTTPClient         *http.Client
	Timeout            time.Duration
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// NewClient creates a new metadata service client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		transport := &http.Transport{}
		if cfg.InsecureSkipVerify || cfg.RootCAs != nil {
			transport.TLSClientConfig = &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
				RootCAs:            cfg.RootCAs,
			}
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "golden-integrity/1.0"
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		agentID:    cfg.AgentID,
		authToken:  cfg.AuthToken,
		userAgent:  cfg.UserAgent,
	}
}

// StoreBaseline uploads a baseline. The service replaces any baseline with
// the same image id.
func (c *Client) StoreBaseline(ctx context.Context, baseline *types.Baseline) (*types.BaselineSummary, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/baselines", baseline)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.readError(resp)
	}

	var result types.BaselineSummary
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}

// GetBaseline fetches the baseline for an image.
func (c *Client) GetBaseline(ctx context.Context, imageID string) (*types.Baseline, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/baselines/"+url.PathEscape(imageID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("baseline %s: %w", imageID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(resp)
	}

	var result types.Baseline
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding baseline: %w", err)
	}
	return &result, nil
}

// Heartbeat sends a health report.
func (c *Client) Heartbeat(ctx context.Context, heartbeat types.Heartbeat) (*types.HeartbeatResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/agents/heartbeat", heartbeat)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(resp)
	}

	var result types.HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}

// ReportAlert appends an alert and returns it as stored.
func (c *Client) ReportAlert(ctx context.Context, alert types.Alert) (*types.Alert, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/agents/alert", alert)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.readError(resp)
	}

	var result types.Alert
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}

// Ping tests connectivity to the metadata service.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.readError(resp)
	}
	return nil
}

// doRequest performs an HTTP request with standard headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	return resp, nil
}

// readError extracts an error message from a failed response.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}
