// Package api talks to the authentication backend over JSON HTTP. It only
// covers the routes the session and flow cores consume: refresh, user
// details, logout, flow exchange, and the one time code, magic link,
// enchanted link and OAuth exchange endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/authbridge/errs"
)

const (
	defaultBaseURL = "https://api.authbridge.io"

	sdkName    = "authbridge-go"
	sdkVersion = "0.9.0"
)

// Config configures an API client. ProjectID is required.
type Config struct {
	ProjectID string

	// BaseURL overrides the URL derived from the project id.
	BaseURL string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Client is the JSON HTTP client for the authentication backend.
type Client struct {
	projectID  string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an API client for a project.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, errs.MissingArguments.WithMessage("project id is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = baseURLForProjectID(cfg.ProjectID)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		projectID:  cfg.ProjectID,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ProjectID returns the project id the client was created for.
func (c *Client) ProjectID() string {
	return c.projectID
}

// baseURLForProjectID derives the backend URL from the project id. Long
// project ids embed the region slug in characters 1 to 4.
func baseURLForProjectID(projectID string) string {
	if len(projectID) >= 32 {
		region := projectID[1:5]
		return fmt.Sprintf("https://api.%s.authbridge.io", region)
	}
	return defaultBaseURL
}

// apiErrorBody is the error payload the backend returns on failures.
type apiErrorBody struct {
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	ErrorMessage     string `json:"errorMessage"`
}

// post sends a JSON POST request and decodes the response into result.
// A non-empty bearer is appended to the project id credential, which is
// how refresh JWTs authorize authenticated routes. The response cookies
// are returned for token recovery.
func (c *Client) post(ctx context.Context, endpoint, bearer string, body, result any) ([]*http.Cookie, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.EncodeError.WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.EncodeError.WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.call(req, bearer, endpoint, result)
}

// get sends a GET request with query parameters and decodes the response
// into result.
func (c *Client) get(ctx context.Context, endpoint, bearer string, params map[string]string, result any) ([]*http.Cookie, error) {
	query := url.Values{}
	for k, v := range params {
		if v != "" {
			query.Set(k, v)
		}
	}

	target := c.baseURL + endpoint
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errs.EncodeError.WithCause(err)
	}

	return c.call(req, bearer, endpoint, result)
}

func (c *Client) call(req *http.Request, bearer, endpoint string, result any) ([]*http.Cookie, error) {
	credential := c.projectID
	if bearer != "" {
		credential += ":" + bearer
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("x-sdk-name", sdkName)
	req.Header.Set("x-sdk-version", sdkVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.NetworkError.WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.NetworkError.WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body apiErrorBody
		if json.Unmarshal(respBody, &body) == nil && body.ErrorCode != "" {
			c.logger.Debug("request failed", "endpoint", endpoint, "status", resp.StatusCode, "code", body.ErrorCode)
			return nil, errs.From(body.ErrorCode, body.ErrorDescription, body.ErrorMessage)
		}
		return nil, errs.HTTPError.WithMessage("%s returned status %d", endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, errs.DecodeError.WithCause(err)
		}
	}

	return resp.Cookies(), nil
}
