// Package vrm provides a client for the Victron Energy VRM cloud API:
// login, access token management, installation listing, and per-site
// diagnostics retrieval.
package vrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/config"
	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/httpkit"
)

// DefaultBaseURL is the production VRM API endpoint.
const DefaultBaseURL = "https://vrmapi.victronenergy.com/v2"

// maxResponseBytes bounds how much of a response body is read. A site
// with many devices produces diagnostics in the tens of kilobytes;
// anything near this limit is the API misbehaving.
const maxResponseBytes = 16 << 20

// Sentinel errors for credential failures.
var (
	// ErrLoginFailed marks a credential rejection: wrong username or
	// password, or an expired token. Distinct from transport errors —
	// retrying without operator action will not help.
	ErrLoginFailed = errors.New("vrm: login failed")

	// ErrDuplicateToken is returned when an access token with the
	// configured name already exists on the account and the bridge is
	// not permitted to revoke it.
	ErrDuplicateToken = errors.New("vrm: access token name already in use")
)

// APIError is a non-2xx response from the VRM API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("VRM API error %d: %s", e.StatusCode, e.Body)
}

// authRejected reports whether err is the API refusing our credentials,
// as opposed to a transport or server-side failure.
func authRejected(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// AccessToken is one entry from the account's access token list.
type AccessToken struct {
	Name string `json:"name"`
	ID   string `json:"idAccessToken"`
}

// Client is a low-level VRM REST API client. Authentication is passed
// per call — the Session owns which credential is in effect.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a VRM API client. baseURL empty means production.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Login authenticates with username and password. On success it returns
// the short-lived user token and the account's user ID.
func (c *Client) Login(ctx context.Context, username, password string) (string, int64, error) {
	payload := map[string]string{
		"username": username,
		"password": password,
	}

	var result struct {
		Status string `json:"status"`
		Token  string `json:"token"`
		IDUser int64  `json:"idUser"`
	}
	// The login endpoint is the one call that carries no credential.
	if err := c.post(ctx, "/auth/login", "", payload, &result); err != nil {
		if authRejected(err) {
			return "", 0, fmt.Errorf("%w: %v", ErrLoginFailed, err)
		}
		return "", 0, err
	}

	if result.Status != "login_success" || result.Token == "" {
		return "", 0, fmt.Errorf("%w: status %q", ErrLoginFailed, result.Status)
	}

	return result.Token, result.IDUser, nil
}

// ListAccessTokens returns all access tokens on the account. An envelope
// rejection here means the credential no longer holds, so it maps to
// ErrLoginFailed.
func (c *Client) ListAccessTokens(ctx context.Context, auth string, userID int64) ([]AccessToken, error) {
	path := fmt.Sprintf("/users/%d/accesstokens", userID)

	var result struct {
		Success bool          `json:"success"`
		Tokens  []AccessToken `json:"tokens"`
	}
	if err := c.get(ctx, path, auth, &result); err != nil {
		if authRejected(err) {
			return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
		}
		return nil, err
	}

	if !result.Success {
		return nil, fmt.Errorf("%w: access token list rejected", ErrLoginFailed)
	}

	return result.Tokens, nil
}

// CreateAccessToken creates a named access token and returns its raw
// token value. The value is shown by the API exactly once — callers
// must persist it.
func (c *Client) CreateAccessToken(ctx context.Context, auth string, userID int64, name string) (string, error) {
	path := fmt.Sprintf("/users/%d/accesstokens", userID)

	var result struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
	}
	if err := c.post(ctx, path, auth, map[string]string{"name": name}, &result); err != nil {
		return "", fmt.Errorf("create access token: %w", err)
	}

	if !result.Success || result.Token == "" {
		return "", fmt.Errorf("create access token %q: request not successful", name)
	}

	return result.Token, nil
}

// RevokeAccessToken revokes the access token with the given ID.
func (c *Client) RevokeAccessToken(ctx context.Context, auth string, userID int64, tokenID string) error {
	path := fmt.Sprintf("/users/%d/accesstokens/%s", userID, tokenID)

	var result struct {
		Success bool `json:"success"`
	}
	if err := c.delete(ctx, path, auth, &result); err != nil {
		return fmt.Errorf("revoke access token %s: %w", tokenID, err)
	}

	if !result.Success {
		return fmt.Errorf("revoke access token %s: request not successful", tokenID)
	}

	return nil
}

// ListInstallations returns the site IDs of every installation visible
// to the account.
func (c *Client) ListInstallations(ctx context.Context, auth string, userID int64) ([]int64, error) {
	path := fmt.Sprintf("/users/%d/installations", userID)

	var result struct {
		Success bool `json:"success"`
		Records []struct {
			IDSite int64 `json:"idSite"`
		} `json:"records"`
	}
	if err := c.get(ctx, path, auth, &result); err != nil {
		return nil, fmt.Errorf("list installations: %w", err)
	}

	if !result.Success {
		return nil, fmt.Errorf("list installations: request not successful")
	}

	ids := make([]int64, 0, len(result.Records))
	for _, r := range result.Records {
		ids = append(ids, r.IDSite)
	}
	return ids, nil
}

// Diagnostics fetches the raw diagnostics records for a site.
func (c *Client) Diagnostics(ctx context.Context, auth string, siteID int64) ([]DiagnosticRecord, error) {
	path := fmt.Sprintf("/installations/%d/diagnostics", siteID)

	var result struct {
		Success bool               `json:"success"`
		Records []DiagnosticRecord `json:"records"`
	}
	if err := c.get(ctx, path, auth, &result); err != nil {
		return nil, fmt.Errorf("diagnostics for site %d: %w", siteID, err)
	}

	if !result.Success {
		return nil, fmt.Errorf("diagnostics for site %d: request not successful", siteID)
	}

	return result.Records, nil
}

// get performs a GET request against the API.
func (c *Client) get(ctx context.Context, path, auth string, result any) error {
	return c.do(ctx, http.MethodGet, path, auth, nil, result)
}

// post performs a POST request with a JSON payload.
func (c *Client) post(ctx context.Context, path, auth string, payload, result any) error {
	return c.do(ctx, http.MethodPost, path, auth, payload, result)
}

// delete performs a DELETE request against the API.
func (c *Client) delete(ctx context.Context, path, auth string, result any) error {
	return c.do(ctx, http.MethodDelete, path, auth, nil, result)
}

// do builds and executes one API request. auth is the x-authorization
// header value; an empty or "none" value omits the header entirely
// (the login endpoint, and nothing else, runs unauthenticated).
func (c *Client) do(ctx context.Context, method, path, auth string, payload, result any) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if auth != "" && auth != "none" {
		req.Header.Set("x-authorization", auth)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	// Drain and close to ensure connection reuse even on early returns.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}

	c.logger.Log(ctx, config.LevelTrace, "VRM response",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"bytes", len(body),
		"body", string(body),
	)

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response %s: %w", path, err)
		}
	}

	return nil
}
