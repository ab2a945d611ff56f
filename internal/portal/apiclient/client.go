// Package apiclient talks to the marketplace REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 10 * time.Second

// HTTPClient matches the subset of http.Client used by Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// User is the profile returned by the API.
type User struct {
	ID         string `json:"id"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Email      string `json:"email"`
	University string `json:"university,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	IsVerified bool   `json:"isVerified,omitempty"`
}

// LoginResponse is the payload returned by the login endpoint.
type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	User        *User  `json:"user"`
}

// StatusError reports a non-2xx API response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("apiclient: backend error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("apiclient: backend error (%d): %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Unauthorized reports whether the API rejected the credential.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// ErrMissingUser is returned when a 2xx response carries no user payload.
var ErrMissingUser = errors.New("apiclient: response has no user")

// Client is a thin JSON client for the API.
type Client struct {
	base   *url.URL
	client HTTPClient
}

// New constructs a Client for baseURL. A nil client uses an otelhttp-instrumented default.
func New(baseURL string, client HTTPClient) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("apiclient: base URL is required")
	}
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base URL: %w", err)
	}
	if client == nil {
		client = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{base: parsed, client: client}, nil
}

// ResolveBaseURL returns configured when set, otherwise a URL derived from the
// hostname the client is served from. Trailing slashes are stripped.
func ResolveBaseURL(configured, hostname string) string {
	if value := strings.TrimRight(strings.TrimSpace(configured), "/"); value != "" {
		return value
	}
	host := strings.TrimSpace(hostname)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return "http://localhost:8000/api"
	}
	return "https://" + host + "/api"
}

// GetUser resolves the profile for token.
func (c *Client) GetUser(ctx context.Context, token string) (*User, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "get-user", nil, token)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse(resp)
	}

	var payload struct {
		User *User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("apiclient: decode user: %w", err)
	}
	if payload.User == nil {
		return nil, ErrMissingUser
	}
	return payload.User, nil
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	body, err := json.Marshal(map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("apiclient: encode login: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "login", bytes.NewReader(body), "")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse(resp)
	}

	var payload LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("apiclient: decode login: %w", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return nil, errors.New("apiclient: login response has no access token")
	}
	if payload.User == nil {
		return nil, ErrMissingUser
	}
	return &payload, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apiclient: request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, token string) (*http.Request, error) {
	target := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(endpoint, "/")})
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	statusErr := &StatusError{StatusCode: resp.StatusCode}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
			statusErr.Code = strings.TrimSpace(payload.Code)
			statusErr.Message = payload.Message
			return statusErr
		}
		statusErr.Message = strings.TrimSpace(string(body))
	}
	return statusErr
}
