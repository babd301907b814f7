// Package ozone is a small XRPC client for the calls the labeler makes: session
// management on the PDS and tools.ozone.moderation.emitEvent on the labeler
// service, proxied through the PDS.
package ozone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"jetstream-labeler/internal/models"
)

// AuthError is returned when the server rejects the credentials or token.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed (status %d): %s: %s", e.Status, e.Code, e.Message)
}

// APIError is any other non-2xx XRPC response.
type APIError struct {
	Method  string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed (status %d): %s: %s", e.Method, e.Status, e.Code, e.Message)
}

// IsAuthError reports whether err carries an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

var authCodes = map[string]bool{
	"ExpiredToken":           true,
	"InvalidToken":           true,
	"AuthenticationRequired": true,
	"AccountTakedown":        true,
}

type Client struct {
	service    string
	proxyDID   string
	httpClient *http.Client
}

// NewClient talks to the PDS at service. Moderation calls are proxied to
// proxyDID's labeler service. timeout bounds every request.
func NewClient(service, proxyDID string, timeout time.Duration) *Client {
	return &Client{
		service:    strings.TrimRight(service, "/"),
		proxyDID:   proxyDID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateSession logs in with an identifier and app password.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (*models.Session, models.RateLimit, error) {
	body := map[string]string{"identifier": identifier, "password": password}
	var out models.Session
	rl, err := c.call(ctx, http.MethodPost, "com.atproto.server.createSession", "", nil, body, &out)
	if err != nil {
		return nil, rl, err
	}
	return &out, rl, nil
}

// GetSession checks that the session's access token is still accepted.
func (c *Client) GetSession(ctx context.Context, s *models.Session) (models.RateLimit, error) {
	return c.call(ctx, http.MethodGet, "com.atproto.server.getSession", s.AccessJwt, nil, nil, nil)
}

// RefreshSession trades the refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context, s *models.Session) (*models.Session, models.RateLimit, error) {
	var out models.Session
	rl, err := c.call(ctx, http.MethodPost, "com.atproto.server.refreshSession", s.RefreshJwt, nil, nil, &out)
	if err != nil {
		return nil, rl, err
	}
	return &out, rl, nil
}

// EmitEvent records a moderation event on the labeler.
func (c *Client) EmitEvent(ctx context.Context, s *models.Session, in EmitEventInput) (models.RateLimit, error) {
	headers := http.Header{}
	headers.Set("atproto-proxy", c.proxyDID+"#atproto_labeler")
	return c.call(ctx, http.MethodPost, "tools.ozone.moderation.emitEvent", s.AccessJwt, headers, in, nil)
}

func (c *Client) call(ctx context.Context, method, nsid, token string, headers http.Header, in, out any) (models.RateLimit, error) {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return models.RateLimit{}, fmt.Errorf("marshal %s: %w", nsid, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.service+"/xrpc/"+nsid, body)
	if err != nil {
		return models.RateLimit{}, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.RateLimit{}, fmt.Errorf("%s: %w", nsid, err)
	}
	defer resp.Body.Close()

	rl := ParseRateLimit(resp.Header)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return rl, fmt.Errorf("read %s response: %w", nsid, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var xe struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &xe)
		if resp.StatusCode == http.StatusUnauthorized || authCodes[xe.Error] {
			return rl, &AuthError{Status: resp.StatusCode, Code: xe.Error, Message: xe.Message}
		}
		return rl, &APIError{Method: nsid, Status: resp.StatusCode, Code: xe.Error, Message: xe.Message}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return rl, fmt.Errorf("decode %s response: %w", nsid, err)
		}
	}
	return rl, nil
}

// ParseRateLimit reads the ratelimit-* headers. Reset is epoch seconds.
// The result is not Present unless ratelimit-remaining parses.
func ParseRateLimit(h http.Header) models.RateLimit {
	var rl models.RateLimit
	remaining, err := strconv.Atoi(strings.TrimSpace(h.Get("ratelimit-remaining")))
	if err != nil {
		return rl
	}
	rl.Remaining = remaining
	rl.Present = true

	if limit, err := strconv.Atoi(strings.TrimSpace(h.Get("ratelimit-limit"))); err == nil {
		rl.Limit = limit
	}
	if reset, err := strconv.ParseInt(strings.TrimSpace(h.Get("ratelimit-reset")), 10, 64); err == nil && reset > 0 {
		rl.Reset = time.Unix(reset, 0)
	}
	return rl
}
