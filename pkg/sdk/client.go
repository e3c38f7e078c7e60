// Package sdk is a typed client for the hospital queue backend's REST API.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var ErrUnauthorized = errors.New("sdk: unauthorized")

// APIError is returned for any non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

type Config struct {
	BaseURL string
	// Token is a fixed bearer token. TokenSource, when set, takes precedence
	// and is consulted on every request.
	Token       string
	TokenSource func() string
	Timeout     time.Duration
	// RatePerSecond throttles GET requests. Zero disables throttling.
	RatePerSecond float64
	Burst         int
	// OnUnauthorized runs after any 401 response, before the error is
	// returned.
	OnUnauthorized func()
	HTTPClient     *http.Client
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	token          func() string
	limiter        *rate.Limiter
	onUnauthorized func()

	Auth     *AuthService
	Tokens   *TokensService
	Counters *CountersService
	Admin    *AdminService
	Patients *PatientsService
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	c := &Client{
		BaseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		HTTP:           httpClient,
		onUnauthorized: cfg.OnUnauthorized,
	}
	switch {
	case cfg.TokenSource != nil:
		c.token = cfg.TokenSource
	default:
		fixed := cfg.Token
		c.token = func() string { return fixed }
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	c.Auth = &AuthService{client: c}
	c.Tokens = &TokensService{client: c}
	c.Counters = &CountersService{client: c}
	c.Admin = &AdminService{client: c}
	c.Patients = &PatientsService{client: c}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if method == http.MethodGet && c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
	}
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage prefers the body's "message", then "error", then the raw
// body text.
func errorMessage(status int, body []byte) string {
	var fields struct {
		Message any `json:"message"`
		Error   any `json:"error"`
	}
	if json.Unmarshal(body, &fields) == nil {
		for _, v := range []any{fields.Message, fields.Error} {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(status)
}
