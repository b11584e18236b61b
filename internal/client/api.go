// Package client talks to a hostdeck server: the HTTP API, the session
// channel that answers credential prompts, and attached activity streams.
package client

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
	"sync"
	"time"

	"github.com/hostdeck/hostdeck/internal/activity"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "hostdeck-client"
)

// ResponseError is a non-success API response.
type ResponseError struct {
	StatusCode int
	Code       string
	Message    string
	err        error
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded %d", e.StatusCode)
	}
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
}

func (e *ResponseError) Unwrap() error {
	return e.err
}

// API is an HTTP client for the console API. It keeps the bearer token and
// adopts refreshed tokens returned by the server.
type API struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Option configures an API.
type Option func(*API)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *API) {
		a.httpClient = c
	}
}

// WithToken sets an existing bearer token.
func WithToken(token string) Option {
	return func(a *API) {
		a.token = token
	}
}

// NewAPI creates a client for the server at baseURL.
func NewAPI(baseURL string, opts ...Option) (*API, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https: %w", internalerrors.ErrInvalidInput)
	}
	a := &API{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Token returns the current bearer token.
func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

func (a *API) setToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// Login exchanges credentials for a token and keeps it.
func (a *API) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := a.do(ctx, http.MethodPost, "/api/login", body, &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		return errors.New("login response carried no token")
	}
	a.setToken(resp.Token)
	return nil
}

// Refresh asks for a fresher token. It reports whether the token changed.
func (a *API) Refresh(ctx context.Context) (bool, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/auth/refresh", nil, &resp); err != nil {
		return false, err
	}
	if resp.Token == "" {
		return false, nil
	}
	a.setToken(resp.Token)
	return true, nil
}

// StartRequest describes an activity to start.
type StartRequest struct {
	Type      activity.Type   `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Username  string          `json:"username,omitempty"`
}

// StartActivity starts an activity. A busy console yields an
// *activity.ConflictError naming the running activity.
func (a *API) StartActivity(ctx context.Context, req StartRequest) (activity.Activity, error) {
	var resp struct {
		Activity activity.Activity `json:"activity"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/activity", req, &resp); err != nil {
		return activity.Activity{}, err
	}
	return resp.Activity, nil
}

// CurrentActivity returns the running activity, if any.
func (a *API) CurrentActivity(ctx context.Context) (activity.Activity, bool, error) {
	var act activity.Activity
	err := a.do(ctx, http.MethodGet, "/api/activity", nil, &act)
	if errors.Is(err, internalerrors.ErrNotFound) {
		return activity.Activity{}, false, nil
	}
	if err != nil {
		return activity.Activity{}, false, err
	}
	return act, true, nil
}

// AbortActivity requests an abort of the running activity.
func (a *API) AbortActivity(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPost, "/api/activity/"+url.PathEscape(id)+"/abort", nil, nil)
}

// History returns recently finished activities, newest first.
func (a *API) History(ctx context.Context) ([]activity.Summary, error) {
	var out []activity.Summary
	if err := a.do(ctx, http.MethodGet, "/api/activity/history", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	if token := a.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if fresh := resp.Header.Get("X-Auth-Token"); fresh != "" {
		a.setToken(fresh)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// decodeError maps an error response onto the error taxonomy.
func decodeError(status int, data []byte) error {
	var body struct {
		Error    string             `json:"error"`
		Code     string             `json:"code"`
		Activity *activity.Activity `json:"activity"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		body.Error = strings.TrimSpace(string(data))
	}

	respErr := &ResponseError{StatusCode: status, Code: body.Code, Message: body.Error}
	switch status {
	case http.StatusUnauthorized:
		respErr.err = internalerrors.ErrUnauthorized
	case http.StatusNotFound:
		respErr.err = internalerrors.ErrNotFound
	case http.StatusBadRequest:
		respErr.err = internalerrors.ErrInvalidInput
	case http.StatusGone:
		respErr.err = internalerrors.ErrSessionGone
	case http.StatusConflict:
		if body.Code == string(internalerrors.ErrorTypeConflict) && body.Activity != nil {
			return &activity.ConflictError{Running: *body.Activity}
		}
		if body.Code == string(internalerrors.ErrorTypeConflict) {
			respErr.err = internalerrors.ErrConflict
		} else {
			respErr.err = internalerrors.ErrNotRunning
		}
	}
	return respErr
}
