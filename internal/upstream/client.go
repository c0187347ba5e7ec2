// Package upstream talks to the external services the relay depends on:
// device credential verification, operator assignment lookup and the
// periodic condition check.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrUnavailable is returned when a service cannot be reached or answers
	// with a non-success status.
	ErrUnavailable = errors.New("upstream: service unavailable")

	// ErrMalformedResponse is returned when a response body is not the
	// expected JSON document.
	ErrMalformedResponse = errors.New("upstream: malformed response")

	// ErrRejected is returned when a service answers with an explicit
	// negative result.
	ErrRejected = errors.New("upstream: rejected")
)

// StatusError carries the HTTP status of a non-success response. It wraps
// ErrUnavailable.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return ErrUnavailable }

// maxBodySize caps how much of a response body is read.
const maxBodySize = 64 << 10

// Verification is the outcome of a successful device credential check.
type Verification struct {
	DeviceName string
	Preset     bool
}

// Condition is the outcome of a condition poll.
type Condition struct {
	Matched bool
	Message string
	ID      string
}

// Client calls the external services over HTTP.
type Client struct {
	http          *http.Client
	verifyURL     string
	assignmentURL string
	conditionURL  string
}

// Options configures a Client.
type Options struct {
	VerifyURL     string
	AssignmentURL string
	ConditionURL  string
	Timeout       time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// NewClient creates a Client for the given endpoints.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		http:          hc,
		verifyURL:     opts.VerifyURL,
		assignmentURL: opts.AssignmentURL,
		conditionURL:  opts.ConditionURL,
	}
}

type verifyRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyResponse struct {
	Success    bool   `json:"success"`
	DeviceName string `json:"device_name"`
	Preset     bool   `json:"preset"`
	Message    string `json:"message"`
}

// VerifyDevice checks a device's claimed identity and secret. The canonical
// device name falls back to username when the service does not assign one.
func (c *Client) VerifyDevice(ctx context.Context, username, password string) (Verification, error) {
	body, err := json.Marshal(verifyRequest{Username: username, Password: password})
	if err != nil {
		return Verification{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, bytes.NewReader(body))
	if err != nil {
		return Verification{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp verifyResponse
	if err := c.do(req, &resp); err != nil {
		return Verification{}, err
	}
	if !resp.Success {
		if resp.Message != "" {
			return Verification{}, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
		}
		return Verification{}, ErrRejected
	}

	name := resp.DeviceName
	if name == "" {
		name = username
	}
	return Verification{DeviceName: name, Preset: resp.Preset}, nil
}

type assignmentResponse struct {
	Success    bool   `json:"success"`
	DeviceName string `json:"device_name"`
}

// LookupDevice resolves an operator identity to the device it controls.
func (c *Client) LookupDevice(ctx context.Context, identity string) (string, error) {
	u, err := url.Parse(c.assignmentURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	q := u.Query()
	q.Set("email", identity)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var resp assignmentResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.DeviceName == "" {
		return "", ErrRejected
	}
	return resp.DeviceName, nil
}

type conditionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      rawID  `json:"id"`
}

// rawID keeps a JSON number or string id verbatim.
type rawID string

func (r *rawID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = rawID(s)
		return nil
	}
	if string(b) == "null" {
		*r = ""
		return nil
	}
	*r = rawID(b)
	return nil
}

// CheckCondition polls the condition service. A negative answer is not an
// error; it yields a Condition with Matched false.
func (c *Client) CheckCondition(ctx context.Context) (Condition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conditionURL, nil)
	if err != nil {
		return Condition{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var resp conditionResponse
	if err := c.do(req, &resp); err != nil {
		return Condition{}, err
	}
	return Condition{
		Matched: resp.Success,
		Message: resp.Message,
		ID:      string(resp.ID),
	}, nil
}

// do executes req and decodes a JSON body into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}
