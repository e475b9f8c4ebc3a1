// Package appclient talks to a running labelfsm daemon over its unix socket.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/g960059/labelfsm/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.call(ctx, http.MethodGet, "/v1/health", nil, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var resp api.StatusResponse
	err := c.call(ctx, http.MethodGet, "/v1/status", nil, &resp)
	return resp, err
}

// PushLabels sends labels in order and returns the step snapshots the daemon
// produced for them.
func (c *Client) PushLabels(ctx context.Context, labels []int) (api.StepsEnvelope, error) {
	var resp api.StepsEnvelope
	if len(labels) == 0 {
		return resp, errors.New("no labels to push")
	}
	err := c.call(ctx, http.MethodPost, "/v1/labels", api.LabelsRequest{Labels: labels}, &resp)
	return resp, err
}

func (c *Client) SwitchByName(ctx context.Context, name string) (api.StatusResponse, error) {
	var resp api.StatusResponse
	if strings.TrimSpace(name) == "" {
		return resp, errors.New("profile name is required")
	}
	err := c.call(ctx, http.MethodPost, "/v1/profile", api.SwitchRequest{Name: name}, &resp)
	return resp, err
}

func (c *Client) SwitchByMappedID(ctx context.Context, id int) (api.StatusResponse, error) {
	var resp api.StatusResponse
	err := c.call(ctx, http.MethodPost, "/v1/profile", api.SwitchRequest{MappedID: &id}, &resp)
	return resp, err
}

// Reset reinitializes one profile, or every profile when name is empty.
func (c *Client) Reset(ctx context.Context, name string) (api.StatusResponse, error) {
	var resp api.StatusResponse
	err := c.call(ctx, http.MethodPost, "/v1/reset", api.ResetRequest{Profile: name}, &resp)
	return resp, err
}

// WaitReady polls /v1/health until it answers or ctx is done. Connection
// errors and retryable statuses are retried with a doubling backoff.
func (c *Client) WaitReady(ctx context.Context, minBackoff, maxBackoff time.Duration) error {
	if minBackoff <= 0 {
		minBackoff = 50 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff
	for {
		_, err := c.Health(ctx)
		if err == nil {
			return nil
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("daemon not ready: %w", errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	payload, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
