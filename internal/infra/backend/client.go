package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"plughub/internal/infra"
)

const defaultTimeout = 15 * time.Second

// APIError is an {error} reply from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status != 0 && e.Status != http.StatusOK {
		return fmt.Sprintf("backend error (%d): %s", e.Status, e.Message)
	}
	return "backend error: " + e.Message
}

// envelope is the part every backend reply may carry.
type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e envelope) failure() string {
	if e.Error != "" {
		return e.Error
	}
	if e.Success != nil && !*e.Success {
		if e.Message != "" {
			return e.Message
		}
		return "request failed"
	}
	return ""
}

// Client speaks to the local backend API that fronts every vendor.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	retry  infra.RetryConfig
}

// do sends req and decodes the reply into out. Any reply carrying an error
// field, or success=false, becomes an *APIError.
func (c *Client) do(ctx context.Context, req request, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	var payload []byte
	if req.body != nil {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var respBody []byte
	var status int
	err := infra.WithRetry(ctx, req.retry, func() error {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.method, target, bodyReader)
		if err != nil {
			return infra.Permanent(fmt.Errorf("creating request: %w", err))
		}
		httpReq.Header.Set("Accept", "application/json")
		if payload != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		status = resp.StatusCode

		if infra.IsRetryableHTTPStatus(resp.StatusCode) {
			return fmt.Errorf("backend %s %s returned %d", req.method, req.path, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		c.logger.Debug("backend request failed", "method", req.method, "path", req.path, "error", err)
		return err
	}

	var env envelope
	if len(bytes.TrimSpace(respBody)) > 0 && json.Unmarshal(respBody, &env) == nil {
		if msg := env.failure(); msg != "" {
			return &APIError{Status: status, Message: msg}
		}
	}
	if status >= 400 {
		return &APIError{Status: status, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// IsAPIError reports whether err came from an {error} reply rather than the
// transport.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func escape(segment string) string {
	return url.PathEscape(segment)
}
