package pushover

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"plughub/internal/infra"
)

const DefaultURL = "https://api.pushover.net/1/messages.json"

// Client delivers command and commissioning failures as Pushover messages.
// An unconfigured client is a no-op.
type Client struct {
	token      string
	userKey    string
	title      string
	endpoint   string
	httpClient *http.Client
	retry      infra.RetryConfig
}

func NewClient(token, userKey string) *Client {
	return &Client{
		token:      token,
		userKey:    userKey,
		title:      "PlugHub",
		endpoint:   DefaultURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      infra.DefaultRetryConfig(),
	}
}

// WithEndpoint points the client at another messages endpoint.
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

func (c *Client) WithTitle(title string) *Client {
	c.title = title
	return c
}

func (c *Client) Enabled() bool {
	return c.token != "" && c.userKey != ""
}

func (c *Client) Notify(ctx context.Context, message string) error {
	if !c.Enabled() {
		return nil
	}

	data := url.Values{}
	data.Set("token", c.token)
	data.Set("user", c.userKey)
	data.Set("message", message)
	data.Set("title", c.title)
	body := data.Encode()

	return infra.WithRetry(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(body))
		if err != nil {
			return infra.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending notification: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &infra.StatusError{Code: resp.StatusCode, Body: reason(raw)}
		if infra.IsRetryableHTTPStatus(resp.StatusCode) {
			return fmt.Errorf("pushover error: %w", statusErr)
		}
		return infra.Permanent(fmt.Errorf("pushover error: %w", statusErr))
	})
}

// reason pulls the errors list out of a Pushover error reply.
func reason(raw []byte) string {
	var reply struct {
		Errors []string `json:"errors"`
	}
	if json.Unmarshal(raw, &reply) == nil && len(reply.Errors) > 0 {
		return strings.Join(reply.Errors, "; ")
	}
	return strings.TrimSpace(string(raw))
}
