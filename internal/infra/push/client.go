package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"plughub/internal/domain"
	"plughub/internal/infra"
)

const (
	DefaultReconnectDelay = 2 * time.Second
	readLimit             = 1 << 20
)

var ErrNotConnected = errors.New("push channel not connected")

// Client holds the push channel to the backend. Inbound frames are delivered
// on the channel given to Run; Send writes outbound frames on the same
// connection.
type Client struct {
	url            string
	token          string
	httpClient     *http.Client
	retry          infra.RetryConfig
	reconnectDelay time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(rawURL, token string, logger *slog.Logger) *Client {
	return &Client{
		url:            wsURL(rawURL),
		token:          token,
		httpClient:     &http.Client{},
		retry:          infra.DefaultRetryConfig(),
		reconnectDelay: DefaultReconnectDelay,
		logger:         logger,
	}
}

// SetReconnectDelay changes the pause between a dropped connection and the
// next dial.
func (c *Client) SetReconnectDelay(d time.Duration) {
	if d > 0 {
		c.reconnectDelay = d
	}
}

// Run dials and reads frames into out until ctx is done, reconnecting after
// a dropped connection. out is never closed by Run.
func (c *Client) Run(ctx context.Context, out chan<- domain.Envelope) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("push dial failed", "url", c.url, "error", err)
		} else {
			c.logger.Info("push channel connected", "url", c.url)
			err = c.readLoop(ctx, conn, out)
			c.detach(conn)
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "shutting down")
				return ctx.Err()
			}
			conn.CloseNow()
			c.logger.Warn("push channel dropped", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := make(http.Header)
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	var conn *websocket.Conn
	err := infra.WithRetry(ctx, c.retry, func() error {
		var resp *http.Response
		var err error
		conn, resp, err = websocket.Dial(ctx, c.url, &websocket.DialOptions{
			HTTPClient: c.httpClient,
			HTTPHeader: header,
		})
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return infra.Permanent(fmt.Errorf("dial websocket: %w", &infra.StatusError{Code: resp.StatusCode}))
			}
			return fmt.Errorf("dial websocket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- domain.Envelope) error {
	for {
		var env domain.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		if env.Type == "" {
			c.logger.Debug("dropping untyped push frame")
			continue
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// Send writes env on the current connection. It fails with ErrNotConnected
// between connections; callers keep their pending state and may retry.
func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return fmt.Errorf("sending %s: %w", env.Type, err)
	}
	return nil
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func wsURL(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + u[len("https://"):]
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + u[len("http://"):]
	}
	return u
}
