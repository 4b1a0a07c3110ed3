package tuya

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"plughub/internal/domain"
	"plughub/internal/infra"
)

var ErrNotConfigured = errors.New("tuya credentials not configured")

// tokenSlack refreshes the access token this long before Tuya expires it.
const tokenSlack = 5 * time.Minute

// switchCodes are the data point codes that carry a plug's relay, in order
// of preference.
var switchCodes = []string{"switch_1", "switch", "switch_led"}

type Status struct {
	Code  string `json:"code"`
	Value any    `json:"value"`
}

// reply is the envelope every Tuya OpenAPI response shares.
type reply[T any] struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Result  T      `json:"result"`
}

// APIError is a Tuya reply with success=false.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tuya error %d: %s", e.Code, e.Msg)
	}
	return "tuya error: " + e.Msg
}

// account is the credential set plus the token minted for it.
type account struct {
	clientID string
	secret   string
	baseURL  string
	token    string
	expireAt time.Time
}

func (a account) configured() bool { return a.clientID != "" && a.secret != "" }

func (a account) fresh(now time.Time) bool {
	return a.token != "" && now.Add(tokenSlack).Before(a.expireAt)
}

// Client is a signed Tuya OpenAPI client with a cached access token.
type Client struct {
	httpClient *http.Client
	retry      infra.RetryConfig
	fixedURL   bool
	now        func() time.Time

	mu   sync.RWMutex
	acct account
}

// NewClient targets the region's public endpoint. Configure may later switch
// region along with credentials.
func NewClient(clientID, secret, region string) *Client {
	c := NewClientWithURL(clientID, secret, regionURL(region))
	c.fixedURL = false
	return c
}

// NewClientWithURL pins the endpoint, e.g. to a test server.
func NewClientWithURL(clientID, secret, baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retry:      infra.DefaultRetryConfig(),
		fixedURL:   true,
		now:        time.Now,
		acct:       account{clientID: clientID, secret: secret, baseURL: baseURL},
	}
}

func regionURL(region string) string {
	switch strings.ToLower(region) {
	case "eu":
		return "https://openapi.tuyaeu.com"
	case "cn":
		return "https://openapi.tuyacn.com"
	case "in":
		return "https://openapi.tuyain.com"
	}
	return "https://openapi.tuyaus.com"
}

// Configure swaps in new credentials and drops the cached token.
func (c *Client) Configure(creds domain.TuyaCredentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	baseURL := c.acct.baseURL
	if !c.fixedURL {
		baseURL = regionURL(creds.Region)
	}
	c.acct = account{clientID: creds.ClientID, secret: creds.Secret, baseURL: baseURL}
}

// Reset forgets credentials and token.
func (c *Client) Reset() {
	c.Configure(domain.TuyaCredentials{})
}

// Authenticate fetches a token now so bad credentials surface on connect.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

func (c *Client) SetSwitch(ctx context.Context, deviceID, code string, on bool) error {
	body, err := json.Marshal(map[string]any{
		"commands": []map[string]any{{"code": code, "value": on}},
	})
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	path := "/v1.0/iot-03/devices/" + deviceID + "/commands"
	if _, err := call[json.RawMessage](ctx, c, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("switching %s: %w", deviceID, err)
	}
	return nil
}

func (c *Client) GetStatus(ctx context.Context, deviceID string) ([]Status, error) {
	status, err := call[[]Status](ctx, c, http.MethodGet, "/v1.0/iot-03/devices/"+deviceID+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching status of %s: %w", deviceID, err)
	}
	return status, nil
}

type cloudDevice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	ProductName string `json:"product_name"`
	Online      bool   `json:"online"`
}

// GetDevices lists the account's switchable devices.
func (c *Client) GetDevices(ctx context.Context) ([]domain.CloudCandidate, error) {
	result, err := call[struct {
		Devices []cloudDevice `json:"devices"`
	}](ctx, c, http.MethodGet, "/v1.0/iot-01/associated-users/devices", nil)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	candidates := make([]domain.CloudCandidate, 0, len(result.Devices))
	for _, d := range result.Devices {
		if !switchable(d.Category) {
			continue
		}
		candidates = append(candidates, domain.CloudCandidate{
			Brand:    domain.BrandTuya,
			DeviceID: d.ID,
			Model:    d.ProductName,
			SKU:      d.Category,
			Name:     d.Name,
			Online:   d.Online,
		})
	}
	return candidates, nil
}

// call performs one authenticated request and unwraps the reply envelope.
func call[T any](ctx context.Context, c *Client, method, path string, body []byte) (T, error) {
	var zero T
	acct, err := c.session(ctx)
	if err != nil {
		return zero, err
	}

	var raw []byte
	err = infra.WithRetry(ctx, c.retry, func() error {
		raw, err = c.send(ctx, acct, method, path, body)
		return err
	})
	if err != nil {
		return zero, err
	}
	return decode[T](raw)
}

func decode[T any](raw []byte) (T, error) {
	var r reply[T]
	if err := json.Unmarshal(raw, &r); err != nil {
		return r.Result, fmt.Errorf("parsing reply: %w", err)
	}
	if !r.Success {
		return r.Result, &APIError{Code: r.Code, Msg: r.Msg}
	}
	return r.Result, nil
}

// send signs and sends a single attempt. Rate limits and server faults come
// back retryable; other HTTP failures are permanent.
func (c *Client) send(ctx context.Context, acct account, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, acct.baseURL+path, reader)
	if err != nil {
		return nil, infra.Permanent(fmt.Errorf("creating request: %w", err))
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("client_id", acct.clientID)
	req.Header.Set("sign", sign(acct, ts, method, path, body))
	req.Header.Set("t", ts)
	req.Header.Set("sign_method", "HMAC-SHA256")
	if acct.token != "" {
		req.Header.Set("access_token", acct.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	switch {
	case infra.IsRetryableHTTPStatus(resp.StatusCode):
		return nil, &infra.StatusError{Code: resp.StatusCode, Body: string(raw)}
	case resp.StatusCode >= 400:
		return nil, infra.Permanent(&infra.StatusError{Code: resp.StatusCode, Body: string(raw)})
	}
	return raw, nil
}

// session returns the account with a valid token, minting one when the
// cached token is missing or about to expire.
func (c *Client) session(ctx context.Context) (account, error) {
	c.mu.RLock()
	acct := c.acct
	c.mu.RUnlock()
	if acct.fresh(c.now()) {
		return acct, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	acct = c.acct
	if acct.fresh(c.now()) {
		return acct, nil
	}
	if !acct.configured() {
		return acct, ErrNotConfigured
	}

	acct.token = ""
	raw, err := c.send(ctx, acct, http.MethodGet, "/v1.0/token?grant_type=1", nil)
	if err != nil {
		return acct, fmt.Errorf("requesting token: %w", err)
	}
	tok, err := decode[struct {
		AccessToken string `json:"access_token"`
		ExpireTime  int64  `json:"expire_time"`
	}](raw)
	if err != nil {
		return acct, fmt.Errorf("requesting token: %w", err)
	}

	acct.token = tok.AccessToken
	acct.expireAt = c.now().Add(time.Duration(tok.ExpireTime) * time.Second)
	c.acct = acct
	return acct, nil
}

// sign computes Tuya's HMAC-SHA256 request signature. The token is empty on
// the token request itself.
func sign(acct account, ts, method, path string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	payload := acct.clientID + acct.token + ts +
		method + "\n" + hex.EncodeToString(bodyHash[:]) + "\n\n" + path

	mac := hmac.New(sha256.New, []byte(acct.secret))
	mac.Write([]byte(payload))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// switchable reports whether a Tuya category is a relay the core can toggle.
func switchable(category string) bool {
	switch category {
	case "cz", "pc", "kg", "tdq", "dj", "dd", "fwd", "xdd", "dc", "tgq":
		return true
	}
	return false
}

// relay picks the relay data point out of a status list.
func relay(status []Status) (code string, on bool, ok bool) {
	for _, want := range switchCodes {
		for _, s := range status {
			if s.Code != want {
				continue
			}
			if v, isBool := s.Value.(bool); isBool {
				return s.Code, v, true
			}
		}
	}
	return "", false, false
}
