package evoclient

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
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"log/slog"
)

const (
	defaultUserAgent = "zapdesk-messaging-core/0.1"
)

// Config controls how the gateway client behaves.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	MaxSkew       time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
	UserAgent     string
}

// Client wraps the WhatsApp gateway REST endpoints the pipeline depends on.
type Client struct {
	apiKey        string
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	maxRetries    int
	backoff       time.Duration
	maxSkew       time.Duration
	logger        *slog.Logger
	userAgent     string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("evoclient: API key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("evoclient: base URL is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		backoff:       backoff,
		maxSkew:       maxSkew,
		logger:        logger,
		userAgent:     userAgent,
	}, nil
}

// SendText delivers a text message over the request/response API.
func (c *Client) SendText(ctx context.Context, req SendTextRequest) (*SendTextResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("evoclient: marshal send body: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/message/sendText/"+url.PathEscape(req.InstanceID), nil, body)
	if err != nil {
		return nil, err
	}
	return decodeDataWrapper[SendTextResponse](data)
}

// SetSocketSubscription registers the event classes the real-time channel
// should deliver for an instance. The gateway may reject a duplicate
// registration; that surfaces as ErrAlreadyRegistered.
func (c *Client) SetSocketSubscription(ctx context.Context, instanceID string, req SubscriptionRequest) error {
	if strings.TrimSpace(instanceID) == "" {
		return errors.New("evoclient: instance id required")
	}
	if err := req.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("evoclient: marshal subscription body: %w", err)
	}
	_, err = c.invoke(ctx, http.MethodPost, "/websocket/set/"+url.PathEscape(instanceID), nil, body)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.isDuplicateRegistration() {
			return ErrAlreadyRegistered
		}
		return err
	}
	return nil
}

// ConnectInstance asks the gateway for a fresh bearer credential for the
// instance's real-time channel.
func (c *Client) ConnectInstance(ctx context.Context, instanceID string) (*InstanceAuth, error) {
	if strings.TrimSpace(instanceID) == "" {
		return nil, errors.New("evoclient: instance id required")
	}
	data, err := c.invoke(ctx, http.MethodGet, "/instance/connect/"+url.PathEscape(instanceID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeDataWrapper[InstanceAuth](data)
}

// ConnectionState fetches the gateway-side state of an instance.
func (c *Client) ConnectionState(ctx context.Context, instanceID string) (*InstanceState, error) {
	if strings.TrimSpace(instanceID) == "" {
		return nil, errors.New("evoclient: instance id required")
	}
	data, err := c.invoke(ctx, http.MethodGet, "/instance/connectionState/"+url.PathEscape(instanceID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeDataWrapper[InstanceState](data)
}

// VerifyWebhookSignature validates gateway webhook signatures.
func (c *Client) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	if c.webhookSecret == "" {
		return errors.New("evoclient: webhook secret not configured")
	}
	ts := strings.TrimSpace(timestamp)
	if ts == "" {
		return errors.New("evoclient: missing signature timestamp")
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("evoclient: invalid signature timestamp: %w", err)
	}
	sentAt := time.Unix(sec, 0)
	if diff := time.Since(sentAt); diff > c.maxSkew || diff < -c.maxSkew {
		return fmt.Errorf("evoclient: signature timestamp skew %s exceeds limit", diff)
	}
	unsigned := ts + "." + string(payload)
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(unsigned))
	expected := hex.EncodeToString(mac.Sum(nil))
	actual := strings.ToLower(strings.TrimSpace(signature))
	if actual == "" {
		return errors.New("evoclient: missing signature header")
	}
	if !hmac.Equal([]byte(expected), []byte(actual)) {
		return errors.New("evoclient: signature mismatch")
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	fullURL := c.buildURL(path, query)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("evoclient: build request: %w", err)
		}
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("evoclient: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("evoclient: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("evoclient: request failed without response")
}

func (c *Client) buildURL(path string, query url.Values) string {
	trimmedPath := "/" + strings.TrimLeft(path, "/")
	full := c.baseURL + trimmedPath
	if len(query) > 0 {
		full = full + "?" + query.Encode()
	}
	return full
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn("gateway retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= 500 && status <= 599 {
		return true
	}
	return false
}

type apiError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("evoclient: %s (status=%d)", e.Message, e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("evoclient: %s (status=%d)", e.Detail, e.StatusCode)
	}
	return fmt.Sprintf("evoclient: http status %d", e.StatusCode)
}

func (e *apiError) isDuplicateRegistration() bool {
	if e.StatusCode == http.StatusConflict {
		return true
	}
	msg := strings.ToLower(e.Message + " " + e.Detail)
	return strings.Contains(msg, "already registered") || strings.Contains(msg, "already subscribed")
}

func decodeAPIError(status int, body []byte) error {
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &apiError{StatusCode: status, Detail: string(body)}
	}
	parsed.StatusCode = status
	return &parsed
}

func decodeDataWrapper[T any](body []byte) (*T, error) {
	var wrapper struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("evoclient: decode response: %w", err)
	}
	return &wrapper.Data, nil
}
