// Package evolution talks to the Evolution API WhatsApp gateway.
package evolution

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/zapdesk/internal/content"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

const defaultUserAgent = "zapdesk-gateway/0.1"

// Config controls how the gateway client behaves.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	HTTPClient    *http.Client
	Logger        *logging.Logger
	UserAgent     string
}

// Client wraps the Evolution endpoints the pipeline needs.
type Client struct {
	apiKey        string
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	maxRetries    int
	backoff       time.Duration
	logger        *logging.Logger
	userAgent     string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("evolution: base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("evolution: API key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
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
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
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
		logger:        logger,
		userAgent:     userAgent,
	}, nil
}

type messageKey struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid,omitempty"`
	FromMe    bool   `json:"fromMe,omitempty"`
}

// SendText delivers a text message through the channel instance and returns
// the gateway message id. token is the channel's own key; the global key is
// used when it is empty.
func (c *Client) SendText(ctx context.Context, instance, token, number, text string) (string, error) {
	if strings.TrimSpace(instance) == "" {
		return "", errors.New("evolution: instance required")
	}
	if strings.TrimSpace(number) == "" || strings.TrimSpace(text) == "" {
		return "", errors.New("evolution: number and text required")
	}
	body, err := json.Marshal(struct {
		Number string `json:"number"`
		Text   string `json:"text"`
	}{Number: number, Text: text})
	if err != nil {
		return "", fmt.Errorf("evolution: marshal send body: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		token = c.apiKey
	}
	data, err := c.invoke(ctx, http.MethodPost, "/message/sendText/"+url.PathEscape(instance), token, body)
	if err != nil {
		return "", err
	}
	var resp struct {
		Key messageKey `json:"key"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("evolution: decode send response: %w", err)
	}
	return resp.Key.ID, nil
}

// FetchMedia downloads the attachment of an inbound message.
func (c *Client) FetchMedia(ctx context.Context, instance, messageID string) (content.Media, error) {
	if strings.TrimSpace(instance) == "" || strings.TrimSpace(messageID) == "" {
		return content.Media{}, errors.New("evolution: instance and message id required")
	}
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{"key": messageKey{ID: messageID}},
	})
	if err != nil {
		return content.Media{}, fmt.Errorf("evolution: marshal media body: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/chat/getBase64FromMediaMessage/"+url.PathEscape(instance), c.apiKey, body)
	if err != nil {
		return content.Media{}, err
	}
	var resp struct {
		Base64   string `json:"base64"`
		Mimetype string `json:"mimetype"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return content.Media{}, fmt.Errorf("evolution: decode media response: %w", err)
	}
	if resp.Base64 == "" {
		return content.Media{}, errors.New("evolution: media response without payload")
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Base64)
	if err != nil {
		return content.Media{}, fmt.Errorf("evolution: decode media payload: %w", err)
	}
	return content.Media{Data: raw, MimeType: baseMime(resp.Mimetype)}, nil
}

// VerifyWebhookToken checks the shared secret sent with each webhook. With no
// secret configured every request passes.
func (c *Client) VerifyWebhookToken(token string) error {
	if c.webhookSecret == "" {
		return nil
	}
	if strings.TrimSpace(token) == "" {
		return errors.New("evolution: missing webhook token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(c.webhookSecret)) != 1 {
		return errors.New("evolution: webhook token mismatch")
	}
	return nil
}

func baseMime(v string) string {
	if i := strings.Index(v, ";"); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func (c *Client) invoke(ctx context.Context, method, path, apiKey string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("evolution: build request: %w", err)
		}
		req.Header.Set("apikey", apiKey)
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
				return nil, fmt.Errorf("evolution: http error: %w", err)
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
			return nil, fmt.Errorf("evolution: read response: %w", readErr)
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
	return nil, errors.New("evolution: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("evolution retry",
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
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int    `json:"-"`
	Status     any    `json:"status,omitempty"`
	Message    any    `json:"message,omitempty"`
	Raw        string `json:"-"`
}

func (e *APIError) Error() string {
	switch msg := e.Message.(type) {
	case string:
		if msg != "" {
			return fmt.Sprintf("evolution: %s (status=%d)", msg, e.StatusCode)
		}
	case []any:
		if len(msg) > 0 {
			return fmt.Sprintf("evolution: %v (status=%d)", msg[0], e.StatusCode)
		}
	}
	return fmt.Sprintf("evolution: http status %d", e.StatusCode)
}

func decodeAPIError(status int, body []byte) error {
	parsed := APIError{StatusCode: status, Raw: string(body)}
	var envelope struct {
		Status   any `json:"status"`
		Response struct {
			Message any `json:"message"`
		} `json:"response"`
		Message any `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		parsed.Status = envelope.Status
		parsed.Message = envelope.Response.Message
		if parsed.Message == nil {
			parsed.Message = envelope.Message
		}
	}
	return &parsed
}
