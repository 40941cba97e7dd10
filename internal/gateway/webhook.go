// Package gateway implements transport.Sender against a configured reply
// webhook: the actual WhatsApp Business API integration lives outside this
// module, and the operator points ReplyWebhookURL at whatever bridge
// translates this payload into a real WhatsApp send.
package gateway

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

	"github.com/example/providerline/internal/transport"
	"github.com/example/providerline/pkg/logging"
)

const defaultUserAgent = "providerline-matchmaker/0.1"

// Config controls how the webhook client behaves.
type Config struct {
	ReplyWebhookURL string
	AuthToken       string
	Timeout         time.Duration
	MaxRetries      int
	Backoff         time.Duration
	HTTPClient      *http.Client
	Logger          *logging.Logger
	UserAgent       string
}

// WebhookSender delivers outbound messages by POSTing them as JSON to a
// configured reply webhook. It implements transport.Sender.
type WebhookSender struct {
	url        string
	authToken  string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
	userAgent  string
}

var _ transport.Sender = (*WebhookSender)(nil)

// New creates a configured WebhookSender with sane defaults.
func New(cfg Config) (*WebhookSender, error) {
	if strings.TrimSpace(cfg.ReplyWebhookURL) == "" {
		return nil, errors.New("gateway: reply webhook URL is required")
	}
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
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &WebhookSender{
		url:        cfg.ReplyWebhookURL,
		authToken:  cfg.AuthToken,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

type replyPayload struct {
	ToPhone      string      `json:"to_phone"`
	Response     string      `json:"response"`
	UI           *transport.UI `json:"ui,omitempty"`
	MediaURL     string      `json:"media_url,omitempty"`
	MediaType    string      `json:"media_type,omitempty"`
	MediaCaption string      `json:"media_caption,omitempty"`
}

// SendReply POSTs msg to the configured reply webhook, retrying transient
// failures with exponential backoff.
func (s *WebhookSender) SendReply(ctx context.Context, toPhone string, msg transport.Outbound) error {
	body, err := json.Marshal(replyPayload{
		ToPhone:      toPhone,
		Response:     msg.Response,
		UI:           msg.UI,
		MediaURL:     msg.MediaURL,
		MediaType:    msg.MediaType,
		MediaCaption: msg.MediaCaption,
	})
	if err != nil {
		return fmt.Errorf("gateway: marshal reply: %w", err)
	}
	return s.invoke(ctx, body)
}

func (s *WebhookSender) invoke(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("gateway: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", s.userAgent)
		if s.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.authToken)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == s.maxRetries {
				return fmt.Errorf("gateway: http error: %w", err)
			}
			lastErr = err
			s.logRetry(attempt, 0, err)
			if sleepErr := s.sleep(ctx, attempt); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("gateway: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		apiErr := fmt.Errorf("gateway: webhook status %d: %s", resp.StatusCode, string(data))
		if attempt < s.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			s.logRetry(attempt, resp.StatusCode, apiErr)
			if sleepErr := s.sleep(ctx, attempt); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		return apiErr
	}
	if lastErr != nil {
		return lastErr
	}
	return errors.New("gateway: request failed without response")
}

func (s *WebhookSender) sleep(ctx context.Context, attempt int) error {
	delay := s.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *WebhookSender) logRetry(attempt int, status int, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Warn("gateway: retrying reply delivery",
		"attempt", attempt+1,
		"status", status,
		"error", err.Error(),
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
