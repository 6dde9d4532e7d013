package whatsapp

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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/dispatch-engine/internal/config"
	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/metrics"
)

// Sender is what the bulk worker and job handlers need from a transport.
type Sender interface {
	Send(ctx context.Context, msg Message) (*SendResult, error)
}

type Message struct {
	To       string
	Body     string
	MediaURL string
	Metadata map[string]string
}

type SendResult struct {
	Success           bool
	ProviderStatus    int
	ProviderMessageID string
	Error             string
}

// APIError is a non-2xx answer from the Cloud API. Non-retryable answers
// unwrap to ErrPermanent.
type APIError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Retryable {
		return nil
	}
	return appErrors.ErrPermanent
}

type Client struct {
	baseURL       string
	phoneNumberID string
	token         string
	maxRetries    int
	backoff       time.Duration
	httpClient    *http.Client
}

func NewClient(cfg config.WhatsApp, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.AccessToken,
		maxRetries:    maxRetries,
		backoff:       500 * time.Millisecond,
		httpClient:    httpClient,
	}
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type imageBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type sendRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             *textBody  `json:"text,omitempty"`
	Image            *imageBody `json:"image,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func buildRequest(msg Message) sendRequest {
	req := sendRequest{MessagingProduct: "whatsapp", To: msg.To}
	if msg.MediaURL != "" {
		req.Type = "image"
		req.Image = &imageBody{Link: msg.MediaURL, Caption: msg.Body}
	} else {
		req.Type = "text"
		req.Text = &textBody{Body: msg.Body}
	}
	return req
}

// Send posts one message, retrying network errors, 429 and 5xx with a
// linear backoff of attempt*500ms.
func (c *Client) Send(ctx context.Context, msg Message) (*SendResult, error) {
	if c.phoneNumberID == "" || c.token == "" || c.baseURL == "" {
		return &SendResult{Error: "whatsapp api not configured"},
			appErrors.Permanent(errors.New("whatsapp api not configured"))
	}

	body, err := json.Marshal(buildRequest(msg))
	if err != nil {
		return nil, fmt.Errorf("marshal whatsapp request: %w", err)
	}
	endpoint := c.baseURL + "/" + url.PathEscape(c.phoneNumberID) + "/messages"

	var lastErr error
	var lastResult *SendResult
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		result, err := c.post(ctx, endpoint, body)
		if err == nil {
			return result, nil
		}
		lastErr, lastResult = err, result

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable {
			break
		}
		if attempt == c.maxRetries {
			break
		}

		logrus.WithFields(logrus.Fields{
			"to":      msg.To,
			"attempt": attempt,
		}).WithError(err).Warn("[WHATSAPP] send failed, retrying")

		select {
		case <-ctx.Done():
			return lastResult, ctx.Err()
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
	return lastResult, lastErr
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*SendResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.TransportRequests.WithLabelValues(metrics.StatusClass(0)).Inc()
		return &SendResult{Error: err.Error()}, fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()
	metrics.TransportRequests.WithLabelValues(metrics.StatusClass(resp.StatusCode)).Inc()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var decoded sendResponse
	jsonErr := json.Unmarshal(raw, &decoded)

	result := &SendResult{ProviderStatus: resp.StatusCode}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
		if jsonErr == nil && len(decoded.Messages) > 0 {
			result.ProviderMessageID = decoded.Messages[0].ID
		}
		return result, nil
	}

	message := "unknown whatsapp api error"
	if jsonErr != nil {
		message = "non-JSON response from whatsapp api"
	} else if decoded.Error != nil && decoded.Error.Message != "" {
		message = decoded.Error.Message
	}
	result.Error = message
	return result, &APIError{
		Status:    resp.StatusCode,
		Message:   message,
		Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}
