package newsletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Message is one rendered email handed to the outbound transport.
type Message struct {
	To           string
	ToName       string
	FromName     string
	FromEmail    string
	Subject      string
	HTML         string
	Text         string
	CampaignID   string
	SubscriberID string
}

// SendResult is the transport's acceptance receipt.
type SendResult struct {
	MessageID  string
	StatusCode int
}

// Transport delivers a rendered message to one recipient.
type Transport interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}

// SendError is a delivery failure with a retry classification. Permanent
// failures (hard bounce, malformed address) are never retried; everything
// else, including plain network errors, counts as transient.
type SendError struct {
	StatusCode int
	Permanent  bool
	Message    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (status %d): %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether err is a non-retryable delivery failure.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// HTTPTransport sends through a SparkPost-style transmissions API.
type HTTPTransport struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
}

// NewHTTPTransport creates an HTTP transport for the given transmissions
// endpoint.
func NewHTTPTransport(apiURL, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		apiKey:     apiKey,
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send submits one transmission. 4xx responses other than 429 are treated
// as permanent rejections; 429 and 5xx are transient.
func (t *HTTPTransport) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	payload := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.To, "name": msg.ToName}},
		},
		"content": map[string]interface{}{
			"from":    map[string]string{"email": msg.FromEmail, "name": msg.FromName},
			"subject": msg.Subject,
			"html":    msg.HTML,
			"text":    msg.Text,
		},
		"metadata": map[string]string{
			"campaign_id":   msg.CampaignID,
			"subscriber_id": msg.SubscriberID,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		permanent := resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests
		return nil, &SendError{
			StatusCode: resp.StatusCode,
			Permanent:  permanent,
			Message:    fmt.Sprintf("transport rejected message for %s", msg.To),
		}
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	json.NewDecoder(resp.Body).Decode(&result)

	return &SendResult{MessageID: result.Results.ID, StatusCode: resp.StatusCode}, nil
}
