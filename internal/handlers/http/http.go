// Package http delivers SMS notifications through a JSON webhook exposed by
// an SMS gateway.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"remindflow/internal/domain"
	"remindflow/internal/ports"
)

// MetaPhone overrides the recipient; without it the gateway resolves the
// account id.
const MetaPhone = "phone"

var _ ports.ChannelSender = (*SMS)(nil)

type SMS struct {
	URL    string
	Token  string
	Client *http.Client
}

type Request struct {
	NotificationID string `json:"notification_id"`
	AccountID      string `json:"account_id"`
	To             string `json:"to,omitempty"`
	Message        string `json:"message"`
}

func NewSMS(url, token string, timeout time.Duration) *SMS {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMS{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}
}

func (h *SMS) Channel() domain.Channel { return domain.ChannelSMS }

func (h *SMS) Send(ctx context.Context, n *domain.Notification) error {
	if h.URL == "" {
		return domain.Permanent(domain.ChannelSMS, "webhook URL is required", nil)
	}
	msg := n.Title
	if n.Content != "" {
		msg = n.Title + ": " + n.Content
	}
	body, err := json.Marshal(Request{
		NotificationID: n.ID,
		AccountID:      n.AccountID,
		To:             n.Metadata[MetaPhone],
		Message:        msg,
	})
	if err != nil {
		return domain.Permanent(domain.ChannelSMS, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return domain.Permanent(domain.ChannelSMS, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Transient(domain.ChannelSMS, "request failed", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return domain.Transient(domain.ChannelSMS, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, respBody), nil)
	default:
		return domain.Permanent(domain.ChannelSMS, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, respBody), nil)
	}
}
