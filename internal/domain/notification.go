package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Metadata keys stamped on notifications produced by a trigger.
const (
	MetaSourceTaskID   = "source_task_id"
	MetaSourceModule   = "source_module"
	MetaSourceEntityID = "source_entity_id"
	MetaRunID          = "run_id"
)

// Notification is one delivery request produced by a trigger. Status is
// derived from the receipts by Rollup and is never set directly.
type Notification struct {
	ID        string             `json:"id"`
	AccountID string             `json:"account_id"`
	Title     string             `json:"title"`
	Content   string             `json:"content"`
	Channels  []Channel          `json:"channels"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	Status    NotificationStatus `json:"status"`
	SentAt    *time.Time         `json:"sent_at,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// DeliveryReceipt records one channel's attempts to deliver a notification.
type DeliveryReceipt struct {
	ID             string        `json:"id"`
	NotificationID string        `json:"notification_id"`
	Channel        Channel       `json:"channel"`
	Status         ReceiptStatus `json:"status"`
	RetryCount     int           `json:"retry_count"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty"`
	NextAttemptAt  *time.Time    `json:"next_attempt_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewNotification builds a pending notification and one pending receipt per
// requested channel.
func NewNotification(accountID string, p Payload, now time.Time) (*Notification, []*DeliveryReceipt, error) {
	if accountID == "" {
		return nil, nil, invalid("account_id", "required")
	}
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	n := &Notification{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Title:     p.Title,
		Content:   p.Content,
		Channels:  slices.Clone(p.Channels),
		Metadata:  maps.Clone(p.Metadata),
		Status:    NotificationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	receipts := make([]*DeliveryReceipt, 0, len(p.Channels))
	for _, ch := range p.Channels {
		receipts = append(receipts, &DeliveryReceipt{
			ID:             uuid.NewString(),
			NotificationID: n.ID,
			Channel:        ch,
			Status:         ReceiptPending,
			UpdatedAt:      now,
		})
	}
	return n, receipts, nil
}

func (r *DeliveryReceipt) Terminal() bool { return r.Status != ReceiptPending }

// MarkSent records a successful delivery. A sent receipt never regresses.
func (r *DeliveryReceipt) MarkSent(now time.Time) {
	if r.Status != ReceiptPending {
		return
	}
	r.Status = ReceiptSent
	r.SentAt = &now
	r.DeliveredAt = &now
	r.NextAttemptAt = nil
	r.FailureReason = ""
	r.UpdatedAt = now
}

// MarkFailed records a failed attempt. A retryable failure with budget left
// bumps RetryCount and returns the retry due time; otherwise the receipt
// becomes failed and retry is false.
func (r *DeliveryReceipt) MarkFailed(reason string, retryable bool, maxRetries int, base time.Duration, multiplier float64, now time.Time) (at time.Time, retry bool) {
	if r.Status != ReceiptPending {
		return time.Time{}, false
	}
	r.FailureReason = reason
	r.UpdatedAt = now
	if retryable && r.RetryCount < maxRetries {
		r.RetryCount++
		at = now.Add(Backoff(base, multiplier, r.RetryCount))
		r.NextAttemptAt = &at
		return at, true
	}
	r.Status = ReceiptFailed
	r.NextAttemptAt = nil
	return time.Time{}, false
}

func (r *DeliveryReceipt) Clone() *DeliveryReceipt {
	c := *r
	c.SentAt = clonePtr(r.SentAt)
	c.DeliveredAt = clonePtr(r.DeliveredAt)
	c.NextAttemptAt = clonePtr(r.NextAttemptAt)
	return &c
}

// Rollup derives a notification status from its receipts. It only counts
// statuses, so the result does not depend on receipt order.
func Rollup(receipts []*DeliveryReceipt) NotificationStatus {
	var sent, failed int
	for _, r := range receipts {
		switch r.Status {
		case ReceiptSent:
			sent++
		case ReceiptFailed:
			failed++
		default:
			return NotificationPending
		}
	}
	switch {
	case len(receipts) == 0:
		return NotificationPending
	case sent == len(receipts):
		return NotificationSent
	case failed == len(receipts):
		return NotificationFailed
	default:
		return NotificationPartiallySent
	}
}

// ApplyRollup recomputes n.Status and reports the previous value and whether
// it changed.
func (n *Notification) ApplyRollup(receipts []*DeliveryReceipt, now time.Time) (NotificationStatus, bool) {
	old := n.Status
	next := Rollup(receipts)
	if next == old {
		return old, false
	}
	n.Status = next
	n.UpdatedAt = now
	if next == NotificationSent {
		n.SentAt = &now
	}
	return old, true
}

func (n *Notification) Terminal() bool { return n.Status != NotificationPending }
