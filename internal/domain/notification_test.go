package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receipts(statuses ...ReceiptStatus) []*DeliveryReceipt {
	out := make([]*DeliveryReceipt, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, &DeliveryReceipt{Status: s})
	}
	return out
}

func TestRollup(t *testing.T) {
	tests := []struct {
		name string
		in   []*DeliveryReceipt
		want NotificationStatus
	}{
		{"empty", nil, NotificationPending},
		{"all pending", receipts(ReceiptPending, ReceiptPending), NotificationPending},
		{"one still pending", receipts(ReceiptSent, ReceiptFailed, ReceiptPending), NotificationPending},
		{"all sent", receipts(ReceiptSent, ReceiptSent), NotificationSent},
		{"all failed", receipts(ReceiptFailed, ReceiptFailed, ReceiptFailed), NotificationFailed},
		{"mixed", receipts(ReceiptSent, ReceiptFailed, ReceiptSent), NotificationPartiallySent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rollup(tt.in))
		})
	}
}

func TestRollupIgnoresOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	all := []ReceiptStatus{ReceiptPending, ReceiptSent, ReceiptFailed}
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(6)
		statuses := make([]ReceiptStatus, n)
		for j := range statuses {
			statuses[j] = all[rng.Intn(len(all))]
		}
		rs := receipts(statuses...)
		want := Rollup(rs)
		rng.Shuffle(len(rs), func(a, b int) { rs[a], rs[b] = rs[b], rs[a] })
		require.Equal(t, want, Rollup(rs), "statuses %v", statuses)
	}
}

func TestNewNotification(t *testing.T) {
	now := utc(2026, time.January, 5, 9, 0)
	p := Payload{Title: "Pay rent", Content: "due today", Channels: []Channel{ChannelDesktop, ChannelEmail, ChannelSMS}}

	n, rs, err := NewNotification("acct-1", p, now)
	require.NoError(t, err)
	assert.Equal(t, NotificationPending, n.Status)
	assert.NotNil(t, n.Metadata)
	require.Len(t, rs, 3)
	for i, r := range rs {
		assert.Equal(t, n.ID, r.NotificationID)
		assert.Equal(t, p.Channels[i], r.Channel)
		assert.Equal(t, ReceiptPending, r.Status)
		assert.Zero(t, r.RetryCount)
	}

	_, _, err = NewNotification("", p, now)
	assert.Error(t, err)
	_, _, err = NewNotification("acct-1", Payload{}, now)
	assert.Error(t, err)
}

func TestReceiptMarkFailed(t *testing.T) {
	now := utc(2026, time.January, 5, 9, 0)

	t.Run("retryable backs off until budget is spent", func(t *testing.T) {
		r := &DeliveryReceipt{Status: ReceiptPending}
		for n := 1; n <= 3; n++ {
			at, retry := r.MarkFailed("timeout", true, 3, time.Second, 2, now)
			require.True(t, retry)
			assert.Equal(t, now.Add(time.Duration(1<<(n-1))*time.Second), at)
			assert.Equal(t, n, r.RetryCount)
			assert.Equal(t, ReceiptPending, r.Status)
		}
		_, retry := r.MarkFailed("timeout", true, 3, time.Second, 2, now)
		assert.False(t, retry)
		assert.Equal(t, ReceiptFailed, r.Status)
		assert.Equal(t, 3, r.RetryCount)
		assert.Nil(t, r.NextAttemptAt)
	})

	t.Run("permanent fails immediately", func(t *testing.T) {
		r := &DeliveryReceipt{Status: ReceiptPending}
		_, retry := r.MarkFailed("invalid address", false, 3, time.Second, 2, now)
		assert.False(t, retry)
		assert.Equal(t, ReceiptFailed, r.Status)
		assert.Zero(t, r.RetryCount)
		assert.Equal(t, "invalid address", r.FailureReason)
	})

	t.Run("sent never regresses", func(t *testing.T) {
		r := &DeliveryReceipt{Status: ReceiptPending}
		r.MarkSent(now)
		_, retry := r.MarkFailed("late", true, 3, time.Second, 2, now)
		assert.False(t, retry)
		assert.Equal(t, ReceiptSent, r.Status)
		assert.Empty(t, r.FailureReason)
		require.NotNil(t, r.SentAt)
	})
}

func TestDeliveryOutcomes(t *testing.T) {
	now := utc(2026, time.January, 5, 9, 0)

	t.Run("every channel sent", func(t *testing.T) {
		n, rs, err := NewNotification("acct-1", Payload{Channels: []Channel{ChannelSSE, ChannelInApp}}, now)
		require.NoError(t, err)
		for _, r := range rs {
			r.MarkSent(now)
		}
		old, changed := n.ApplyRollup(rs, now)
		assert.True(t, changed)
		assert.Equal(t, NotificationPending, old)
		assert.Equal(t, NotificationSent, n.Status)
		require.NotNil(t, n.SentAt)
	})

	t.Run("one permanent failure", func(t *testing.T) {
		n, rs, err := NewNotification("acct-1", Payload{Channels: []Channel{ChannelDesktop, ChannelEmail, ChannelSMS}}, now)
		require.NoError(t, err)
		rs[0].MarkSent(now)
		rs[1].MarkFailed("invalid address", false, 3, time.Second, 2, now)
		rs[2].MarkSent(now)

		n.ApplyRollup(rs, now)
		assert.Equal(t, NotificationPartiallySent, n.Status)
		var failed []*DeliveryReceipt
		for _, r := range rs {
			if r.Status == ReceiptFailed {
				failed = append(failed, r)
			}
		}
		require.Len(t, failed, 1)
		assert.Zero(t, failed[0].RetryCount)
	})

	t.Run("retries exhausted everywhere", func(t *testing.T) {
		n, rs, err := NewNotification("acct-1", Payload{Channels: []Channel{ChannelEmail, ChannelSMS}}, now)
		require.NoError(t, err)
		for _, r := range rs {
			for {
				if _, retry := r.MarkFailed("unreachable", true, 2, time.Second, 2, now); !retry {
					break
				}
			}
		}
		n.ApplyRollup(rs, now)
		assert.Equal(t, NotificationFailed, n.Status)
		for _, r := range rs {
			assert.Equal(t, 2, r.RetryCount)
			assert.Nil(t, r.NextAttemptAt)
		}
	})
}
