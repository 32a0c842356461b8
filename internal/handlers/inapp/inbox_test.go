package inapp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindflow/internal/domain"
)

func newInbox(t *testing.T, opts Options) (*Inbox, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb, opts), mr
}

func note(i int) *domain.Notification {
	return &domain.Notification{
		ID:        fmt.Sprintf("n%d", i),
		AccountID: "acct-1",
		Title:     fmt.Sprintf("reminder %d", i),
		CreatedAt: time.Date(2026, 2, 1, 9, i, 0, 0, time.UTC),
	}
}

func TestSendKeepsNewestFirstAndTrims(t *testing.T) {
	ctx := context.Background()
	b, mr := newInbox(t, Options{MaxItems: 3})
	require.NoError(t, b.Ping(ctx))
	assert.Equal(t, domain.ChannelInApp, b.Channel())

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Send(ctx, note(i)))
	}

	items, err := b.Recent(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"n5", "n4", "n3"}, []string{items[0].NotificationID, items[1].NotificationID, items[2].NotificationID})
	assert.True(t, note(5).CreatedAt.Equal(items[0].CreatedAt))

	list, err := mr.List("remindflow:inbox:acct-1")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestSendSetsTTL(t *testing.T) {
	b, mr := newInbox(t, Options{KeyPrefix: "test:", TTL: time.Hour})
	require.NoError(t, b.Send(context.Background(), note(1)))
	assert.Equal(t, time.Hour, mr.TTL("test:acct-1"))
}

func TestSendFailures(t *testing.T) {
	b, mr := newInbox(t, Options{})

	err := b.Send(context.Background(), &domain.Notification{ID: "x"})
	assert.False(t, domain.IsRetryable(err))

	mr.Close()
	err = b.Send(context.Background(), note(1))
	var de *domain.ChannelDeliveryError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Retryable)
}
