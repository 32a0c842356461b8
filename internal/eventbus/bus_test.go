package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindflow/internal/domain"
)

func TestSubscribeReceivesTypedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := New(16)
	defer bus.Close()

	got := make(chan domain.ScheduleTaskTriggered, 1)
	require.NoError(t, Subscribe(ctx, bus, func(_ context.Context, ev domain.ScheduleTaskTriggered) error {
		got <- ev
		return nil
	}))

	fired := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	want := domain.ScheduleTaskTriggered{
		TaskID:    "t1",
		RunID:     "r1",
		AccountID: "acc",
		FiredAt:   fired,
		Payload: domain.Payload{
			Title:    "stand-up",
			Channels: []domain.Channel{domain.ChannelSMS, domain.ChannelEmail},
			Metadata: map[string]string{"k": "v"},
		},
	}
	require.NoError(t, bus.Publish(ctx, want))

	select {
	case ev := <-got:
		assert.Equal(t, want.TaskID, ev.TaskID)
		assert.Equal(t, want.RunID, ev.RunID)
		assert.True(t, fired.Equal(ev.FiredAt))
		assert.Equal(t, want.Payload, ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeFiltersByKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := New(16)
	defer bus.Close()

	completed := make(chan domain.ScheduleTaskCompleted, 4)
	require.NoError(t, Subscribe(ctx, bus, func(_ context.Context, ev domain.ScheduleTaskCompleted) error {
		completed <- ev
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, domain.ScheduleTaskFailed{TaskID: "other"}))
	require.NoError(t, bus.Publish(ctx, domain.ScheduleTaskCompleted{TaskID: "done", ExecutionCount: 3}))

	select {
	case ev := <-completed:
		assert.Equal(t, "done", ev.TaskID)
		assert.Equal(t, 3, ev.ExecutionCount)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, completed, 0)
}

func TestHandlerErrorDoesNotStopSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := New(16)
	defer bus.Close()

	seen := make(chan string, 2)
	require.NoError(t, Subscribe(ctx, bus, func(_ context.Context, ev domain.NotificationStatusChanged) error {
		seen <- ev.NotificationID
		return errors.New("boom")
	}))

	require.NoError(t, bus.Publish(ctx, domain.NotificationStatusChanged{NotificationID: "n1"}))
	require.NoError(t, bus.Publish(ctx, domain.NotificationStatusChanged{NotificationID: "n2"}))

	for _, want := range []string{"n1", "n2"} {
		select {
		case id := <-seen:
			assert.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s", want)
		}
	}
}
