package ports

import (
	"context"
	"time"

	"remindflow/internal/domain"
)

type ScheduleTaskRepository interface {
	Save(ctx context.Context, t *domain.ScheduleTask) error
	FindByID(ctx context.Context, id string) (*domain.ScheduleTask, error)
	// FindDueBefore returns ACTIVE tasks whose next run is at or before t.
	FindDueBefore(ctx context.Context, t time.Time, limit int) ([]*domain.ScheduleTask, error)
	FindBySourceEntity(ctx context.Context, module, entityID string) ([]*domain.ScheduleTask, error)
	FindActive(ctx context.Context, limit int) ([]*domain.ScheduleTask, error)
}

type NotificationRepository interface {
	// CreateWithReceipts stores a notification and all of its receipts
	// atomically.
	CreateWithReceipts(ctx context.Context, n *domain.Notification, receipts []*domain.DeliveryReceipt) error
	FindByID(ctx context.Context, id string) (*domain.Notification, error)
	UpdateStatus(ctx context.Context, n *domain.Notification) error
	// FindPending returns notifications still waiting on at least one receipt.
	FindPending(ctx context.Context, limit int) ([]*domain.Notification, error)
}

type DeliveryReceiptRepository interface {
	FindByNotification(ctx context.Context, notificationID string) ([]*domain.DeliveryReceipt, error)
	UpdateReceipt(ctx context.Context, r *domain.DeliveryReceipt) error
}

// ChannelSender delivers a notification over one channel. Failures should be
// *domain.ChannelDeliveryError; any other error counts as retryable.
type ChannelSender interface {
	Channel() domain.Channel
	Send(ctx context.Context, n *domain.Notification) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}
