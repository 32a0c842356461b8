package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"remindflow/internal/domain"
)

type taskRow struct {
	ID                  string        `db:"id"`
	OwnerAccountID      string        `db:"owner_account_id"`
	SourceModule        string        `db:"source_module"`
	SourceEntityID      string        `db:"source_entity_id"`
	Schedule            string        `db:"schedule"`
	RetryPolicy         string        `db:"retry_policy"`
	TimeoutSeconds      int           `db:"timeout_seconds"`
	Payload             string        `db:"payload"`
	Status              string        `db:"status"`
	NextRunAt           sql.NullInt64 `db:"next_run_at"`
	LastRunAt           sql.NullInt64 `db:"last_run_at"`
	ExecutionCount      int           `db:"execution_count"`
	ConsecutiveFailures int           `db:"consecutive_failures"`
	LastError           string        `db:"last_error"`
	CreatedAt           int64         `db:"created_at"`
	UpdatedAt           int64         `db:"updated_at"`
}

func taskToRow(t *domain.ScheduleTask) (taskRow, error) {
	schedule, err := json.Marshal(t.Schedule)
	if err != nil {
		return taskRow{}, fmt.Errorf("encode schedule of %s: %w", t.ID, err)
	}
	retry, err := json.Marshal(t.RetryPolicy)
	if err != nil {
		return taskRow{}, fmt.Errorf("encode retry policy of %s: %w", t.ID, err)
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return taskRow{}, fmt.Errorf("encode payload of %s: %w", t.ID, err)
	}
	return taskRow{
		ID:                  t.ID,
		OwnerAccountID:      t.OwnerAccountID,
		SourceModule:        t.SourceModule,
		SourceEntityID:      t.SourceEntityID,
		Schedule:            string(schedule),
		RetryPolicy:         string(retry),
		TimeoutSeconds:      t.TimeoutSeconds,
		Payload:             string(payload),
		Status:              string(t.Status),
		NextRunAt:           nullMillis(t.Execution.NextRunAt),
		LastRunAt:           nullMillis(t.Execution.LastRunAt),
		ExecutionCount:      t.Execution.ExecutionCount,
		ConsecutiveFailures: t.Execution.ConsecutiveFailures,
		LastError:           t.Execution.LastError,
		CreatedAt:           t.CreatedAt.UnixMilli(),
		UpdatedAt:           t.UpdatedAt.UnixMilli(),
	}, nil
}

func (r taskRow) toDomain() (*domain.ScheduleTask, error) {
	t := &domain.ScheduleTask{
		ID:             r.ID,
		OwnerAccountID: r.OwnerAccountID,
		SourceModule:   r.SourceModule,
		SourceEntityID: r.SourceEntityID,
		TimeoutSeconds: r.TimeoutSeconds,
		Status:         domain.TaskStatus(r.Status),
		Execution: domain.Execution{
			NextRunAt:           fromNullMillis(r.NextRunAt),
			LastRunAt:           fromNullMillis(r.LastRunAt),
			ExecutionCount:      r.ExecutionCount,
			ConsecutiveFailures: r.ConsecutiveFailures,
			LastError:           r.LastError,
		},
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Schedule), &t.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.RetryPolicy), &t.RetryPolicy); err != nil {
		return nil, fmt.Errorf("decode retry policy of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Payload), &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", r.ID, err)
	}
	return t, nil
}

type notificationRow struct {
	ID        string        `db:"id"`
	AccountID string        `db:"account_id"`
	Title     string        `db:"title"`
	Content   string        `db:"content"`
	Channels  string        `db:"channels"`
	Metadata  string        `db:"metadata"`
	Status    string        `db:"status"`
	SentAt    sql.NullInt64 `db:"sent_at"`
	CreatedAt int64         `db:"created_at"`
	UpdatedAt int64         `db:"updated_at"`
}

func notificationToRow(n *domain.Notification) (notificationRow, error) {
	channels, err := json.Marshal(n.Channels)
	if err != nil {
		return notificationRow{}, fmt.Errorf("encode channels of %s: %w", n.ID, err)
	}
	meta := n.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return notificationRow{}, fmt.Errorf("encode metadata of %s: %w", n.ID, err)
	}
	return notificationRow{
		ID:        n.ID,
		AccountID: n.AccountID,
		Title:     n.Title,
		Content:   n.Content,
		Channels:  string(channels),
		Metadata:  string(metadata),
		Status:    string(n.Status),
		SentAt:    nullMillis(n.SentAt),
		CreatedAt: n.CreatedAt.UnixMilli(),
		UpdatedAt: n.UpdatedAt.UnixMilli(),
	}, nil
}

func (r notificationRow) toDomain() (*domain.Notification, error) {
	n := &domain.Notification{
		ID:        r.ID,
		AccountID: r.AccountID,
		Title:     r.Title,
		Content:   r.Content,
		Status:    domain.NotificationStatus(r.Status),
		SentAt:    fromNullMillis(r.SentAt),
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Channels), &n.Channels); err != nil {
		return nil, fmt.Errorf("decode channels of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &n.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
	}
	return n, nil
}

type receiptRow struct {
	ID             string        `db:"id"`
	NotificationID string        `db:"notification_id"`
	Channel        string        `db:"channel"`
	Status         string        `db:"status"`
	RetryCount     int           `db:"retry_count"`
	FailureReason  string        `db:"failure_reason"`
	SentAt         sql.NullInt64 `db:"sent_at"`
	DeliveredAt    sql.NullInt64 `db:"delivered_at"`
	NextAttemptAt  sql.NullInt64 `db:"next_attempt_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

func receiptToRow(r *domain.DeliveryReceipt) receiptRow {
	return receiptRow{
		ID:             r.ID,
		NotificationID: r.NotificationID,
		Channel:        string(r.Channel),
		Status:         string(r.Status),
		RetryCount:     r.RetryCount,
		FailureReason:  r.FailureReason,
		SentAt:         nullMillis(r.SentAt),
		DeliveredAt:    nullMillis(r.DeliveredAt),
		NextAttemptAt:  nullMillis(r.NextAttemptAt),
		UpdatedAt:      r.UpdatedAt.UnixMilli(),
	}
}

func (r receiptRow) toDomain() *domain.DeliveryReceipt {
	return &domain.DeliveryReceipt{
		ID:             r.ID,
		NotificationID: r.NotificationID,
		Channel:        domain.Channel(r.Channel),
		Status:         domain.ReceiptStatus(r.Status),
		RetryCount:     r.RetryCount,
		FailureReason:  r.FailureReason,
		SentAt:         fromNullMillis(r.SentAt),
		DeliveredAt:    fromNullMillis(r.DeliveredAt),
		NextAttemptAt:  fromNullMillis(r.NextAttemptAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
