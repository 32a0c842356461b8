package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"remindflow/internal/domain"
	"remindflow/internal/ports"
)

var (
	_ ports.ScheduleTaskRepository    = (*TaskRepo)(nil)
	_ ports.NotificationRepository    = (*NotificationRepo)(nil)
	_ ports.DeliveryReceiptRepository = (*NotificationRepo)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS schedule_tasks (
  id TEXT PRIMARY KEY,
  owner_account_id TEXT NOT NULL,
  source_module TEXT NOT NULL,
  source_entity_id TEXT NOT NULL,
  schedule TEXT NOT NULL,
  retry_policy TEXT NOT NULL,
  timeout_seconds INTEGER NOT NULL DEFAULT 0,
  payload TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('ACTIVE','PAUSED','COMPLETED','FAILED','CANCELLED')),
  next_run_at INTEGER,
  last_run_at INTEGER,
  execution_count INTEGER NOT NULL DEFAULT 0,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedule_tasks_due ON schedule_tasks(status, next_run_at);
CREATE INDEX IF NOT EXISTS idx_schedule_tasks_source ON schedule_tasks(source_module, source_entity_id);
CREATE TABLE IF NOT EXISTS notifications (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  title TEXT NOT NULL,
  content TEXT NOT NULL,
  channels TEXT NOT NULL,
  metadata TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','partially_sent','sent','failed')),
  sent_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status, created_at);
CREATE TABLE IF NOT EXISTS delivery_receipts (
  id TEXT PRIMARY KEY,
  notification_id TEXT NOT NULL,
  channel TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','sent','failed')),
  retry_count INTEGER NOT NULL DEFAULT 0,
  failure_reason TEXT NOT NULL DEFAULT '',
  sent_at INTEGER,
  delivered_at INTEGER,
  next_attempt_at INTEGER,
  updated_at INTEGER NOT NULL,
  UNIQUE(notification_id, channel),
  FOREIGN KEY(notification_id) REFERENCES notifications(id)
);
`

// Store owns the SQLite handle shared by the repositories. Timestamps are
// stored as unix milliseconds.
type Store struct{ db *sqlx.DB }

// TaskRepo persists schedule tasks.
type TaskRepo struct{ db *sqlx.DB }

// NotificationRepo persists notifications and their delivery receipts.
type NotificationRepo struct{ db *sqlx.DB }

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite single writer
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func New(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Tasks() *TaskRepo { return &TaskRepo{db: s.db} }

func (s *Store) Notifications() *NotificationRepo { return &NotificationRepo{db: s.db} }

// EnsureSchema creates tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const taskColumns = `id,owner_account_id,source_module,source_entity_id,schedule,retry_policy,timeout_seconds,payload,
status,next_run_at,last_run_at,execution_count,consecutive_failures,last_error,created_at,updated_at`

func (s *TaskRepo) Save(ctx context.Context, t *domain.ScheduleTask) error {
	row, err := taskToRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO schedule_tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  owner_account_id=excluded.owner_account_id,
  source_module=excluded.source_module,
  source_entity_id=excluded.source_entity_id,
  schedule=excluded.schedule,
  retry_policy=excluded.retry_policy,
  timeout_seconds=excluded.timeout_seconds,
  payload=excluded.payload,
  status=excluded.status,
  next_run_at=excluded.next_run_at,
  last_run_at=excluded.last_run_at,
  execution_count=excluded.execution_count,
  consecutive_failures=excluded.consecutive_failures,
  last_error=excluded.last_error,
  updated_at=excluded.updated_at
`, row.ID, row.OwnerAccountID, row.SourceModule, row.SourceEntityID, row.Schedule, row.RetryPolicy,
		row.TimeoutSeconds, row.Payload, row.Status, row.NextRunAt, row.LastRunAt, row.ExecutionCount,
		row.ConsecutiveFailures, row.LastError, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save schedule task %s: %w", t.ID, err)
	}
	return nil
}

func (s *TaskRepo) FindByID(ctx context.Context, id string) (*domain.ScheduleTask, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM schedule_tasks WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find schedule task %s: %w", id, err)
	}
	return row.toDomain()
}

func (s *TaskRepo) FindDueBefore(ctx context.Context, t time.Time, limit int) ([]*domain.ScheduleTask, error) {
	return s.selectTasks(ctx, `
SELECT `+taskColumns+` FROM schedule_tasks
WHERE status='ACTIVE' AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at LIMIT ?`, t.UnixMilli(), limitOrAll(limit))
}

func (s *TaskRepo) FindBySourceEntity(ctx context.Context, module, entityID string) ([]*domain.ScheduleTask, error) {
	return s.selectTasks(ctx, `
SELECT `+taskColumns+` FROM schedule_tasks
WHERE source_module=? AND source_entity_id=?
ORDER BY created_at`, module, entityID)
}

func (s *TaskRepo) FindActive(ctx context.Context, limit int) ([]*domain.ScheduleTask, error) {
	return s.selectTasks(ctx, `
SELECT `+taskColumns+` FROM schedule_tasks
WHERE status='ACTIVE'
ORDER BY next_run_at LIMIT ?`, limitOrAll(limit))
}

func (s *TaskRepo) selectTasks(ctx context.Context, query string, args ...any) ([]*domain.ScheduleTask, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select schedule tasks: %w", err)
	}
	out := make([]*domain.ScheduleTask, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

const (
	notificationColumns = `id,account_id,title,content,channels,metadata,status,sent_at,created_at,updated_at`
	receiptColumns      = `id,notification_id,channel,status,retry_count,failure_reason,sent_at,delivered_at,next_attempt_at,updated_at`
)

func (s *NotificationRepo) CreateWithReceipts(ctx context.Context, n *domain.Notification, receipts []*domain.DeliveryReceipt) (err error) {
	nr, err := notificationToRow(n)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO notifications (`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		nr.ID, nr.AccountID, nr.Title, nr.Content, nr.Channels, nr.Metadata, nr.Status, nr.SentAt, nr.CreatedAt, nr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	for _, r := range receipts {
		rr := receiptToRow(r)
		_, err = tx.ExecContext(ctx, `INSERT INTO delivery_receipts (`+receiptColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			rr.ID, rr.NotificationID, rr.Channel, rr.Status, rr.RetryCount, rr.FailureReason, rr.SentAt, rr.DeliveredAt, rr.NextAttemptAt, rr.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert receipt %s/%s: %w", n.ID, r.Channel, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *NotificationRepo) UpdateStatus(ctx context.Context, n *domain.Notification) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET status=?, sent_at=?, updated_at=? WHERE id=?`,
		string(n.Status), nullMillis(n.SentAt), n.UpdatedAt.UnixMilli(), n.ID)
	if err != nil {
		return fmt.Errorf("update notification %s: %w", n.ID, err)
	}
	return expectOne(res, "notification", n.ID)
}

func (s *NotificationRepo) FindPending(ctx context.Context, limit int) ([]*domain.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+notificationColumns+` FROM notifications
WHERE status='pending' ORDER BY created_at LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("select pending notifications: %w", err)
	}
	out := make([]*domain.Notification, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *NotificationRepo) FindByID(ctx context.Context, id string) (*domain.Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find notification %s: %w", id, err)
	}
	return row.toDomain()
}

func (s *NotificationRepo) FindByNotification(ctx context.Context, notificationID string) ([]*domain.DeliveryReceipt, error) {
	var rows []receiptRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+receiptColumns+` FROM delivery_receipts
WHERE notification_id=? ORDER BY rowid`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("select receipts of %s: %w", notificationID, err)
	}
	out := make([]*domain.DeliveryReceipt, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *NotificationRepo) UpdateReceipt(ctx context.Context, r *domain.DeliveryReceipt) error {
	rr := receiptToRow(r)
	res, err := s.db.ExecContext(ctx, `
UPDATE delivery_receipts
SET status=?, retry_count=?, failure_reason=?, sent_at=?, delivered_at=?, next_attempt_at=?, updated_at=?
WHERE id=?`, rr.Status, rr.RetryCount, rr.FailureReason, rr.SentAt, rr.DeliveredAt, rr.NextAttemptAt, rr.UpdatedAt, rr.ID)
	if err != nil {
		return fmt.Errorf("update receipt %s: %w", r.ID, err)
	}
	return expectOne(res, "receipt", r.ID)
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return nil
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
