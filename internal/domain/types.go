package domain

import "time"

type TaskStatus string

const (
	TaskActive    TaskStatus = "ACTIVE"
	TaskPaused    TaskStatus = "PAUSED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type Channel string

const (
	ChannelDesktop Channel = "desktop"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelSSE     Channel = "sse"
	ChannelInApp   Channel = "in_app"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelDesktop, ChannelEmail, ChannelSMS, ChannelSSE, ChannelInApp:
		return true
	}
	return false
}

type NotificationStatus string

const (
	NotificationPending       NotificationStatus = "pending"
	NotificationPartiallySent NotificationStatus = "partially_sent"
	NotificationSent          NotificationStatus = "sent"
	NotificationFailed        NotificationStatus = "failed"
)

type ReceiptStatus string

const (
	ReceiptPending ReceiptStatus = "pending"
	ReceiptSent    ReceiptStatus = "sent"
	ReceiptFailed  ReceiptStatus = "failed"
)

// Schedule is the timing half of a ScheduleTask.
type Schedule struct {
	Recurrence    Recurrence `json:"recurrence"`
	Timezone      string     `json:"timezone,omitempty"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	MaxExecutions int        `json:"max_executions,omitempty"`
}

// Location resolves Timezone, falling back to UTC.
func (s Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s Schedule) Validate() error {
	if err := s.Recurrence.Validate(); err != nil {
		return err
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return invalid("schedule.timezone", "%v", err)
		}
	}
	if s.MaxExecutions < 0 {
		return invalid("schedule.max_executions", "must be >= 0, got %d", s.MaxExecutions)
	}
	if s.StartDate != nil && s.EndDate != nil && s.EndDate.Before(*s.StartDate) {
		return invalid("schedule.end_date", "before start_date")
	}
	return nil
}

// Execution is the bookkeeping owned by the scheduler.
type Execution struct {
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	ExecutionCount      int        `json:"execution_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
}

// Payload is what a trigger asks the delivery pipeline to send.
type Payload struct {
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Channels []Channel         `json:"channels"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (p Payload) Validate() error {
	if len(p.Channels) == 0 {
		return invalid("payload.channels", "at least one channel required")
	}
	seen := make(map[Channel]bool, len(p.Channels))
	for _, c := range p.Channels {
		if !c.Valid() {
			return invalid("payload.channels", "unknown channel %q", c)
		}
		if seen[c] {
			return invalid("payload.channels", "duplicate channel %q", c)
		}
		seen[c] = true
	}
	return nil
}
