package domain

import "time"

type EventKind string

const (
	EventTaskTriggered       EventKind = "schedule_task.triggered"
	EventTaskCompleted       EventKind = "schedule_task.completed"
	EventTaskFailed          EventKind = "schedule_task.failed"
	EventTaskRescheduled     EventKind = "schedule_task.rescheduled"
	EventNotificationSent    EventKind = "notification.dispatched"
	EventNotificationChanged EventKind = "notification.status_changed"
)

// Event is the closed set of domain events. The unexported method keeps
// other packages from adding variants.
type Event interface {
	Kind() EventKind
	isEvent()
}

// ScheduleTaskTriggered asks the trigger handler to run one execution. The
// handler reports the outcome back to the scheduler under RunID.
type ScheduleTaskTriggered struct {
	TaskID         string    `json:"task_id"`
	RunID          string    `json:"run_id"`
	AccountID      string    `json:"account_id"`
	SourceModule   string    `json:"source_module"`
	SourceEntityID string    `json:"source_entity_id"`
	FiredAt        time.Time `json:"fired_at"`
	Payload        Payload   `json:"payload"`
}

type ScheduleTaskCompleted struct {
	TaskID         string `json:"task_id"`
	ExecutionCount int    `json:"execution_count"`
}

type ScheduleTaskFailed struct {
	TaskID              string `json:"task_id"`
	LastError           string `json:"last_error"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

type ScheduleTaskRescheduled struct {
	TaskID    string    `json:"task_id"`
	NextRunAt time.Time `json:"next_run_at"`
}

type NotificationDispatched struct {
	NotificationID string    `json:"notification_id"`
	Channels       []Channel `json:"channels"`
}

type NotificationStatusChanged struct {
	NotificationID string             `json:"notification_id"`
	OldStatus      NotificationStatus `json:"old_status"`
	NewStatus      NotificationStatus `json:"new_status"`
}

func (ScheduleTaskTriggered) Kind() EventKind     { return EventTaskTriggered }
func (ScheduleTaskCompleted) Kind() EventKind     { return EventTaskCompleted }
func (ScheduleTaskFailed) Kind() EventKind        { return EventTaskFailed }
func (ScheduleTaskRescheduled) Kind() EventKind   { return EventTaskRescheduled }
func (NotificationDispatched) Kind() EventKind    { return EventNotificationSent }
func (NotificationStatusChanged) Kind() EventKind { return EventNotificationChanged }

func (ScheduleTaskTriggered) isEvent()     {}
func (ScheduleTaskCompleted) isEvent()     {}
func (ScheduleTaskFailed) isEvent()        {}
func (ScheduleTaskRescheduled) isEvent()   {}
func (NotificationDispatched) isEvent()    {}
func (NotificationStatusChanged) isEvent() {}

// TransitionEvents lists the events implied by a task moving from before to
// after. Callers publish them once the new state is persisted.
func TransitionEvents(before, after *ScheduleTask) []Event {
	var out []Event
	if before.Status != after.Status {
		switch after.Status {
		case TaskCompleted:
			out = append(out, ScheduleTaskCompleted{TaskID: after.ID, ExecutionCount: after.Execution.ExecutionCount})
		case TaskFailed:
			out = append(out, ScheduleTaskFailed{
				TaskID:              after.ID,
				LastError:           after.Execution.LastError,
				ConsecutiveFailures: after.Execution.ConsecutiveFailures,
			})
		}
	}
	if after.Status == TaskActive && after.Execution.NextRunAt != nil {
		prev := before.Execution.NextRunAt
		if prev == nil || !prev.Equal(*after.Execution.NextRunAt) || before.Status != TaskActive {
			out = append(out, ScheduleTaskRescheduled{TaskID: after.ID, NextRunAt: *after.Execution.NextRunAt})
		}
	}
	return out
}
