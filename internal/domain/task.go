package domain

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScheduleTask is one recurring or one-shot unit of scheduled work.
//
// Transitions:
//
//	ACTIVE  -> PAUSED     Pause
//	PAUSED  -> ACTIVE     Resume (next run recomputed from now)
//	ACTIVE  -> CANCELLED  Cancel
//	PAUSED  -> CANCELLED  Cancel
//	ACTIVE  -> COMPLETED  Complete, or success once the recurrence ends
//	ACTIVE  -> FAILED     failure after RetryPolicy.MaxRetries retries
//	ACTIVE  -> ACTIVE     success / failure with retries left
//
// COMPLETED, FAILED and CANCELLED are terminal.
type ScheduleTask struct {
	ID             string      `json:"id"`
	OwnerAccountID string      `json:"owner_account_id"`
	SourceModule   string      `json:"source_module"`
	SourceEntityID string      `json:"source_entity_id"`
	Schedule       Schedule    `json:"schedule"`
	Execution      Execution   `json:"execution"`
	RetryPolicy    RetryPolicy `json:"retry_policy"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`
	Payload        Payload     `json:"payload"`
	Status         TaskStatus  `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type NewTaskParams struct {
	ID             string
	OwnerAccountID string
	SourceModule   string
	SourceEntityID string
	Schedule       Schedule
	RetryPolicy    RetryPolicy
	TimeoutSeconds int
	Payload        Payload
}

// NewScheduleTask validates p and returns an ACTIVE task with its first run
// computed from now.
func NewScheduleTask(p NewTaskParams, now time.Time) (*ScheduleTask, error) {
	if strings.TrimSpace(p.OwnerAccountID) == "" {
		return nil, invalid("owner_account_id", "required")
	}
	if strings.TrimSpace(p.SourceModule) == "" {
		return nil, invalid("source_module", "required")
	}
	if strings.TrimSpace(p.SourceEntityID) == "" {
		return nil, invalid("source_entity_id", "required")
	}
	if err := p.Schedule.Validate(); err != nil {
		return nil, err
	}
	if err := p.RetryPolicy.Validate(); err != nil {
		return nil, err
	}
	if p.TimeoutSeconds < 0 {
		return nil, invalid("timeout_seconds", "must be >= 0, got %d", p.TimeoutSeconds)
	}
	if err := p.Payload.Validate(); err != nil {
		return nil, err
	}

	first, ok, err := FirstFireTime(p.Schedule, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalid("schedule", "no occurrence after %s", now.Format(time.RFC3339))
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &ScheduleTask{
		ID:             id,
		OwnerAccountID: p.OwnerAccountID,
		SourceModule:   p.SourceModule,
		SourceEntityID: p.SourceEntityID,
		Schedule:       p.Schedule,
		Execution:      Execution{NextRunAt: &first},
		RetryPolicy:    p.RetryPolicy.withDefaults(),
		TimeoutSeconds: p.TimeoutSeconds,
		Payload:        p.Payload,
		Status:         TaskActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// FirstFireTime is the initial next run of a schedule: the start date when
// it is in the future (aligned onto the recurrence masks), otherwise the
// next occurrence after now. An unstarted one-shot fires at now.
func FirstFireTime(s Schedule, now time.Time) (time.Time, bool, error) {
	r := s.Recurrence
	if err := r.Validate(); err != nil {
		return time.Time{}, false, err
	}
	loc := s.Location()

	var (
		first time.Time
		ok    = true
		err   error
	)
	switch {
	case s.StartDate != nil && s.StartDate.After(now):
		start := s.StartDate.In(loc)
		clk := clockOf(r, start)
		switch {
		case r.Kind == KindNone || r.Kind == KindInterval:
			first = start
		case r.Kind == KindCron:
			first, ok, err = r.next(start.Add(-time.Nanosecond), clk, 0)
		default:
			y, m, d := start.Date()
			if c := clk.on(y, m, d, loc); !c.Before(start) && r.matches(c) {
				first = c
			} else {
				first, ok, err = r.next(start, clk, 0)
			}
		}
	case r.Kind == KindNone:
		first = now
	default:
		first, ok, err = NextFireTime(r, now, loc, 0)
	}
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if r.End.Kind == EndUntil && r.End.Until != nil && first.After(*r.End.Until) {
		return time.Time{}, false, nil
	}
	if s.EndDate != nil && first.After(*s.EndDate) {
		return time.Time{}, false, nil
	}
	return first, true, nil
}

func (r Recurrence) matches(t time.Time) bool {
	switch r.Kind {
	case KindDaily, KindWeekly:
		return len(r.Weekdays) == 0 || slices.Contains(r.Weekdays, t.Weekday())
	case KindMonthly:
		return len(r.MonthDays) == 0 || slices.Contains(r.MonthDays, t.Day())
	case KindYearly:
		return (len(r.Months) == 0 || slices.Contains(r.Months, t.Month())) &&
			(len(r.MonthDays) == 0 || slices.Contains(r.MonthDays, t.Day()))
	}
	return true
}

func (t *ScheduleTask) IsTerminal() bool { return t.Status.Terminal() }

// Timeout is the await bound for one execution; zero means the scheduler
// default applies.
func (t *ScheduleTask) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func (t *ScheduleTask) Clone() *ScheduleTask {
	c := *t
	c.Schedule.Recurrence.Weekdays = slices.Clone(t.Schedule.Recurrence.Weekdays)
	c.Schedule.Recurrence.MonthDays = slices.Clone(t.Schedule.Recurrence.MonthDays)
	c.Schedule.Recurrence.Months = slices.Clone(t.Schedule.Recurrence.Months)
	c.Schedule.Recurrence.End.Until = clonePtr(t.Schedule.Recurrence.End.Until)
	c.Schedule.StartDate = clonePtr(t.Schedule.StartDate)
	c.Schedule.EndDate = clonePtr(t.Schedule.EndDate)
	c.Execution.NextRunAt = clonePtr(t.Execution.NextRunAt)
	c.Execution.LastRunAt = clonePtr(t.Execution.LastRunAt)
	c.Payload.Channels = slices.Clone(t.Payload.Channels)
	c.Payload.Metadata = maps.Clone(t.Payload.Metadata)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (t *ScheduleTask) guardActive() error {
	if t.IsTerminal() {
		return ErrTerminalTask
	}
	if t.Status != TaskActive {
		return ErrInvalidTransition
	}
	return nil
}

func (t *ScheduleTask) Pause(now time.Time) error {
	if err := t.guardActive(); err != nil {
		return err
	}
	t.Status = TaskPaused
	t.Execution.NextRunAt = nil
	t.UpdatedAt = now
	return nil
}

// Resume reactivates a paused task, recomputing its next run from now.
func (t *ScheduleTask) Resume(now time.Time) error {
	if t.IsTerminal() {
		return ErrTerminalTask
	}
	if t.Status != TaskPaused {
		return ErrInvalidTransition
	}
	t.Status = TaskActive
	t.UpdatedAt = now

	if t.Schedule.Recurrence.IsOneShot() {
		if t.Execution.ExecutionCount > 0 {
			t.finish(TaskCompleted)
			return nil
		}
		at := now
		if s := t.Schedule.StartDate; s != nil && s.After(now) {
			at = *s
		}
		t.Execution.NextRunAt = &at
		return nil
	}
	if t.endReached() {
		t.finish(TaskCompleted)
		return nil
	}
	if s := t.Schedule.StartDate; s != nil && s.After(now) {
		first, ok, err := FirstFireTime(t.Schedule, now)
		t.advance(first, ok, err)
		return nil
	}
	next, ok, err := t.next(now)
	t.advance(next, ok, err)
	return nil
}

func (t *ScheduleTask) Cancel(now time.Time) error {
	if t.IsTerminal() {
		return ErrTerminalTask
	}
	t.finish(TaskCancelled)
	t.UpdatedAt = now
	return nil
}

func (t *ScheduleTask) Complete(now time.Time) error {
	if err := t.guardActive(); err != nil {
		return err
	}
	t.finish(TaskCompleted)
	t.UpdatedAt = now
	return nil
}

// Reschedule overwrites the next run. A manual reschedule counts as a fresh
// attempt, so the failure streak is reset.
func (t *ScheduleTask) Reschedule(at, now time.Time) error {
	if t.IsTerminal() {
		return ErrTerminalTask
	}
	t.Execution.NextRunAt = &at
	t.Execution.ConsecutiveFailures = 0
	t.UpdatedAt = now
	return nil
}

func (t *ScheduleTask) RecordExecutionResult(success bool, now time.Time, reason string) error {
	if success {
		return t.RecordSuccess(now)
	}
	return t.RecordFailure(now, reason)
}

func (t *ScheduleTask) RecordSuccess(now time.Time) error {
	if err := t.guardActive(); err != nil {
		return err
	}
	t.Execution.ConsecutiveFailures = 0
	t.Execution.ExecutionCount++
	t.Execution.LastRunAt = &now
	t.Execution.LastError = ""
	t.UpdatedAt = now

	if t.Schedule.Recurrence.IsOneShot() || t.endReached() {
		t.finish(TaskCompleted)
		return nil
	}
	next, ok, err := t.next(now)
	t.advance(next, ok, err)
	return nil
}

// RecordSupersededSuccess counts a successful run whose task was paused,
// resumed or rescheduled while the run was in flight. The next run chosen
// by that change stands; the task only completes when its end condition is
// now reached.
func (t *ScheduleTask) RecordSupersededSuccess(now time.Time) error {
	if t.IsTerminal() {
		return ErrTerminalTask
	}
	t.Execution.ConsecutiveFailures = 0
	t.Execution.ExecutionCount++
	t.Execution.LastRunAt = &now
	t.Execution.LastError = ""
	t.UpdatedAt = now

	if t.Schedule.Recurrence.IsOneShot() || t.endReached() {
		t.finish(TaskCompleted)
	}
	return nil
}

func (t *ScheduleTask) RecordFailure(now time.Time, reason string) error {
	if err := t.guardActive(); err != nil {
		return err
	}
	t.Execution.ConsecutiveFailures++
	t.Execution.LastError = reason
	t.UpdatedAt = now

	if t.Execution.ConsecutiveFailures > t.RetryPolicy.MaxRetries {
		t.finish(TaskFailed)
		return nil
	}
	next := now.Add(t.RetryPolicy.Delay(t.Execution.ConsecutiveFailures))
	t.Execution.NextRunAt = &next
	return nil
}

func (t *ScheduleTask) endReached() bool {
	n := t.Execution.ExecutionCount
	if t.Schedule.MaxExecutions > 0 && n >= t.Schedule.MaxExecutions {
		return true
	}
	end := t.Schedule.Recurrence.End
	return end.Kind == EndAfterCount && n >= end.Count
}

// next computes the following occurrence after `after`. Calendar recurrences
// are anchored on the start date (or the creation time): its time of day,
// unless At pins one, and its day of month so late executions and short
// months do not drift the schedule.
func (t *ScheduleTask) next(after time.Time) (time.Time, bool, error) {
	r := t.Schedule.Recurrence
	if err := r.Validate(); err != nil {
		return time.Time{}, false, err
	}
	loc := t.Schedule.Location()
	after = after.In(loc)
	clk := clockOf(r, after)
	if r.calendar() {
		anchor := t.CreatedAt
		if t.Schedule.StartDate != nil {
			anchor = *t.Schedule.StartDate
		}
		if !anchor.IsZero() {
			clk = clockOf(r, anchor.In(loc))
		}
	}
	next, ok, err := r.next(after, clk, t.Execution.ExecutionCount)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if t.Schedule.EndDate != nil && next.After(*t.Schedule.EndDate) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

func (t *ScheduleTask) advance(next time.Time, ok bool, err error) {
	switch {
	case err != nil:
		t.Execution.LastError = err.Error()
		t.finish(TaskFailed)
	case !ok:
		t.finish(TaskCompleted)
	default:
		t.Execution.NextRunAt = &next
	}
}

func (t *ScheduleTask) finish(status TaskStatus) {
	t.Status = status
	t.Execution.NextRunAt = nil
}
