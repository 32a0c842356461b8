package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
)

type RecurrenceKind string

const (
	KindNone     RecurrenceKind = "NONE"
	KindInterval RecurrenceKind = "INTERVAL"
	KindDaily    RecurrenceKind = "DAILY"
	KindWeekly   RecurrenceKind = "WEEKLY"
	KindMonthly  RecurrenceKind = "MONTHLY"
	KindYearly   RecurrenceKind = "YEARLY"
	KindCron     RecurrenceKind = "CRON"
)

type EndKind string

const (
	EndNever      EndKind = "never"
	EndUntil      EndKind = "until"
	EndAfterCount EndKind = "after_count"
)

// End says when a recurrence stops producing fire times.
type End struct {
	Kind  EndKind    `json:"kind,omitempty"`
	Until *time.Time `json:"until,omitempty"`
	Count int        `json:"count,omitempty"`
}

// Recurrence is a closed description of how a task repeats. Kind selects
// which of the fields are meaningful; Validate rejects fields that do not
// belong to the kind.
//
//	NONE      one-shot
//	INTERVAL  Every
//	DAILY     Interval, Weekdays (Interval must be 1), At
//	WEEKLY    Interval, Weekdays, At
//	MONTHLY   Interval, MonthDays, At
//	YEARLY    Interval, Months, MonthDays, At
//	CRON      Expr (standard 5-field expression or descriptor)
type Recurrence struct {
	Kind      RecurrenceKind `json:"kind"`
	Every     time.Duration  `json:"every,omitempty"`
	Interval  int            `json:"interval,omitempty"`
	Weekdays  []time.Weekday `json:"weekdays,omitempty"`
	MonthDays []int          `json:"month_days,omitempty"`
	Months    []time.Month   `json:"months,omitempty"`
	At        string         `json:"at,omitempty"`
	Expr      string         `json:"expr,omitempty"`
	End       End            `json:"end"`
}

func Once() Recurrence { return Recurrence{Kind: KindNone} }

func Every(d time.Duration) Recurrence { return Recurrence{Kind: KindInterval, Every: d} }

func Daily(interval int) Recurrence { return Recurrence{Kind: KindDaily, Interval: interval} }

func Weekly(interval int, days ...time.Weekday) Recurrence {
	return Recurrence{Kind: KindWeekly, Interval: interval, Weekdays: days}
}

func Monthly(interval int, days ...int) Recurrence {
	return Recurrence{Kind: KindMonthly, Interval: interval, MonthDays: days}
}

func Yearly(interval int, months []time.Month, days ...int) Recurrence {
	return Recurrence{Kind: KindYearly, Interval: interval, Months: months, MonthDays: days}
}

func Cron(expr string) Recurrence { return Recurrence{Kind: KindCron, Expr: expr} }

// AtTime pins the time of day ("HH:MM") of calendar recurrences.
func (r Recurrence) AtTime(hhmm string) Recurrence {
	r.At = hhmm
	return r
}

func (r Recurrence) Until(t time.Time) Recurrence {
	r.End = End{Kind: EndUntil, Until: &t}
	return r
}

func (r Recurrence) Times(n int) Recurrence {
	r.End = End{Kind: EndAfterCount, Count: n}
	return r
}

func (r Recurrence) IsOneShot() bool { return r.Kind == KindNone }

func (r Recurrence) calendar() bool {
	switch r.Kind {
	case KindDaily, KindWeekly, KindMonthly, KindYearly:
		return true
	}
	return false
}

func (r Recurrence) Validate() error {
	if !r.calendar() {
		if r.Interval != 0 {
			return invalid("recurrence.interval", "not allowed for %s", r.Kind)
		}
		if r.At != "" {
			return invalid("recurrence.at", "not allowed for %s", r.Kind)
		}
	}
	if r.Kind != KindInterval && r.Every != 0 {
		return invalid("recurrence.every", "not allowed for %s", r.Kind)
	}
	if r.Kind != KindCron && r.Expr != "" {
		return invalid("recurrence.expr", "not allowed for %s", r.Kind)
	}
	if len(r.Weekdays) > 0 && r.Kind != KindDaily && r.Kind != KindWeekly {
		return invalid("recurrence.weekdays", "not allowed for %s", r.Kind)
	}
	if len(r.MonthDays) > 0 && r.Kind != KindMonthly && r.Kind != KindYearly {
		return invalid("recurrence.month_days", "not allowed for %s", r.Kind)
	}
	if len(r.Months) > 0 && r.Kind != KindYearly {
		return invalid("recurrence.months", "not allowed for %s", r.Kind)
	}

	switch r.Kind {
	case KindNone:
	case KindInterval:
		if r.Every <= 0 {
			return invalid("recurrence.every", "must be > 0, got %s", r.Every)
		}
	case KindDaily, KindWeekly, KindMonthly, KindYearly:
		if r.Interval < 1 {
			return invalid("recurrence.interval", "must be >= 1, got %d", r.Interval)
		}
		if r.Kind == KindDaily && len(r.Weekdays) > 0 && r.Interval != 1 {
			return invalid("recurrence.weekdays", "daily weekday masks require interval 1")
		}
		if r.At != "" {
			if _, err := parseClock(r.At); err != nil {
				return invalid("recurrence.at", "%v", err)
			}
		}
	case KindCron:
		if _, err := cron.ParseStandard(r.Expr); err != nil {
			return invalid("recurrence.expr", "%v", err)
		}
	default:
		return invalid("recurrence.kind", "unknown kind %q", r.Kind)
	}

	for _, d := range r.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return invalid("recurrence.weekdays", "weekday %d out of range", d)
		}
	}
	for _, d := range r.MonthDays {
		if d < 1 || d > 31 {
			return invalid("recurrence.month_days", "day %d out of range", d)
		}
	}
	for _, m := range r.Months {
		if m < time.January || m > time.December {
			return invalid("recurrence.months", "month %d out of range", m)
		}
	}

	switch r.End.Kind {
	case "", EndNever:
		if r.End.Until != nil || r.End.Count != 0 {
			return invalid("recurrence.end", "never takes no until/count")
		}
	case EndUntil:
		if r.End.Until == nil {
			return invalid("recurrence.end.until", "required")
		}
	case EndAfterCount:
		if r.End.Count < 1 {
			return invalid("recurrence.end.count", "must be >= 1, got %d", r.End.Count)
		}
	default:
		return invalid("recurrence.end.kind", "unknown end %q", r.End.Kind)
	}
	return nil
}

// NextFireTime returns the first fire time strictly after `after`, computed
// in loc. executions is the number of occurrences that already elapsed and
// drives the after_count end condition. ok is false when the recurrence has
// no further occurrence.
func NextFireTime(r Recurrence, after time.Time, loc *time.Location, executions int) (time.Time, bool, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, false, err
	}
	if loc == nil {
		loc = time.UTC
	}
	after = after.In(loc)
	return r.next(after, clockOf(r, after), executions)
}

func (r Recurrence) next(after time.Time, clk clock, executions int) (time.Time, bool, error) {
	if r.End.Kind == EndAfterCount && executions >= r.End.Count {
		return time.Time{}, false, nil
	}

	var next time.Time
	switch r.Kind {
	case KindNone:
		return time.Time{}, false, nil
	case KindInterval:
		if r.Every <= 0 {
			return time.Time{}, false, invalid("recurrence.every", "must be > 0")
		}
		next = after.Add(r.Every)
	case KindCron:
		sched, err := cron.ParseStandard(r.Expr)
		if err != nil {
			return time.Time{}, false, invalid("recurrence.expr", "%v", err)
		}
		next = sched.Next(after)
		if next.IsZero() {
			return time.Time{}, false, nil
		}
	case KindDaily:
		next = r.nextDaily(after, clk)
	case KindWeekly:
		next = r.nextWeekly(after, clk)
	case KindMonthly:
		next = r.nextMonthly(after, clk)
	case KindYearly:
		next = r.nextYearly(after, clk)
	default:
		return time.Time{}, false, invalid("recurrence.kind", "unknown kind %q", r.Kind)
	}

	if r.End.Kind == EndUntil && r.End.Until != nil && next.After(*r.End.Until) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

func (r Recurrence) interval() int {
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

func (r Recurrence) nextDaily(after time.Time, clk clock) time.Time {
	y, m, d := after.Date()
	if len(r.Weekdays) == 0 {
		c := clk.on(y, m, d, after.Location())
		if !c.After(after) {
			c = clk.on(y, m, d+r.interval(), after.Location())
		}
		return c
	}
	for i := 0; i <= 7; i++ {
		c := clk.on(y, m, d+i, after.Location())
		if c.After(after) && slices.Contains(r.Weekdays, c.Weekday()) {
			return c
		}
	}
	return clk.on(y, m, d+1, after.Location())
}

func (r Recurrence) nextWeekly(after time.Time, clk clock) time.Time {
	days := r.Weekdays
	if len(days) == 0 {
		days = []time.Weekday{clk.weekday}
	}
	loc := after.Location()
	y, m, d := after.Date()
	// weeks start on Monday
	start := d - (int(after.Weekday())+6)%7
	for i := 0; i < 7; i++ {
		c := clk.on(y, m, start+i, loc)
		if c.After(after) && slices.Contains(days, c.Weekday()) {
			return c
		}
	}
	start += 7 * r.interval()
	for i := 0; i < 7; i++ {
		c := clk.on(y, m, start+i, loc)
		if slices.Contains(days, c.Weekday()) {
			return c
		}
	}
	return clk.on(y, m, start, loc)
}

func (r Recurrence) nextMonthly(after time.Time, clk clock) time.Time {
	days := r.MonthDays
	if len(days) == 0 {
		days = []int{clk.day}
	}
	loc := after.Location()
	y, m := after.Year(), after.Month()
	for _, c := range candidates(y, m, days, clk, loc) {
		if c.After(after) {
			return c
		}
	}
	y, m = addMonths(y, m, r.interval())
	return candidates(y, m, days, clk, loc)[0]
}

func (r Recurrence) nextYearly(after time.Time, clk clock) time.Time {
	months := slices.Clone(r.Months)
	if len(months) == 0 {
		months = []time.Month{clk.month}
	}
	slices.Sort(months)
	days := r.MonthDays
	if len(days) == 0 {
		days = []int{clk.day}
	}
	loc := after.Location()
	y := after.Year()
	for _, m := range months {
		if m < after.Month() {
			continue
		}
		for _, c := range candidates(y, m, days, clk, loc) {
			if c.After(after) {
				return c
			}
		}
	}
	return candidates(y+r.interval(), months[0], days, clk, loc)[0]
}

// candidates lists the masked days of a month in ascending order. Days past
// the end of the month clamp to its last day.
func candidates(y int, m time.Month, days []int, clk clock, loc *time.Location) []time.Time {
	last := daysIn(y, m)
	seen := make([]int, 0, len(days))
	for _, d := range days {
		if d > last {
			d = last
		}
		if !slices.Contains(seen, d) {
			seen = append(seen, d)
		}
	}
	slices.Sort(seen)
	out := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		out = append(out, clk.on(y, m, d, loc))
	}
	return out
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func addMonths(y int, m time.Month, n int) (int, time.Month) {
	total := int(m) - 1 + n
	return y + total/12, time.Month(total%12 + 1)
}

// clock is the time of day of a recurrence plus the calendar position it is
// anchored on. Unmasked weekly, monthly and yearly rules repeat on the
// anchor's weekday, day of month and month.
type clock struct {
	h, m, s, ns int
	day         int
	month       time.Month
	weekday     time.Weekday
}

func (c clock) on(y int, mo time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, mo, d, c.h, c.m, c.s, c.ns, loc)
}

func clockOf(r Recurrence, t time.Time) clock {
	c := clock{h: t.Hour(), m: t.Minute(), s: t.Second(), ns: t.Nanosecond()}
	if r.At != "" {
		if at, err := parseClock(r.At); err == nil {
			c = at
		}
	}
	c.day, c.month, c.weekday = t.Day(), t.Month(), t.Weekday()
	return c
}

func parseClock(hhmm string) (clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return clock{}, fmt.Errorf("time of day %q: want HH:MM", hhmm)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return clock{}, fmt.Errorf("time of day %q out of range", hhmm)
	}
	return clock{h: h, m: m}, nil
}
