package domain

import (
	"errors"
	"slices"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(y int, m time.Month, d, h, mi int) time.Time {
	return time.Date(y, m, d, h, mi, 0, 0, time.UTC)
}

func TestNextFireTime(t *testing.T) {
	mon := utc(2026, time.January, 5, 9, 0)
	fri := utc(2026, time.January, 9, 9, 0)

	tests := []struct {
		name  string
		rule  Recurrence
		after time.Time
		count int
		want  time.Time
		ok    bool
	}{
		{name: "interval", rule: Every(60 * time.Second), after: mon, want: mon.Add(time.Minute), ok: true},
		{name: "daily", rule: Daily(1), after: mon, want: utc(2026, time.January, 6, 9, 0), ok: true},
		{name: "every third day", rule: Daily(3), after: mon, want: utc(2026, time.January, 8, 9, 0), ok: true},
		{name: "daily at later time same day", rule: Daily(1).AtTime("10:30"), after: mon, want: utc(2026, time.January, 5, 10, 30), ok: true},
		{name: "daily at earlier time", rule: Daily(1).AtTime("08:00"), after: mon, want: utc(2026, time.January, 6, 8, 0), ok: true},
		{name: "weekdays skip weekend", rule: Recurrence{Kind: KindDaily, Interval: 1, Weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}}, after: fri, want: utc(2026, time.January, 12, 9, 0), ok: true},
		{name: "weekly mask same week", rule: Weekly(1, time.Monday, time.Wednesday, time.Friday), after: mon, want: utc(2026, time.January, 7, 9, 0), ok: true},
		{name: "weekly mask next week", rule: Weekly(1, time.Monday, time.Wednesday, time.Friday), after: fri, want: utc(2026, time.January, 12, 9, 0), ok: true},
		{name: "biweekly", rule: Weekly(2, time.Monday), after: mon, want: utc(2026, time.January, 19, 9, 0), ok: true},
		{name: "weekly no mask", rule: Weekly(1), after: mon, want: utc(2026, time.January, 12, 9, 0), ok: true},
		{name: "monthly clamps to end of february", rule: Monthly(1), after: utc(2026, time.January, 31, 9, 0), want: utc(2026, time.February, 28, 9, 0), ok: true},
		{name: "monthly day 31 skips clamped day", rule: Monthly(1, 31), after: utc(2026, time.February, 28, 9, 0), want: utc(2026, time.March, 31, 9, 0), ok: true},
		{name: "monthly mask within month", rule: Monthly(1, 1, 15), after: mon, want: utc(2026, time.January, 15, 9, 0), ok: true},
		{name: "quarterly across year", rule: Monthly(3), after: utc(2026, time.November, 30, 9, 0), want: utc(2027, time.February, 28, 9, 0), ok: true},
		{name: "yearly leap day clamps", rule: Yearly(1, nil), after: utc(2024, time.February, 29, 9, 0), want: utc(2025, time.February, 28, 9, 0), ok: true},
		{name: "yearly month mask", rule: Yearly(1, []time.Month{time.September, time.March}, 1), after: mon, want: utc(2026, time.March, 1, 9, 0), ok: true},
		{name: "yearly next year", rule: Yearly(1, []time.Month{time.March}, 1), after: utc(2026, time.March, 1, 9, 0), want: utc(2027, time.March, 1, 9, 0), ok: true},
		{name: "cron", rule: Cron("0 9 * * 1"), after: mon, want: utc(2026, time.January, 12, 9, 0), ok: true},
		{name: "after count below limit", rule: Daily(1).Times(3), after: mon, count: 2, want: utc(2026, time.January, 6, 9, 0), ok: true},
		{name: "after count reached", rule: Daily(1).Times(3), after: mon, count: 3},
		{name: "until exceeded", rule: Daily(1).Until(utc(2026, time.January, 6, 8, 0)), after: mon},
		{name: "until inclusive", rule: Daily(1).Until(utc(2026, time.January, 6, 9, 0)), after: mon, want: utc(2026, time.January, 6, 9, 0), ok: true},
		{name: "one shot", rule: Once(), after: mon},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := NextFireTime(tt.rule, tt.after, time.UTC, tt.count)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextFireTimeKeepsWallClockAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	after := time.Date(2026, time.March, 7, 9, 0, 0, 0, ny)
	got, ok, err := NextFireTime(Daily(1).AtTime("09:00"), after, ny, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, utc(2026, time.March, 8, 13, 0), got.UTC())
	assert.Equal(t, 9, got.Hour())
}

func TestRecurrenceValidate(t *testing.T) {
	until := utc(2026, time.January, 1, 0, 0)
	tests := []struct {
		name  string
		rule  Recurrence
		field string
	}{
		{"zero interval duration", Every(0), "recurrence.every"},
		{"negative interval duration", Every(-time.Second), "recurrence.every"},
		{"zero calendar interval", Daily(0), "recurrence.interval"},
		{"negative calendar interval", Weekly(-1), "recurrence.interval"},
		{"bad weekday", Weekly(1, time.Weekday(9)), "recurrence.weekdays"},
		{"bad month day", Monthly(1, 32), "recurrence.month_days"},
		{"bad month", Yearly(1, []time.Month{13}), "recurrence.months"},
		{"bad cron", Cron("not a cron"), "recurrence.expr"},
		{"bad time of day", Daily(1).AtTime("25:00"), "recurrence.at"},
		{"weekday mask on multi-day interval", Recurrence{Kind: KindDaily, Interval: 2, Weekdays: []time.Weekday{time.Monday}}, "recurrence.weekdays"},
		{"interval on one shot", Recurrence{Kind: KindNone, Interval: 1}, "recurrence.interval"},
		{"month days on weekly", Recurrence{Kind: KindWeekly, Interval: 1, MonthDays: []int{1}}, "recurrence.month_days"},
		{"expr on daily", Recurrence{Kind: KindDaily, Interval: 1, Expr: "* * * * *"}, "recurrence.expr"},
		{"zero count", Daily(1).Times(0), "recurrence.end.count"},
		{"until without time", Recurrence{Kind: KindDaily, Interval: 1, End: End{Kind: EndUntil}}, "recurrence.end.until"},
		{"never with until", Recurrence{Kind: KindDaily, Interval: 1, End: End{Kind: EndNever, Until: &until}}, "recurrence.end"},
		{"unknown kind", Recurrence{Kind: "HOURLY"}, "recurrence.kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	for _, ok := range []Recurrence{Once(), Every(time.Minute), Daily(1), Weekly(2, time.Friday).AtTime("18:00"), Monthly(1, 1, 31), Yearly(1, []time.Month{time.December}, 25), Cron("@hourly")} {
		assert.NoError(t, ok.Validate(), "%+v", ok)
	}
}

func TestNextFireTimeMonotonicAndMasked(t *testing.T) {
	rules := []Recurrence{
		Every(90 * time.Minute),
		Daily(1),
		Daily(2).AtTime("07:15"),
		{Kind: KindDaily, Interval: 1, Weekdays: []time.Weekday{time.Saturday, time.Sunday}},
		Weekly(1, time.Monday, time.Wednesday, time.Friday),
		Weekly(3, time.Sunday).AtTime("23:30"),
		Monthly(1, 31),
		Monthly(2, 1, 15, 30),
		Yearly(1, []time.Month{time.February, time.August}, 29, 31),
		Cron("*/20 8-18 * * 1-5"),
	}
	start := utc(2026, time.January, 1, 0, 0)

	for _, r := range rules {
		for i := 0; i < 400; i++ {
			after := start.Add(time.Duration(i) * 7 * time.Hour)
			next, ok, err := NextFireTime(r, after, time.UTC, 0)
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, next.After(after), "%s: %s not after %s", r.Kind, next, after)
			assertMasked(t, r, next)

			// chaining keeps increasing
			again, ok, err := NextFireTime(r, next, time.UTC, 0)
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, again.After(next))
		}
	}
}

func assertMasked(t *testing.T, r Recurrence, at time.Time) {
	t.Helper()
	if len(r.Weekdays) > 0 {
		assert.True(t, slices.Contains(r.Weekdays, at.Weekday()), "%s lands on %s", r.Kind, at.Weekday())
	}
	if len(r.Months) > 0 {
		assert.True(t, slices.Contains(r.Months, at.Month()), "%s lands in %s", r.Kind, at.Month())
	}
	if len(r.MonthDays) > 0 {
		last := daysIn(at.Year(), at.Month())
		allowed := slices.ContainsFunc(r.MonthDays, func(d int) bool { return d == at.Day() || (d > last && at.Day() == last) })
		assert.True(t, allowed, "%s lands on day %d", r.Kind, at.Day())
	}
}

func TestBackoffDelays(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelaySeconds: 2, Multiplier: 3}
	want := []time.Duration{2 * time.Second, 6 * time.Second, 18 * time.Second, 54 * time.Second, 162 * time.Second}
	for n := 1; n <= p.MaxRetries; n++ {
		assert.Equal(t, want[n-1], p.Delay(n), "retry %d", n)
	}

	def := RetryPolicy{MaxRetries: 3, BaseDelaySeconds: 1}
	for n := 1; n <= def.MaxRetries; n++ {
		assert.Equal(t, time.Duration(1<<(n-1))*time.Second, def.Delay(n))
	}

	tests := []struct {
		name string
		base time.Duration
		mult float64
		n    int
		want time.Duration
	}{
		{"just below cap", time.Nanosecond, 2, 63, time.Duration(1) << 62},
		{"first overflow", time.Nanosecond, 2, 64, MaxBackoff},
		{"minute base at retry 29", time.Minute, 2, 29, MaxBackoff},
		{"hundredth retry", time.Minute, 2, 100, MaxBackoff},
		{"huge multiplier", time.Second, 1e300, 3, MaxBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Backoff(tt.base, tt.mult, tt.n)
			assert.Equal(t, tt.want, got)
			assert.Positive(t, got)
		})
	}
}

func TestLongRetryStreakNeverSchedulesIntoThePast(t *testing.T) {
	now := utc(2026, time.January, 5, 9, 0)
	task := newTask(t, Schedule{Recurrence: Every(time.Minute)}, RetryPolicy{MaxRetries: 100, BaseDelaySeconds: 60}, now)

	for i := 1; i <= 40; i++ {
		require.NoError(t, task.RecordFailure(now, "unreachable"))
		require.Equal(t, TaskActive, task.Status)
		require.True(t, task.Execution.NextRunAt.After(now), "failure %d scheduled %s", i, task.Execution.NextRunAt)
	}
}
