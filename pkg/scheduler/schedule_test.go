package scheduler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func mustSchedule(t *testing.T, expr string, loc *time.Location) Schedule {
	t.Helper()
	s, err := ParseSchedule(expr, loc)
	if err != nil {
		t.Fatalf("ParseSchedule(%q) error: %v", expr, err)
	}
	return s
}

func TestParseSchedule_Every(t *testing.T) {
	now := time.Date(2026, 2, 26, 12, 0, 0, 0, time.UTC)
	next := mustSchedule(t, "@every 2s", time.UTC).Next(now)
	if expected := now.Add(2 * time.Second); !next.Equal(expected) {
		t.Fatalf("expected %v, got %v", expected, next)
	}
}

func TestScheduleNext(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		from     time.Time
		expected time.Time
	}{
		{
			name:     "minute step",
			expr:     "*/5 * * * *",
			from:     time.Date(2026, 2, 26, 12, 3, 40, 0, time.UTC),
			expected: time.Date(2026, 2, 26, 12, 5, 0, 0, time.UTC),
		},
		{
			name:     "fixed minute rolls hour",
			expr:     "15 * * * *",
			from:     time.Date(2026, 2, 26, 12, 35, 0, 0, time.UTC),
			expected: time.Date(2026, 2, 26, 13, 15, 0, 0, time.UTC),
		},
		{
			name:     "exact slot is exclusive",
			expr:     "0 * * * *",
			from:     time.Date(2026, 2, 26, 12, 0, 0, 0, time.UTC),
			expected: time.Date(2026, 2, 26, 13, 0, 0, 0, time.UTC),
		},
		{
			name:     "daily macro",
			expr:     "@daily",
			from:     time.Date(2026, 2, 26, 12, 0, 0, 0, time.UTC),
			expected: time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "hourly macro",
			expr:     "@hourly",
			from:     time.Date(2026, 2, 26, 12, 0, 1, 0, time.UTC),
			expected: time.Date(2026, 2, 26, 13, 0, 0, 0, time.UTC),
		},
		{
			name:     "monthly rolls year",
			expr:     "@monthly",
			from:     time.Date(2026, 12, 15, 0, 0, 0, 0, time.UTC),
			expected: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "weekday names",
			expr:     "30 9 * * MON-FRI",
			from:     time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC), // Friday
			expected: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		},
		{
			name:     "seven is sunday",
			expr:     "0 0 * * 7",
			from:     time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC), // Thursday
			expected: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "month names and list",
			expr:     "0 6 1 jan,jul *",
			from:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			expected: time.Date(2026, 7, 1, 6, 0, 0, 0, time.UTC),
		},
		{
			name:     "day of month or day of week",
			expr:     "0 0 13 * 5",
			from:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), // Sunday
			expected: time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "leap day",
			expr:     "0 0 29 2 *",
			from:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			expected: time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := mustSchedule(t, tt.expr, time.UTC).Next(tt.from)
			if !next.Equal(tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, next)
			}
		})
	}
}

func TestScheduleNext_Timezone(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}
	next := mustSchedule(t, "0 9 * * *", rome).Next(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	if expected := time.Date(2026, 6, 2, 7, 0, 0, 0, time.UTC); !next.Equal(expected) {
		t.Fatalf("expected %v, got %v", expected, next)
	}
	if next.Location() != time.UTC {
		t.Fatalf("expected UTC result, got %v", next.Location())
	}
}

func TestScheduleNext_Impossible(t *testing.T) {
	next := mustSchedule(t, "0 0 31 2 *", time.UTC).Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if !next.IsZero() {
		t.Fatalf("expected no run for February 31st, got %v", next)
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"@every",
		"@every nope",
		"@every -1s",
		"@sometimes",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"10-5 * * * *",
		"1,,2 * * * *",
		"* * * foo *",
	} {
		if _, err := ParseSchedule(expr, time.UTC); !errors.Is(err, ErrValidation) {
			t.Fatalf("ParseSchedule(%q): expected ErrValidation, got %v", expr, err)
		}
	}
}

func TestProperty_CronNextMatchesFields(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("next is after from and lands on the requested minute and hour", prop.ForAll(
		func(minute, hour, offsetMinutes int) bool {
			s, err := ParseSchedule(formatCron(minute, hour), time.UTC)
			if err != nil {
				return false
			}
			from := base.Add(time.Duration(offsetMinutes) * time.Minute)
			next := s.Next(from)
			return next.After(from) &&
				next.Sub(from) <= 24*time.Hour &&
				next.Minute() == minute &&
				next.Hour() == hour &&
				next.Second() == 0
		},
		gen.IntRange(0, 59),
		gen.IntRange(0, 23),
		gen.IntRange(0, 366*24*60),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func formatCron(minute, hour int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}
