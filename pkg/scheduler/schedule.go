package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule computes activation times.
type Schedule interface {
	// Next returns the first activation strictly after from, in UTC, or the zero time when
	// there is none within the search horizon.
	Next(from time.Time) time.Time
}

const cronSearchHorizonYears = 5

var cronMacros = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

var (
	monthNames = map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}
	weekdayNames = map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}
)

type fieldBounds struct {
	name     string
	min, max int
	names    map[string]int
}

var (
	minuteBounds  = fieldBounds{name: "minute", min: 0, max: 59}
	hourBounds    = fieldBounds{name: "hour", min: 0, max: 23}
	domBounds     = fieldBounds{name: "day-of-month", min: 1, max: 31}
	monthBounds   = fieldBounds{name: "month", min: 1, max: 12, names: monthNames}
	weekdayBounds = fieldBounds{name: "day-of-week", min: 0, max: 7, names: weekdayNames}
)

// ParseSchedule parses "@every <duration>", a cron macro such as "@daily", or a 5-field
// cron expression (minute hour day-of-month month day-of-week) evaluated in loc.
func ParseSchedule(expr string, loc *time.Location) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if loc == nil {
		loc = time.UTC
	}
	if expr == "" {
		return nil, schedulerError(ErrValidation, "schedule is required")
	}

	if strings.HasPrefix(expr, "@every ") {
		raw := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.Join(schedulerError(ErrValidation, "invalid @every duration"), err)
		}
		if interval <= 0 {
			return nil, schedulerError(ErrValidation, "@every duration must be > 0")
		}
		return everySchedule{interval: interval}, nil
	}
	if expanded, ok := cronMacros[strings.ToLower(expr)]; ok {
		expr = expanded
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, schedulerError(ErrValidation, fmt.Sprintf("unsupported schedule format %q", expr))
	}

	s := &cronSchedule{loc: loc}
	var err error
	if s.minute, _, err = parseField(fields[0], minuteBounds); err != nil {
		return nil, err
	}
	if s.hour, _, err = parseField(fields[1], hourBounds); err != nil {
		return nil, err
	}
	if s.dom, s.domStar, err = parseField(fields[2], domBounds); err != nil {
		return nil, err
	}
	if s.month, _, err = parseField(fields[3], monthBounds); err != nil {
		return nil, err
	}
	if s.dow, s.dowStar, err = parseField(fields[4], weekdayBounds); err != nil {
		return nil, err
	}
	// 7 is an alias for Sunday.
	if s.dow&(1<<7) != 0 {
		s.dow = s.dow&^(1<<7) | 1
	}
	return s, nil
}

type everySchedule struct {
	interval time.Duration
}

func (s everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval).UTC()
}

// cronSchedule keeps one bit per allowed value of each field.
type cronSchedule struct {
	minute, hour, dom, month, dow uint64
	domStar, dowStar              bool
	loc                           *time.Location
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	t := from.In(s.loc).Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(cronSearchHorizonYears, 0, 0)

	for t.Before(limit) {
		switch {
		case !has(s.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, s.loc)
		case !s.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, s.loc)
		case !has(s.hour, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, s.loc)
		case !has(s.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t.UTC()
		}
	}
	return time.Time{}
}

// dayMatches applies the classic cron rule: when both day fields are restricted, either may match.
func (s *cronSchedule) dayMatches(t time.Time) bool {
	domMatch := has(s.dom, t.Day())
	dowMatch := has(s.dow, int(t.Weekday()))
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowMatch
	case s.dowStar:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

func has(bits uint64, value int) bool {
	return bits&(1<<uint(value)) != 0
}

func parseField(raw string, bounds fieldBounds) (bits uint64, star bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "*" || raw == "?" {
		return rangeBits(bounds.min, bounds.max, 1), true, nil
	}
	// "*/n" still counts as unrestricted for the day-of-month/day-of-week rule.
	star = strings.HasPrefix(raw, "*/")
	for _, segment := range strings.Split(raw, ",") {
		segBits, err := parseSegment(strings.TrimSpace(segment), bounds)
		if err != nil {
			return 0, false, errors.Join(
				schedulerError(ErrValidation, fmt.Sprintf("invalid %s field %q", bounds.name, raw)), err)
		}
		bits |= segBits
	}
	return bits, star, nil
}

func parseSegment(segment string, bounds fieldBounds) (uint64, error) {
	if segment == "" {
		return 0, errors.New("empty segment")
	}

	base, step := segment, 1
	if i := strings.IndexByte(segment, '/'); i >= 0 {
		base = segment[:i]
		parsed, err := strconv.Atoi(segment[i+1:])
		if err != nil || parsed <= 0 {
			return 0, fmt.Errorf("invalid step %q", segment[i+1:])
		}
		step = parsed
	}

	start, end := bounds.min, bounds.max
	switch {
	case base == "*" || base == "":
	case strings.Contains(base, "-"):
		lo, hi, _ := strings.Cut(base, "-")
		var err error
		if start, err = fieldValue(lo, bounds); err != nil {
			return 0, err
		}
		if end, err = fieldValue(hi, bounds); err != nil {
			return 0, err
		}
	default:
		value, err := fieldValue(base, bounds)
		if err != nil {
			return 0, err
		}
		start = value
		if step == 1 {
			end = value
		}
	}
	if end < start {
		return 0, fmt.Errorf("invalid range %d-%d", start, end)
	}
	return rangeBits(start, end, step), nil
}

func fieldValue(raw string, bounds fieldBounds) (int, error) {
	raw = strings.TrimSpace(raw)
	if value, ok := bounds.names[strings.ToLower(raw)]; ok {
		return value, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", raw)
	}
	if value < bounds.min || value > bounds.max {
		return 0, fmt.Errorf("value %d out of range [%d,%d]", value, bounds.min, bounds.max)
	}
	return value, nil
}

func rangeBits(start, end, step int) uint64 {
	var bits uint64
	for value := start; value <= end; value += step {
		bits |= 1 << uint(value)
	}
	return bits
}
