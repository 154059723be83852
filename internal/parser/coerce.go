package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leakpurge/leakpurge/internal/schema"
)

const hoursPerHalfDay = 12

var (
	errDateFormat     = errors.New("expected month/day[/year]")
	errDatetimeFormat = errors.New("expected month/day/year hour:minute:second AM|PM")
	errCalendar       = errors.New("no such calendar date")
)

// coerce converts a matched group to the declared type. Empty groups are nil for
// every type; unknown types are nil as well (the registry warns about them once).
func coerce(raw string, t schema.ValueType, legacyYear bool) (any, error) {
	if raw == "" {
		return nil, nil
	}

	switch t {
	case schema.TypeString:
		// NUL cannot be stored in a JSON document column.
		cleaned := strings.ReplaceAll(raw, "\x00", "")
		if cleaned == "" {
			return nil, nil
		}

		return cleaned, nil
	case schema.TypeNumber:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", raw, err)
		}

		return n, nil
	case schema.TypeDate:
		return parseDate(raw, legacyYear)
	case schema.TypeDatetime:
		return parseDatetime(raw)
	default:
		return nil, nil
	}
}

// parseDate reads M/D or M/D/Y. Without a year the value is nil, or falls in LegacyYear
// when legacyYear is set.
func parseDate(raw string, legacyYear bool) (any, error) {
	parts := strings.Split(raw, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("date %q: %w", raw, errDateFormat)
	}

	nums, err := atoiAll(parts)
	if err != nil {
		return nil, fmt.Errorf("date %q: %w", raw, err)
	}

	year := LegacyYear
	if len(nums) == 3 {
		year = nums[2]
	} else if !legacyYear {
		return nil, nil
	}

	t, err := calendarDate(year, nums[0], nums[1], 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("date %q: %w", raw, err)
	}

	return t, nil
}

// parseDatetime reads "M/D/Y h:m:s AM|PM".
func parseDatetime(raw string) (any, error) {
	fields := strings.Fields(raw)
	if len(fields) != 3 {
		return nil, fmt.Errorf("datetime %q: %w", raw, errDatetimeFormat)
	}

	date := strings.Split(fields[0], "/")
	clock := strings.Split(fields[1], ":")

	if len(date) != 3 || len(clock) != 3 {
		return nil, fmt.Errorf("datetime %q: %w", raw, errDatetimeFormat)
	}

	nums, err := atoiAll(append(date, clock...))
	if err != nil {
		return nil, fmt.Errorf("datetime %q: %w", raw, err)
	}

	hour := nums[3]

	switch fields[2] {
	case "AM":
		if hour == hoursPerHalfDay {
			hour = 0
		}
	case "PM":
		if hour < hoursPerHalfDay {
			hour += hoursPerHalfDay
		}
	default:
		return nil, fmt.Errorf("datetime %q: %w", raw, errDatetimeFormat)
	}

	t, err := calendarDate(nums[2], nums[0], nums[1], hour, nums[4], nums[5])
	if err != nil {
		return nil, fmt.Errorf("datetime %q: %w", raw, err)
	}

	return t, nil
}

func calendarDate(year, month, day, hour, minute, second int) (time.Time, error) {
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)

	// time.Date normalises out-of-range values; reject instead of rolling over.
	if t.Year() != year || int(t.Month()) != month || t.Day() != day ||
		t.Hour() != hour || t.Minute() != minute || t.Second() != second {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d %02d:%02d:%02d",
			errCalendar, year, month, day, hour, minute, second)
	}

	return t, nil
}

func atoiAll(parts []string) ([]int, error) {
	nums := make([]int, len(parts))

	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}

		nums[i] = n
	}

	return nums, nil
}
