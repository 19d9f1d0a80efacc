package memory

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeRange is an inclusive [Start, End] window over created_at.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

var relativeExpr = regexp.MustCompile(`^(?:last|past)\s+(\d+)\s+(hour|day|week|month)s?$`)

// ParseTimeExpression resolves a relative time phrase to an absolute range.
//
// Supported phrases: "today", "yesterday", "this week", "last week",
// "past week", "this month", "last month", "past month", and
// "last/past N hours/days/weeks/months". Weeks start on Monday.
func ParseTimeExpression(expression string, now time.Time) (TimeRange, error) {
	expr := strings.ToLower(strings.TrimSpace(expression))
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch expr {
	case "today":
		return TimeRange{Start: startOfDay, End: now}, nil
	case "yesterday":
		return TimeRange{
			Start: startOfDay.AddDate(0, 0, -1),
			End:   startOfDay.Add(-time.Nanosecond),
		}, nil
	case "this week":
		return TimeRange{Start: startOfWeek(startOfDay), End: now}, nil
	case "last week":
		thisWeek := startOfWeek(startOfDay)
		return TimeRange{
			Start: thisWeek.AddDate(0, 0, -7),
			End:   thisWeek.Add(-time.Nanosecond),
		}, nil
	case "past week":
		return TimeRange{Start: now.AddDate(0, 0, -7), End: now}, nil
	case "this month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return TimeRange{Start: start, End: now}, nil
	case "last month":
		thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return TimeRange{
			Start: thisMonth.AddDate(0, -1, 0),
			End:   thisMonth.Add(-time.Nanosecond),
		}, nil
	case "past month":
		return TimeRange{Start: now.AddDate(0, -1, 0), End: now}, nil
	}

	if m := relativeExpr.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return TimeRange{}, fmt.Errorf("invalid count in time expression %q: %w", expression, ErrInvalidInput)
		}
		var start time.Time
		switch m[2] {
		case "hour":
			start = now.Add(-time.Duration(n) * time.Hour)
		case "day":
			start = now.AddDate(0, 0, -n)
		case "week":
			start = now.AddDate(0, 0, -7*n)
		case "month":
			start = now.AddDate(0, -n, 0)
		}
		return TimeRange{Start: start, End: now}, nil
	}

	return TimeRange{}, fmt.Errorf("unrecognized time expression %q: %w", expression, ErrInvalidInput)
}

func startOfWeek(startOfDay time.Time) time.Time {
	weekday := int(startOfDay.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday belongs to the preceding Monday week
	}
	return startOfDay.AddDate(0, 0, -(weekday - 1))
}
