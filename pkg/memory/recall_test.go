package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeExpression(t *testing.T) {
	// Wednesday 2026-09-02, 15:30 UTC
	now := time.Date(2026, 9, 2, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		expr          string
		expectedStart time.Time
		expectedEnd   time.Time
	}{
		{"today", time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC), now},
		{"yesterday",
			time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)},
		{"this week", time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), now},
		{"last week",
			time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)},
		{"past week", now.AddDate(0, 0, -7), now},
		{"this month", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), now},
		{"last month",
			time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)},
		{"past month", now.AddDate(0, -1, 0), now},
		{"last 3 days", now.AddDate(0, 0, -3), now},
		{"past 6 hours", now.Add(-6 * time.Hour), now},
		{"last 2 weeks", now.AddDate(0, 0, -14), now},
		{"last 1 month", now.AddDate(0, -1, 0), now},
		{"Last 3 Days", now.AddDate(0, 0, -3), now}, // case-insensitive
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			window, err := ParseTimeExpression(tt.expr, now)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStart, window.Start)
			assert.Equal(t, tt.expectedEnd, window.End)
		})
	}
}

func TestParseTimeExpression_SundayBelongsToMondayWeek(t *testing.T) {
	// Sunday 2026-09-06
	sunday := time.Date(2026, 9, 6, 12, 0, 0, 0, time.UTC)

	window, err := ParseTimeExpression("this week", sunday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), window.Start)
}

func TestParseTimeExpression_Invalid(t *testing.T) {
	now := time.Now()
	for _, expr := range []string{"", "sometime", "last days", "next week", "last -3 days", "last 0 days"} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseTimeExpression(expr, now)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}
