// internal/deadline/deadline_test.go
package deadline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday 2024-06-12, 14:30 UTC.
var wednesday = time.Date(2024, 6, 12, 14, 30, 0, 0, time.UTC)

func TestParseTomorrow(t *testing.T) {
	got, ok := Parse("finish this tomorrow", wednesday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 13, 9, 0, 0, 0, time.UTC), got)
}

func TestParseNextWeekVariants(t *testing.T) {
	want := time.Date(2024, 6, 19, 9, 0, 0, 0, time.UTC)
	for _, text := range []string{"next week", "in a week", "in 1 week", "follow up next week"} {
		got, ok := Parse(text, wednesday)
		require.True(t, ok, "text %q", text)
		assert.Equal(t, want, got, "text %q", text)
	}
}

func TestParseWeekday(t *testing.T) {
	tests := []struct {
		text string
		want time.Time
	}{
		{"friday", time.Date(2024, 6, 14, 9, 0, 0, 0, time.UTC)},
		{"next friday", time.Date(2024, 6, 14, 9, 0, 0, 0, time.UTC)},
		{"call them on monday", time.Date(2024, 6, 17, 9, 0, 0, 0, time.UTC)},
		// Today's weekday is never a match: always strictly future.
		{"wednesday", time.Date(2024, 6, 19, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.text, wednesday)
		require.True(t, ok, "text %q", tt.text)
		assert.Equal(t, tt.want, got, "text %q", tt.text)
	}
}

func TestParseInNDays(t *testing.T) {
	got, ok := Parse("in 3 days", wednesday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC), got)

	got, ok = Parse("10 days", wednesday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 22, 9, 0, 0, 0, time.UTC), got)
}

func TestParseInNWeeks(t *testing.T) {
	got, ok := Parse("in 2 weeks", wednesday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 26, 9, 0, 0, 0, time.UTC), got)

	got, ok = Parse("in three weeks", wednesday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 7, 3, 9, 0, 0, 0, time.UTC), got)
}

func TestParseEndOfWeek(t *testing.T) {
	// On a Wednesday: the upcoming Friday, 17:00.
	got, ok := Parse("end of week", wednesday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 14, 17, 0, 0, 0, time.UTC), got)

	got, ok = Parse("eow", wednesday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 14, 17, 0, 0, 0, time.UTC), got)

	// On a Friday: the next Friday, never the same day.
	friday := time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC)
	got, ok = Parse("end of the week", friday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 21, 17, 0, 0, 0, time.UTC), got)
}

func TestParseLiteralDate(t *testing.T) {
	got, ok := Parse("2024-09-01", wednesday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC), got)
}

func TestParseCaseInsensitive(t *testing.T) {
	_, ok := Parse("ToMoRrOw", wednesday)
	assert.True(t, ok)
}

func TestParseNoGuessing(t *testing.T) {
	for _, text := range []string{"", "soon", "whenever you can", "asap", "later"} {
		_, ok := Parse(text, wednesday)
		assert.False(t, ok, "text %q should not parse", text)
	}
}

func TestFormatAPI(t *testing.T) {
	ts := time.Date(2024, 6, 13, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-06-13T09:00:00.000000000Z", FormatAPI(ts))
}
