package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-01T00:00:00Z", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T05:30:00+05:30", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T00:00:00.123456Z", time.Date(2024, 1, 1, 0, 0, 0, 123456000, time.UTC)},
		{"2024-01-01T12:00:00", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"2024-01-01 12:00:00", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"2024-01-01 12:00:00-04:00", time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC)},
		{"2024-01-01T12:00", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"2024-01-01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{" 2024-01-01 ", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	for _, in := range []string{"", "not-a-date", "2026-99-99", "2024-02-30", "01/02/2024", "1704067200"} {
		_, err := ParseTimestamp(in)
		assert.Error(t, err, in)
	}
}
