package deployment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTimestamp_EpochSecondsRoundTrip(t *testing.T) {
	const epoch = int64(1704067200) // 2024-01-01T00:00:00Z

	resolved := ResolveTimestamp(newValue(float64(epoch), true))
	require.NotNil(t, resolved)
	assert.Equal(t, epoch, resolved.Unix())
}

func TestResolveTimestamp_EpochMillis(t *testing.T) {
	// Above the magnitude threshold, so milliseconds
	resolved := ResolveTimestamp(newValue(float64(1704067200000), true))
	require.NotNil(t, resolved)
	assert.Equal(t, int64(1704067200), resolved.Unix())
}

func TestResolveTimestamp_ISOPreservesInstant(t *testing.T) {
	resolved := ResolveTimestamp(newValue("2024-03-15T10:30:00+02:00", true))
	require.NotNil(t, resolved)

	want := time.Date(2024, 3, 15, 8, 30, 0, 0, time.UTC)
	assert.True(t, resolved.Equal(want), "got %v, want %v", resolved, want)
}

func TestResolveTimestamp_Formats(t *testing.T) {
	tests := []struct {
		name  string
		raw   any
		want  string // RFC3339, empty means nil expected
	}{
		{"rfc3339", "2024-01-02T03:04:05Z", "2024-01-02T03:04:05Z"},
		{"round trip fractions", "2024-01-02T03:04:05.1234567Z", "2024-01-02T03:04:05Z"},
		{"no offset", "2024-01-02T03:04:05", "2024-01-02T03:04:05Z"},
		{"space separated", "2024-01-02 03:04:05", "2024-01-02T03:04:05Z"},
		{"date only", "2024-01-02", "2024-01-02T00:00:00Z"},
		{"numeric string seconds", "1704067200", "2024-01-01T00:00:00Z"},
		{"numeric string millis", "1704067200000", "2024-01-01T00:00:00Z"},
		{"garbage", "not a date", ""},
		{"empty", "", ""},
		{"zero epoch", float64(0), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved := ResolveTimestamp(newValue(tt.raw, tt.raw != nil))
			if tt.want == "" {
				assert.Nil(t, resolved)
				return
			}
			require.NotNil(t, resolved)
			assert.Equal(t, tt.want, resolved.UTC().Truncate(time.Second).Format(time.RFC3339))
		})
	}
}

func TestValue_StringKeepsIdentifiersIntact(t *testing.T) {
	// Large run IDs stored as JSON numbers must not pick up an exponent
	v := newValue(float64(9234567890), true)
	assert.Equal(t, "9234567890", v.String())
}

func TestValue_Absent(t *testing.T) {
	assert.True(t, newValue(nil, false).IsAbsent())
	assert.True(t, newValue(nil, true).IsAbsent())
	assert.True(t, newValue(map[string]any{"x": 1}, true).IsAbsent())
	assert.False(t, newValue("x", true).IsAbsent())
}
