package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"10m", 600000 * time.Millisecond},
		{"2h", 7200000 * time.Millisecond},
		{"30s", 30 * time.Second},
		{"7d", 7 * 24 * time.Hour},
		{"abc", 0},
		{"", 0},
		{"m", 0},
		{"0m", 0},
		{"-5m", 0},
		{"+5m", 0},
		{"5", 0},
		{"5w", 0},
		{"1.5h", 0},
		{"10M", 0},
		{"99999999999999d", 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ParseDuration(tc.in), "input %q", tc.in)
	}
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "10m", FormatDuration(10*time.Minute))
	require.Equal(t, "2h", FormatDuration(2*time.Hour))
	require.Equal(t, "3d", FormatDuration(72*time.Hour))
	require.Equal(t, "90m", FormatDuration(90*time.Minute))
	require.Equal(t, "45s", FormatDuration(45*time.Second))
}
