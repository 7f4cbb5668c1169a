package platform

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	require.Equal(t, []string{"aaaaaa", "bbbbbb"}, SplitText(s, 10))
	require.Equal(t, []string{"short"}, SplitText("short", 10))

	long := strings.Repeat("x", 25)
	parts := SplitText(long, 10)
	require.Len(t, parts, 3)
	require.Equal(t, long, strings.Join(parts, ""))
}

func TestWrapMatchesSentinels(t *testing.T) {
	err := Wrap("ban", ErrNotFound)
	require.ErrorIs(t, err, ErrPlatform)
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, Wrap("ban", nil))

	// Wrapping twice keeps the innermost op.
	var pe *Error
	require.True(t, errors.As(Wrap("outer", err), &pe))
	require.Equal(t, "ban", pe.Op)
}
