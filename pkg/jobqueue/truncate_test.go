package jobqueue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTruncateString_KeepsRunesWhole(t *testing.T) {
	require.Equal(t, "日", truncateString("日期", 4))
	require.Equal(t, "", truncateString("日期", 2))
	require.Equal(t, "abc", truncateString("abc", 10))
	require.Equal(t, "", truncateString("abc", 0))
}

func TestTruncateError(t *testing.T) {
	require.Equal(t, "", truncateError(nil, 10))
	require.Equal(t, "staging", truncateError(errors.New("staging load failed"), 7))
}
