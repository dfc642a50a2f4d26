package sqlident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		used     []string
		fallback string
		want     string
	}{
		{name: "ascii", input: "Teacher Name", want: "teacher_name"},
		{name: "punctuation collapses", input: "  a -- b  (c) ", want: "a_b_c"},
		{name: "cjk kept", input: "日期", want: "日期"},
		{name: "cjk collision", input: "日期", used: []string{"日期"}, want: "日期_1"},
		{name: "second collision", input: "x", used: []string{"x", "x_1"}, want: "x_2"},
		{name: "fullwidth folded", input: "ＡＢＣ１", want: "abc1"},
		{name: "leading digit", input: "2024 score", want: "_2024_score"},
		{name: "empty falls back", input: "  ", want: "column"},
		{name: "symbols only uses fallback", input: "%%%", fallback: "field", want: "field"},
		{name: "metadata clash", input: "ID", used: []string{"id"}, want: "id_1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			used := NewSet(tc.used...)
			got := Sanitize(tc.input, used, tc.fallback)
			require.Equal(t, tc.want, got)
			require.True(t, used.Has(got))
			require.True(t, Valid(got), got)
		})
	}
}

func TestSanitize_SequentialCallsStayUnique(t *testing.T) {
	used := NewSet()
	first := Sanitize("日期", used, "")
	second := Sanitize("日期", used, "")
	require.Equal(t, "日期", first)
	require.Equal(t, "日期_1", second)
}

func TestSanitize_TruncatesRuneSafe(t *testing.T) {
	long := strings.Repeat("科", 40)
	used := NewSet()

	got := Sanitize(long, used, "")
	require.LessOrEqual(t, len(got), MaxLength)
	require.True(t, Valid(got))

	dup := Sanitize(long, used, "")
	require.LessOrEqual(t, len(dup), MaxLength)
	require.True(t, strings.HasSuffix(dup, "_1"))
	require.NotEqual(t, got, dup)
}

func TestValid(t *testing.T) {
	require.True(t, Valid("teach_record_raw"))
	require.True(t, Valid("日期"))
	require.False(t, Valid(""))
	require.False(t, Valid("a;drop table x"))
	require.False(t, Valid(`a"b`))
	require.False(t, Valid(strings.Repeat("a", MaxLength+1)))
}

func TestParse(t *testing.T) {
	ident, err := Parse("analytics.teach_record_normalized")
	require.NoError(t, err)
	require.Equal(t, `"analytics"."teach_record_normalized"`, ident.Sanitize())
	require.Equal(t, "analytics.teach_record_normalized", Label(ident))

	for _, bad := range []string{"", "a.b.c", "a..b", "users; drop", "x-y"} {
		_, err := Parse(bad)
		require.ErrorIs(t, err, ErrInvalidIdentifier, bad)
	}
}

func TestQuoteAll(t *testing.T) {
	require.Equal(t, `"a", "日期"`, QuoteAll([]string{"a", "日期"}))
}
