package serrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCode_FindsWrappedBaseError(t *testing.T) {
	base := NewError("INGEST_EMPTY_LOAD", "no rows loaded", "")
	err := fmt.Errorf("load teach_record_raw: %w", base)

	require.ErrorIs(t, err, base)
	require.Equal(t, "INGEST_EMPTY_LOAD", Code(err))
	require.Equal(t, "", Code(fmt.Errorf("plain")))
}

func TestNewKind_MatchesParentAndKeepsOwnCode(t *testing.T) {
	parent := NewError("INGEST_CONFIGURATION", "configuration error", "")
	kind := NewKind(parent, "INGEST_UNSUPPORTED_SHEET", "Unsupported sheet name")
	err := fmt.Errorf("%w: %q", kind, "TEACH_RECORD")

	require.ErrorIs(t, err, kind)
	require.ErrorIs(t, err, parent)
	require.Equal(t, "INGEST_UNSUPPORTED_SHEET", Code(err))
}
