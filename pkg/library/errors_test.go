package library

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_WrapErr_Fills_Copy_When_Cause_Is_Already_An_Error(t *testing.T) {
	t.Parallel()

	shared := &Error{Err: ErrNotFound}

	got := wrapErr("get document", "d1", shared)

	var wrapped *Error
	require.True(t, errors.As(got, &wrapped))
	require.Equal(t, "get document", wrapped.Op)
	require.Equal(t, "d1", wrapped.ID)
	require.ErrorIs(t, got, ErrNotFound)

	require.Empty(t, shared.Op)
	require.Empty(t, shared.ID)

	// Fields already set are kept.
	again := wrapErr("outer", "d2", got)
	require.Equal(t, "get document: not found (id=d1)", again.Error())
}

func Test_WrapErr_Nests_When_Error_Is_Wrapped_By_Other_Cause(t *testing.T) {
	t.Parallel()

	inner := &Error{Op: "load", Err: ErrNotFound}
	cause := fmt.Errorf("scan: %w", inner)

	got := wrapErr("list documents", "", cause)
	require.Equal(t, "list documents: scan: load: not found", got.Error())
	require.ErrorIs(t, got, ErrNotFound)
}
