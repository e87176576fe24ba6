package dferr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessageFormatting(t *testing.T) {
	e := New(KindNotFound, "/foo/bar")
	require.Equal(t, "not_found: /foo/bar", e.Error())

	bare := New(KindCorruptImage, "")
	require.Equal(t, "corrupt_image", bare.Error())
}

func TestWrapPreservesCauseAndKind(t *testing.T) {
	cause := errors.New("short read")
	wrapped := Wrap(KindIO, "reading sector 4", cause)

	require.True(t, Is(wrapped, KindIO))
	require.NotNil(t, errors.Unwrap(wrapped))
}

func TestWrapNilCauseDegradesToNew(t *testing.T) {
	e := Wrap(KindIO, "no cause here", nil)
	require.Nil(t, e.Unwrap())
}

func TestKindEOFSatisfiesStdlibEOF(t *testing.T) {
	e := New(KindEOF, "past end of attribute")
	require.True(t, errors.Is(e, io.EOF))

	other := New(KindIO, "disk failure")
	require.False(t, errors.Is(other, io.EOF))
}

func TestIsDistinguishesKinds(t *testing.T) {
	e := New(KindNotADirectory, "x")
	require.True(t, Is(e, KindNotADirectory))
	require.False(t, Is(e, KindNotAFile))
	require.False(t, Is(errors.New("plain error"), KindIO))
}
