package pathbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetStringAndOverflow(t *testing.T) {
	b := New(8)
	require.NoError(t, b.SetString("/a/b"))
	assert.Equal(t, "/a/b", b.String())
	assert.Equal(t, 4, b.Len())
	assert.Equal(t, 8, b.Cap())

	err := b.SetString("/too/long/path")
	assert.ErrorIs(t, err, ErrOverflow)
	// Contents are unchanged after a failed set.
	assert.Equal(t, "/a/b", b.String())
}

func TestAppend(t *testing.T) {
	b := New(8)
	require.NoError(t, b.SetString("/a"))
	require.NoError(t, b.Append("/bc"))
	assert.Equal(t, "/a/bc", b.String())

	assert.ErrorIs(t, b.Append("/toolong"), ErrOverflow)
	assert.Equal(t, "/a/bc", b.String())

	require.NoError(t, b.AppendByte('/'))
	assert.Equal(t, "/a/bc/", b.String())
}

func TestShiftLeft(t *testing.T) {
	b := New(32)
	require.NoError(t, b.SetString("/a/./b"))
	// Remove the "./" before index 4.
	b.ShiftLeft(4, 2)
	assert.Equal(t, "/a/b", b.String())
}

func TestPrevSlash(t *testing.T) {
	b := New(32)
	require.NoError(t, b.SetString("/usr/local/bin"))
	assert.Equal(t, 10, b.PrevSlash(12))
	assert.Equal(t, 4, b.PrevSlash(10))
	assert.Equal(t, 0, b.PrevSlash(4))
	assert.Equal(t, 0, b.PrevSlash(1))
}

func TestSpliceFrom(t *testing.T) {
	b := New(16)
	require.NoError(t, b.SetString("/a/link/tail"))
	require.NoError(t, b.SpliceFrom(3, "target/tail"))
	assert.Equal(t, "/a/target/tail", b.String())

	assert.ErrorIs(t, b.SpliceFrom(3, "waaaaaaaaaaaaaay/too/long"), ErrOverflow)
}

func TestCopyTruncates(t *testing.T) {
	dst := make([]byte, 4)
	n := Copy(dst, "/very/long")
	assert.Equal(t, 4, n)
	assert.Equal(t, "/ver", string(dst))
}
