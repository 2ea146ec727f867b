package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.fam"))
	assert.Error(t, err)
}

func TestLoadGarbageFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.fam")
	require.NoError(t, os.WriteFile(path, []byte("not cbor at all"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noreports.fam")
	m := &Manifest{PipID: 7}
	require.NoError(t, m.Write(path))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pip.fam")
	in := &Manifest{
		PipID:           42,
		ReportsPath:     "/run/hermit/reports",
		MonitorChildren: true,
		PTraceEnabled:   true,
		FailUnexpected:  true,
		Rules: []Rule{
			{Name: "deny-etc", Paths: []string{"/etc/**"}, Operations: []string{"write"}, Decision: "deny"},
		},
	}
	require.NoError(t, in.Write(path))

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), out.PipID)
	assert.Equal(t, "/run/hermit/reports", out.ReportsPath)
	assert.True(t, out.MonitorChildren)
	assert.True(t, out.PTraceEnabled)
	assert.False(t, out.PTraceForced)
	assert.True(t, out.FailUnexpected)
	require.Len(t, out.Rules, 1)
	assert.Equal(t, "deny-etc", out.Rules[0].Name)
}
