package linkage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	staticOutput  = "/bin/tool:     file format elf64-x86-64\n\nProgram Header:\n    LOAD off 0x0\n"
	dynamicOutput = staticOutput + "Dynamic Section:\n  NEEDED               libc.so.6\n"
	garbageOutput = "objdump: /tmp/x: file format not recognized\n"
)

// harness wires a Checker with counting hooks.
type harness struct {
	inspectCalls int
	inspectOut   string
	mtime        int64
	grants       int
	signals      []string
	order        []string
	grantErr     error
}

func (h *harness) checker(cfg Config) *Checker {
	cfg.Inspect = func(path string) (string, error) {
		h.inspectCalls++
		return h.inspectOut, nil
	}
	cfg.Mtime = func(path string) (int64, error) { return h.mtime, nil }
	cfg.Grant = func() error {
		h.order = append(h.order, "grant")
		if h.grantErr != nil {
			return h.grantErr
		}
		h.grants++
		return nil
	}
	cfg.Signal = func(path string) error {
		h.order = append(h.order, "signal")
		h.signals = append(h.signals, path)
		return nil
	}
	return NewChecker(cfg)
}

func TestClassify(t *testing.T) {
	assert.True(t, Classify(staticOutput))
	assert.False(t, Classify(dynamicOutput))
	assert.False(t, Classify(garbageOutput))
	assert.False(t, Classify(""))
}

func TestDisabledTracingShortCircuits(t *testing.T) {
	h := &harness{inspectOut: staticOutput}
	c := h.checker(Config{Enabled: false, ForceAll: true})

	st, err := c.Check("/bin/static-tool")
	require.NoError(t, err)
	assert.Equal(t, StatusNotTraced, st)
	assert.Zero(t, h.inspectCalls)
	assert.Zero(t, h.grants)
}

func TestForcedNameSkipsInspection(t *testing.T) {
	h := &harness{inspectOut: dynamicOutput}
	c := h.checker(Config{Enabled: true, ForcedNames: []string{"stubborn-tool"}})

	st, err := c.Check("/opt/bin/stubborn-tool")
	require.NoError(t, err)
	assert.Equal(t, StatusForceTraced, st)
	assert.Zero(t, h.inspectCalls, "override must not invoke the inspection tool")
	assert.Equal(t, []string{"/opt/bin/stubborn-tool"}, h.signals)
}

func TestForceAllSkipsInspection(t *testing.T) {
	h := &harness{inspectOut: dynamicOutput}
	c := h.checker(Config{Enabled: true, ForceAll: true})

	st, err := c.Check("/bin/anything")
	require.NoError(t, err)
	assert.Equal(t, StatusForceTraced, st)
	assert.Zero(t, h.inspectCalls)
}

func TestStaticBinaryIsForceTraced(t *testing.T) {
	h := &harness{inspectOut: staticOutput}
	c := h.checker(Config{Enabled: true})

	st, err := c.Check("/bin/static-tool")
	require.NoError(t, err)
	assert.Equal(t, StatusForceTraced, st)
	assert.Equal(t, 1, h.grants)
	assert.Equal(t, []string{"/bin/static-tool"}, h.signals)
}

func TestDynamicBinaryIsNotTraced(t *testing.T) {
	h := &harness{inspectOut: dynamicOutput}
	c := h.checker(Config{Enabled: true})

	st, err := c.Check("/bin/cc")
	require.NoError(t, err)
	assert.Equal(t, StatusNotTraced, st)
	assert.Zero(t, h.grants)
	assert.Empty(t, h.signals)
}

func TestVerdictCachedByMtime(t *testing.T) {
	h := &harness{inspectOut: staticOutput, mtime: 100}
	c := h.checker(Config{Enabled: true})

	_, err := c.Check("/bin/static-tool")
	require.NoError(t, err)
	_, err = c.Check("/bin/static-tool")
	require.NoError(t, err)
	assert.Equal(t, 1, h.inspectCalls, "unchanged mtime must reuse the verdict")

	// Touching the file forces a re-inspection.
	h.mtime = 200
	_, err = c.Check("/bin/static-tool")
	require.NoError(t, err)
	assert.Equal(t, 2, h.inspectCalls)
}

func TestGrantPrecedesSignal(t *testing.T) {
	h := &harness{inspectOut: staticOutput}
	c := h.checker(Config{Enabled: true, ForceAll: true})

	_, err := c.Check("/bin/x")
	require.NoError(t, err)
	require.Equal(t, []string{"grant", "signal"}, h.order)
}

func TestGrantFailureIsUnrecoverable(t *testing.T) {
	h := &harness{inspectOut: staticOutput, grantErr: errors.New("EPERM")}
	c := h.checker(Config{Enabled: true, ForceAll: true})

	_, err := c.Check("/bin/x")
	assert.ErrorIs(t, err, ErrGrant)
	assert.Empty(t, h.signals, "no hand-off signal after a failed grant")
}

func TestForcedMatchingIsByBasename(t *testing.T) {
	c := NewChecker(Config{Enabled: true, ForcedNames: []string{"make", "ld"}})
	assert.True(t, c.Forced("/usr/bin/make"))
	assert.True(t, c.Forced("ld"))
	assert.False(t, c.Forced("/usr/bin/gmake"))
	assert.False(t, c.Forced("/usr/bin/make2"))
}

func TestSignalFailureIsErrSignal(t *testing.T) {
	c := NewChecker(Config{
		Enabled:  true,
		ForceAll: true,
		Grant:    func() error { return nil },
		Signal:   func(string) error { return errors.New("pipe gone") },
		Inspect:  func(string) (string, error) { return "", nil },
		Mtime:    func(string) (int64, error) { return 1, nil },
	})
	st, err := c.Check("/bin/tool")
	require.ErrorIs(t, err, ErrSignal)
	assert.Equal(t, StatusForceTraced, st)
}
