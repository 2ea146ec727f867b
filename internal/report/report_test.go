package report

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/hermit/internal/events"
)

func sampleReport() *Report {
	return &Report{
		Operation:    events.KindWrite,
		Pid:          1234,
		RootPid:      1000,
		Access:       events.AccessWrite,
		Status:       events.StatusAllowed,
		Explicit:     events.ReportAlways,
		Errno:        0,
		PipID:        0xBEEF,
		Path:         "/tmp/build/out.txt",
		Mode:         0o100644,
		ShouldReport: true,
	}
}

func TestFrameLayout(t *testing.T) {
	frame, err := Frame(sampleReport(), false)
	require.NoError(t, err)

	n := binary.LittleEndian.Uint32(frame[:4])
	record := string(frame[4:])
	assert.Equal(t, int(n), len(record))
	assert.True(t, strings.HasSuffix(record, "\n"))
	assert.Equal(t, 12, len(strings.Split(strings.TrimSuffix(record, "\n"), "|")))
}

func TestFrameRoundTrip(t *testing.T) {
	in := sampleReport()
	in.SecondPath = "/tmp/build/out2.txt"
	frame, err := Frame(in, false)
	require.NoError(t, err)

	out, err := Decode(string(frame[4:]))
	require.NoError(t, err)
	assert.Equal(t, in.Operation, out.Operation)
	assert.Equal(t, in.Pid, out.Pid)
	assert.Equal(t, in.RootPid, out.RootPid)
	assert.Equal(t, in.Access, out.Access)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Errno, out.Errno)
	assert.Equal(t, in.PipID, out.PipID)
	assert.Equal(t, in.Path, out.Path)
	assert.Equal(t, in.SecondPath, out.SecondPath)
	assert.Equal(t, in.Mode, out.Mode)
	assert.Equal(t, in.IsDirectory, out.IsDirectory)
}

func TestSanitizeReservedCharacters(t *testing.T) {
	assert.Equal(t, "a!b.c.d", Sanitize("a|b\nc\rd"))

	r := sampleReport()
	r.Operation = events.KindDebugMessage
	r.Path = "failed: x|y\nz"
	frame, err := Frame(r, true)
	require.NoError(t, err)

	record := string(frame[4:])
	assert.Equal(t, 1, strings.Count(record, "\n"), "terminator must be the only newline")
	dec, err := Decode(record)
	require.NoError(t, err)
	assert.Equal(t, "failed: x!y.z", dec.Path)
}

func TestOversizedReportIsFatal(t *testing.T) {
	r := sampleReport()
	r.Path = "/" + strings.Repeat("a", PipeBuf)
	_, err := Frame(r, false)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestOversizedDebugReportTruncatesToFit(t *testing.T) {
	r := sampleReport()
	r.Operation = events.KindDebugMessage
	r.Path = strings.Repeat("m", PipeBuf*2)

	frame, err := Frame(r, true)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(frame), PipeBuf)

	n := binary.LittleEndian.Uint32(frame[:4])
	record := string(frame[4:])
	require.Equal(t, int(n), len(record))
	assert.Equal(t, MaxRecord, len(record))

	// Still parseable after truncation.
	dec, err := Decode(record)
	require.NoError(t, err)
	assert.Equal(t, events.KindDebugMessage, dec.Operation)
	assert.True(t, strings.HasPrefix(dec.Path, "mmm"))
}

func TestSenderWritesOneFrame(t *testing.T) {
	dir := t.TempDir()
	pipe := filepath.Join(dir, "reports")
	require.NoError(t, os.WriteFile(pipe, nil, 0o644))

	s := NewSender(pipe, SecondaryPath(pipe), nil)
	r := sampleReport()
	require.NoError(t, s.SendReport(r, false, false))

	data, err := os.ReadFile(pipe)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint32(data[:4])
	require.Equal(t, int(n), len(data)-4)

	dec, err := Decode(string(data[4:]))
	require.NoError(t, err)
	assert.Equal(t, r.Path, dec.Path)
}

func TestSenderSecondaryPipe(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "reports")
	secondary := SecondaryPath(primary)
	require.Equal(t, primary+"2", secondary)
	require.NoError(t, os.WriteFile(primary, nil, 0o644))
	require.NoError(t, os.WriteFile(secondary, nil, 0o644))

	s := NewSender(primary, secondary, nil)
	r := sampleReport()
	r.Operation = events.KindStaticallyLinked
	require.NoError(t, s.SendReport(r, false, true))

	pdata, _ := os.ReadFile(primary)
	sdata, err := os.ReadFile(secondary)
	require.NoError(t, err)
	assert.Empty(t, pdata)
	assert.NotEmpty(t, sdata)
}

func TestSenderMissingPipeFails(t *testing.T) {
	s := NewSender("/nonexistent/pipe", "/nonexistent/pipe2", nil)
	err := s.SendReport(sampleReport(), false, false)
	assert.Error(t, err)
}

func TestProcessTreeCompletedIsNoop(t *testing.T) {
	// No pipe exists; the send must still succeed because nothing is written.
	s := NewSender("/nonexistent/pipe", "/nonexistent/pipe2", nil)
	r := sampleReport()
	r.Operation = events.KindProcessTreeCompleted
	assert.NoError(t, s.SendReport(r, false, false))
}

func TestSendGroupHonorsShouldReport(t *testing.T) {
	dir := t.TempDir()
	pipe := filepath.Join(dir, "reports")
	require.NoError(t, os.WriteFile(pipe, nil, 0o644))

	s := NewSender(pipe, SecondaryPath(pipe), nil)
	g := &Group{First: *sampleReport(), Second: *sampleReport()}
	g.Second.ShouldReport = false
	require.NoError(t, s.SendGroup(g))

	data, err := os.ReadFile(pipe)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint32(data[:4])
	// Exactly one frame was written.
	assert.Equal(t, int(n), len(data)-4)
}
