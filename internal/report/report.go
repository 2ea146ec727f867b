// Package report serializes access decisions into the wire format consumed by
// the supervising build engine and writes them to the shared report pipe.
//
// Every message is a 4-byte little-endian length prefix followed by exactly
// that many bytes of a '|'-delimited record ending in '\n'. Many independent
// traced processes write to the same pipe, so a message must fit in one
// atomic pipe write: PipeBuf bytes including the prefix. A non-debug report
// that cannot fit is unrecoverable; a debug report is truncated to fit.
package report

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/agentsh/hermit/internal/events"
)

const (
	// PipeBuf is the platform's atomic pipe write unit.
	PipeBuf = 4096

	prefixLen = 4

	// MaxRecord is the largest record payload that fits one atomic write.
	MaxRecord = PipeBuf - prefixLen

	fieldSep   = '|'
	terminator = '\n'
)

// ErrTooLarge reports a record that cannot fit one atomic pipe write.
// Splitting it would risk interleaving with other writers, so for non-debug
// reports the caller must treat this as fatal.
var ErrTooLarge = errors.New("report: message exceeds atomic pipe capacity")

// ErrShortWrite reports a partial pipe write. The frame boundary is corrupted
// for every consumer of the shared channel; there is no recovery.
var ErrShortWrite = errors.New("report: short write on report pipe")

// Report is the serialized form of an access event plus its decision and the
// owning process bookkeeping.
type Report struct {
	Operation    events.Kind
	Pid          int
	RootPid      int
	Access       events.Access
	Status       events.Status
	Explicit     events.ReportLevel
	Errno        int
	PipID        uint64
	Path         string
	SecondPath   string
	Mode         uint32
	IsDirectory  bool
	ShouldReport bool
}

// Group pairs the (up to) two reports produced by a two-path operation.
type Group struct {
	First  Report
	Second Report
}

// SetErrno stamps the syscall outcome on both constituents.
func (g *Group) SetErrno(errno int) {
	g.First.Errno = errno
	g.Second.Errno = errno
}

var sanitizer = strings.NewReplacer(
	string(fieldSep), "!",
	"\n", ".",
	"\r", ".",
)

// Sanitize substitutes the reserved delimiter and line-terminator characters
// in a free-form field so the consumer's parser stays in sync.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}

func boolField(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encode renders the record for r with the given primary path.
func encode(r *Report, path string) string {
	return fmt.Sprintf("%d|%d|%d|%d|%d|%d|%d|%d|%s|%s|%o|%d\n",
		int(r.Operation), r.Pid, r.RootPid, int(r.Access), int(r.Status),
		int(r.Explicit), r.Errno, r.PipID,
		Sanitize(path), Sanitize(r.SecondPath), r.Mode, boolField(r.IsDirectory))
}

// Frame serializes r into a length-prefixed wire frame. When debug is set and
// the record is oversized, the path field (which carries the debug message)
// is truncated to the exact length that makes the record fit; otherwise an
// oversized record yields ErrTooLarge.
func Frame(r *Report, debug bool) ([]byte, error) {
	record := encode(r, r.Path)
	if len(record) > MaxRecord {
		if !debug {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(record))
		}
		// Everything but the message is fixed overhead; give the message
		// whatever room is left.
		overhead := len(record) - len(Sanitize(r.Path))
		keep := MaxRecord - overhead
		if keep < 0 {
			keep = 0
		}
		record = encode(r, truncate(r.Path, keep))
	}

	frame := make([]byte, prefixLen+len(record))
	binary.LittleEndian.PutUint32(frame, uint32(len(record)))
	copy(frame[prefixLen:], record)
	return frame, nil
}

// truncate cuts s to at most n bytes before sanitization can grow it. The
// sanitizer maps byte to byte, so the post-sanitize length equals the
// pre-sanitize length and cutting the raw message is exact.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Decode parses one record payload back into a Report. It is the inverse of
// the builder for the fixed fields and is used by the supervising side and by
// tests; free-form fields come back sanitized.
func Decode(record string) (*Report, error) {
	record = strings.TrimSuffix(record, string(terminator))
	parts := strings.Split(record, string(fieldSep))
	if len(parts) != 12 {
		return nil, fmt.Errorf("report: malformed record: %d fields", len(parts))
	}
	var r Report
	var op, access, status, explicit, isDir int
	if _, err := fmt.Sscanf(
		strings.Join(parts[:8], " ")+" "+parts[10]+" "+parts[11],
		"%d %d %d %d %d %d %d %d %o %d",
		&op, &r.Pid, &r.RootPid, &access, &status, &explicit, &r.Errno, &r.PipID,
		&r.Mode, &isDir,
	); err != nil {
		return nil, fmt.Errorf("report: malformed record: %w", err)
	}
	r.Operation = events.Kind(op)
	r.Access = events.Access(access)
	r.Status = events.Status(status)
	r.Explicit = events.ReportLevel(explicit)
	r.Path = parts[8]
	r.SecondPath = parts[9]
	r.IsDirectory = isDir != 0
	r.ShouldReport = true
	return &r, nil
}
