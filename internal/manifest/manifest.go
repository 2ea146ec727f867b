// Package manifest loads the file-access manifest handed to every traced
// process by the build engine. The manifest carries the per-pip policy flags
// and the report pipe location; its path arrives through the environment and
// the file must exist before the observer can do anything, so a load failure
// at startup is unrecoverable for the caller.
//
// The build engine's native manifest encoding is out of scope here; this
// loader speaks the CBOR framing used between our own components.
package manifest

import (
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalid reports a structurally valid file with unusable contents.
var ErrInvalid = errors.New("manifest: invalid manifest")

// Rule is one path-policy rule evaluated by the reference engine. Patterns
// are glob patterns with '/' as the separator.
type Rule struct {
	Name       string   `cbor:"name"`
	Paths      []string `cbor:"paths"`
	Operations []string `cbor:"operations"`
	Decision   string   `cbor:"decision"`
	NoReport   bool     `cbor:"no_report,omitempty"`
}

// Manifest is the parsed file-access manifest.
type Manifest struct {
	PipID       uint64 `cbor:"pip_id"`
	ReportsPath string `cbor:"reports_path"`

	// MonitorChildren gates observation of spawned child processes.
	MonitorChildren bool `cbor:"monitor_children"`
	// PTraceEnabled gates the secondary ptrace-based tracer machinery.
	PTraceEnabled bool `cbor:"ptrace_enabled"`
	// PTraceForced unconditionally force-traces every process.
	PTraceForced bool `cbor:"ptrace_forced"`
	// DebugReports enables verbose debug-message reports on the pipe.
	DebugReports bool `cbor:"debug_reports"`
	// FailUnexpected turns denied accesses into hard failures.
	FailUnexpected bool `cbor:"fail_unexpected"`
	// ReportProcessArgs enables command-line reporting on exec.
	ReportProcessArgs bool `cbor:"report_process_args"`

	Rules []Rule `cbor:"rules,omitempty"`
}

// Load reads and decodes the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode %s: %w", path, err)
	}
	if m.ReportsPath == "" {
		return nil, fmt.Errorf("%w: missing reports path", ErrInvalid)
	}
	return &m, nil
}

// Write encodes m to path. Used by the supervisor side (and the CLI) when
// setting up a traced process tree.
func (m *Manifest) Write(path string) error {
	data, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("manifest: write %s: %w", path, err)
	}
	return nil
}
