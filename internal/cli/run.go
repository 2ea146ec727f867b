package cli

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentsh/hermit/internal/config"
	"github.com/agentsh/hermit/internal/events"
	"github.com/agentsh/hermit/internal/manifest"
	"github.com/agentsh/hermit/internal/observer"
	"github.com/agentsh/hermit/internal/report"
)

type runOptions struct {
	rulesPath       string
	shimPath        string
	forcedNames     string
	pipID           uint64
	monitorChildren bool
	ptrace          bool
	ptraceForce     bool
	debugReports    bool
	reportArgs      bool
	failUnexpected  bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	c := &cobra.Command{
		Use:   "run [flags] -- COMMAND [ARGS...]",
		Short: "Run a command under the observer and stream its access reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, opts, args)
		},
		DisableFlagsInUseLine: true,
	}
	c.Flags().StringVar(&opts.rulesPath, "rules", "", "Access rules file (YAML)")
	c.Flags().StringVar(&opts.shimPath, "shim", os.Getenv(observer.EnvShimPath), "Interposition library preloaded into the command")
	c.Flags().StringVar(&opts.forcedNames, "force-trace", os.Getenv(observer.EnvForcedTraceNames), "Semicolon-separated basenames that always go to the secondary tracer")
	c.Flags().Uint64Var(&opts.pipID, "pip-id", 0, "Pip identifier stamped on every report")
	c.Flags().BoolVar(&opts.monitorChildren, "monitor-children", true, "Propagate the sandbox into child processes")
	c.Flags().BoolVar(&opts.ptrace, "ptrace", false, "Enable secondary-tracer hand-off for statically linked binaries")
	c.Flags().BoolVar(&opts.ptraceForce, "ptrace-force", false, "Force every child to the secondary tracer")
	c.Flags().BoolVar(&opts.debugReports, "debug-reports", false, "Emit diagnostic messages on the report pipe")
	c.Flags().BoolVar(&opts.reportArgs, "report-args", false, "Report process command lines")
	c.Flags().BoolVar(&opts.failUnexpected, "fail-unexpected", false, "Treat denied accesses as hard failures")
	return c
}

func buildManifest(opts *runOptions, reportsPath string) (*manifest.Manifest, error) {
	man := &manifest.Manifest{
		PipID:             opts.pipID,
		ReportsPath:       reportsPath,
		MonitorChildren:   opts.monitorChildren,
		PTraceEnabled:     opts.ptrace,
		PTraceForced:      opts.ptraceForce,
		DebugReports:      opts.debugReports,
		FailUnexpected:    opts.failUnexpected,
		ReportProcessArgs: opts.reportArgs,
	}
	if opts.rulesPath != "" {
		f, err := config.Load(opts.rulesPath)
		if err != nil {
			return nil, err
		}
		man.Rules = f.ManifestRules()
	}
	return man, nil
}

func runCommand(cmd *cobra.Command, opts *runOptions, args []string) error {
	workdir, err := os.MkdirTemp("", "hermit-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workdir)

	reportsPath := filepath.Join(workdir, "reports")
	if err := unix.Mkfifo(reportsPath, 0o600); err != nil {
		return fmt.Errorf("mkfifo %s: %w", reportsPath, err)
	}
	if err := unix.Mkfifo(report.SecondaryPath(reportsPath), 0o600); err != nil {
		return fmt.Errorf("mkfifo %s: %w", report.SecondaryPath(reportsPath), err)
	}

	man, err := buildManifest(opts, reportsPath)
	if err != nil {
		return err
	}
	famPath := filepath.Join(workdir, "fam")
	if err := man.Write(famPath); err != nil {
		return err
	}

	// RDWR keeps a writer on each fifo so readers never see EOF while
	// short-lived children come and go.
	primary, err := os.OpenFile(reportsPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer primary.Close()
	secondary, err := os.OpenFile(report.SecondaryPath(reportsPath), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer secondary.Close()

	out := cmd.OutOrStdout()
	primaryDone := make(chan struct{})
	secondaryDone := make(chan struct{})
	go func() {
		defer close(primaryDone)
		streamReports(primary, out, "report")
	}()
	go func() {
		defer close(secondaryDone)
		streamReports(secondary, out, "handoff")
	}()

	child := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Env = childEnv(os.Environ(), famPath, opts)

	runErr := child.Run()

	// Give in-flight frames a moment to land, then unblock the readers.
	deadline := time.Now().Add(200 * time.Millisecond)
	_ = primary.SetReadDeadline(deadline)
	_ = secondary.SetReadDeadline(deadline)
	<-primaryDone
	<-secondaryDone

	if runErr != nil {
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			return &ExitError{code: ee.ExitCode()}
		}
		return runErr
	}
	return nil
}

// childEnv appends the sandbox contract to the inherited environment. The
// root-pid sentinel "1" tells the first observer instance that it is the
// tree root.
func childEnv(env []string, famPath string, opts *runOptions) []string {
	env = append(env,
		observer.EnvFamPath+"="+famPath,
		observer.EnvRootPid+"=1",
	)
	if opts.forcedNames != "" {
		env = append(env, observer.EnvForcedTraceNames+"="+opts.forcedNames)
	}
	if opts.shimPath != "" {
		env = append(env, observer.EnvShimPath+"="+opts.shimPath)
		env = prependPreload(env, opts.shimPath)
	}
	return env
}

func prependPreload(env []string, lib string) []string {
	for i, kv := range env {
		if !strings.HasPrefix(kv, "LD_PRELOAD=") {
			continue
		}
		list := strings.TrimPrefix(kv, "LD_PRELOAD=")
		if list == "" {
			env[i] = "LD_PRELOAD=" + lib
		} else {
			env[i] = "LD_PRELOAD=" + lib + ":" + list
		}
		return env
	}
	return append(env, "LD_PRELOAD="+lib)
}

// streamReports decodes length-prefixed frames from r until it fails to read
// a full frame, printing one line per report.
func streamReports(r io.Reader, w io.Writer, channel string) {
	var prefix [4]byte
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(prefix[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}
		rep, err := report.Decode(string(payload))
		if err != nil {
			slog.Warn("malformed report frame", "error", err)
			continue
		}
		fmt.Fprintln(w, formatReport(rep, channel))
	}
}

func formatReport(r *report.Report, channel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s pid=%d op=%s path=%s", channel, statusWord(r.Status), r.Pid, r.Operation, r.Path)
	if r.SecondPath != "" {
		fmt.Fprintf(&b, " to=%s", r.SecondPath)
	}
	if r.Errno != 0 {
		fmt.Fprintf(&b, " errno=%d", r.Errno)
	}
	return b.String()
}

func statusWord(s events.Status) string {
	switch s {
	case events.StatusAllowed:
		return "allow"
	case events.StatusDenied:
		return "deny"
	default:
		return "-"
	}
}
