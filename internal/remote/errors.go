package remote

import (
	"fmt"

	"github.com/deixis/shardbench/internal/runner"
)

// CheckError reports a command that exited with a status the caller did
// not accept. It carries the captured output for the final report.
type CheckError struct {
	Label    string
	Addr     string
	ExitCode int
	Allowed  []int
	Stdout   string
	Stderr   string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s on %s: %d not in %v", e.Label, e.Addr, e.ExitCode, e.Allowed)
}

// Check returns nil when runErr is nil and res exited 0 or with one of
// allowed. Transport errors are wrapped with label and addr.
func Check(res *runner.Result, runErr error, label, addr string, allowed ...int) error {
	if runErr != nil {
		return fmt.Errorf("%s on %s: %w", label, addr, runErr)
	}
	if res.OK(allowed...) {
		return nil
	}
	if allowed == nil {
		allowed = []int{}
	}
	return &CheckError{
		Label:    label,
		Addr:     addr,
		ExitCode: res.ExitCode,
		Allowed:  allowed,
		Stdout:   string(res.Stdout),
		Stderr:   string(res.Stderr),
	}
}

// ProcessMissingError reports that an expected process is not running.
type ProcessMissingError struct {
	Name string
	Addr string
	File string // output file whose tail was captured
	Tail string
}

func (e *ProcessMissingError) Error() string {
	return fmt.Sprintf("failed to find running process with name %q on %s", e.Name, e.Addr)
}

// PatternMissingError reports that a log file lacks an expected line.
type PatternMissingError struct {
	Pattern string
	Addr    string
	File    string
	Tail    string
}

func (e *PatternMissingError) Error() string {
	return fmt.Sprintf("unable to find search string %q in process output file %s on %s", e.Pattern, e.File, e.Addr)
}
