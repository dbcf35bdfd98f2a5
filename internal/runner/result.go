package runner

import "slices"

// Result holds the output of a command execution.
type Result struct {
	RunID     string // unique identifier for this invocation
	Command   string // the command line as executed
	ExitCode  int    // process exit code
	Stdout    []byte // captured stdout (may be truncated; empty when redirected)
	Stderr    []byte // captured stderr (may be truncated; empty when redirected)
	Truncated bool   // true if output exceeded the size cap
}

// OK reports whether the command succeeded. Exit code 0 is always
// accepted; allowed lists additional acceptable codes.
func (r *Result) OK(allowed ...int) bool {
	if r == nil {
		return false
	}
	return r.ExitCode == 0 || slices.Contains(allowed, r.ExitCode)
}
