package remote

import (
	"strings"
	"time"
)

// DevNull is the null device used for detached and silenced commands.
const DevNull = "/dev/null"

// CommandSpec describes a single remote invocation.
type CommandSpec struct {
	Cmd        string        // raw shell command
	Dir        string        // cd into this directory first
	Sudo       bool          // run the sub-shell with sudo (after the cd)
	Background bool          // detach with screen so the process outlives the channel
	Stdin      string        // redirect stdin from this path
	Stdout     string        // redirect stdout to this path
	Stderr     string        // redirect stderr to this path
	IgnoreOut  bool          // shortcut for stdin, stdout and stderr on DevNull
	NoPTY      bool          // never allocate a terminal
	Timeout    time.Duration // zero means no limit
	Quiet      bool          // do not log the composed line
}

// Compose renders spec into the shell line executed on the host:
//
//	[cd <wd> && ][screen -d -m ][sudo ]bash -c "<cmd>[ > out ][ 2> err ][ < in ]"
func Compose(spec CommandSpec) string {
	var pre strings.Builder
	if spec.Dir != "" {
		pre.WriteString("cd " + spec.Dir + " && ")
	}
	if spec.Background {
		pre.WriteString("screen -d -m ")
	}
	cmd := strings.ReplaceAll(spec.Cmd, `"`, `\"`)
	if spec.Sudo {
		pre.WriteString("sudo ")
	}
	pre.WriteString(`bash -c "`)

	stdin, stdout, stderr := spec.Stdin, spec.Stdout, spec.Stderr
	if spec.IgnoreOut {
		stdin, stdout, stderr = DevNull, DevNull, DevNull
	}
	if spec.Background {
		stdin = DevNull
	}

	var b strings.Builder
	b.WriteString(pre.String())
	b.WriteString(cmd)
	if stdout != "" {
		b.WriteString(" > " + stdout + " ")
	}
	if stderr != "" {
		b.WriteString(" 2> " + stderr + " ")
	}
	if stdin != "" {
		b.WriteString(" < " + stdin + " ")
	}
	b.WriteString(`"`)
	return b.String()
}

// UsePTY reports whether a terminal should be allocated for spec.
// Backgrounded commands never get one.
func UsePTY(spec CommandSpec) bool {
	return !spec.Background && !spec.NoPTY
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
