// Package remote wraps the command channel to each host of the fleet.
//
// A Session owns the channel to exactly one Host. Commands are described
// by a CommandSpec and rendered into one shell line by Compose; the line
// is logged and executed, and the exit status comes back in a
// runner.Result without being treated as an error. Check turns a result
// into an error when the caller requires success.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/deixis/shardbench/internal/runner"
	"github.com/rs/zerolog"
)

// Session is a command channel to one host. Implementations serialize
// commands; callers must not share a Session across hosts.
type Session interface {
	Host() *Host
	Run(ctx context.Context, spec CommandSpec) (*runner.Result, error)
	// Put copies a local file to the host.
	Put(ctx context.Context, localPath, remotePath string) error
	// Get copies a file from the host to localPath.
	Get(ctx context.Context, remotePath, localPath string) error
	Close() error
}

// processFinder is implemented by sessions that can inspect the process
// table without running a command.
type processFinder interface {
	FindProcess(ctx context.Context, name string) (bool, error)
}

// Dialer opens a Session for a host.
type Dialer func(ctx context.Context, h *Host) (Session, error)

// NewDialer returns a Dialer that runs loopback hosts in-process and
// everything else over SSH.
func NewDialer(cfg SSHConfig, log zerolog.Logger) Dialer {
	return func(ctx context.Context, h *Host) (Session, error) {
		if h.Local {
			return NewLocalSession(h, cfg.MaxOutput, log), nil
		}
		return DialSSH(ctx, h, cfg, log)
	}
}

// logCommand emits the composed line at debug level unless spec.Quiet
// is set.
func logCommand(log zerolog.Logger, h *Host, spec CommandSpec, line string) {
	if spec.Quiet {
		return
	}
	log.Debug().
		Str("host", h.Addr).
		Bool("bg", spec.Background).
		Msg(line)
}

// FileExists reports whether path exists on the host.
func FileExists(ctx context.Context, s Session, path string) bool {
	res, err := s.Run(ctx, CommandSpec{Cmd: "ls " + path})
	return err == nil && res.OK()
}

// ProgExists reports whether prog is on the host's PATH.
func ProgExists(ctx context.Context, s Session, prog string) bool {
	res, err := s.Run(ctx, CommandSpec{Cmd: "which " + prog})
	return err == nil && res.OK()
}

// ProcessExists returns a *ProcessMissingError carrying the tail of
// outFile when no process matching name runs on the host.
func ProcessExists(ctx context.Context, s Session, name, outFile string) error {
	var found bool
	if pf, ok := s.(processFinder); ok {
		var err error
		found, err = pf.FindProcess(ctx, name)
		if err != nil {
			return fmt.Errorf("listing processes on %s: %w", s.Host().Addr, err)
		}
	} else {
		res, err := s.Run(ctx, CommandSpec{Cmd: "pgrep " + name})
		if err != nil {
			return fmt.Errorf("pgrep %s on %s: %w", name, s.Host().Addr, err)
		}
		found = res.OK()
	}
	if found {
		return nil
	}
	return &ProcessMissingError{
		Name: name,
		Addr: s.Host().Addr,
		File: outFile,
		Tail: tail(ctx, s, outFile),
	}
}

// CheckFile asserts that pattern occurs in the file where on the host.
func CheckFile(ctx context.Context, s Session, pattern, where string) error {
	res, err := s.Run(ctx, CommandSpec{Cmd: fmt.Sprintf(`grep "%s" %s`, pattern, where)})
	if err != nil {
		return fmt.Errorf("grep %s on %s: %w", where, s.Host().Addr, err)
	}
	if res.OK() {
		return nil
	}
	return &PatternMissingError{
		Pattern: pattern,
		Addr:    s.Host().Addr,
		File:    where,
		Tail:    tail(ctx, s, where),
	}
}

func tail(ctx context.Context, s Session, file string) string {
	if file == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := s.Run(ctx, CommandSpec{Cmd: "tail " + file})
	if err != nil || !res.OK() {
		return ""
	}
	return string(res.Stdout)
}
