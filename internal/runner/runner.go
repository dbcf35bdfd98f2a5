// Package runner provides local command execution with timeouts and
// output size limits. Its Result type is shared by every command
// transport in shardbench.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxOutput caps captured stdout and stderr.
const DefaultMaxOutput = 1 << 20 // 1 MB

// WaitDelay bounds how long a finished or timed-out command may keep its
// output pipes open through a child process.
const WaitDelay = time.Second

// ErrTimeout is wrapped by errors returned when a command exceeds its timeout.
var ErrTimeout = errors.New("command timed out")

// Runner executes local commands.
type Runner struct {
	Dir       string        // working directory; empty means the current one
	Timeout   time.Duration // default timeout; zero means none
	MaxOutput int           // bytes; zero means DefaultMaxOutput
}

// Run executes a command with the given argv using the default timeout.
func (r *Runner) Run(ctx context.Context, argv []string) (*Result, error) {
	return r.RunTimeout(ctx, argv, r.Timeout)
}

// RunTimeout executes a command with the given argv. The first element is
// the binary name (resolved via PATH), and the rest are arguments.
// A non-zero exit status is reported in Result.ExitCode, not as an error.
// When timeout elapses the partial Result is returned together with an
// error wrapping ErrTimeout.
func (r *Runner) RunTimeout(ctx context.Context, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	maxOutput := r.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	cmd.WaitDelay = WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &LimitWriter{Buf: &stdout, Limit: maxOutput}
	cmd.Stderr = &LimitWriter{Buf: &stderr, Limit: maxOutput}

	runErr := cmd.Run()

	res := &Result{
		RunID:     uuid.New().String(),
		Command:   strings.Join(argv, " "),
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.Len() >= maxOutput || stderr.Len() >= maxOutput,
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, fmt.Errorf("%s after %s: %w", argv[0], timeout, ErrTimeout)
	}

	if errors.Is(runErr, exec.ErrWaitDelay) {
		// Exited 0; a leftover child held the pipes.
		runErr = nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// Binary not found or other exec error.
			return nil, fmt.Errorf("executing %s: %w", argv[0], runErr)
		}
	}
	return res, nil
}

// LimitWriter writes up to Limit bytes to Buf, then silently discards the rest.
type LimitWriter struct {
	Buf   *bytes.Buffer
	Limit int
}

func (w *LimitWriter) Write(p []byte) (int, error) {
	remaining := w.Limit - w.Buf.Len()
	if remaining <= 0 {
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Write only what fits, but report all bytes as consumed
		// to avoid short write errors from io.Copy.
		w.Buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.Buf.Write(p)
}
