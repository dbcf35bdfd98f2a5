package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deixis/shardbench/internal/runner"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// LocalSession runs commands for a loopback host in-process through bash.
// Relative "remote" paths resolve against the home directory, matching
// the login directory of an SSH session.
type LocalSession struct {
	host   *Host
	runner *runner.Runner
	log    zerolog.Logger

	mu sync.Mutex
}

// NewLocalSession returns a session executing on this machine.
func NewLocalSession(h *Host, maxOutput int, log zerolog.Logger) *LocalSession {
	dir, _ := os.UserHomeDir()
	return &LocalSession{
		host:   h,
		runner: &runner.Runner{Dir: dir, MaxOutput: maxOutput},
		log:    log,
	}
}

// Host returns the host this session is bound to.
func (s *LocalSession) Host() *Host { return s.host }

// Run composes spec, logs it and executes it with bash.
func (s *LocalSession) Run(ctx context.Context, spec CommandSpec) (*runner.Result, error) {
	line := Compose(spec)
	logCommand(s.log, s.host, spec, line)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.runner.RunTimeout(ctx, []string{"bash", "-c", line}, spec.Timeout)
	if res != nil {
		res.Command = line
	}
	return res, err
}

// FindProcess reports whether a process whose name contains name runs
// on this machine.
func (s *LocalSession) FindProcess(ctx context.Context, name string) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil {
			continue // exited or not ours to read
		}
		if strings.Contains(n, name) {
			return true, nil
		}
	}
	return false, nil
}

// Put copies localPath to remotePath.
func (s *LocalSession) Put(_ context.Context, localPath, remotePath string) error {
	dst := s.resolve(remotePath)
	s.log.Info().Str("host", s.host.Addr).Msgf("cp %s -> %s", localPath, dst)
	return copyFile(localPath, dst)
}

// Get moves remotePath to localPath, falling back to copy and remove
// when the two are on different filesystems.
func (s *LocalSession) Get(_ context.Context, remotePath, localPath string) error {
	src := s.resolve(remotePath)
	s.log.Info().Str("host", s.host.Addr).Msgf("mv %s -> %s", src, localPath)
	if err := os.Rename(src, localPath); err == nil {
		return nil
	}
	if err := copyFile(src, localPath); err != nil {
		return err
	}
	return os.Remove(src)
}

// Close is a no-op.
func (s *LocalSession) Close() error { return nil }

func (s *LocalSession) resolve(path string) string {
	path = strings.TrimPrefix(path, "~/")
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.runner.Dir, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
