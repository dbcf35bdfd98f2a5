// Package cluster connects to the fleet, verifies every host runs the same
// revision of the deployed tree and builds the binaries each role needs.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/deixis/shardbench/internal/remote"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MissingTreeError is returned when a host has no deployed source tree.
type MissingTreeError struct {
	Addr string
	Root string
}

func (e *MissingTreeError) Error() string {
	return fmt.Sprintf("no %s on %s", e.Root, e.Addr)
}

// StoreRuntime runs the dependency store container on the server.
const StoreRuntime = "docker"

// MissingProgError is returned when a host lacks a program the
// experiment needs.
type MissingProgError struct {
	Addr string
	Prog string
}

func (e *MissingProgError) Error() string {
	return fmt.Sprintf("%s not found on %s", e.Prog, e.Addr)
}

// RevisionSkewError is returned when hosts report different revisions.
type RevisionSkewError struct {
	Addrs     []string
	Revisions []string
}

func (e *RevisionSkewError) Error() string {
	return fmt.Sprintf("not all commits equal: %v on %v", e.Revisions, e.Addrs)
}

// Fleet holds one session per host. The server session comes first.
type Fleet struct {
	Server   remote.Session
	Clients  []remote.Session
	Revision string
}

// All returns the server session followed by the client sessions.
func (f *Fleet) All() []remote.Session {
	return append([]remote.Session{f.Server}, f.Clients...)
}

// Close closes every session.
func (f *Fleet) Close() error {
	var errs []error
	for _, s := range f.All() {
		if s == nil {
			continue
		}
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Bootstrap prepares the fleet for a sweep.
type Bootstrap struct {
	Dial        remote.Dialer
	Root        string // deployed tree, e.g. ~/burrito
	OutDir      string // relative to Root on the hosts
	ServerBuild string
	ClientBuild string
	Timeout     time.Duration // per build command
	Log         zerolog.Logger
}

// Connect opens a session per host, checks the deployed tree exists and
// compares revisions. On any failure every opened session is closed and
// nothing is built.
func (b *Bootstrap) Connect(ctx context.Context, server *remote.Host, clients []*remote.Host) (*Fleet, error) {
	hosts := append([]*remote.Host{server}, clients...)
	b.Log.Info().Msgf("connecting to %v", hosts)

	var sessions []remote.Session
	closeAll := func() {
		for _, s := range sessions {
			_ = s.Close()
		}
	}

	revs := make([]string, 0, len(hosts))
	addrs := make([]string, 0, len(hosts))
	for _, h := range hosts {
		s, err := b.Dial(ctx, h)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("connecting to %s: %w", h, err)
		}
		sessions = append(sessions, s)
		if h.Local {
			b.Log.Info().Str("host", h.Addr).Msgf("local conn: %s/%s", h.Access, h.Addr)
		}

		rev, err := b.revision(ctx, s)
		if err != nil {
			closeAll()
			return nil, err
		}
		b.Log.Info().Str("host", h.Addr).Msgf("commit %s on %s", rev, h.Access)
		revs = append(revs, rev)
		addrs = append(addrs, h.Addr)
	}

	if err := CompareRevisions(addrs, revs); err != nil {
		closeAll()
		return nil, err
	}
	if !remote.ProgExists(ctx, sessions[0], StoreRuntime) {
		closeAll()
		return nil, &MissingProgError{Addr: server.Addr, Prog: StoreRuntime}
	}
	return &Fleet{
		Server:   sessions[0],
		Clients:  sessions[1:],
		Revision: revs[0],
	}, nil
}

func (b *Bootstrap) revision(ctx context.Context, s remote.Session) (string, error) {
	addr := s.Host().Addr
	if !remote.FileExists(ctx, s, b.Root) {
		return "", &MissingTreeError{Addr: addr, Root: b.Root}
	}
	res, err := s.Run(ctx, remote.CommandSpec{Cmd: "git rev-parse --short HEAD", Dir: b.Root})
	if err := remote.Check(res, err, "read revision", addr); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// CompareRevisions fails unless every revision equals the first.
func CompareRevisions(addrs, revs []string) error {
	for _, r := range revs {
		if r != revs[0] {
			return &RevisionSkewError{Addrs: addrs, Revisions: revs}
		}
	}
	return nil
}

// Build creates the output directory and runs the role's build command on
// every host concurrently. Tasks are not cancelled when a sibling fails;
// all failures are reported together once every task has finished.
func (b *Bootstrap) Build(ctx context.Context, f *Fleet) error {
	b.Log.Info().Msg("building burrito...")
	sessions := f.All()
	errs := make([]error, len(sessions))

	var g errgroup.Group
	for i, s := range sessions {
		cmd := b.ClientBuild
		if i == 0 {
			cmd = b.ServerBuild
		}
		g.Go(func() error {
			errs[i] = b.buildOne(ctx, s, cmd)
			return errs[i]
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	b.Log.Info().Msg("...done building burrito")
	return nil
}

func (b *Bootstrap) buildOne(ctx context.Context, s remote.Session, cmd string) error {
	addr := s.Host().Addr
	res, err := s.Run(ctx, remote.CommandSpec{Cmd: "mkdir -p " + path.Join(b.Root, b.OutDir)})
	if err := remote.Check(res, err, "mk outdir", addr); err != nil {
		return err
	}
	b.Log.Info().Str("host", addr).Msgf("building burrito on %s", addr)
	res, err = s.Run(ctx, remote.CommandSpec{Cmd: cmd, Dir: b.Root, Timeout: b.Timeout})
	return remote.Check(res, err, "build", addr)
}

// CopyConfig creates outdir locally and copies the experiment file into it
// with its permissions.
func CopyConfig(cfgPath, outdir string) error {
	if err := os.MkdirAll(outdir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", outdir, err)
	}
	in, err := os.Open(cfgPath)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	dst := filepath.Join(outdir, filepath.Base(cfgPath))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying config to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, time.Now(), st.ModTime())
}
