package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/deixis/shardbench/internal/remote"
	"github.com/deixis/shardbench/internal/remote/remotetest"
	"github.com/rs/zerolog"
)

func hosts(t *testing.T, addrs ...string) []*remote.Host {
	t.Helper()
	var out []*remote.Host
	for _, a := range addrs {
		h, err := remote.NewHost(a, "", "")
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, h)
	}
	return out
}

func fleetOf(revs ...string) ([]*remotetest.Session, remote.Dialer) {
	var sessions []*remotetest.Session
	for i, r := range revs {
		s := remotetest.NewHost(fmt.Sprintf("10.1.1.%d", 2+i))
		s.On("git rev-parse", remotetest.Response{Stdout: r + "\n"})
		sessions = append(sessions, s)
	}
	return sessions, remotetest.Dialer(sessions...)
}

func newBootstrap(dial remote.Dialer) *Bootstrap {
	return &Bootstrap{
		Dial:        dial,
		Root:        "~/burrito",
		OutDir:      "out",
		ServerBuild: "make sharding",
		ClientBuild: "make sharding-client",
		Log:         zerolog.Nop(),
	}
}

func TestConnect_MatchingRevisions(t *testing.T) {
	sessions, dial := fleetOf("a1b2c3", "a1b2c3", "a1b2c3")
	hs := hosts(t, "10.1.1.2", "10.1.1.3", "10.1.1.4")
	b := newBootstrap(dial)

	f, err := b.Connect(context.Background(), hs[0], hs[1:])
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if f.Revision != "a1b2c3" {
		t.Errorf("Revision = %q, want a1b2c3", f.Revision)
	}
	if len(f.Clients) != 2 || f.Server.Host().Addr != "10.1.1.2" {
		t.Errorf("fleet = %+v", f)
	}
	for i, s := range sessions {
		want := []string{"ls ~/burrito", "git rev-parse --short HEAD"}
		if i == 0 {
			want = append(want, "which docker")
		}
		if cmds := s.Commands(); !slices.Equal(cmds, want) {
			t.Errorf("%s commands = %v, want %v", s.Host().Addr, cmds, want)
		}
		if s.Calls()[1].Dir != "~/burrito" {
			t.Errorf("rev-parse ran in %q, want ~/burrito", s.Calls()[1].Dir)
		}
	}
}

func TestConnect_ServerWithoutDocker(t *testing.T) {
	sessions, dial := fleetOf("a", "a")
	sessions[0].On("which docker", remotetest.Response{ExitCode: 1})
	hs := hosts(t, "10.1.1.2", "10.1.1.3")

	_, err := newBootstrap(dial).Connect(context.Background(), hs[0], hs[1:])
	var missing *MissingProgError
	if !errors.As(err, &missing) {
		t.Fatalf("Connect = %v, want *MissingProgError", err)
	}
	if missing.Addr != "10.1.1.2" || missing.Prog != "docker" {
		t.Errorf("err = %+v", missing)
	}
	for _, s := range sessions {
		if !s.Closed() {
			t.Errorf("%s not closed after abort", s.Host().Addr)
		}
	}
}

func TestConnect_SkewAbortsBeforeBuild(t *testing.T) {
	sessions, dial := fleetOf("a", "b", "a")
	hs := hosts(t, "10.1.1.2", "10.1.1.3", "10.1.1.4")
	b := newBootstrap(dial)

	_, err := b.Connect(context.Background(), hs[0], hs[1:])
	var skew *RevisionSkewError
	if !errors.As(err, &skew) {
		t.Fatalf("Connect = %v, want *RevisionSkewError", err)
	}
	for _, s := range sessions {
		if s.Count("make") != 0 || s.Count("mkdir") != 0 {
			t.Errorf("%s issued build commands: %v", s.Host().Addr, s.Commands())
		}
		if !s.Closed() {
			t.Errorf("%s not closed after abort", s.Host().Addr)
		}
	}
}

func TestConnect_MissingTree(t *testing.T) {
	sessions, dial := fleetOf("a", "a")
	sessions[1].On("ls ~/burrito", remotetest.Response{ExitCode: 2})
	hs := hosts(t, "10.1.1.2", "10.1.1.3")

	_, err := newBootstrap(dial).Connect(context.Background(), hs[0], hs[1:])
	var missing *MissingTreeError
	if !errors.As(err, &missing) {
		t.Fatalf("Connect = %v, want *MissingTreeError", err)
	}
	if missing.Addr != "10.1.1.3" {
		t.Errorf("Addr = %q", missing.Addr)
	}
}

func TestCompareRevisions(t *testing.T) {
	if err := CompareRevisions([]string{"x", "y", "z"}, []string{"a", "a", "a"}); err != nil {
		t.Errorf("[a a a] = %v, want nil", err)
	}
	if err := CompareRevisions([]string{"x", "y", "z"}, []string{"a", "b", "a"}); err == nil {
		t.Error("[a b a] = nil, want error")
	}
}

func TestBuild_RolesAndAggregation(t *testing.T) {
	sessions, dial := fleetOf("a", "a", "a")
	sessions[1].On("make", remotetest.Response{ExitCode: 2, Stderr: "cargo failed"})
	sessions[2].On("make", remotetest.Response{ExitCode: 1})
	hs := hosts(t, "10.1.1.2", "10.1.1.3", "10.1.1.4")
	b := newBootstrap(dial)

	f, err := b.Connect(context.Background(), hs[0], hs[1:])
	if err != nil {
		t.Fatal(err)
	}
	err = b.Build(context.Background(), f)
	if err == nil {
		t.Fatal("Build = nil, want error")
	}
	var ce *remote.CheckError
	if !errors.As(err, &ce) {
		t.Fatalf("Build = %v, want a *remote.CheckError inside", err)
	}

	if sessions[0].Count("make sharding") != 1 || sessions[0].Count("make sharding-client") != 0 {
		t.Errorf("server build commands = %v", sessions[0].Commands())
	}
	for _, s := range sessions[1:] {
		if s.Count("make sharding-client") != 1 {
			t.Errorf("%s build commands = %v", s.Host().Addr, s.Commands())
		}
	}
	if sessions[0].Index("mkdir -p ~/burrito/out") < 0 {
		t.Errorf("outdir not created: %v", sessions[0].Commands())
	}
	// Both failing clients are reported.
	if got := err.Error(); !strings.Contains(got, "10.1.1.3") || !strings.Contains(got, "10.1.1.4") {
		t.Errorf("error %q does not name both failing hosts", got)
	}
}

func TestCopyConfig(t *testing.T) {
	src := filepath.Join(t.TempDir(), "exp.toml")
	if err := os.WriteFile(src, []byte("[exp]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "results")
	if err := CopyConfig(src, out); err != nil {
		t.Fatalf("CopyConfig: %v", err)
	}
	st, err := os.Stat(filepath.Join(out, "exp.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", st.Mode().Perm())
	}
}
