package remote

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/deixis/shardbench/internal/runner"
	"github.com/rs/zerolog"
)

func newLocal(t *testing.T) (*LocalSession, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	h, err := NewHost("10.1.1.2", "127.0.0.1", "")
	if err != nil {
		t.Fatal(err)
	}
	return NewLocalSession(h, 0, zerolog.Nop()), home
}

func TestLocalSession_RunCapturesOutput(t *testing.T) {
	s, _ := newLocal(t)
	res, err := s.Run(context.Background(), CommandSpec{Cmd: "echo hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK() {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hello" {
		t.Errorf("Stdout = %q, want hello", res.Stdout)
	}
	if res.Command != `bash -c "echo hello"` {
		t.Errorf("Command = %q, want the composed line", res.Command)
	}
}

func TestLocalSession_RunRedirectsInDir(t *testing.T) {
	s, home := newLocal(t)
	res, err := s.Run(context.Background(), CommandSpec{
		Cmd:    `echo "quoted"`,
		Dir:    home,
		Stdout: "out.txt",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK() {
		t.Fatalf("ExitCode = %d, stderr %q", res.ExitCode, res.Stderr)
	}
	data, err := os.ReadFile(filepath.Join(home, "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "quoted" {
		t.Errorf("out.txt = %q, want quoted", data)
	}
	if len(res.Stdout) != 0 {
		t.Errorf("Stdout = %q, want empty when redirected", res.Stdout)
	}
}

func TestLocalSession_NonZeroExitIsNotAnError(t *testing.T) {
	s, _ := newLocal(t)
	res, err := s.Run(context.Background(), CommandSpec{Cmd: "exit 7"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
}

func TestLocalSession_PutGet(t *testing.T) {
	s, home := newLocal(t)
	src := filepath.Join(t.TempDir(), "host.config")
	if err := os.WriteFile(src, []byte("host_addr 10.1.1.2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), src, "~/host.config"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "host.config")); err != nil {
		t.Fatalf("Put did not land in home: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "fetched.config")
	if err := s.Get(context.Background(), "host.config", dst); err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "host_addr 10.1.1.2\n" {
		t.Errorf("fetched = %q", data)
	}
	if _, err := os.Stat(filepath.Join(home, "host.config")); !os.IsNotExist(err) {
		t.Errorf("Get left the source in place: %v", err)
	}
}

func TestLocalSession_GetMissing(t *testing.T) {
	s, _ := newLocal(t)
	err := s.Get(context.Background(), "nope.out", filepath.Join(t.TempDir(), "nope.out"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileExists(t *testing.T) {
	s, home := newLocal(t)
	if err := os.Mkdir(filepath.Join(home, "burrito"), 0o755); err != nil {
		t.Fatal(err)
	}
	if !FileExists(context.Background(), s, "~/burrito") {
		t.Error("FileExists(~/burrito) = false, want true")
	}
	if FileExists(context.Background(), s, "~/missing") {
		t.Error("FileExists(~/missing) = true, want false")
	}
}

func TestProcessExists_MissingCarriesTail(t *testing.T) {
	s, home := newLocal(t)
	errFile := filepath.Join(home, "server.err")
	if err := os.WriteFile(errFile, []byte("panicked at bind\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := ProcessExists(context.Background(), s, "no-such-proc-xyz", errFile)
	var missing *ProcessMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want *ProcessMissingError", err)
	}
	if !strings.Contains(missing.Tail, "panicked at bind") {
		t.Errorf("Tail = %q, want the output file tail", missing.Tail)
	}
}

func TestCheckFile(t *testing.T) {
	s, home := newLocal(t)
	log := filepath.Join(home, "kv.err")
	if err := os.WriteFile(log, []byte("listening on 4242\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CheckFile(context.Background(), s, "listening", log); err != nil {
		t.Errorf("CheckFile(listening) = %v, want nil", err)
	}
	err := CheckFile(context.Background(), s, "ready", log)
	var pm *PatternMissingError
	if !errors.As(err, &pm) {
		t.Fatalf("error = %v, want *PatternMissingError", err)
	}
}

// pgrepSession answers pgrep with a fixed exit code and records commands.
type pgrepSession struct {
	host  *Host
	code  int
	calls []string
}

func (p *pgrepSession) Host() *Host { return p.host }

func (p *pgrepSession) Run(_ context.Context, spec CommandSpec) (*runner.Result, error) {
	p.calls = append(p.calls, spec.Cmd)
	if strings.HasPrefix(spec.Cmd, "pgrep") {
		return &runner.Result{ExitCode: p.code}, nil
	}
	return &runner.Result{Stdout: []byte("last lines\n")}, nil
}

func (p *pgrepSession) Put(context.Context, string, string) error { return nil }
func (p *pgrepSession) Get(context.Context, string, string) error { return nil }
func (p *pgrepSession) Close() error                              { return nil }

func TestProcessExists_Pgrep(t *testing.T) {
	h := &Host{Addr: "10.1.1.2", Access: "10.1.1.2"}
	ok := &pgrepSession{host: h}
	if err := ProcessExists(context.Background(), ok, "kvserver", "s.err"); err != nil {
		t.Errorf("ProcessExists = %v, want nil", err)
	}
	if len(ok.calls) != 1 || ok.calls[0] != "pgrep kvserver" {
		t.Errorf("calls = %v, want [pgrep kvserver]", ok.calls)
	}

	gone := &pgrepSession{host: h, code: 1}
	err := ProcessExists(context.Background(), gone, "kvserver", "s.err")
	var missing *ProcessMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want *ProcessMissingError", err)
	}
	if gone.calls[1] != "tail s.err" {
		t.Errorf("second call = %q, want tail s.err", gone.calls[1])
	}
	if missing.Tail != "last lines\n" {
		t.Errorf("Tail = %q", missing.Tail)
	}
}

func TestCheck(t *testing.T) {
	if err := Check(&runner.Result{ExitCode: 0}, nil, "build", "h"); err != nil {
		t.Errorf("Check(0) = %v, want nil", err)
	}
	if err := Check(&runner.Result{ExitCode: 1}, nil, "kill", "h", 1); err != nil {
		t.Errorf("Check(1, allowed 1) = %v, want nil", err)
	}

	err := Check(&runner.Result{ExitCode: 2, Stdout: []byte("o"), Stderr: []byte("e")}, nil, "build", "h")
	var ce *CheckError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CheckError", err)
	}
	if ce.ExitCode != 2 || ce.Stdout != "o" || ce.Stderr != "e" || ce.Label != "build" {
		t.Errorf("CheckError = %+v", ce)
	}
	if ce.Error() != "build on h: 2 not in []" {
		t.Errorf("Error() = %q", ce.Error())
	}

	transport := errors.New("connection reset")
	err = Check(nil, transport, "client", "h")
	if !errors.Is(err, transport) {
		t.Errorf("error = %v, want wrapped transport error", err)
	}
}

func TestLogCommand_DebugOnly(t *testing.T) {
	h, err := NewHost("10.1.1.2", "", "")
	if err != nil {
		t.Fatal(err)
	}
	spec := CommandSpec{Cmd: "pgrep kvserver"}

	var info bytes.Buffer
	logCommand(zerolog.New(&info).Level(zerolog.InfoLevel), h, spec, Compose(spec))
	if info.Len() != 0 {
		t.Errorf("command logged at info level: %s", info.String())
	}

	var debug bytes.Buffer
	logCommand(zerolog.New(&debug).Level(zerolog.DebugLevel), h, spec, Compose(spec))
	if !strings.Contains(debug.String(), "pgrep kvserver") || !strings.Contains(debug.String(), `"host":"10.1.1.2"`) {
		t.Errorf("debug log = %q", debug.String())
	}

	debug.Reset()
	spec.Quiet = true
	logCommand(zerolog.New(&debug).Level(zerolog.DebugLevel), h, spec, Compose(spec))
	if debug.Len() != 0 {
		t.Errorf("quiet command logged: %s", debug.String())
	}
}
