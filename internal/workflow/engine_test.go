package workflow

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/deixis/shardbench/internal/cluster"
	"github.com/deixis/shardbench/internal/config"
	"github.com/deixis/shardbench/internal/grid"
	"github.com/deixis/shardbench/internal/remote"
	"github.com/deixis/shardbench/internal/remote/remotetest"
	"github.com/deixis/shardbench/internal/report"
	"github.com/deixis/shardbench/internal/service"
	"github.com/rs/zerolog"
)

const root = "~/burrito"

type testFleet struct {
	server  *remotetest.Session
	clients []*remotetest.Session
}

func (f *testFleet) all() []*remotetest.Session {
	return append([]*remotetest.Session{f.server}, f.clients...)
}

func newTestFleet() *testFleet {
	return &testFleet{
		server: remotetest.NewHost("10.1.1.2"),
		clients: []*remotetest.Session{
			remotetest.NewHost("10.1.1.3"),
			remotetest.NewHost("10.1.1.4"),
		},
	}
}

func newEngine(t *testing.T, f *testFleet) *Engine {
	t.Helper()
	fleet := &cluster.Fleet{Server: f.server, Revision: "abc1234"}
	for _, c := range f.clients {
		fleet.Clients = append(fleet.Clients, c)
	}
	return &Engine{
		Fleet: fleet,
		Services: &service.Lifecycle{
			Root:     root,
			ShardCtl: config.DefaultShardCtl,
			Log:      zerolog.Nop(),
			LocalDir: t.TempDir(),
		},
		Config:  &config.Config{},
		OutDir:  filepath.Join(t.TempDir(), "out"),
		Log:     zerolog.Nop(),
		Records: func(string) (int, error) { return 900, nil },
	}
}

func testPoint(dp grid.Datapath, st grid.ShardType) grid.Point {
	return grid.Point{
		Datapath:    dp,
		Shards:      4,
		ShardType:   st,
		Ops:         12000,
		ServerBatch: "none",
		Workload:    "./kvstore-ycsb/ycsbc-mock/wrkloadbunf1-4.access",
	}
}

// remoteFile is where the tree holds an artifact written at rel.
func remoteFile(rel string) string { return path.Join(root, rel) }

func TestRunPoint_SkipIssuesNoCommands(t *testing.T) {
	f := newTestFleet()
	e := newEngine(t, f)
	p := testPoint(grid.DatapathKernel, grid.ShardClient)

	data := p.FirstClientData(e.OutDir, "10.1.1.3")
	if err := os.MkdirAll(filepath.Dir(data), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(data, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := e.RunPoint(context.Background(), p)
	if err != nil {
		t.Fatalf("RunPoint: %v", err)
	}
	if !out.Skipped || out.State != StateDone {
		t.Errorf("outcome = %+v, want skipped and done", out)
	}
	for _, s := range f.all() {
		if n := len(s.Calls()); n != 0 {
			t.Errorf("%s ran %d commands: %v", s.Host().Addr, n, s.Commands())
		}
	}
}

func TestRunPoint_OverwriteIgnoresExistingData(t *testing.T) {
	f := newTestFleet()
	e := newEngine(t, f)
	e.Overwrite = true
	e.Exists = func(string) bool { return true }

	out, err := e.RunPoint(context.Background(), testPoint(grid.DatapathKernel, grid.ShardClient))
	if err != nil {
		t.Fatalf("RunPoint: %v", err)
	}
	if out.Skipped {
		t.Error("point skipped despite overwrite")
	}
	if f.clients[0].Count("--skip-loads") != 1 {
		t.Errorf("client commands = %v", f.clients[0].Commands())
	}
}

func TestRunPoint_PrimingRetries(t *testing.T) {
	f := newTestFleet()
	f.clients[0].On("--loads-only",
		remotetest.Response{ExitCode: 1, Stderr: "cold cache"},
		remotetest.Response{ExitCode: 1, Stderr: "cold cache"},
		remotetest.Response{ExitCode: 0},
	)
	e := newEngine(t, f)

	out, err := e.RunPoint(context.Background(), testPoint(grid.DatapathShenango, grid.ShardClient))
	if err != nil {
		t.Fatalf("RunPoint: %v", err)
	}
	if out.PrimingAttempts != 3 {
		t.Errorf("PrimingAttempts = %d, want 3", out.PrimingAttempts)
	}
	cmds := f.clients[0].Commands()
	if got := f.clients[0].Count("--loads-only"); got != 3 {
		t.Fatalf("loads invocations = %d, want 3", got)
	}
	// Every loads attempt follows its own iokernel start.
	started := false
	for _, c := range cmds {
		switch {
		case strings.Contains(c, "./iokerneld"):
			started = true
		case strings.Contains(c, "--loads-only"):
			if !started {
				t.Errorf("loads attempt without an iokernel start: %v", cmds)
			}
			started = false
		}
	}
	if f.clients[1].Count("--loads-only") != 0 {
		t.Error("priming ran on a second client")
	}
}

func TestRunPoint_PrimingAttemptLimit(t *testing.T) {
	f := newTestFleet()
	f.clients[0].On("--loads-only", remotetest.Response{ExitCode: 1})
	e := newEngine(t, f)
	e.Config.Orchestrator.PrimingAttempts = 2

	_, err := e.RunPoint(context.Background(), testPoint(grid.DatapathKernel, grid.ShardClient))
	var pe *PrimingError
	if !errors.As(err, &pe) || pe.Attempts != 2 {
		t.Fatalf("err = %v, want PrimingError after 2 attempts", err)
	}
	if f.server.Count("pkill -9 kvserver-kernel") < 2 {
		t.Errorf("server not torn down: %v", f.server.Commands())
	}
}

func TestRunPoint_PrimingPausesBetweenAttempts(t *testing.T) {
	f := newTestFleet()
	f.clients[0].On("--loads-only", remotetest.Response{Err: errors.New("connection lost")})
	e := newEngine(t, f)
	e.Config.Orchestrator.PrimingAttempts = 3
	e.Services.Settle.Priming = 25 * time.Millisecond

	start := time.Now()
	_, err := e.RunPoint(context.Background(), testPoint(grid.DatapathKernel, grid.ShardClient))
	var pe *PrimingError
	if !errors.As(err, &pe) || pe.Attempts != 3 {
		t.Fatalf("err = %v, want PrimingError after 3 attempts", err)
	}
	if elapsed := time.Since(start); elapsed < 75*time.Millisecond {
		t.Errorf("3 attempts took %v, want at least 75ms", elapsed)
	}
}

func TestRunPoint_PrimingPauseHonoursCancel(t *testing.T) {
	f := newTestFleet()
	f.clients[0].On("--loads-only", remotetest.Response{Err: errors.New("connection lost")})
	e := newEngine(t, f)
	e.Services.Settle.Priming = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.RunPoint(ctx, testPoint(grid.DatapathKernel, grid.ShardClient))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if n := f.clients[0].Count("--loads-only"); n != 0 {
		t.Errorf("loads ran %d times during the pause", n)
	}
}

func TestRunPoint_TeardownStopsStore(t *testing.T) {
	for name, fail := range map[string]bool{"success": false, "client failure": true} {
		t.Run(name, func(t *testing.T) {
			f := newTestFleet()
			if fail {
				f.clients[1].On("--skip-loads", remotetest.Response{ExitCode: 101})
			}
			e := newEngine(t, f)
			_, err := e.RunPoint(context.Background(), testPoint(grid.DatapathKernel, grid.ShardClient))
			if (err != nil) != fail {
				t.Fatalf("RunPoint err = %v", err)
			}
			cmds := f.server.Commands()
			if got := f.server.Count("docker rm -f " + service.StoreContainer); got != 2 {
				t.Errorf("store removed %d times, want 2 (before start and at teardown): %v", got, cmds)
			}
			if last := cmds[len(cmds)-1]; !strings.Contains(last, "docker rm -f") {
				t.Errorf("last command = %q, want store removal", last)
			}
		})
	}
}

func TestRunPoint_ServiceOrder(t *testing.T) {
	f := newTestFleet()
	e := newEngine(t, f)

	if _, err := e.RunPoint(context.Background(), testPoint(grid.DatapathKernel, grid.ShardServer)); err != nil {
		t.Fatalf("RunPoint: %v", err)
	}
	store := f.server.Index("docker run")
	ctl := f.server.Index("./target/release/" + config.DefaultShardCtl)
	server := f.server.Index("kvserver-kernel --ip-addr")
	if store < 0 || ctl < store || server < ctl {
		t.Errorf("store=%d ctl=%d server=%d, want increasing: %v", store, ctl, server, f.server.Commands())
	}
	if !strings.Contains(f.server.Commands()[server], "--redis-addr=127.0.0.1:6379") {
		t.Errorf("server not pointed at local store: %s", f.server.Commands()[server])
	}
	for _, c := range f.clients {
		if c.Index("./target/release/"+config.DefaultShardCtl) < 0 {
			t.Errorf("%s: shard controller not started", c.Host().Addr)
		}
	}
}

func TestRunPoint_ClientShardingSkipsController(t *testing.T) {
	f := newTestFleet()
	e := newEngine(t, f)

	if _, err := e.RunPoint(context.Background(), testPoint(grid.DatapathKernel, grid.ShardClient)); err != nil {
		t.Fatalf("RunPoint: %v", err)
	}
	for _, s := range f.all() {
		if s.Count(config.DefaultShardCtl) != 0 {
			t.Errorf("%s touched the shard controller: %v", s.Host().Addr, s.Commands())
		}
	}
}

func TestRunPoint_DirPreparation(t *testing.T) {
	f := newTestFleet()
	e := newEngine(t, f)
	if _, err := e.RunPoint(context.Background(), testPoint(grid.DatapathKernel, grid.ShardClient)); err != nil {
		t.Fatal(err)
	}
	for _, s := range f.all() {
		rm, mk := s.Index("rm -rf "+e.OutDir), s.Index("mkdir -p "+e.OutDir)
		if rm < 0 || mk < rm {
			t.Errorf("%s: rm=%d mkdir=%d", s.Host().Addr, rm, mk)
		}
	}
	if _, err := os.Stat(e.OutDir); err != nil {
		t.Errorf("local outdir: %v", err)
	}
}

func TestRunPoint_MissingServerOut(t *testing.T) {
	f := newTestFleet()
	e := newEngine(t, f)
	p := testPoint(grid.DatapathKernel, grid.ShardClient)
	f.server.File(remoteFile(p.ServerPrefix(e.OutDir)+".err"), "listening\n")
	for _, c := range f.clients {
		for _, ext := range clientExts {
			c.File(remoteFile(p.ClientFile(e.OutDir, 0, ext)), ext)
		}
	}

	out, err := e.RunPoint(context.Background(), p)
	if err != nil {
		t.Fatalf("RunPoint: %v", err)
	}
	if out.State != StateDone {
		t.Errorf("State = %s, want done", out.State)
	}
	serverOut := p.ServerPrefix(e.OutDir) + ".out"
	if !slices.Contains(out.Missing, serverOut) {
		t.Errorf("Missing = %v, want %s", out.Missing, serverOut)
	}
	if slices.Contains(out.Missing, p.ServerPrefix(e.OutDir)+".err") {
		t.Errorf("Missing lists the retrieved .err: %v", out.Missing)
	}
	for _, c := range f.clients {
		local := p.LocalClientFile(e.OutDir, 0, c.Host().Addr, "data")
		if got, err := os.ReadFile(local); err != nil || string(got) != "data" {
			t.Errorf("%s = %q, %v", local, got, err)
		}
	}
}

func TestRunPoint_ClientFailureTearsDown(t *testing.T) {
	f := newTestFleet()
	f.clients[1].On("--skip-loads", remotetest.Response{ExitCode: 101, Stderr: "panicked"})
	e := newEngine(t, f)

	out, err := e.RunPoint(context.Background(), testPoint(grid.DatapathShenango, grid.ShardClient))
	var ce *remote.CheckError
	if !errors.As(err, &ce) || ce.Addr != "10.1.1.4" || ce.ExitCode != 101 {
		t.Fatalf("err = %v, want client CheckError from 10.1.1.4", err)
	}
	if out.State != StateRunning {
		t.Errorf("State = %s, want running", out.State)
	}

	cmds := f.server.Commands()
	spawn := f.server.Index("kvserver-noebpf --ip-addr")
	kill := -1
	for i, c := range cmds {
		if strings.Contains(c, "pkill -9 kvserver-noebpf") {
			kill = i
		}
	}
	if kill < spawn {
		t.Errorf("server not killed after spawn: %v", cmds)
	}
	for _, s := range f.all() {
		if s.Count("rm -f "+root+"/*.config") != 1 {
			t.Errorf("%s: net config not removed", s.Host().Addr)
		}
	}
	if len(f.clients[0].Gets()) != 2 {
		t.Errorf("artifacts collected after failure: %v", f.clients[0].Gets())
	}
}

func TestRunPoint_ClientTimeout(t *testing.T) {
	f := newTestFleet()
	e := newEngine(t, f)
	p := testPoint(grid.DatapathKernel, grid.ShardClient)
	p.Ops = 32

	out, err := e.RunPoint(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	// 4 threads * 2 clients at 32 ops/s is 250000us; 900 records take 450s.
	if out.Interarrival != 250000 {
		t.Errorf("Interarrival = %d", out.Interarrival)
	}
	if out.Timeout.Seconds() != 450 {
		t.Errorf("Timeout = %v, want 7m30s", out.Timeout)
	}
	for _, c := range f.clients {
		var timeout float64
		for _, spec := range c.Calls() {
			if strings.Contains(spec.Cmd, "--skip-loads") {
				timeout = spec.Timeout.Seconds()
			}
		}
		if timeout != 450 {
			t.Errorf("%s client timeout = %vs", c.Host().Addr, timeout)
		}
	}
}

func TestRunPoint_RecordsLedger(t *testing.T) {
	f := newTestFleet()
	e := newEngine(t, f)
	store := report.NewDiskStore(t.TempDir())
	e.Store = store

	out, err := e.RunPoint(context.Background(), testPoint(grid.DatapathKernel, grid.ShardClient))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := store.Load(out.RunID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Kind != report.Run || rec.State != string(StateDone) || rec.Revision != "abc1234" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Interarrival != out.Interarrival || len(rec.Missing) != len(out.Missing) {
		t.Errorf("record %+v does not match outcome %+v", rec, out)
	}
}

func TestSweep_StopsOnFailure(t *testing.T) {
	f := newTestFleet()
	f.server.On("pgrep kvserver", remotetest.Response{}, remotetest.Response{ExitCode: 1})
	e := newEngine(t, f)

	a := testPoint(grid.DatapathKernel, grid.ShardClient)
	b := a
	b.Ops = 24000
	c := a
	c.Ops = 48000

	outs, err := e.Sweep(context.Background(), []grid.Point{a, b, c})
	var pm *remote.ProcessMissingError
	if !errors.As(err, &pm) {
		t.Fatalf("err = %v, want ProcessMissingError", err)
	}
	if len(outs) != 2 {
		t.Errorf("ran %d points, want 2", len(outs))
	}
	if !strings.Contains(err.Error(), b.Key()) {
		t.Errorf("err %q does not name the point", err)
	}
}
