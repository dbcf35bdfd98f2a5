// Package workflow runs experiment points against a prepared fleet. It is
// consumed by the CLI run and probe commands.
//
// Engine.RunPoint drives one point through its states:
//
//	init -> (skipped | dirs_prepared) -> services_starting -> services_up
//	     -> priming -> running -> tearing_down -> collected -> done
//
// Teardown runs whenever services were started, including on failure.
// Collection is best-effort: a missing artifact is recorded, not fatal.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/deixis/shardbench/internal/cluster"
	"github.com/deixis/shardbench/internal/config"
	"github.com/deixis/shardbench/internal/grid"
	"github.com/deixis/shardbench/internal/remote"
	"github.com/deixis/shardbench/internal/report"
	"github.com/deixis/shardbench/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PrimingInterarrival paces the priming client, in µs.
const PrimingInterarrival = 1000

// State is a step of a point run.
type State string

const (
	StateInit             State = "init"
	StateSkipped          State = "skipped"
	StateDirsPrepared     State = "dirs_prepared"
	StateServicesStarting State = "services_starting"
	StateServicesUp       State = "services_up"
	StatePriming          State = "priming"
	StateRunning          State = "running"
	StateTearingDown      State = "tearing_down"
	StateCollected        State = "collected"
	StateDone             State = "done"
)

// Outcome is the result of one point run.
type Outcome struct {
	RunID           string
	Point           grid.Point
	State           State // last state reached
	Skipped         bool
	Interarrival    int
	Timeout         time.Duration
	PrimingAttempts int
	Missing         []string // local artifact paths that could not be retrieved
	Started         time.Time
	Finished        time.Time
}

// PrimingError is returned when priming did not succeed within the
// configured number of attempts.
type PrimingError struct {
	Attempts int
	Last     error
}

func (e *PrimingError) Error() string {
	return fmt.Sprintf("loads failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *PrimingError) Unwrap() error { return e.Last }

// Engine holds shared dependencies for point runs.
type Engine struct {
	Fleet     *cluster.Fleet
	Services  *service.Lifecycle
	Config    *config.Config
	OutDir    string // relative; used locally and under the tree on every host
	Overwrite bool
	Store     report.Store // optional run ledger
	Log       zerolog.Logger

	// Exists reports whether a local artifact exists. Defaults to
	// grid.FileExists.
	Exists func(path string) bool
	// Records counts the requests in a workload. Defaults to
	// grid.CountRecords.
	Records func(workload string) (int, error)
}

// RunPoint runs p to completion, or skips it when its first client data
// file already exists locally and Overwrite is unset. A skipped point
// issues no remote command.
func (e *Engine) RunPoint(ctx context.Context, p grid.Point) (out *Outcome, err error) {
	out = &Outcome{
		RunID:   uuid.New().String(),
		Point:   p,
		State:   StateInit,
		Started: time.Now(),
	}
	defer func() {
		out.Finished = time.Now()
		e.record(out, err)
	}()

	server, clients := e.Fleet.Server, e.Fleet.Clients
	if len(clients) == 0 {
		return out, errors.New("no client hosts")
	}
	data := p.FirstClientData(e.OutDir, clients[0].Host().Addr)
	if !e.Overwrite && e.exists(data) {
		e.Log.Info().Msgf("skipping: server = %s, %s", server.Host().Addr, p)
		out.Skipped = true
		out.State = StateDone
		return out, nil
	}
	e.Log.Info().Msgf("running: %s", data)

	threads, err := grid.ClientThreads(p.Workload)
	if err != nil {
		return out, err
	}
	out.Interarrival = grid.Interarrival(threads, len(clients), p.Ops)

	if err := e.prepareDirs(ctx); err != nil {
		return out, err
	}
	out.State = StateDirsPrepared

	out.State = StateServicesStarting
	torn := false
	teardown := func() {
		if torn {
			return
		}
		torn = true
		e.teardown(context.WithoutCancel(ctx), p)
	}
	defer teardown()

	storeAddr, err := e.startServices(ctx, p, out)
	if err != nil {
		return out, err
	}
	out.State = StateServicesUp

	out.State = StatePriming
	e.Log.Info().Msg("doing loads")
	out.PrimingAttempts, err = e.prime(ctx, p, storeAddr)
	if err != nil {
		return out, err
	}
	loads := p.LoadsPrefix(e.OutDir)
	out.Missing = append(out.Missing, e.fetch(ctx, clients[0], loads+".out", loads+".out")...)
	out.Missing = append(out.Missing, e.fetch(ctx, clients[0], loads+".err", loads+".err")...)

	out.State = StateRunning
	e.Log.Info().Msg("starting clients")
	timeout, err := e.runClients(ctx, p, storeAddr, out.Interarrival)
	out.Timeout = timeout
	if err != nil {
		return out, err
	}
	e.Log.Info().Msg("all clients returned")

	out.State = StateTearingDown
	teardown()
	out.Missing = append(out.Missing, e.collect(ctx, p)...)
	out.State = StateCollected

	e.Log.Info().Msg("done")
	out.State = StateDone
	return out, nil
}

func (e *Engine) exists(path string) bool {
	if e.Exists != nil {
		return e.Exists(path)
	}
	return grid.FileExists(path)
}

func (e *Engine) records(workload string) (int, error) {
	if e.Records != nil {
		return e.Records(workload)
	}
	return grid.CountRecords(workload)
}

// prepareDirs recreates the output directory under the tree on every
// host. Local hosts share the tree with this process, so their directory
// is only created, never removed.
func (e *Engine) prepareDirs(ctx context.Context) error {
	if err := os.MkdirAll(e.OutDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", e.OutDir, err)
	}
	root := e.Services.Root
	for _, s := range e.Fleet.All() {
		h := s.Host()
		if !h.Local {
			_, _ = s.Run(ctx, remote.CommandSpec{Cmd: "rm -rf " + e.OutDir, Dir: root})
		}
		res, err := s.Run(ctx, remote.CommandSpec{Cmd: "mkdir -p " + e.OutDir, Dir: root})
		if err := remote.Check(res, err, "mk outdir", h.Addr); err != nil {
			return err
		}
	}
	return nil
}

// startServices brings up the store, the shard controller when the
// strategy needs one, and the server, in that order.
func (e *Engine) startServices(ctx context.Context, p grid.Point, out *Outcome) (string, error) {
	server := e.Fleet.Server
	storeAddr, err := e.Services.StartStore(ctx, server)
	if err != nil {
		return "", err
	}
	e.Log.Info().Msgf("starting: server = %s, %s -> interarrival_us = %d, num_clients = %d",
		server.Host().Addr, p, out.Interarrival, len(e.Fleet.Clients))

	if p.ShardType.NeedsShardCtl() {
		if err := e.Services.StartShardCtl(ctx, server, e.Fleet.Clients, storeAddr); err != nil {
			return "", err
		}
	}

	e.Log.Info().Msg("starting server")
	err = e.Services.StartServer(ctx, server, service.ServerOpts{
		Addr:        server.Host().Addr,
		StoreAddr:   "127.0.0.1:" + strconv.Itoa(service.StorePort),
		Shards:      p.Shards,
		Datapath:    p.Datapath,
		ServerBatch: p.ServerBatch,
		StackFrag:   p.StackFrag,
		Prefix:      p.ServerPrefix(e.OutDir),
	})
	if err != nil {
		return "", err
	}
	if err := e.Services.Warmup(ctx); err != nil {
		return "", err
	}
	return storeAddr, nil
}

// prime runs the loads-only client on the first client host until it
// exits 0. Each attempt waits Settle.Priming first and restarts the
// iokernel when the datapath needs it. With PrimingAttempts at 0 there
// is no attempt limit.
func (e *Engine) prime(ctx context.Context, p grid.Point, storeAddr string) (int, error) {
	c := e.Fleet.Clients[0]
	e.Services.StopIOKernel(ctx, c)
	if p.Datapath.Userspace() {
		if err := e.Services.WriteNetConfig(ctx, c); err != nil {
			return 0, err
		}
	}
	opts := service.ClientOpts{
		Datapath:     p.Datapath,
		ServerAddr:   e.Fleet.Server.Host().Addr,
		StoreAddr:    storeAddr,
		Interarrival: PrimingInterarrival,
		Workload:     p.Workload,
	}
	limit := e.Config.Orchestrator.PrimingAttempts
	prefix := p.LoadsPrefix(e.OutDir)

	for attempt := 1; ; attempt++ {
		if err := e.Services.PrimingPause(ctx); err != nil {
			return attempt - 1, err
		}
		start := time.Now()
		e.Log.Info().Str("host", c.Host().Addr).Int("attempt", attempt).Msg("loads client starting")
		err := e.Services.RunLoads(ctx, c, opts, prefix, e.Config.PrimingTimeout())
		if err == nil {
			e.Log.Info().Str("host", c.Host().Addr).Msgf("loads client done: %s", time.Since(start).Round(time.Millisecond))
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		e.Log.Error().Err(err).Str("host", c.Host().Addr).Msgf("loads failed, retrying after %s", time.Since(start).Round(time.Millisecond))
		if limit > 0 && attempt >= limit {
			return attempt, &PrimingError{Attempts: attempt, Last: err}
		}
	}
}

// runClients starts one client per client host and waits for all of
// them. Any failure fails the point once every client has returned.
func (e *Engine) runClients(ctx context.Context, p grid.Point, storeAddr string, interarrival int) (time.Duration, error) {
	clients := e.Fleet.Clients
	errs := make([]error, len(clients))
	timeouts := make([]time.Duration, len(clients))
	prefix := p.ClientPrefix(e.OutDir)

	var g errgroup.Group
	for i, c := range clients {
		g.Go(func() error {
			n, err := e.records(p.Workload)
			if err != nil {
				errs[i] = fmt.Errorf("client %s: %w", c.Host().Addr, err)
				return errs[i]
			}
			timeouts[i] = grid.ClientTimeout(n, interarrival)
			errs[i] = e.Services.RunClient(ctx, c, service.ClientOpts{
				Datapath:     p.Datapath,
				ServerAddr:   e.Fleet.Server.Host().Addr,
				StoreAddr:    storeAddr,
				Interarrival: interarrival,
				Workload:     p.Workload,
				ClientBatch:  p.ClientBatch,
				Poisson:      p.Poisson,
				ShardType:    p.ShardType,
				StackFrag:    p.StackFrag,
			}, prefix, timeouts[i])
			return errs[i]
		})
	}
	_ = g.Wait()
	var longest time.Duration
	for _, t := range timeouts {
		longest = max(longest, t)
	}
	return longest, errors.Join(errs...)
}

// teardown stops everything a point may have started. Failures are
// ignored.
func (e *Engine) teardown(ctx context.Context, p grid.Point) {
	e.Services.StopServer(ctx, e.Fleet.Server)
	if p.ShardType.NeedsShardCtl() {
		e.Services.StopShardCtl(ctx, e.Fleet.All()...)
	}
	for _, s := range e.Fleet.All() {
		e.Services.RemoveNetConfig(ctx, s)
	}
	e.Services.StopStore(ctx, e.Fleet.Server)
}

var clientExts = []string{"err", "out", "data", "trace"}

// collect retrieves server and client artifacts and returns the local
// paths that could not be retrieved.
func (e *Engine) collect(ctx context.Context, p grid.Point) []string {
	var missing []string

	e.Log.Info().Msg("get server files")
	server := p.ServerPrefix(e.OutDir)
	for _, ext := range []string{"out", "err"} {
		missing = append(missing, e.fetch(ctx, e.Fleet.Server, server+"."+ext, server+"."+ext)...)
	}

	e.Log.Info().Msg("get client files")
	for _, c := range e.Fleet.Clients {
		addr := c.Host().Addr
		for _, ext := range clientExts {
			missing = append(missing, e.fetch(ctx, c, p.ClientFile(e.OutDir, 0, ext), p.LocalClientFile(e.OutDir, 0, addr, ext))...)
		}
	}
	return missing
}

// fetch gets rel from under the tree on s into local. It returns local
// when the file could not be retrieved.
func (e *Engine) fetch(ctx context.Context, s remote.Session, rel, local string) []string {
	h := s.Host()
	src := path.Join(e.Services.Root, rel)
	if h.Local && samePath(src, local) {
		return nil
	}
	if err := s.Get(ctx, src, local); err != nil {
		e.Log.Error().Err(err).Str("host", h.Addr).Msgf("could not get %s", rel)
		return []string{local}
	}
	return nil
}

// samePath reports whether a tree path on a local host is the local path
// itself, as when the orchestrator runs from inside the tree.
func samePath(treePath, local string) bool {
	a, err := filepath.Abs(grid.ExpandHome(treePath))
	if err != nil {
		return false
	}
	b, err := filepath.Abs(local)
	return err == nil && a == b
}

func (e *Engine) record(out *Outcome, runErr error) {
	if e.Store == nil {
		return
	}
	p := out.Point
	rec := &report.RunRecord{
		ID:              out.RunID,
		Kind:            report.Run,
		Key:             p.Key(),
		Datapath:        string(p.Datapath),
		Shards:          p.Shards,
		ShardType:       string(p.ShardType),
		Ops:             p.Ops,
		Poisson:         p.Poisson,
		ClientBatch:     p.ClientBatch,
		ServerBatch:     p.ServerBatch,
		StackFrag:       p.StackFrag,
		Workload:        p.Workload,
		Iter:            p.Iter,
		State:           string(out.State),
		Skipped:         out.Skipped,
		Interarrival:    out.Interarrival,
		TimeoutSec:      int(out.Timeout / time.Second),
		PrimingAttempts: out.PrimingAttempts,
		Missing:         out.Missing,
		Revision:        e.Fleet.Revision,
		Started:         out.Started,
		Finished:        out.Finished,
	}
	if runErr != nil {
		rec.Err = runErr.Error()
	}
	if err := e.Store.Save(rec); err != nil {
		e.Log.Warn().Err(err).Msg("saving run record")
	}
}

// Sweep runs points in order and stops at the first failure.
func (e *Engine) Sweep(ctx context.Context, points []grid.Point) ([]*Outcome, error) {
	var outs []*Outcome
	for _, p := range points {
		out, err := e.RunPoint(ctx, p)
		outs = append(outs, out)
		if err != nil {
			return outs, fmt.Errorf("%s: %w", p.Key(), err)
		}
	}
	return outs, nil
}
