// Package service starts and stops the processes an experiment depends on:
// the dependency store, the shard controller, the iokernel and the
// kv-server, plus the load generator invocations themselves.
//
// Start operations fail on the first unexpected exit status. Stop
// operations are best-effort and never fail.
package service

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/deixis/shardbench/internal/config"
	"github.com/deixis/shardbench/internal/grid"
	"github.com/deixis/shardbench/internal/remote"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Names of the remote processes and containers.
const (
	StoreContainer = "burrito-shard-redis"
	StoreImage     = "redis:6"
	StorePort      = 6379
	ServerPort     = 4242
	IOKernel       = "iokerneld"
	ServerProcess  = "kvserver"
	NetConfigFile  = "host.config"
)

// Lifecycle drives the services on fleet hosts. The zero Settle disables
// every delay.
type Lifecycle struct {
	Root     string // deployed tree on every host
	ShardCtl string // shard controller binary under target/release
	Settle   config.Delays
	Log      zerolog.Logger

	// LocalDir receives the net config files before upload; empty means
	// the system temp dir.
	LocalDir string
}

// StartStore replaces any running store container on s and returns the
// address clients reach it on.
func (l *Lifecycle) StartStore(ctx context.Context, s remote.Session) (string, error) {
	h := s.Host()
	l.StopStore(ctx, s)

	l.Log.Info().Msg("Starting redis")
	res, err := s.Run(ctx, remote.CommandSpec{
		Cmd:  fmt.Sprintf("docker run --name %s -d -p %d:%d %s", StoreContainer, StorePort, StorePort, StoreImage),
		Dir:  l.Root,
		Sudo: true,
	})
	if err := remote.Check(res, err, "start redis", h.Addr); err != nil {
		return "", err
	}
	res, err = s.Run(ctx, remote.CommandSpec{Cmd: "docker ps | grep " + StoreContainer, Sudo: true})
	if err := remote.Check(res, err, "start redis", h.Addr); err != nil {
		return "", err
	}
	l.Log.Info().Str("host", h.Addr).Msgf("Started redis on %s", h.Access)

	if err := sleep(ctx, l.Settle.Store); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", h.Alt, StorePort), nil
}

// StopStore removes the store container.
func (l *Lifecycle) StopStore(ctx context.Context, s remote.Session) {
	_, _ = s.Run(ctx, remote.CommandSpec{Cmd: "docker rm -f " + StoreContainer, Sudo: true})
}

// StartShardCtl starts the shard controller on coord and then on others,
// all pointing at storeAddr. There is no readiness probe; the controller
// gets the ShardCtl settle delay.
func (l *Lifecycle) StartShardCtl(ctx context.Context, coord remote.Session, others []remote.Session, storeAddr string) error {
	all := append([]remote.Session{coord}, others...)
	l.StopShardCtl(ctx, all...)

	for _, s := range all {
		h := s.Host()
		_, _ = s.Run(ctx, remote.CommandSpec{Cmd: "rm -rf " + l.shardCtlScratch(), Sudo: true})
		l.Log.Info().Str("host", h.Addr).Msg("starting shard controller")
		res, err := s.Run(ctx, remote.CommandSpec{
			Cmd:        fmt.Sprintf("./target/release/%s --redis-addr=%s --scratch=%s", l.ShardCtl, storeAddr, l.shardCtlScratch()),
			Dir:        l.Root,
			Sudo:       true,
			Background: true,
			Stdout:     l.ShardCtl + ".out",
			Stderr:     l.ShardCtl + ".err",
		})
		if err := remote.Check(res, err, "spawn shard ctl", h.Addr); err != nil {
			return err
		}
	}
	return sleep(ctx, l.Settle.ShardCtl)
}

// StopShardCtl kills the shard controller on every given host.
func (l *Lifecycle) StopShardCtl(ctx context.Context, sessions ...remote.Session) {
	for _, s := range sessions {
		_, _ = s.Run(ctx, remote.CommandSpec{Cmd: "pkill -9 " + l.ShardCtl, Sudo: true})
	}
}

func (l *Lifecycle) shardCtlScratch() string {
	return "/tmp/" + l.ShardCtl
}

// NetConfig renders the runtime network config for a host.
func NetConfig(addr string) string {
	return fmt.Sprintf(`host_addr %s
host_netmask 255.255.255.0
host_gateway 10.1.1.1
runtime_kthreads 2
runtime_spininng_kthreads 2
runtime_guaranteed_kthreads 2
`, addr)
}

// WriteNetConfig writes the host's net config to a randomly named local
// file and installs it as <root>/host.config.
func (l *Lifecycle) WriteNetConfig(ctx context.Context, s remote.Session) error {
	h := s.Host()
	dir := l.LocalDir
	if dir == "" {
		dir = os.TempDir()
	}
	local := filepath.Join(dir, uuid.NewString()+".config")
	if err := os.WriteFile(local, []byte(NetConfig(h.Addr)), 0o644); err != nil {
		return fmt.Errorf("writing net config: %w", err)
	}
	defer os.Remove(local)

	l.Log.Info().Str("host", h.Addr).Msgf("%s shenango config file: %s", h.Addr, filepath.Base(local))
	if err := s.Put(ctx, local, path.Join(l.Root, NetConfigFile)); err != nil {
		return fmt.Errorf("installing net config on %s: %w", h.Addr, err)
	}
	return nil
}

// RemoveNetConfig deletes every config file in the tree.
func (l *Lifecycle) RemoveNetConfig(ctx context.Context, s remote.Session) {
	_, _ = s.Run(ctx, remote.CommandSpec{Cmd: "rm -f " + l.Root + "/*.config"})
}

// StartIOKernel launches the iokernel detached and waits for it to settle.
func (l *Lifecycle) StartIOKernel(ctx context.Context, s remote.Session) error {
	res, err := s.Run(ctx, remote.CommandSpec{
		Cmd:        "./" + IOKernel,
		Dir:        path.Join(l.Root, "shenango-chunnel/caladan"),
		Sudo:       true,
		Background: true,
	})
	if err := remote.Check(res, err, "spawn iokernel", s.Host().Addr); err != nil {
		return err
	}
	return sleep(ctx, l.Settle.IOKernel)
}

// StopIOKernel interrupts the iokernel.
func (l *Lifecycle) StopIOKernel(ctx context.Context, s remote.Session) {
	_, _ = s.Run(ctx, remote.CommandSpec{Cmd: "pkill -INT " + IOKernel, Sudo: true})
}

// StopServer kills both server variants and the iokernel.
func (l *Lifecycle) StopServer(ctx context.Context, s remote.Session) {
	for _, dp := range grid.Datapaths {
		_, _ = s.Run(ctx, remote.CommandSpec{Cmd: "pkill -9 " + ServerProcess + dp.ServerSuffix(), Sudo: true})
	}
	l.StopIOKernel(ctx, s)
}

// StartServer replaces any running server on s with the variant for
// o.Datapath, waits for it to settle and checks it is still alive.
func (l *Lifecycle) StartServer(ctx context.Context, s remote.Session, o ServerOpts) error {
	h := s.Host()
	l.StopServer(ctx, s)

	if o.Datapath.Userspace() {
		if err := l.WriteNetConfig(ctx, s); err != nil {
			return err
		}
		if err := l.StartIOKernel(ctx, s); err != nil {
			return err
		}
	}

	res, err := s.Run(ctx, remote.CommandSpec{
		Cmd:        ServerArgs(o),
		Dir:        l.Root,
		Sudo:       true,
		Background: true,
		Stdout:     o.Prefix + ".out",
		Stderr:     o.Prefix + ".err",
	})
	if err := remote.Check(res, err, "spawn server", h.Addr); err != nil {
		return err
	}

	l.Log.Info().Str("host", h.Addr).Msg("wait for kvserver check")
	if err := sleep(ctx, l.Settle.Server); err != nil {
		return err
	}
	return remote.ProcessExists(ctx, s, ServerProcess, path.Join(l.Root, o.Prefix+".err"))
}

// RunClient runs one measurement client on s to completion. The client
// writes <prefix>0.{out,err,data,trace} under the tree.
func (l *Lifecycle) RunClient(ctx context.Context, s remote.Session, o ClientOpts, prefix string, timeout time.Duration) error {
	h := s.Host()
	l.StopIOKernel(ctx, s)
	defer l.StopIOKernel(ctx, s)

	if o.Datapath.Userspace() {
		if err := l.WriteNetConfig(ctx, s); err != nil {
			return err
		}
		if err := l.StartIOKernel(ctx, s); err != nil {
			return err
		}
	}

	o.OutFile = prefix + "0.data"
	l.Log.Info().Str("host", h.Addr).Msgf("client starting, timeout %v -> %s0.out", timeout, prefix)
	res, err := s.Run(ctx, remote.CommandSpec{
		Cmd:     ClientArgs(o),
		Dir:     l.Root,
		Stdout:  prefix + "0.out",
		Stderr:  prefix + "0.err",
		Timeout: timeout,
	})
	if err := remote.Check(res, err, "client", h.Addr); err != nil {
		return err
	}
	l.Log.Info().Str("host", h.Addr).Msg("client done")
	return nil
}

// RunLoads makes one priming attempt: start the iokernel if needed, run a
// loads-only client bounded by timeout, then stop the iokernel. The net
// config must already be installed.
func (l *Lifecycle) RunLoads(ctx context.Context, s remote.Session, o ClientOpts, prefix string, timeout time.Duration) error {
	defer l.StopIOKernel(ctx, s)
	if o.Datapath.Userspace() {
		if err := l.StartIOKernel(ctx, s); err != nil {
			return err
		}
	}
	o.LoadsOnly = true
	res, err := s.Run(ctx, remote.CommandSpec{
		Cmd:     ClientArgs(o),
		Dir:     l.Root,
		Stdout:  prefix + ".out",
		Stderr:  prefix + ".err",
		Timeout: timeout,
	})
	return remote.Check(res, err, "loads", s.Host().Addr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PrimingPause waits before a priming attempt.
func (l *Lifecycle) PrimingPause(ctx context.Context) error {
	return sleep(ctx, l.Settle.Priming)
}

// Warmup waits for the server to warm up before the first client starts.
func (l *Lifecycle) Warmup(ctx context.Context) error {
	return sleep(ctx, l.Settle.Warmup)
}
