package service

import (
	"fmt"
	"strings"

	"github.com/deixis/shardbench/internal/grid"
)

// ServerOpts parameterizes one kv-server launch.
type ServerOpts struct {
	Addr        string // experiment address the server binds
	StoreAddr   string
	Shards      int
	Datapath    grid.Datapath
	ServerBatch string
	StackFrag   bool
	Prefix      string // artifact prefix relative to the tree
}

// ServerArgs renders the kv-server command line.
func ServerArgs(o ServerOpts) string {
	args := []string{
		"RUST_LOG=info,kvstore=debug,bertha=debug",
		"./target/release/" + ServerProcess + o.Datapath.ServerSuffix(),
		"--ip-addr", o.Addr,
		"--port", fmt.Sprint(ServerPort),
		"--num-shards", fmt.Sprint(o.Shards),
		"--redis-addr=" + o.StoreAddr,
		"-s", NetConfigFile,
		"--batch-mode=" + o.ServerBatch,
	}
	if o.StackFrag {
		args = append(args, "--fragment-stack")
	}
	args = append(args, "--log", "--trace-time="+o.Prefix+".trace")
	return strings.Join(args, " ")
}

// ClientOpts parameterizes one load generator invocation.
type ClientOpts struct {
	Datapath     grid.Datapath
	ServerAddr   string
	StoreAddr    string
	Interarrival int // µs per client thread
	Workload     string
	OutFile      string // data file; empty for priming
	ClientBatch  int
	Poisson      bool
	ShardType    grid.ShardType
	StackFrag    bool
	LoadsOnly    bool // priming run; otherwise loads are skipped
}

// ClientArgs renders the load generator command line.
func ClientArgs(o ClientOpts) string {
	args := []string{
		"RUST_LOG=info,ycsb=debug,bertha=debug",
		"./target/release/ycsb" + o.Datapath.ClientSuffix(),
		fmt.Sprintf("--addr %s:%d", o.ServerAddr, ServerPort),
		"--redis-addr=" + o.StoreAddr,
		"-i", fmt.Sprint(o.Interarrival),
		"--accesses", o.Workload,
	}
	if o.OutFile != "" {
		args = append(args, "--out-file="+o.OutFile)
	}
	args = append(args, "-s", NetConfigFile)
	if o.ClientBatch != 0 {
		args = append(args, fmt.Sprintf("--max-send-batching=%d", o.ClientBatch))
	}
	if o.Poisson {
		args = append(args, "--poisson-arrivals")
	}
	if a := o.ShardType.ClientArg(); a != "" {
		args = append(args, a)
	}
	if o.StackFrag {
		args = append(args, "--fragment-stack")
	}
	args = append(args, "--logging", "--tracing")
	if o.LoadsOnly {
		args = append(args, "--loads-only")
	} else {
		args = append(args, "--skip-loads")
	}
	return strings.Join(args, " ")
}
