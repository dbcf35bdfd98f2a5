// Package grid enumerates the experiment parameter space and derives the
// per-point quantities the coordinator needs: output names, client pacing
// and client deadlines.
package grid

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Point is one combination of the sweep parameters.
type Point struct {
	Datapath    Datapath
	Shards      int
	ShardType   ShardType
	Ops         int // offered load, ops/sec across all clients
	Poisson     bool
	ClientBatch int
	ServerBatch string
	StackFrag   bool
	Workload    string // path of the <name>-<concurrency>.access file
	Iter        int
}

// WorkloadName is the workload file name without directory or extension.
func (p Point) WorkloadName() string {
	return WorkloadName(p.Workload)
}

// Key is the composite identity of the point. It names every artifact of
// the run and decides whether a run can be skipped.
func (p Point) Key() string {
	return fmt.Sprintf("%s-%d-%sshard-%d-poisson=%s-client_batch=%d-server_batch=%s-stackfrag=%s-%s-%d",
		p.Datapath, p.Shards, p.ShardType, p.Ops,
		pyBool(p.Poisson), p.ClientBatch, p.ServerBatch, pyBool(p.StackFrag),
		p.WorkloadName(), p.Iter)
}

// ServerPrefix is the artifact prefix of the kv-server under outdir.
func (p Point) ServerPrefix(outdir string) string {
	return path.Join(outdir, p.Key()+"-kvserver")
}

// ClientPrefix is the artifact prefix shared by clients under outdir.
func (p Point) ClientPrefix(outdir string) string {
	return path.Join(outdir, p.Key()+"-client")
}

// LoadsPrefix is the artifact prefix of the priming client.
func (p Point) LoadsPrefix(outdir string) string {
	return p.ClientPrefix(outdir) + "-loads"
}

// ClientFile is the remote path of client num's artifact with ext.
func (p Point) ClientFile(outdir string, num int, ext string) string {
	return fmt.Sprintf("%s%d.%s", p.ClientPrefix(outdir), num, ext)
}

// LocalClientFile is where client num's artifact from addr is stored locally.
func (p Point) LocalClientFile(outdir string, num int, addr, ext string) string {
	return fmt.Sprintf("%s%d-%s.%s", p.ClientPrefix(outdir), num, addr, ext)
}

// FirstClientData is the local data file of the first client; its
// existence marks the point as complete.
func (p Point) FirstClientData(outdir, addr string) string {
	return p.LocalClientFile(outdir, 0, addr, "data")
}

func (p Point) String() string {
	return fmt.Sprintf("datapath = %s, num_shards = %d, shardtype = %s, client_batch = %d, server_batch = %s, stack_fragmentation = %t, load = %d ops/s",
		p.Datapath, p.Shards, p.ShardType, p.ClientBatch, p.ServerBatch, p.StackFrag, p.Ops)
}

// WorkloadName strips directory and extensions from a workload path.
func WorkloadName(workload string) string {
	name := path.Base(workload)
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	return name
}

// ClientThreads parses the per-process client thread count from a
// workload named <name>-<concurrency>.access.
func ClientThreads(workload string) (int, error) {
	name := WorkloadName(workload)
	i := strings.LastIndex(name, "-")
	if i < 0 || !strings.HasSuffix(workload, ".access") {
		return 0, fmt.Errorf("workload file should be <name>-<concurrency>.access, got %s", workload)
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("workload %s: bad concurrency %q", workload, name[i+1:])
	}
	return n, nil
}

// pyBool renders b the way existing artifact names spell it.
func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
