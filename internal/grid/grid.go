package grid

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MinClientTimeout bounds client deadlines from below.
const MinClientTimeout = 180 * time.Second

// Params holds the value lists swept by an experiment.
type Params struct {
	Datapaths   []Datapath
	StackFrag   []bool
	Workloads   []string
	Shards      []int
	ShardTypes  []ShardType
	Poisson     []bool
	Loads       []int
	ClientBatch []int
	ServerBatch []string
	Iterations  int
}

// Enumerate returns the Cartesian product of p. Points are ordered with
// datapath outermost and iteration innermost.
func Enumerate(p Params) []Point {
	iters := max(p.Iterations, 1)
	var points []Point
	for _, dp := range p.Datapaths {
		for _, frag := range p.StackFrag {
			for _, w := range p.Workloads {
				for _, s := range p.Shards {
					for _, t := range p.ShardTypes {
						for _, poisson := range p.Poisson {
							for _, ops := range p.Loads {
								for _, cb := range p.ClientBatch {
									for _, sb := range p.ServerBatch {
										for i := range iters {
											points = append(points, Point{
												Datapath:    dp,
												Shards:      s,
												ShardType:   t,
												Ops:         ops,
												Poisson:     poisson,
												ClientBatch: cb,
												ServerBatch: sb,
												StackFrag:   frag,
												Workload:    w,
												Iter:        i,
											})
										}
									}
								}
							}
						}
					}
				}
			}
		}
	}
	return points
}

// Decision is the planned action for one point.
type Decision struct {
	Point    Point
	Skip     bool
	DataFile string // local marker file checked for completion
}

// Plan decides per point whether prior output already exists. exists is
// consulted only when overwrite is false.
func Plan(points []Point, outdir, firstClient string, overwrite bool, exists func(string) bool) []Decision {
	out := make([]Decision, len(points))
	for i, p := range points {
		data := p.FirstClientData(outdir, firstClient)
		out[i] = Decision{
			Point:    p,
			DataFile: data,
			Skip:     !overwrite && exists(data),
		}
	}
	return out
}

// FileExists reports whether path exists on the local filesystem.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Interarrival converts an aggregate offered load into the pacing
// interval of one client thread, in microseconds, rounded down.
func Interarrival(threadsPerProc, clientMachines, opsPerSec int) int {
	if opsPerSec <= 0 {
		return 0
	}
	return threadsPerProc * clientMachines * 1_000_000 / opsPerSec
}

// ClientTimeout is twice the time needed to issue records requests at
// interarrivalUs, in whole seconds, and never less than MinClientTimeout.
func ClientTimeout(records, interarrivalUs int) time.Duration {
	secs := int64(records) * int64(interarrivalUs) * 2 / 1_000_000
	return max(time.Duration(secs)*time.Second, MinClientTimeout)
}

// CountRecords counts the lines of a local workload file. A leading "~/"
// is expanded against the home directory.
func CountRecords(workload string) (int, error) {
	f, err := os.Open(ExpandHome(workload))
	if err != nil {
		return 0, fmt.Errorf("opening workload: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("reading workload %s: %w", workload, err)
	}
	return n, nil
}

// ExpandHome replaces a leading "~/" with the current home directory.
func ExpandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
