// Package report persists the run ledger: one record per grid point run
// or skipped, and one per capacity probe. Records are stored as typed
// structs and can be listed or filtered by point key.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies the type of a record.
type Kind string

const (
	// Run is one grid point.
	Run Kind = "run"
	// Probe is one capacity search.
	Probe Kind = "probe"
)

// Store persists and retrieves records.
type Store interface {
	Save(rec *RunRecord) error
	Load(id string) (*RunRecord, error)
	List() ([]*RunRecord, error)
}

// RunRecord is one ledger entry.
type RunRecord struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Key  string `json:"key"` // grid point key

	// Point fields.
	Datapath    string `json:"datapath"`
	Shards      int    `json:"shards"`
	ShardType   string `json:"shardtype"`
	Ops         int    `json:"ops"`
	Poisson     bool   `json:"poisson"`
	ClientBatch int    `json:"client_batch"`
	ServerBatch string `json:"server_batch"`
	StackFrag   bool   `json:"stack_frag"`
	Workload    string `json:"workload"`
	Iter        int    `json:"iter"`

	// Run fields.
	State           string   `json:"state,omitempty"`
	Skipped         bool     `json:"skipped,omitempty"`
	Interarrival    int      `json:"interarrival_us,omitempty"`
	TimeoutSec      int      `json:"timeout_s,omitempty"`
	PrimingAttempts int      `json:"priming_attempts,omitempty"`
	Missing         []string `json:"missing,omitempty"`
	Err             string   `json:"error,omitempty"`
	Revision        string   `json:"revision,omitempty"`

	// Probe fields.
	Low      int         `json:"low,omitempty"`
	High     int         `json:"high,omitempty"`
	Capacity int         `json:"capacity,omitempty"`
	Steps    []ProbeStep `json:"steps,omitempty"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// ProbeStep is one load tried during a probe.
type ProbeStep struct {
	Ops    int  `json:"ops"`
	Passed bool `json:"passed"`
}

// Duration is the wall time of the run.
func (r *RunRecord) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Summary is a one-line description of the record.
func (r *RunRecord) Summary() string {
	switch r.Kind {
	case Probe:
		return fmt.Sprintf("%s probe %s: capacity %d ops/s (%d steps)", r.ID, r.Key, r.Capacity, len(r.Steps))
	default:
		status := r.State
		if r.Skipped {
			status = "skipped"
		}
		if r.Err != "" {
			status = "failed: " + r.Err
		}
		s := fmt.Sprintf("%s %s: %s", r.ID, r.Key, status)
		if len(r.Missing) > 0 {
			s += fmt.Sprintf(" (%d missing)", len(r.Missing))
		}
		return s
	}
}

// ByKey returns the records whose point key contains substr, newest first.
func ByKey(records []*RunRecord, substr string) []*RunRecord {
	var out []*RunRecord
	for _, r := range records {
		if strings.Contains(r.Key, substr) {
			out = append(out, r)
		}
	}
	SortNewest(out)
	return out
}

// SortNewest orders records by start time, newest first.
func SortNewest(records []*RunRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Started.After(records[j].Started)
	})
}
