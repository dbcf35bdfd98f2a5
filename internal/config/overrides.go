package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/deixis/shardbench/internal/grid"
)

// Overrides carries command-line values that replace file values when set.
type Overrides struct {
	Server     string   // exp[@access[/alt]]
	Clients    []string // same form as Server
	Shards     []int
	ShardTypes []string
	Datapaths  []string
	Workloads  []string // kinds looked up in [exp.workloads]
}

// Apply replaces file values with the set fields of o. Unknown workload
// kinds are reported as a ValidationError.
func (c *Config) Apply(o Overrides) error {
	if o.Server != "" {
		m, err := ParseMachine(o.Server)
		if err != nil {
			return err
		}
		c.Machines.Server = m
	}
	if len(o.Clients) > 0 {
		c.Machines.Clients = c.Machines.Clients[:0]
		for _, s := range o.Clients {
			m, err := ParseMachine(s)
			if err != nil {
				return err
			}
			c.Machines.Clients = append(c.Machines.Clients, m)
		}
	}
	if len(o.Shards) > 0 {
		c.Exp.Shards = o.Shards
	}
	if len(o.ShardTypes) > 0 {
		c.Exp.ShardType = o.ShardTypes
	}
	if len(o.Datapaths) > 0 {
		c.Exp.Datapath = o.Datapaths
	}
	if len(o.Workloads) > 0 {
		var wrk []string
		for _, k := range o.Workloads {
			kind, err := grid.ParseWorkloadKind(k)
			if err != nil {
				return &ValidationError{Problems: []string{err.Error()}}
			}
			path, ok := c.Exp.Workloads[string(kind)]
			if !ok {
				return &ValidationError{Problems: []string{
					fmt.Sprintf("workload %s has no file in exp.workloads", kind),
				}}
			}
			wrk = append(wrk, path)
		}
		c.Exp.Wrk = wrk
	}
	return nil
}

// ParseMachine parses exp[@access[/alt]].
func ParseMachine(s string) (Machine, error) {
	exp, rest, _ := strings.Cut(strings.TrimSpace(s), "@")
	access, alt, _ := strings.Cut(rest, "/")
	if exp == "" {
		return Machine{}, fmt.Errorf("machine %q: missing exp address", s)
	}
	return Machine{Exp: exp, Access: access, Alt: alt}, nil
}

// SplitList splits a comma-separated flag value, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// SplitInts splits a comma-separated list of integers.
func SplitInts(s string) ([]int, error) {
	var out []int
	for _, f := range SplitList(s) {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}
