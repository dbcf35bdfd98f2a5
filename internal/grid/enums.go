package grid

import (
	"fmt"
	"slices"
)

// ShardType is the responsibility split for routing requests to shards.
type ShardType string

const (
	ShardClient      ShardType = "client"
	ShardServer      ShardType = "server"
	ShardXDPServer   ShardType = "xdpserver"
	ShardDynamic     ShardType = "dyn"
	ShardBasicClient ShardType = "basicclient"
)

// ShardTypes lists every known sharding strategy.
var ShardTypes = []ShardType{ShardClient, ShardServer, ShardXDPServer, ShardDynamic, ShardBasicClient}

// ParseShardType validates s.
func ParseShardType(s string) (ShardType, error) {
	t := ShardType(s)
	if !slices.Contains(ShardTypes, t) {
		return "", fmt.Errorf("unknown shardtype %q (want one of %v)", s, ShardTypes)
	}
	return t, nil
}

// NeedsShardCtl reports whether the strategy routes on the server side or
// dynamically and therefore needs the shard controller running.
func (t ShardType) NeedsShardCtl() bool {
	switch t {
	case ShardServer, ShardXDPServer, ShardDynamic:
		return true
	}
	return false
}

// ClientArg is the load generator flag selecting the strategy.
func (t ShardType) ClientArg() string {
	switch t {
	case ShardClient:
		return "--use-clientsharding"
	case ShardBasicClient:
		return "--use-basicclient"
	}
	return ""
}

// Datapath is the I/O stack a server/client pair uses.
type Datapath string

const (
	// DatapathShenango is the userspace kernel-bypass runtime.
	DatapathShenango Datapath = "shenango_channel"
	DatapathKernel   Datapath = "kernel"
)

// Datapaths lists every known datapath.
var Datapaths = []Datapath{DatapathShenango, DatapathKernel}

// ParseDatapath validates s.
func ParseDatapath(s string) (Datapath, error) {
	d := Datapath(s)
	if !slices.Contains(Datapaths, d) {
		return "", fmt.Errorf("unknown datapath %q (want one of %v)", s, Datapaths)
	}
	return d, nil
}

// Userspace reports whether the datapath depends on the iokernel.
func (d Datapath) Userspace() bool { return d == DatapathShenango }

// ServerSuffix selects the kv-server binary variant.
func (d Datapath) ServerSuffix() string {
	if d == DatapathKernel {
		return "-kernel"
	}
	return "-noebpf"
}

// ClientSuffix selects the load generator binary variant.
func (d Datapath) ClientSuffix() string {
	if d == DatapathKernel {
		return "-kernel"
	}
	return "-shenango"
}

// WorkloadKind names a key distribution offered by the experiment file.
type WorkloadKind string

const (
	WorkloadZipf    WorkloadKind = "zipf"
	WorkloadUniform WorkloadKind = "uniform"
)

// WorkloadKinds lists every known workload kind.
var WorkloadKinds = []WorkloadKind{WorkloadZipf, WorkloadUniform}

// ParseWorkloadKind validates s.
func ParseWorkloadKind(s string) (WorkloadKind, error) {
	k := WorkloadKind(s)
	if !slices.Contains(WorkloadKinds, k) {
		return "", fmt.Errorf("unknown workload %q (want one of %v)", s, WorkloadKinds)
	}
	return k, nil
}
